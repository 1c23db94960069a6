package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"meshd/config"
	"meshd/engine"
	"meshd/observability/logging"
	telemetry "meshd/observability/otel"
	"meshd/server"
	"meshd/transport"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "meshd.yaml", "path to meshd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("meshd: load config: %v", err)
	}

	var fileCfg *logging.FileConfig
	if cfg.Log.File != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	logger := logging.Setup("meshd", cfg.Log.Env, fileCfg)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if otlpEndpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "meshd",
			Environment: cfg.Log.Env,
			Endpoint:    otlpEndpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Traces:      true,
			Metrics:     true,
		})
		if err != nil {
			log.Fatalf("meshd: init telemetry: %v", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	// The group-chat transport is host-injected in embedded deployments; the
	// standalone binary logs outbound lines until one is wired.
	sender := transport.SenderFunc(func(_ context.Context, chatID int64, text string) error {
		logger.Info("outbound", "chat_id", chatID, "text", text)
		return nil
	})

	eng, err := engine.New(cfg, sender, engine.WithEngineLogger(logger))
	if err != nil {
		log.Fatalf("meshd: engine: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(rootCtx); err != nil {
		log.Fatalf("meshd: start: %v", err)
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			logger.Error("engine stop failed", "error", err.Error())
		}
	}()

	api := server.New(eng.Coordinator(), logger)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("operator API listening", "listen", cfg.Server.Listen)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("meshd: http server: %v", err)
	}
}
