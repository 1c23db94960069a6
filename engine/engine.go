package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"meshd/config"
	"meshd/observability/metrics"
	"meshd/protocol"
	"meshd/ranker"
	"meshd/reputation"
	"meshd/storage"
	"meshd/transport"
)

// Engine owns the process lifecycle: it selects the storage backend, resolves
// the trust mode, wires the coordinator and scheduler, and supervises
// start/stop.
type Engine struct {
	cfg         config.Config
	store       storage.Store
	rep         *reputation.Client
	coordinator *Coordinator
	scheduler   *Scheduler
	log         *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// EngineOption customizes engine construction.
type EngineOption func(*engineDeps)

type engineDeps struct {
	host     reputation.Backend
	txSource reputation.TxSource
	logger   *slog.Logger
	store    storage.Store
}

// WithChainAdapter wires the host-injected on-chain registry adapter.
func WithChainAdapter(host reputation.Backend) EngineOption {
	return func(d *engineDeps) { d.host = host }
}

// WithTxSource wires the chain transaction source for payment verification.
func WithTxSource(source reputation.TxSource) EngineOption {
	return func(d *engineDeps) { d.txSource = source }
}

// WithEngineLogger attaches a structured logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(d *engineDeps) { d.logger = logger }
}

// WithStore overrides backend selection with a prebuilt store, for tests.
func WithStore(store storage.Store) EngineOption {
	return func(d *engineDeps) { d.store = store }
}

// New wires an engine from configuration. The sender is the outbound half of
// the group-chat transport.
func New(cfg config.Config, sender transport.Sender, opts ...EngineOption) (*Engine, error) {
	deps := engineDeps{}
	for _, opt := range opts {
		opt(&deps)
	}
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}

	store := deps.store
	if store == nil {
		var err error
		store, err = openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	strict := cfg.Chain.StrictChain ||
		cfg.Chain.Mode == config.ModeProduction || cfg.Chain.Mode == config.ModeMainnet
	allowLocal := cfg.Chain.AllowLocalFallback == nil || *cfg.Chain.AllowLocalFallback
	repOpts := []reputation.ClientOption{
		reputation.WithStrictChain(strict),
		reputation.WithLocalFallbackAllowed(allowLocal),
	}
	if deps.host != nil {
		repOpts = append(repOpts, reputation.WithHostBackend(deps.host))
	}
	rep := reputation.NewClient(repOpts...)
	verifier := reputation.NewVerifier(deps.txSource, strict)

	minFee, err := protocol.ParseDecimal(cfg.Agent.MinFee)
	if err != nil {
		return nil, fmt.Errorf("invalid min_fee: %w", err)
	}
	stake, err := protocol.ParseDecimal(cfg.Agent.Stake)
	if err != nil {
		return nil, fmt.Errorf("invalid stake: %w", err)
	}

	facade := transport.NewFacade(sender,
		transport.WithRetries(*cfg.Transport.SendRetries),
		transport.WithRetryBase(cfg.Transport.SendRetryBase.Duration),
		transport.WithLogger(logger),
	)

	m := metrics.Mesh()
	coordinator := NewCoordinator(store, rep, verifier, facade, logger, m, Options{
		OwnAddress:        cfg.Agent.Address,
		Skills:            cfg.Agent.Skills,
		MinFee:            minFee,
		Stake:             stake,
		ResponseTime:      cfg.Agent.ResponseTime,
		MeshGroupID:       cfg.Transport.MeshGroupID,
		ReplyChat:         cfg.Transport.ReplyChat,
		OperatorChatID:    cfg.Transport.OperatorChatID,
		WaitForDeadline:   cfg.Scheduler.WaitForDeadline == nil || *cfg.Scheduler.WaitForDeadline,
		MaxPayloadBytes:   cfg.Limits.MaxPayloadBytes,
		MaxIntentDeadline: cfg.Limits.MaxIntentDeadline.Duration,
		Rank:              ranker.Config{},
	})

	var scheduler *Scheduler
	if cfg.Scheduler.Enabled == nil || *cfg.Scheduler.Enabled {
		scheduler = NewScheduler(coordinator, store, cfg.Scheduler.Interval.Duration, logger, m)
	}

	return &Engine{
		cfg:         cfg,
		store:       store,
		rep:         rep,
		coordinator: coordinator,
		scheduler:   scheduler,
		log:         logger,
		done:        make(chan struct{}),
	}, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		store, err := storage.OpenSQL(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return store, nil
	case cfg.SupabaseURL != "":
		store, err := storage.NewRESTStore(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey)
		if err != nil {
			return nil, fmt.Errorf("open supabase: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// Coordinator exposes the tool surface.
func (e *Engine) Coordinator() *Coordinator { return e.coordinator }

// Store exposes the persistence layer.
func (e *Engine) Store() storage.Store { return e.store }

// Start runs migrations, optionally auto-registers the agent, and launches
// the scheduler. It is idempotent.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		if sqlStore, ok := e.store.(*storage.SQLStore); ok {
			if err := sqlStore.Migrate(); err != nil {
				startErr = fmt.Errorf("migrate: %w", err)
				return
			}
		}
		if e.cfg.Chain.AutoRegisterOnStart {
			if _, err := e.coordinator.Register(ctx); err != nil {
				e.log.Warn("auto-register failed", slog.String("error", err.Error()))
			}
		}
		runCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		if e.scheduler != nil {
			go func() {
				defer close(e.done)
				e.scheduler.Run(runCtx)
			}()
		} else {
			close(e.done)
		}
		e.log.Info("engine started",
			slog.String("address", e.cfg.Agent.Address),
			slog.String("mode", string(e.cfg.Chain.Mode)),
		)
	})
	return startErr
}

// Stop halts the scheduler and closes the store. It is idempotent.
func (e *Engine) Stop() error {
	var stopErr error
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		stopErr = e.store.Close()
		e.log.Info("engine stopped")
	})
	return stopErr
}
