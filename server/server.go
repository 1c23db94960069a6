// Package server exposes the operator HTTP API over the coordination engine:
// the five tool operations plus health and metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meshd/engine"
	"meshd/protocol"
)

// Server wraps the coordinator tool surface in an HTTP router.
type Server struct {
	coordinator *engine.Coordinator
	log         *slog.Logger
	router      http.Handler
}

// New constructs the configured router.
func New(coordinator *engine.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{coordinator: coordinator, log: logger}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/mesh", func(api chi.Router) {
		api.Post("/register", s.handleRegister)
		api.Post("/broadcast", s.handleBroadcast)
		api.Post("/offer", s.handleOffer)
		api.Post("/settle", s.handleSettle)
		api.Get("/peers", s.handlePeers)
	})
	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	peer, err := s.coordinator.Register(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "peer": peer})
}

type broadcastRequest struct {
	Skill         string          `json:"skill"`
	Payload       json.RawMessage `json:"payload"`
	Budget        string          `json:"budget"`
	Deadline      int64           `json:"deadline"`
	MinReputation int64           `json:"minReputation"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	budget, err := protocol.ParseDecimal(req.Budget)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid budget"))
		return
	}
	intent, err := s.coordinator.Broadcast(r.Context(), engine.BroadcastParams{
		Skill:         req.Skill,
		Payload:       req.Payload,
		Budget:        budget,
		Deadline:      req.Deadline,
		MinReputation: req.MinReputation,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "intent": intent})
}

type offerRequest struct {
	IntentID string `json:"intentId"`
	Fee      string `json:"fee"`
	ETA      string `json:"eta"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	fee, err := protocol.ParseDecimal(req.Fee)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid fee"))
		return
	}
	offer, err := s.coordinator.Offer(r.Context(), engine.OfferParams{
		IntentID: req.IntentID,
		Fee:      fee,
		ETA:      req.ETA,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "offer": offer})
}

type settleRequest struct {
	IntentID string `json:"intentId"`
	TxHash   string `json:"txHash"`
	Outcome  string `json:"outcome"`
	Rating   int64  `json:"rating"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	deal, err := s.coordinator.Settle(r.Context(), engine.SettleParams{
		IntentID: req.IntentID,
		TxHash:   req.TxHash,
		Outcome:  req.Outcome,
		Rating:   req.Rating,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deal": deal})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.coordinator.Peers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "peers": peers})
}

// writeError maps the engine error taxonomy onto HTTP statuses: validation
// to 400, precondition and verification failures to 409, everything else to
// 502.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation   *engine.ValidationError
		precondition *engine.PreconditionError
		verification *engine.VerificationError
	)
	switch {
	case errors.As(err, &validation):
		s.writeJSON(w, http.StatusBadRequest, errorBody(validation.Msg))
	case errors.As(err, &precondition):
		s.writeJSON(w, http.StatusConflict, errorBody(precondition.Reason))
	case errors.As(err, &verification):
		s.writeJSON(w, http.StatusConflict, errorBody(verification.Error()))
	default:
		s.log.Error("tool operation failed", slog.String("error", err.Error()))
		s.writeJSON(w, http.StatusBadGateway, errorBody("backend failure"))
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", slog.String("error", err.Error()))
	}
}
