// Package server exposes the HTTP API: auth, bot lifecycle, position
// queries, strategy presets, ML passthrough and the event streams.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/dlmmbot/dlmmbot/internal/auth"
	"github.com/dlmmbot/dlmmbot/internal/events"
	"github.com/dlmmbot/dlmmbot/internal/orchestrator"
	"github.com/dlmmbot/dlmmbot/internal/ports"
)

const (
	maxBotsPerUser    = 10
	maxPresetsPerUser = 20
)

// MLClient is the predictor surface the API exposes. Reload is an admin
// passthrough the engine itself never calls.
type MLClient interface {
	ports.Predictor
	Reload(ctx context.Context) error
}

// Server wires every HTTP handler to the daemon's services.
type Server struct {
	store      ports.Storage
	orch       *orchestrator.Orchestrator
	auth       *auth.Service
	events     *events.Bus
	ml         MLClient
	log        *slog.Logger
	upgrader   websocket.Upgrader
	cors       []string
	production bool
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins sets the allowed origins. An empty list allows any origin,
// which config rejects in production.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.cors = origins }
}

// WithProduction enables response hardening: internal errors are elided from
// response bodies.
func WithProduction() Option {
	return func(s *Server) { s.production = true }
}

// New builds the API server. ml may be nil when no predictor is configured;
// the ML routes then answer 503.
func New(store ports.Storage, orch *orchestrator.Orchestrator, authsvc *auth.Service, bus *events.Bus, ml MLClient, log *slog.Logger, opts ...Option) *Server {
	s := &Server{
		store:    store,
		orch:     orch,
		auth:     authsvc,
		events:   bus,
		ml:       ml,
		log:      log.With("component", "server"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the full handler chain: request-id → recover → CORS → mux,
// with bearer auth applied per protected route.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /auth/challenge", s.handleAuthChallenge)
	mux.HandleFunc("POST /auth/verify", s.handleAuthVerify)
	mux.HandleFunc("POST /auth/refresh", s.handleAuthRefresh)

	mux.Handle("POST /bot/create", s.withAuth(s.handleBotCreate))
	mux.Handle("GET /bot/list", s.withAuth(s.handleBotList))
	mux.Handle("GET /bot/{botId}", s.withAuth(s.handleBotGet))
	mux.Handle("PUT /bot/{botId}/config", s.withAuth(s.handleBotUpdateConfig))
	mux.Handle("POST /bot/{botId}/start", s.withAuth(s.handleBotStart))
	mux.Handle("POST /bot/{botId}/stop", s.withAuth(s.handleBotStop))
	mux.Handle("POST /bot/{botId}/emergency", s.withAuth(s.handleBotEmergency))
	mux.Handle("DELETE /bot/{botId}", s.withAuth(s.handleBotDelete))

	mux.Handle("GET /position/active", s.withAuth(s.handlePositionsActive))
	mux.Handle("GET /position/history", s.withAuth(s.handlePositionsHistory))
	mux.Handle("GET /position/bot/{botId}", s.withAuth(s.handlePositionsByBot))
	mux.Handle("GET /position/{positionId}", s.withAuth(s.handlePositionGet))
	mux.Handle("POST /position/{positionId}/close", s.withAuth(s.handlePositionClose))

	mux.Handle("GET /events/stream", s.withAuth(s.handleEventStream))
	mux.Handle("GET /events/ws", s.withAuth(s.handleEventWS))

	mux.Handle("GET /ml/health", s.withAuth(s.handleMLHealth))
	mux.Handle("POST /ml/predict", s.withAuth(s.handleMLPredict))
	mux.Handle("POST /ml/reload", s.withAuth(s.handleMLReload))
	mux.Handle("GET /ml/feedback", s.withAuth(s.handleMLFeedback))

	mux.Handle("GET /presets", s.withAuth(s.handlePresetList))
	mux.Handle("POST /presets", s.withAuth(s.handlePresetCreate))
	mux.Handle("DELETE /presets/{id}", s.withAuth(s.handlePresetDelete))

	return s.withRequestID(s.withRecover(s.withCORS(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"running_bots": s.orch.RunningCount(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
