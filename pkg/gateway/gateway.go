// Package gateway terminates client connections: session token issuance, the
// live streaming WebSocket endpoint, one-shot synthesis, and the static web
// UI with its nonce handshake.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/silviot/deepgram_live_proxy_go/pkg/config"
	"github.com/silviot/deepgram_live_proxy_go/pkg/deepgram"
	"github.com/silviot/deepgram_live_proxy_go/pkg/frame"
	"github.com/silviot/deepgram_live_proxy_go/pkg/metrics"
	"github.com/silviot/deepgram_live_proxy_go/pkg/relay"
	"github.com/silviot/deepgram_live_proxy_go/pkg/token"
)

// dialFunc opens the provider link for a validated start frame. Swappable so
// tests can count dials and substitute fakes.
type dialFunc func(ctx context.Context, cfg deepgram.Config, sc frame.StartConfig) (relay.Upstream, error)

func defaultDial(ctx context.Context, cfg deepgram.Config, sc frame.StartConfig) (relay.Upstream, error) {
	link, err := deepgram.Open(ctx, cfg, sc)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// Server holds the gateway's dependencies and HTTP handlers.
type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *metrics.Collector
	issuer       *token.Issuer
	nonces       *token.NonceStore
	manager      *relay.Manager
	rest         *deepgram.RESTClient
	upgrader     websocket.Upgrader
	requireNonce bool
	dial         dialFunc
}

// NewServer wires the gateway from the loaded configuration.
func NewServer(cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	// Nonce checks only make sense with a stable secret shared across
	// restarts; with the per-process fallback every restart would orphan
	// the tokens anyway.
	secret := cfg.Auth.SessionSecret
	requireNonce := secret != ""
	if secret == "" {
		secret = token.RandomSecret()
		logger.Warn("no session secret configured, using a random per-process secret; nonce validation disabled")
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		issuer:  token.NewIssuer(secret, cfg.Auth.TokenTTL),
		nonces:  token.NewNonceStore(cfg.Auth.NonceTTL),
		manager: relay.NewManager(cfg.Session.MaxSessions, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI may be served from a different origin during
			// development; token auth is what gates the endpoint.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		requireNonce: requireNonce,
		dial:         defaultDial,
	}
	s.rest = deepgram.NewRESTClient(s.providerConfig())
	return s
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("POST /api/text-to-speech", s.handleTextToSpeech)
	mux.HandleFunc("GET /api/metadata", s.handleMetadata)
	mux.HandleFunc("GET /", s.handleStatic)
	return allowCORS(mux)
}

// Sessions exposes the session manager for shutdown coordination.
func (s *Server) Sessions() *relay.Manager {
	return s.manager
}

// providerConfig maps the loaded configuration onto the provider client.
func (s *Server) providerConfig() deepgram.Config {
	return deepgram.Config{
		APIKey:           s.cfg.Provider.APIKey,
		ListenURL:        s.cfg.Provider.ListenURL,
		SpeakURL:         s.cfg.Provider.SpeakURL,
		SpeakRESTURL:     s.cfg.Provider.SpeakRESTURL,
		HandshakeTimeout: s.cfg.Provider.HandshakeTimeout,
		QueueSize:        s.cfg.Session.QueueSize,
		StallTimeout:     s.cfg.Session.StallTimeout,
		WriteTimeout:     s.cfg.Session.WriteTimeout,
		IdleTimeout:      s.cfg.Session.IdleTimeout,
		Logger:           s.logger,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "ok",
		"active_sessions": s.manager.Len(),
	})
}
