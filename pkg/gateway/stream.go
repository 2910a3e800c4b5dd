package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/deepgram_live_proxy_go/pkg/frame"
	"github.com/silviot/deepgram_live_proxy_go/pkg/relay"
)

// handleStream upgrades the client connection and runs a relay session until
// either side ends it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if code, msg := s.authenticate(r); code != "" {
		s.writeError(w, http.StatusUnauthorized, errTypeAuth, code, msg)
		return
	}
	if s.manager.Len() >= s.cfg.Session.MaxSessions {
		s.writeError(w, http.StatusServiceUnavailable, errTypeSession, "CAPACITY",
			"Too many concurrent sessions, try again later")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn, wsClientOptions{
		ReadLimit:    s.cfg.Session.MaxFrameBytes,
		ReadTimeout:  s.cfg.Session.IdleTimeout,
		WriteTimeout: s.cfg.Session.WriteTimeout,
	})
	s.runSession(r, client)
}

// runSession performs the start handshake, opens the provider link, and
// relays until the session ends. The client always hears why the session
// ended before the connection closes.
func (s *Server) runSession(r *http.Request, client *wsClient) {
	id := uuid.NewString()
	logger := s.logger.With("session", id)

	sc, err := s.acceptStart(client)
	if err != nil {
		logger.Warn("session rejected", "error", err)
		client.WriteFrame(terminalFrame(frame.ReasonConfigError, err.Error()))
		client.Close()
		return
	}
	logger.Info("session accepted", "mode", sc.Mode, "model", sc.Model)

	dialStart := time.Now()
	link, err := s.dial(r.Context(), s.providerConfig(), sc)
	if err != nil {
		logger.Error("provider dial failed", "error", err)
		client.WriteFrame(terminalFrame(frame.ReasonUpstreamUnavailable, "speech provider unavailable"))
		client.Close()
		return
	}
	s.metrics.UpstreamConnected(time.Since(dialStart))

	sess := relay.New(relay.Config{
		ID:          id,
		Client:      client,
		Upstream:    link,
		IdleTimeout: s.cfg.Session.IdleTimeout,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err := s.manager.Add(sess); err != nil {
		logger.Warn("session rejected", "error", err)
		client.WriteFrame(terminalFrame(frame.ReasonSessionClosed, "server is at capacity"))
		link.Close(frame.ReasonSessionClosed)
		client.Close()
		return
	}
	defer s.manager.Remove(id)

	// The client hears that its session is live before any provider traffic.
	// If this write fails the relay discovers the dead connection on its own.
	if err := client.WriteFrame(acceptedFrame(id, sc)); err != nil {
		logger.Debug("session acceptance not delivered", "error", err)
	}

	reason := sess.Run()
	logger.Info("session finished", "reason", reason)
}

func acceptedFrame(id string, sc frame.StartConfig) frame.Frame {
	data, _ := json.Marshal(map[string]interface{}{
		"event":      "session.started",
		"session_id": id,
		"mode":       sc.Mode,
		"model":      sc.Model,
	})
	return frame.Frame{Type: frame.TypeControl, Control: frame.Control{Kind: frame.KindMetadata, Data: data}}
}

// acceptStart reads the first client frame, which must be a valid start
// control frame, within the start timeout. No provider connection is
// attempted until the parameters have been validated.
func (s *Server) acceptStart(client *wsClient) (frame.StartConfig, error) {
	f, err := client.ReadFrameTimeout(s.cfg.Session.StartTimeout)
	if err != nil {
		return frame.StartConfig{}, fmt.Errorf("no start frame received: %w", err)
	}
	if f.Type != frame.TypeControl || f.Control.Kind != frame.KindStart {
		return frame.StartConfig{}, &frame.ConfigError{Field: "type", Msg: "first frame must be a start control frame"}
	}

	sc := f.Control.StartConfig()
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		return frame.StartConfig{}, err
	}
	if s.cfg.Provider.APIKey == "" {
		return frame.StartConfig{}, &frame.ConfigError{Field: "api_key", Msg: "provider API key is not configured"}
	}
	return sc, nil
}

func terminalFrame(reason frame.Reason, message string) frame.Frame {
	return frame.Frame{Type: frame.TypeControl, Control: frame.Terminal(reason, message)}
}
