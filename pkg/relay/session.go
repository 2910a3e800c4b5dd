// Package relay pumps frames bidirectionally between one client connection
// and its upstream provider link, and guarantees both sides come down
// together when either one stops.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/deepgram_live_proxy_go/pkg/deepgram"
	"github.com/silviot/deepgram_live_proxy_go/pkg/frame"
	"github.com/silviot/deepgram_live_proxy_go/pkg/metrics"
)

// ErrSessionClosed rejects operations on a session that has already entered
// a terminal state. Callers must treat it as a hard stop, not retry.
var ErrSessionClosed = errors.New("session closed")

// SessionState tracks a session's lifecycle.
type SessionState int32

const (
	StateInitializing SessionState = iota
	StateStreaming
	StateClosing
	StateClosed
)

// String returns a readable name for logging.
func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConn is the relay's view of the client connection. ReadFrame blocks
// until the next frame arrives; Ping keeps a quiet but healthy client from
// hitting its read deadline between frames.
type ClientConn interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(frame.Frame) error
	Ping() error
	Close() error
}

// Upstream is the relay's view of the provider link.
type Upstream interface {
	Send(frame.Frame) error
	Frames() <-chan frame.Frame
	Errors() <-chan error
	Close(reason frame.Reason) error
	Mode() string
}

// Config holds what a session needs to run.
type Config struct {
	ID          string
	Client      ClientConn
	Upstream    Upstream
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// Session owns the two forwarding loops relaying one client's frames to and
// from the provider. The state field is the only value shared between the
// loops; it moves through its transitions exactly once.
type Session struct {
	id       string
	mode     string
	client   ClientConn
	upstream Upstream
	logger   *slog.Logger
	metrics  *metrics.Collector

	state        atomic.Int32
	lastActivity atomic.Int64
	clientGone   atomic.Bool

	// reason and message are written once by whichever terminate call wins,
	// before it cancels the session context; Run reads them only after the
	// context is done.
	reason  frame.Reason
	message string

	idleTimeout time.Duration
	started     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New wires a session around an already-open upstream link. The session
// stays in Initializing until Run starts the forwarding loops.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          cfg.ID,
		mode:        cfg.Upstream.Mode(),
		client:      cfg.Client,
		upstream:    cfg.Upstream,
		logger:      cfg.Logger.With("session", cfg.ID),
		metrics:     cfg.Metrics,
		idleTimeout: cfg.IdleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateInitializing))
	s.touch()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Mode returns the session mode negotiated at start.
func (s *Session) Mode() string {
	return s.mode
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Done returns a channel closed once the session is fully closed and all
// resources are released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run starts both forwarding loops and blocks until the session reaches a
// terminal state. It returns the terminal reason.
func (s *Session) Run() frame.Reason {
	s.started = time.Now()
	s.metrics.SessionStarted(s.mode)
	s.logger.Info("session streaming", "mode", s.mode)

	if s.state.CompareAndSwap(int32(StateInitializing), int32(StateStreaming)) {
		s.wg.Add(3)
		go s.clientLoop()
		go s.providerLoop()
		go s.watchdog()
	}
	// terminate cancels the context only after recording the terminal
	// reason, so this wait also covers a Stop that won the state race
	// before the loops started.
	<-s.ctx.Done()

	// Closing the client connection unblocks a read the client loop may
	// still be sitting in.
	s.client.Close()
	s.wg.Wait()
	s.upstream.Close(s.reason)
	s.state.Store(int32(StateClosed))
	close(s.done)

	duration := time.Since(s.started)
	s.metrics.SessionClosed(s.mode, string(s.reason), duration)
	s.logger.Info("session closed", "reason", string(s.reason), "message", s.message,
		"duration", duration.Round(time.Millisecond))
	return s.reason
}

// Stop requests graceful shutdown from outside the forwarding loops and
// returns once the session has fully closed. Idempotent.
func (s *Session) Stop(reason frame.Reason, message string) {
	s.terminate(reason, message)
	<-s.done
}

// Send enqueues one client-origin frame for relaying. Fails with
// ErrSessionClosed once the session has entered a terminal state.
func (s *Session) Send(f frame.Frame) error {
	switch SessionState(s.state.Load()) {
	case StateClosing, StateClosed:
		return ErrSessionClosed
	}
	return s.upstream.Send(f)
}

// clientLoop pulls frames from the client and forwards them upstream until
// either side terminates.
func (s *Session) clientLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		f, err := s.client.ReadFrame()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// A malformed frame is the client's mistake, not a transport
			// failure: the connection can still carry the terminal frame.
			var cfgErr *frame.ConfigError
			if errors.As(err, &cfgErr) {
				s.terminate(frame.ReasonConfigError, cfgErr.Error())
				return
			}
			s.clientGone.Store(true)
			if isClientClose(err) {
				s.terminate(frame.ReasonClientStop, "client closed the connection")
			} else {
				s.logger.Warn("client read failed", "error", err)
				s.terminate(frame.ReasonClientStop, "client connection lost")
			}
			return
		}
		s.touch()

		if f.Type == frame.TypeBinary {
			if err := s.forward(f); err != nil {
				return
			}
			continue
		}

		switch f.Control.Kind {
		case frame.KindStop:
			s.logger.Info("client requested stop")
			s.terminate(frame.ReasonClientStop, "")
			return

		case frame.KindError:
			s.logger.Warn("client reported error", "message", f.Control.Message)
			s.terminate(frame.ReasonClientStop, f.Control.Message)
			return

		case frame.KindStart:
			s.terminate(frame.ReasonConfigError, "session already configured")
			return

		case frame.KindFlush, frame.KindConfigure, frame.KindSpeak:
			if err := s.forward(f); err != nil {
				return
			}

		case frame.KindMetadata:
			// Metadata flows provider-to-client only.
			s.logger.Debug("dropping client metadata frame")

		default:
			s.terminate(frame.ReasonConfigError, fmt.Sprintf("unsupported control type %q", f.Control.Kind))
			return
		}
	}
}

// forward relays one client-origin frame upstream, terminating the session
// on failure. A non-nil return tells the caller to stop its loop.
func (s *Session) forward(f frame.Frame) error {
	err := s.Send(f)
	if err == nil {
		s.metrics.FrameRelayed("up", f.Type.String(), len(f.Payload))
		return nil
	}

	switch {
	case errors.Is(err, deepgram.ErrUnsupportedFrame):
		s.terminate(frame.ReasonConfigError, err.Error())
	case errors.Is(err, deepgram.ErrOverrun):
		s.terminate(frame.ReasonOverrun, err.Error())
	case errors.Is(err, ErrSessionClosed), errors.Is(err, deepgram.ErrLinkClosed):
		// The link is already coming down; prefer its own error as the
		// recorded reason when one is waiting.
		select {
		case lerr := <-s.upstream.Errors():
			reason, msg := terminalReason(lerr)
			s.terminate(reason, msg)
		default:
			s.terminate(frame.ReasonLinkClosed, "upstream link closed")
		}
	default:
		s.terminate(frame.ReasonUpstreamUnavailable, err.Error())
	}
	return err
}

// providerLoop pulls frames from the upstream link and writes them to the
// client until either side terminates.
func (s *Session) providerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case f := <-s.upstream.Frames():
			if !s.deliver(f) {
				return
			}

		case err := <-s.upstream.Errors():
			if errors.Is(err, deepgram.ErrProviderClosed) {
				// The provider finished cleanly; hand over whatever it
				// queued before announcing the stop.
				s.drainQueued()
			}
			reason, msg := terminalReason(err)
			s.terminate(reason, msg)
			return
		}
	}
}

// deliver writes one provider-origin frame to the client. Returns false when
// the loop should stop.
func (s *Session) deliver(f frame.Frame) bool {
	if SessionState(s.state.Load()) != StateStreaming {
		return false
	}
	if err := s.client.WriteFrame(f); err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		// A timed-out write means the client is stalled, not gone; it may
		// still be able to read the terminal frame.
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.logger.Warn("client write stalled", "error", err)
			s.terminate(frame.ReasonOverrun, "client cannot keep up with the stream")
			return false
		}
		s.clientGone.Store(true)
		s.logger.Warn("client write failed", "error", err)
		s.terminate(frame.ReasonClientStop, "client connection lost")
		return false
	}
	s.touch()
	s.metrics.FrameRelayed("down", f.Type.String(), len(f.Payload))
	return true
}

// drainQueued flushes frames the link buffered before it reported closure.
func (s *Session) drainQueued() {
	for {
		select {
		case f := <-s.upstream.Frames():
			if !s.deliver(f) {
				return
			}
		default:
			return
		}
	}
}

// watchdog enforces the idle timeout and pings the client between frames so
// a quiet but healthy connection is not mistaken for a dead one.
func (s *Session) watchdog() {
	defer s.wg.Done()

	interval := s.idleTimeout / 4
	if interval > 15*time.Second {
		interval = 15 * time.Second
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle >= s.idleTimeout {
				s.terminate(frame.ReasonIdle,
					fmt.Sprintf("no frames in either direction for %s", idle.Round(time.Second)))
				return
			}
			if err := s.client.Ping(); err != nil && s.ctx.Err() == nil {
				s.logger.Debug("client ping failed", "error", err)
			}
		}
	}
}

// terminate performs the single teardown for the session: the first caller
// wins, later callers observe the terminal state and do nothing. The client
// sees its terminal frame before the provider connection starts closing,
// and both loops are released last.
func (s *Session) terminate(reason frame.Reason, message string) {
	if !s.state.CompareAndSwap(int32(StateStreaming), int32(StateClosing)) &&
		!s.state.CompareAndSwap(int32(StateInitializing), int32(StateClosing)) {
		return
	}
	s.reason = reason
	s.message = message

	if !s.clientGone.Load() {
		terminal := frame.Frame{Type: frame.TypeControl, Control: frame.Terminal(reason, message)}
		if err := s.client.WriteFrame(terminal); err != nil {
			s.logger.Debug("terminal frame not delivered", "error", err)
		}
	}

	s.upstream.Close(reason)
	s.cancel()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// terminalReason maps an upstream link error onto the session's terminal
// reason and client-facing message.
func terminalReason(err error) (frame.Reason, string) {
	switch {
	case errors.Is(err, deepgram.ErrProviderClosed):
		return frame.ReasonProviderStop, "provider ended the stream"
	case errors.Is(err, deepgram.ErrIdle):
		return frame.ReasonIdle, err.Error()
	case errors.Is(err, deepgram.ErrOverrun):
		return frame.ReasonOverrun, err.Error()
	case errors.Is(err, deepgram.ErrLinkClosed):
		return frame.ReasonLinkClosed, err.Error()
	default:
		return frame.ReasonUpstreamUnavailable, err.Error()
	}
}

// isClientClose reports whether err is an orderly client departure rather
// than a transport failure.
func isClientClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
