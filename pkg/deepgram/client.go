// Package deepgram owns the proxy's connection to the speech provider: one
// live WebSocket per session, translating between the provider's wire framing
// and the internal frame model, plus the one-shot REST synthesis client.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/deepgram_live_proxy_go/pkg/frame"
)

// maxProviderMessageBytes bounds a single provider message. Synthesized audio
// chunks can run large.
const maxProviderMessageBytes = 16 << 20

// closeGraceTimeout bounds the best-effort close signal write during teardown.
const closeGraceTimeout = time.Second

// Config holds provider client configuration.
type Config struct {
	APIKey            string        // Provider API key, presented as Authorization: Token
	ListenURL         string        // Live speech-to-text endpoint
	SpeakURL          string        // Live text-to-speech endpoint
	SpeakRESTURL      string        // One-shot synthesis REST endpoint
	HandshakeTimeout  time.Duration // WebSocket dial timeout
	QueueSize         int           // Capacity of the inbound and outbound frame queues
	StallTimeout      time.Duration // How long a full queue may stall before overrun
	WriteTimeout      time.Duration // Per-message write deadline
	IdleTimeout       time.Duration // Read deadline; no provider traffic past this is ErrIdle
	KeepAliveInterval time.Duration // Keepalive cadence while the send queue is quiet
	Logger            *slog.Logger  // Logger instance
}

func (cfg *Config) applyDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 8 * time.Second
	}
}

// Client manages the WebSocket connection to the provider for one session.
type Client struct {
	mode   string
	conn   *websocket.Conn
	logger *slog.Logger

	state        atomic.Int32
	frameCh      chan frame.Frame
	sendCh       chan frame.Frame
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
	writeMu      sync.Mutex
	lastActivity atomic.Int64
	seq          atomic.Uint64

	stallTimeout time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	keepAlive    time.Duration
}

// Open performs the provider handshake for the negotiated stream parameters
// and starts the read and write loops. Handshake failures wrap
// ErrUpstreamUnavailable; they are terminal for the session, not retried here.
func Open(ctx context.Context, cfg Config, sc frame.StartConfig) (*Client, error) {
	cfg.applyDefaults()

	endpoint, err := buildEndpoint(cfg, sc)
	if err != nil {
		return nil, err
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		mode:         sc.Mode,
		logger:       cfg.Logger,
		frameCh:      make(chan frame.Frame, cfg.QueueSize), // Bounded provider-to-client queue
		sendCh:       make(chan frame.Frame, cfg.QueueSize), // Bounded client-to-provider queue
		errCh:        make(chan error, 1),
		ctx:          linkCtx,
		cancel:       cancel,
		stallTimeout: cfg.StallTimeout,
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
		keepAlive:    cfg.KeepAliveInterval,
	}
	c.state.Store(int32(StateConnecting))

	headers := http.Header{
		"Authorization": {"Token " + cfg.APIKey},
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		cancel()
		c.state.Store(int32(StateClosed))
		cfg.Logger.Error("provider handshake failed", "mode", sc.Mode, "error", err)
		if resp != nil {
			return nil, fmt.Errorf("%w: handshake rejected with status %s", ErrUpstreamUnavailable, resp.Status)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	conn.SetReadLimit(maxProviderMessageBytes)
	// Pongs extend the read deadline so a quiet but responsive provider is
	// not mistaken for a dead one. Only true silence trips ErrIdle.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})
	c.conn = conn
	c.touch()
	c.state.Store(int32(StateOpen))
	cfg.Logger.Info("connected to provider", "mode", sc.Mode, "model", sc.Model)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// buildEndpoint assembles the provider URL with the stream parameters as
// query values.
func buildEndpoint(cfg Config, sc frame.StartConfig) (string, error) {
	base := cfg.ListenURL
	if sc.Mode == frame.ModeSpeak {
		base = cfg.SpeakURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid provider URL %q: %w", base, err)
	}

	q := u.Query()
	q.Set("model", sc.Model)
	if sc.Encoding != "" {
		q.Set("encoding", sc.Encoding)
	}
	if sc.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	}
	if sc.Mode == frame.ModeListen && sc.Channels > 0 {
		q.Set("channels", strconv.Itoa(sc.Channels))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// readLoop translates inbound provider traffic into frames. Binary messages
// are opaque audio; text messages pass through as metadata control frames.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.reportReadError(err)
			return
		}
		c.touch()

		var f frame.Frame
		switch messageType {
		case websocket.BinaryMessage:
			f = frame.Binary(frame.OriginProvider, c.seq.Add(1), data)
		case websocket.TextMessage:
			f = frame.Metadata(frame.OriginProvider, c.seq.Add(1), json.RawMessage(data))
		default:
			continue
		}

		select {
		case c.frameCh <- f:
			continue
		default:
		}

		// Queue full: stall up to the limit rather than dropping, then give up.
		timer := time.NewTimer(c.stallTimeout)
		select {
		case c.frameCh <- f:
			timer.Stop()
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.logger.Warn("provider frame queue stalled past limit", "stall_timeout", c.stallTimeout)
			c.reportErr(fmt.Errorf("%w: provider frame queue full for %s", ErrOverrun, c.stallTimeout))
			return
		}
	}
}

// reportReadError classifies a read failure and surfaces it on the error
// channel. Errors during our own teardown are not reported.
func (c *Client) reportReadError(err error) {
	switch {
	case c.ctx.Err() != nil:
		return
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Info("provider closed the stream")
		c.reportErr(ErrProviderClosed)
	case isTimeout(err):
		c.logger.Warn("provider idle timeout", "idle_timeout", c.idleTimeout)
		c.reportErr(fmt.Errorf("%w: no provider traffic for %s", ErrIdle, c.idleTimeout))
	default:
		c.logger.Error("provider read error", "error", err)
		c.reportErr(fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err))
	}
}

func (c *Client) reportErr(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writeLoop drains the send queue and keeps the connection alive while the
// queue is quiet.
func (c *Client) writeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case f := <-c.sendCh:
			if err := c.writeFrame(f); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Error("provider write error", "error", err)
					c.reportErr(fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err))
				}
				return
			}
			c.touch()

		case <-ticker.C:
			if err := c.sendKeepAlive(); err != nil && c.ctx.Err() == nil {
				c.logger.Warn("keepalive failed", "error", err)
			}
		}
	}
}

// writeFrame translates one frame to the provider wire and writes it.
func (c *Client) writeFrame(f frame.Frame) error {
	messageType, data := c.translate(f)
	if data == nil {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// translate maps an internal frame onto the provider's wire framing. Frames
// with nothing to say upstream translate to nil data.
func (c *Client) translate(f frame.Frame) (int, []byte) {
	if f.Type == frame.TypeBinary {
		return websocket.BinaryMessage, f.Payload
	}

	switch f.Control.Kind {
	case frame.KindFlush:
		msg := msgFinalize
		if c.mode == frame.ModeSpeak {
			msg = msgFlush
		}
		data, _ := json.Marshal(controlMessage{Type: msg})
		return websocket.TextMessage, data

	case frame.KindStop, frame.KindError:
		return websocket.TextMessage, c.closeSignal()

	case frame.KindSpeak:
		data, _ := json.Marshal(controlMessage{Type: msgSpeak, Text: f.Control.Text})
		return websocket.TextMessage, data

	case frame.KindConfigure:
		// Provider-native passthrough for advanced clients.
		if len(f.Control.Data) == 0 {
			return 0, nil
		}
		return websocket.TextMessage, []byte(f.Control.Data)

	default:
		return 0, nil
	}
}

// closeSignal returns the provider's end-of-stream message for this mode.
func (c *Client) closeSignal() []byte {
	msg := msgCloseStream
	if c.mode == frame.ModeSpeak {
		msg = msgClose
	}
	data, _ := json.Marshal(controlMessage{Type: msg})
	return data
}

// sendKeepAlive nudges the provider so it does not reap a quiet connection.
// The protocol ping elicits the pong that keeps our read deadline alive; the
// listen endpoint additionally expects an application-level KeepAlive message.
func (c *Client) sendKeepAlive() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	if c.mode != frame.ModeListen {
		return nil
	}

	data, _ := json.Marshal(controlMessage{Type: msgKeepAlive})
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send enqueues one frame for the provider. It stalls up to the stall timeout
// when the queue is full, then fails with ErrOverrun. Fails with ErrLinkClosed
// once the link has terminated and ErrUnsupportedFrame for payloads the
// session mode cannot carry upstream.
func (c *Client) Send(f frame.Frame) error {
	if LinkState(c.state.Load()) != StateOpen {
		return ErrLinkClosed
	}
	if f.Type == frame.TypeBinary && c.mode == frame.ModeSpeak {
		return fmt.Errorf("%w: binary frames are not accepted in speak mode", ErrUnsupportedFrame)
	}
	if f.Type == frame.TypeControl && f.Control.Kind == frame.KindSpeak && c.mode != frame.ModeSpeak {
		return fmt.Errorf("%w: speak frames are not accepted in listen mode", ErrUnsupportedFrame)
	}

	select {
	case c.sendCh <- f:
		return nil
	default:
	}

	timer := time.NewTimer(c.stallTimeout)
	defer timer.Stop()
	select {
	case c.sendCh <- f:
		return nil
	case <-c.ctx.Done():
		return ErrLinkClosed
	case <-timer.C:
		return fmt.Errorf("%w: provider send queue full for %s", ErrOverrun, c.stallTimeout)
	}
}

// Frames returns the channel of inbound provider frames.
func (c *Client) Frames() <-chan frame.Frame {
	return c.frameCh
}

// Errors returns the channel carrying the first terminal link error.
func (c *Client) Errors() <-chan error {
	return c.errCh
}

// State returns the current link state.
func (c *Client) State() LinkState {
	return LinkState(c.state.Load())
}

// Mode returns the session mode this link was opened for.
func (c *Client) Mode() string {
	return c.mode
}

// LastActivity returns when a frame last crossed the link in either direction.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Close sends the provider's end-of-stream signal if the link is still open,
// then releases the connection and waits for the loops. Idempotent; always
// safe to call from error paths.
func (c *Client) Close(reason frame.Reason) error {
	c.closeOnce.Do(func() {
		if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(closeGraceTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, c.closeSignal()); err != nil {
				c.logger.Debug("close signal not delivered", "error", err)
			}
			c.writeMu.Unlock()
		} else {
			c.state.Store(int32(StateClosing))
		}

		c.cancel()
		c.conn.Close()
		c.wg.Wait()

		c.state.Store(int32(StateClosed))
		c.logger.Info("upstream link closed", "reason", string(reason))
	})
	return nil
}
