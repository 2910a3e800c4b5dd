package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/deepgram_live_proxy_go/pkg/frame"
)

// closeGraceTimeout bounds the best-effort close frame sent to the client.
const closeGraceTimeout = time.Second

// wsClient adapts a client WebSocket connection to the relay's ClientConn.
// Text messages decode as control frames, binary messages pass through
// verbatim; both get stamped with origin and a per-connection sequence.
type wsClient struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	seq          atomic.Uint64
	readTimeout  time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
}

type wsClientOptions struct {
	ReadLimit    int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func newWSClient(conn *websocket.Conn, opts wsClientOptions) *wsClient {
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	c := &wsClient{
		conn:         conn,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
	if opts.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		})
	}
	return c
}

// ReadFrame blocks for the next client frame. The read deadline is refreshed
// per read and extended by pongs, so it fires only when the client transport
// has actually gone quiet. Malformed control messages surface as a
// *frame.ConfigError; the connection itself is still writable.
func (c *wsClient) ReadFrame() (frame.Frame, error) {
	return c.readFrame(c.readTimeout)
}

// ReadFrameTimeout reads one frame under a custom deadline. Used for the
// start handshake.
func (c *wsClient) ReadFrameTimeout(timeout time.Duration) (frame.Frame, error) {
	return c.readFrame(timeout)
}

func (c *wsClient) readFrame(timeout time.Duration) (frame.Frame, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return frame.Frame{}, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return frame.Binary(frame.OriginClient, c.seq.Add(1), data), nil
		case websocket.TextMessage:
			ctrl, perr := frame.ParseControl(data)
			if perr != nil {
				return frame.Frame{}, &frame.ConfigError{Field: "frame", Msg: perr.Error()}
			}
			return frame.Frame{
				Type:    frame.TypeControl,
				Origin:  frame.OriginClient,
				Seq:     c.seq.Add(1),
				Control: ctrl,
			}, nil
		default:
			// Ping and pong are handled by the transport.
			continue
		}
	}
}

// WriteFrame sends one frame to the client. Control frames go out as JSON
// text messages, binary frames as binary messages.
func (c *wsClient) WriteFrame(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if f.Type == frame.TypeBinary {
		return c.conn.WriteMessage(websocket.BinaryMessage, f.Payload)
	}
	data, err := f.Control.Encode()
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping; the pong extends the read deadline.
func (c *wsClient) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeGraceTimeout))
}

// Close sends a close frame, then releases the connection. Idempotent.
func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(closeGraceTimeout)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
	return nil
}
