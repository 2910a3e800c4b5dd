package test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MockProviderServer simulates the Deepgram streaming API for testing. The
// listen endpoint answers binary audio with transcript results; the speak
// endpoint answers Speak messages with synthesized audio bytes.
type MockProviderServer struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	conns   map[*websocket.Conn]bool
	connsMu sync.Mutex

	audioBytes  atomic.Int64
	closeSignal atomic.Int64

	lastAuth  string
	lastQuery url.Values
	lastMu    sync.Mutex

	done chan struct{}
}

// StartMockProvider starts a mock provider on the given port (0 = auto-assign).
func StartMockProvider(port int, logger *slog.Logger) (*MockProviderServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mock := &MockProviderServer{
		listener: listener,
		logger:   logger,
		conns:    make(map[*websocket.Conn]bool),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/listen", mock.handleListen)
	mux.HandleFunc("/v1/speak", mock.handleSpeak)

	mock.server = &http.Server{
		Handler: mux,
	}

	go func() {
		if err := mock.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("mock provider server error", "error", err)
		}
	}()

	logger.Info("mock provider started", "addr", listener.Addr().String())

	return mock, nil
}

// ListenURL returns the WebSocket URL of the mock transcription endpoint.
func (m *MockProviderServer) ListenURL() string {
	return fmt.Sprintf("ws://%s/v1/listen", m.listener.Addr().String())
}

// SpeakURL returns the WebSocket URL of the mock synthesis endpoint.
func (m *MockProviderServer) SpeakURL() string {
	return fmt.Sprintf("ws://%s/v1/speak", m.listener.Addr().String())
}

func (m *MockProviderServer) accept(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	m.lastMu.Lock()
	m.lastAuth = r.Header.Get("Authorization")
	m.lastQuery = r.URL.Query()
	m.lastMu.Unlock()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("failed to upgrade connection", "error", err)
		return nil
	}

	m.connsMu.Lock()
	m.conns[conn] = true
	m.connsMu.Unlock()
	return conn
}

func (m *MockProviderServer) release(conn *websocket.Conn) {
	m.connsMu.Lock()
	delete(m.conns, conn)
	m.connsMu.Unlock()
	conn.Close()
}

// handleListen accepts audio and answers each chunk with a transcript result.
func (m *MockProviderServer) handleListen(w http.ResponseWriter, r *http.Request) {
	conn := m.accept(w, r)
	if conn == nil {
		return
	}
	defer m.release(conn)

	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			m.audioBytes.Add(int64(len(data)))
			result := map[string]interface{}{
				"type":     "Results",
				"is_final": true,
				"channel": map[string]interface{}{
					"alternatives": []map[string]interface{}{
						{"transcript": fmt.Sprintf("heard %d bytes", len(data)), "confidence": 0.99},
					},
				},
			}
			m.sendJSON(conn, result)

		case websocket.TextMessage:
			var msg map[string]interface{}
			if err := json.Unmarshal(data, &msg); err != nil {
				m.logger.Debug("failed to parse message", "error", err, "data", string(data))
				continue
			}
			m.logger.Debug("mock listen received", "type", msg["type"])

			switch msg["type"] {
			case "KeepAlive":
				// No response expected.
			case "Finalize":
				m.sendJSON(conn, map[string]interface{}{
					"type":          "Results",
					"is_final":      true,
					"from_finalize": true,
				})
			case "CloseStream":
				m.closeSignal.Add(1)
				m.sendJSON(conn, map[string]interface{}{
					"type":     "Metadata",
					"duration": 1.5,
				})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
		}
	}
}

// handleSpeak accepts Speak messages and answers with audio chunks.
func (m *MockProviderServer) handleSpeak(w http.ResponseWriter, r *http.Request) {
	conn := m.accept(w, r)
	if conn == nil {
		return
	}
	defer m.release(conn)

	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Debug("failed to parse message", "error", err, "data", string(data))
			continue
		}
		m.logger.Debug("mock speak received", "type", msg["type"])

		switch msg["type"] {
		case "Speak":
			// One audio chunk per utterance, sized by the text.
			text, _ := msg["text"].(string)
			audio := make([]byte, 32+len(text))
			conn.WriteMessage(websocket.BinaryMessage, audio)
		case "Flush":
			m.sendJSON(conn, map[string]interface{}{"type": "Flushed"})
		case "Close":
			m.closeSignal.Add(1)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (m *MockProviderServer) sendJSON(conn *websocket.Conn, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// AudioByteCount returns the total audio bytes received across connections.
func (m *MockProviderServer) AudioByteCount() int64 {
	return m.audioBytes.Load()
}

// CloseSignalCount returns how many end-of-stream signals were received.
func (m *MockProviderServer) CloseSignalCount() int64 {
	return m.closeSignal.Load()
}

// LastAuth returns the Authorization header of the most recent connection.
func (m *MockProviderServer) LastAuth() string {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.lastAuth
}

// LastQuery returns the query parameters of the most recent connection.
func (m *MockProviderServer) LastQuery() url.Values {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.lastQuery
}

// ConnCount returns the number of live provider connections.
func (m *MockProviderServer) ConnCount() int {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return len(m.conns)
}

// WaitForAudio waits until at least n audio bytes have arrived.
func (m *MockProviderServer) WaitForAudio(n int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if m.audioBytes.Load() >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %d audio bytes, got %d", n, m.audioBytes.Load())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Close stops the mock server.
func (m *MockProviderServer) Close() error {
	close(m.done)

	m.connsMu.Lock()
	for conn := range m.conns {
		conn.Close()
	}
	m.connsMu.Unlock()

	return m.server.Close()
}
