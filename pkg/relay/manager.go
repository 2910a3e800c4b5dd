package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/deepgram_live_proxy_go/pkg/frame"
)

// ErrCapacity rejects new sessions once the configured limit is reached.
var ErrCapacity = errors.New("session capacity reached")

// closeAllTimeout bounds how long shutdown waits for sessions to drain.
const closeAllTimeout = 5 * time.Second

// Manager tracks live sessions and enforces the process-wide cap.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
	logger   *slog.Logger
}

// NewManager creates a session manager holding at most max sessions.
func NewManager(max int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 16
	}
	return &Manager{
		sessions: make(map[string]*Session),
		max:      max,
		logger:   logger,
	}
}

// Add registers a session, failing with ErrCapacity at the limit.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.max {
		return ErrCapacity
	}
	m.sessions[s.ID()] = s
	m.logger.Debug("session registered", "session", s.ID(), "active", len(m.sessions))
	return nil
}

// Remove drops a session from the registry.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll stops every live session and waits for them to finish, up to a
// bounded timeout. Used during process shutdown.
func (m *Manager) CloseAll(reason frame.Reason, message string) {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}
	m.logger.Info("closing all sessions", "count", len(snapshot), "reason", string(reason))

	done := make(chan struct{})
	go func() {
		for _, s := range snapshot {
			s.Stop(reason, message)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeAllTimeout):
		m.logger.Warn("session shutdown timeout", "timeout", closeAllTimeout)
	}
}
