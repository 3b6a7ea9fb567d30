package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"market-chat/internal/errs"
	"market-chat/internal/feed"
	"market-chat/internal/observability"
	"market-chat/internal/repositories"
)

// Manager owns the live sessions of this process, keyed by handle.
type Manager struct {
	store  repositories.MessageStore
	feed   feed.Feed
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a Manager.
func NewManager(store repositories.MessageStore, f feed.Feed, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		feed:     f,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// CreateSession starts a session for viewerID. The session begins in
// Initializing; calls made before it is Ready are queued.
func (m *Manager) CreateSession(ctx context.Context, viewerID string) (*Session, error) {
	if viewerID == "" {
		return nil, errs.Validation("create session", "viewer is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := New(uuid.NewString(), viewerID, m.store, m.feed, m.cfg, m.logger)
	s.onClose = m.forget

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	observability.IncActiveSessions()

	s.Start()
	m.logger.Info("session created", "session_id", s.id, "viewer_id", viewerID)
	return s, nil
}

// Get returns the session behind handle if it belongs to viewerID.
func (m *Manager) Get(handle, viewerID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.E(errs.ErrNotFound, "session", "session not found")
	}
	if s.ViewerID() != viewerID {
		return nil, errs.E(errs.ErrAuthorization, "session", "session belongs to another viewer")
	}
	return s, nil
}

// CloseSession closes the session behind handle.
func (m *Manager) CloseSession(handle, viewerID string) error {
	s, err := m.Get(handle, viewerID)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

// CloseAll closes every session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}

// Len counts live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	_, ok := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if ok {
		observability.DecActiveSessions()
	}
}
