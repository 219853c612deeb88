package session

import (
	"log/slog"
	"sync"
)

// Registry tracks authenticated sessions per user.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*Session),
	}
}

// Get returns the session for a user and session ID.
func (r *Registry) Get(userID, sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessions, ok := r.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds an authenticated session.
func (r *Registry) Register(userID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*Session)
	}
	r.active[userID][s.ID] = s
	slog.Info("Chat session registered", "user_id", userID, "session_id", s.ID)
}

// Unregister removes s if it is still the registered session for its ID.
func (r *Registry) Unregister(userID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessions, ok := r.active[userID]; ok {
		if current, exists := sessions[s.ID]; exists && current == s {
			delete(sessions, s.ID)
			if len(sessions) == 0 {
				delete(r.active, userID)
			}
			slog.Info("Chat session unregistered", "user_id", userID, "session_id", s.ID)
		}
	}
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}

// CloseUser closes every session of a user.
func (r *Registry) CloseUser(userID string) {
	r.mu.Lock()
	sessions := r.active[userID]
	delete(r.active, userID)
	r.mu.Unlock()

	for sid, s := range sessions {
		s.Close()
		slog.Info("Chat session closed", "user_id", userID, "session_id", sid)
	}
}

// CloseAll closes every session. Used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.active
	r.active = make(map[string]map[string]*Session)
	r.mu.Unlock()

	for _, sessions := range all {
		for _, s := range sessions {
			s.Close()
		}
	}
}
