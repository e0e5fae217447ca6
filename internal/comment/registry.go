package comment

import "sync"

// SessionRegistry tracks open timeshift sessions by ID so the control
// surface can reach them. It is explicitly constructed and owned by the
// composing service.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get returns the session with the given ID.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session from the registry. It does not close the session.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Close closes every registered session and empties the registry.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Stats returns a snapshot of every open session.
func (r *SessionRegistry) Stats() []SessionStats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	stats := make([]SessionStats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, s.Stats())
	}
	return stats
}
