package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voicerelay/internal/upstream"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
)

// Registry maps session ids to live sessions. It only tracks membership;
// closing upstream links is the caller's job and must happen before Remove.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	queueSize int
	now       func() time.Time
}

func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		queueSize: queueSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for CreatedAt and initial activity.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Create registers a new session owned by ownerID. An empty id gets a server
// generated one.
func (r *Registry) Create(id string, cfg upstream.SessionConfig, ownerID string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, ErrAlreadyExists
	}
	s := newSession(id, cfg, ownerID, r.now(), r.queueSize)
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove deletes the session and closes its Done channel. It does not touch
// the upstream link.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.markRemoved()
	}
}

// RemoveSession deletes s only if it is still the session registered under
// its id, so a stale holder cannot remove a successor created with the same
// id. Done is closed either way. It reports whether the map changed.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.ID]
	removed := ok && cur == s
	if removed {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
	s.markRemoved()
	return removed
}

// ListIDs returns the ids of every registered session in sorted order.
func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// OwnedBy returns the sessions currently owned by clientID.
func (r *Registry) OwnedBy(clientID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Owner() == clientID {
			out = append(out, s)
		}
	}
	return out
}

// Counts returns the number of registered sessions and how many of them have
// an open upstream link.
func (r *Registry) Counts() (active, connected int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		active++
		if s.Connected() {
			connected++
		}
	}
	return active, connected
}

func (r *Registry) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}
