package session

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/upstream"
)

type State string

const (
	StateCreated      State = "created"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Session is one bridged conversation between a client and the provider.
//
// All mutable fields are guarded by mu. connectMu serializes connect attempts
// and is held for the full duration of one; it is never taken while mu is held.
type Session struct {
	ID        string
	Config    upstream.SessionConfig
	CreatedAt time.Time

	connectMu sync.Mutex

	mu                sync.Mutex
	state             State
	connecting        bool
	ended             bool
	link              *upstream.Link
	ownerID           string
	lastActivityAt    time.Time
	pendingResponseID string
	connectCancel     context.CancelFunc

	committedAt       time.Time
	responseStartedAt time.Time
	sawFirstAudio     bool

	outbound chan any
	done     chan struct{}
	doneOnce sync.Once
}

// Snapshot is a point-in-time copy of a session for status reporting.
type Snapshot struct {
	ID                string    `json:"session_id"`
	State             State     `json:"state"`
	OwnerID           string    `json:"owner_id,omitempty"`
	Connecting        bool      `json:"connecting"`
	LinkOpen          bool      `json:"link_open"`
	PendingResponseID string    `json:"pending_response_id,omitempty"`
	Voice             string    `json:"voice,omitempty"`
	TurnDetection     string    `json:"turn_detection"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

func newSession(id string, cfg upstream.SessionConfig, ownerID string, now time.Time, queue int) *Session {
	return &Session{
		ID:             id,
		Config:         cfg,
		CreatedAt:      now,
		state:          StateCreated,
		ownerID:        ownerID,
		lastActivityAt: now,
		outbound:       make(chan any, queue),
		done:           make(chan struct{}),
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:                s.ID,
		State:             s.state,
		OwnerID:           s.ownerID,
		Connecting:        s.connecting,
		LinkOpen:          s.link.IsOpen(),
		PendingResponseID: s.pendingResponseID,
		Voice:             s.Config.Voice,
		TurnDetection:     string(s.Config.TurnDetection),
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.lastActivityAt,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Link returns the current upstream link, or nil.
func (s *Session) Link() *upstream.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Connected reports state == connected with an open socket.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.link.IsOpen()
}

func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}

func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID
}

// Claim assigns the session to clientID when it is unowned or already owned
// by clientID. It reports whether clientID owns the session afterwards.
func (s *Session) Claim(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	if s.ownerID == "" || s.ownerID == clientID {
		s.ownerID = clientID
		return true
	}
	return false
}

// Detach clears ownership if clientID still holds it.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerID == clientID {
		s.ownerID = ""
	}
}

// LockConnect serializes connect attempts on this session.
func (s *Session) LockConnect()   { s.connectMu.Lock() }
func (s *Session) UnlockConnect() { s.connectMu.Unlock() }

// BeginConnect raises the connecting guard and detaches any stale link, which
// the caller must close before dialing. It fails once the session has ended.
func (s *Session) BeginConnect(cancel context.CancelFunc) (*upstream.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, ErrNotFound
	}
	stale := s.link
	s.link = nil
	s.connecting = true
	s.connectCancel = cancel
	s.state = StateConnecting
	s.resetResponseLocked()
	return stale, nil
}

// FinishConnect always lowers the connecting guard. With a non-nil link it
// installs it and moves to connected, unless the session ended meanwhile, in
// which case it returns false and the caller owns closing the link.
func (s *Session) FinishConnect(link *upstream.Link, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = false
	s.connectCancel = nil
	if link == nil || s.ended || !link.IsOpen() {
		s.state = StateDisconnected
		return false
	}
	s.link = link
	s.state = StateConnected
	s.lastActivityAt = now
	return true
}

// ReleaseLink drops link if it is still the current one, moving the session to
// disconnected. It reports whether anything changed.
func (s *Session) ReleaseLink(link *upstream.Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link == nil || s.link != link {
		return false
	}
	s.link = nil
	if !s.connecting {
		s.state = StateDisconnected
	}
	s.resetResponseLocked()
	return true
}

// End marks the session terminal, cancels an in-flight connect and hands the
// current link to the caller for closing. first is false when the session had
// already ended; the earlier caller owns the teardown.
func (s *Session) End() (link *upstream.Link, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, false
	}
	return s.endLocked(), true
}

// EndIfIdle is End guarded by the reaper's preconditions, evaluated atomically
// with respect to BeginConnect. A pending response shields the session for at
// most idle after it started, so a response that never completes cannot pin
// the session forever.
func (s *Session) EndIfIdle(now time.Time, idle, grace time.Duration) (*upstream.Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.connecting {
		return nil, false
	}
	if s.pendingResponseID != "" && now.Sub(s.responseStartedAt) <= idle {
		return nil, false
	}
	if now.Sub(s.CreatedAt) <= grace {
		return nil, false
	}
	if now.Sub(s.lastActivityAt) <= idle {
		return nil, false
	}
	return s.endLocked(), true
}

func (s *Session) endLocked() *upstream.Link {
	s.ended = true
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	link := s.link
	s.link = nil
	s.state = StateDisconnected
	s.resetResponseLocked()
	return link
}

// MarkCommitted records a manual commit for commit-to-first-audio latency.
func (s *Session) MarkCommitted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committedAt = now
	s.sawFirstAudio = false
}

func (s *Session) PendingResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingResponseID
}

func (s *Session) StartResponse(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = "pending"
	}
	s.pendingResponseID = id
	s.responseStartedAt = now
	s.sawFirstAudio = false
}

// FirstAudio reports the delay since the last manual commit the first time it
// is called for a response; later calls return ok=false.
func (s *Session) FirstAudio(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sawFirstAudio {
		return 0, false
	}
	s.sawFirstAudio = true
	if s.committedAt.IsZero() {
		return 0, false
	}
	d := now.Sub(s.committedAt)
	s.committedAt = time.Time{}
	return d, true
}

// FinishResponse clears response tracking and returns how long the response
// streamed, if one was pending.
func (s *Session) FinishResponse(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingResponseID == "" {
		return 0, false
	}
	d := now.Sub(s.responseStartedAt)
	s.resetResponseLocked()
	return d, true
}

func (s *Session) resetResponseLocked() {
	s.pendingResponseID = ""
	s.responseStartedAt = time.Time{}
	s.sawFirstAudio = false
}

// Enqueue offers a client-bound message without blocking. A full queue drops
// the message and returns false.
func (s *Session) Enqueue(msg any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

// Outbound is drained by whichever client connection currently owns the session.
func (s *Session) Outbound() <-chan any { return s.outbound }

// Done is closed when the session is removed from the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) markRemoved() {
	s.doneOnce.Do(func() { close(s.done) })
}
