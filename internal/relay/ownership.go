package relay

import (
	"errors"
	"fmt"

	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

// Acquire returns the live session with id claimed for clientID, creating it
// from cfg when it does not exist. An empty id always creates a new session.
// The boolean reports whether a session was created.
func (m *Machine) Acquire(id string, cfg upstream.SessionConfig, clientID string) (*session.Session, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if id != "" {
			s, err := m.registry.Get(id)
			if err == nil {
				if !s.Claim(clientID) {
					return nil, false, fmt.Errorf("%w: %s", ErrUnauthorized, id)
				}
				return s, false, nil
			}
			if !errors.Is(err, session.ErrNotFound) {
				return nil, false, err
			}
		}

		s, err := m.registry.Create(id, cfg, clientID)
		if errors.Is(err, session.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		m.refreshGauges()
		m.metrics.ObserveSessionEvent("created")
		m.logger.Info("session created", "session_id", s.ID, "client_id", clientID, "turn_detection", string(cfg.TurnDetection))
		return s, true, nil
	}
	return nil, false, fmt.Errorf("acquire session %q: concurrent create", id)
}

// Authorize looks up id for a request from clientID. A detached session is
// claimed; a session owned by another client yields ErrUnauthorized.
func (m *Machine) Authorize(id, clientID string) (*session.Session, error) {
	s, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.Claim(clientID) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, id)
	}
	return s, nil
}

// End closes id on behalf of clientID. Ending an absent session succeeds.
func (m *Machine) End(id, clientID string) error {
	s, err := m.registry.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner := s.Owner(); owner != "" && owner != clientID {
		return fmt.Errorf("%w: %s", ErrUnauthorized, id)
	}
	return m.Close(id)
}

// Detach releases every session owned by clientID without closing them, so a
// later connection may pick them up.
func (m *Machine) Detach(clientID string) int {
	owned := m.registry.OwnedBy(clientID)
	for _, s := range owned {
		s.Detach(clientID)
	}
	if len(owned) > 0 {
		m.metrics.ObserveSessionEvent("detached")
		m.logger.Debug("detached client sessions", "client_id", clientID, "count", len(owned))
	}
	return len(owned)
}
