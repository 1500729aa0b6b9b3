package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

func TestReaperSweepHonorsExclusions(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	h.registry.SetClock(func() time.Time { return now })

	mustCreate := func(id string) *session.Session {
		s, err := h.registry.Create(id, upstream.SessionConfig{}, "")
		require.NoError(t, err)
		return s
	}
	mustCreate("idle")
	mustCreate("recent").Touch(base.Add(55 * time.Minute))
	mustCreate("pending").StartResponse("resp_1", base.Add(55*time.Minute))
	mustCreate("stuck").StartResponse("resp_2", base)
	now = base.Add(time.Hour - time.Second)
	mustCreate("fresh")
	now = base.Add(time.Hour)

	r := NewReaper(h.machine, h.registry, ReaperConfig{
		Interval:    time.Minute,
		IdleTimeout: 10 * time.Minute,
		Grace:       20 * time.Second,
	}, nil)

	require.Equal(t, 2, r.Sweep())
	require.Equal(t, []string{"fresh", "pending", "recent"}, h.registry.ListIDs())
	require.Equal(t, 0, r.Sweep())
}

func TestReaperStartRemovesIdleSessions(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s, err := h.registry.Create("s1", upstream.SessionConfig{}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewReaper(h.machine, h.registry, ReaperConfig{
		Interval:    10 * time.Millisecond,
		IdleTimeout: time.Millisecond,
	}, nil).Start(ctx)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("reaper did not remove idle session")
	}
	require.Empty(t, h.registry.ListIDs())
}
