package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
	"github.com/ent0n29/voicerelay/internal/upstream/upstreamtest"
)

type harness struct {
	srv      *upstreamtest.Server
	registry *session.Registry
	machine  *Machine
}

func newHarness(t *testing.T, connectTimeout time.Duration) *harness {
	t.Helper()
	srv := upstreamtest.NewServer()
	t.Cleanup(srv.Close)

	registry := session.NewRegistry(64)
	dialer := upstream.NewDialer(upstream.Config{
		URL:            srv.URL(),
		Model:          "gpt-test-realtime",
		APIKey:         "sk-test",
		ConnectTimeout: connectTimeout,
	}, nil, nil)
	m := NewMachine(registry, dialer, nil, nil)
	t.Cleanup(m.CloseAll)
	return &harness{srv: srv, registry: registry, machine: m}
}

func (h *harness) connected(t *testing.T, id string, td upstream.TurnDetection) *session.Session {
	t.Helper()
	s, err := h.registry.Create(id, upstream.SessionConfig{Voice: "alloy", TurnDetection: td}, "client-1")
	require.NoError(t, err)
	require.NoError(t, h.machine.StartConnect(context.Background(), s, ""))
	require.Equal(t, session.StateConnected, s.State())
	require.True(t, h.srv.WaitFor(2*time.Second, func() bool { return h.srv.OpenConns() == 1 }))
	return s
}

// nextMessage returns the next client-bound message for s.
func nextMessage(t *testing.T, s *session.Session) any {
	t.Helper()
	select {
	case msg := <-s.Outbound():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func nextRealtimeEvent(t *testing.T, s *session.Session) protocol.RealtimeEvent {
	t.Helper()
	msg := nextMessage(t, s)
	ev, ok := msg.(protocol.RealtimeEvent)
	require.True(t, ok, "got %T, want RealtimeEvent", msg)
	return ev
}

func TestStartConnectIsNoOpWhenConnected(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionServerVAD)

	h.srv.WaitForFrames(1, 2*time.Second)
	require.NoError(t, h.machine.StartConnect(context.Background(), s, "ignored"))
	require.Equal(t, 1, h.srv.OpenConns())
	require.Equal(t, []string{upstream.EventSessionUpdate}, h.srv.Types(false))
}

func TestStartConnectAppliesInitialPrompt(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s, err := h.registry.Create("s1", upstream.SessionConfig{Instructions: "default"}, "client-1")
	require.NoError(t, err)
	require.NoError(t, h.machine.StartConnect(context.Background(), s, "speak like a pirate"))

	frames := h.srv.WaitForFrames(1, 2*time.Second)
	require.Len(t, frames, 1)
	var update struct {
		Session struct {
			Instructions string `json:"instructions"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Raw, &update))
	require.Equal(t, "speak like a pirate", update.Session.Instructions)
	require.Equal(t, "default", s.Config.Instructions)
}

func TestReconnectAfterDropKeepsSingleLink(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionServerVAD)

	h.srv.DropAll()
	msg := nextMessage(t, s)
	disc, ok := msg.(protocol.SessionDisconnected)
	require.True(t, ok, "got %T, want SessionDisconnected", msg)
	require.Equal(t, "s1", disc.SessionID)
	require.NotEmpty(t, disc.Reason)
	require.Equal(t, session.StateDisconnected, s.State())

	_, err := h.registry.Get("s1")
	require.NoError(t, err, "upstream drop must not remove the session")

	require.NoError(t, h.machine.StartConnect(context.Background(), s, ""))
	require.Equal(t, session.StateConnected, s.State())
	require.True(t, h.srv.WaitFor(2*time.Second, func() bool { return h.srv.OpenConns() == 1 }))
	require.Equal(t, 1, h.srv.OpenConns())
}

func TestConnectFailureLowersGuard(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.srv.Reject(http.StatusUnauthorized)

	s, err := h.registry.Create("s1", upstream.SessionConfig{}, "client-1")
	require.NoError(t, err)

	err = h.machine.StartConnect(context.Background(), s, "")
	require.ErrorIs(t, err, ErrConnectFailed)
	snap := s.Snapshot()
	require.False(t, snap.Connecting)
	require.Equal(t, session.StateDisconnected, snap.State)
	require.Nil(t, s.Link())

	later := h.registry.Now().Add(time.Hour)
	reaped, err := h.machine.ReapIfIdle("s1", later, time.Minute, time.Second)
	require.NoError(t, err)
	require.True(t, reaped)
}

func TestConnectTimeoutLowersGuard(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.srv.Hang(true)

	s, err := h.registry.Create("s1", upstream.SessionConfig{}, "client-1")
	require.NoError(t, err)

	err = h.machine.StartConnect(context.Background(), s, "")
	require.ErrorIs(t, err, ErrConnectFailed)
	require.ErrorIs(t, err, upstream.ErrConnectTimeout)
	require.False(t, s.Snapshot().Connecting)
}

func TestReapSkipsInFlightConnect(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.srv.Hang(true)

	s, err := h.registry.Create("s1", upstream.SessionConfig{}, "client-1")
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- h.machine.StartConnect(context.Background(), s, "") }()

	require.Eventually(t, func() bool { return s.Snapshot().Connecting }, 2*time.Second, 5*time.Millisecond)

	later := h.registry.Now().Add(time.Hour)
	reaped, err := h.machine.ReapIfIdle("s1", later, time.Minute, 0)
	require.NoError(t, err)
	require.False(t, reaped)
	_, err = h.registry.Get("s1")
	require.NoError(t, err)

	require.NoError(t, h.machine.Close("s1"))
	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrConnectFailed)
	case <-time.After(2 * time.Second):
		t.Fatalf("explicit end did not cancel the in-flight connect")
	}
	_, err = h.registry.Get("s1")
	require.True(t, errors.Is(err, session.ErrNotFound))
	require.False(t, s.Snapshot().Connecting)
}

func TestManualFinalChunkCommitsAndRequestsResponse(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionManual)

	require.NoError(t, h.machine.RelayClientAudio(s, []byte{1, 2}, false))
	require.NoError(t, h.machine.RelayClientAudio(s, []byte{3, 4}, false))
	require.NoError(t, h.machine.RelayClientAudio(s, []byte{5, 6}, true))

	h.srv.WaitForFrames(6, 2*time.Second)
	require.Equal(t, []string{
		upstream.EventInputAudioAppend,
		upstream.EventInputAudioAppend,
		upstream.EventInputAudioAppend,
		upstream.EventInputAudioCommit,
		upstream.EventResponseCreate,
	}, h.srv.Types(true))
}

func TestServerVADFinalChunkOnlyAppends(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionServerVAD)

	require.NoError(t, h.machine.RelayClientAudio(s, []byte{1}, true))
	h.srv.WaitForFrames(2, 2*time.Second)
	require.Equal(t, []string{upstream.EventInputAudioAppend}, h.srv.Types(true))
}

func TestExplicitBufferCommands(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionManual)

	require.NoError(t, h.machine.ClearBuffer(s))
	require.NoError(t, h.machine.CommitBuffer(s))
	require.NoError(t, h.machine.CreateResponse(s))

	h.srv.WaitForFrames(4, 2*time.Second)
	require.Equal(t, []string{
		upstream.EventInputAudioClear,
		upstream.EventInputAudioCommit,
		upstream.EventResponseCreate,
	}, h.srv.Types(true))
}

func TestRelayClientAudioErrors(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s, err := h.registry.Create("s1", upstream.SessionConfig{}, "client-1")
	require.NoError(t, err)

	require.ErrorIs(t, h.machine.RelayClientAudio(s, nil, false), ErrInvalidPayload)
	require.ErrorIs(t, h.machine.RelayClientAudio(s, []byte{1}, false), ErrSendFailed)
	require.ErrorIs(t, h.machine.CommitBuffer(s), ErrSendFailed)
	require.ErrorIs(t, h.machine.CreateResponse(s), ErrSendFailed)
	require.ErrorIs(t, h.machine.ClearBuffer(s), ErrSendFailed)
}

func TestUpstreamEventsTrackResponseAndPassThrough(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionServerVAD)

	h.srv.Push(`{"type":"response.created","response":{"id":"resp_1"}}`)
	ev := nextRealtimeEvent(t, s)
	require.JSONEq(t, `{"type":"response.created","response":{"id":"resp_1"}}`, string(ev.Event))
	require.Equal(t, "resp_1", s.PendingResponseID())

	h.srv.Push(`{"type":"response.audio.delta","response_id":"resp_1","delta":"AAEC"}`)
	ev = nextRealtimeEvent(t, s)
	require.Nil(t, ev.Retryable)
	msg := nextMessage(t, s)
	audio, ok := msg.(protocol.AudioStream)
	require.True(t, ok, "got %T, want AudioStream", msg)
	require.Equal(t, "AAEC", audio.Audio)
	require.Equal(t, "s1", audio.SessionID)

	h.srv.Push(`{"type":"vendor.custom_thing","payload":{"x":1}}`)
	ev = nextRealtimeEvent(t, s)
	require.JSONEq(t, `{"type":"vendor.custom_thing","payload":{"x":1}}`, string(ev.Event))

	h.srv.Push(`{"type":"response.done","response":{"id":"resp_1"}}`)
	nextRealtimeEvent(t, s)
	require.Empty(t, s.PendingResponseID())
}

func TestUpstreamErrorClearsPendingResponse(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionServerVAD)

	h.srv.Push(`{"type":"response.created","response":{"id":"resp_9"}}`)
	nextRealtimeEvent(t, s)
	require.Equal(t, "resp_9", s.PendingResponseID())

	h.srv.Push(`{"type":"error","error":{"type":"server_error","message":"boom"}}`)
	ev := nextRealtimeEvent(t, s)
	require.NotNil(t, ev.Retryable)
	require.True(t, *ev.Retryable)
	require.Empty(t, s.PendingResponseID())

	h.srv.Push(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	ev = nextRealtimeEvent(t, s)
	require.NotNil(t, ev.Retryable)
	require.False(t, *ev.Retryable)
}

func TestRelayPreservesProviderOrder(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionServerVAD)

	for _, typ := range []string{"a.one", "a.two", "a.three"} {
		h.srv.Push(`{"type":"` + typ + `"}`)
	}
	for _, want := range []string{"a.one", "a.two", "a.three"} {
		ev := nextRealtimeEvent(t, s)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(ev.Event, &head))
		require.Equal(t, want, head.Type)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s := h.connected(t, "s1", upstream.TurnDetectionServerVAD)

	require.NoError(t, h.machine.Close("s1"))
	require.NoError(t, h.machine.Close("s1"))
	require.NoError(t, h.machine.Close("never-existed"))

	_, err := h.registry.Get("s1")
	require.ErrorIs(t, err, session.ErrNotFound)
	select {
	case <-s.Done():
	default:
		t.Fatalf("session Done not closed after Close")
	}
	require.True(t, h.srv.WaitFor(2*time.Second, func() bool { return h.srv.OpenConns() == 0 }))
	require.False(t, s.Enqueue("late"))
}

func TestCloseAllEndsEverySession(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.registry.Create(id, upstream.SessionConfig{}, "")
		require.NoError(t, err)
	}
	h.machine.CloseAll()
	require.Empty(t, h.registry.ListIDs())
}

func TestConcurrentConnectsOpenOneSocket(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	s, err := h.registry.Create("s1", upstream.SessionConfig{}, "client-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.machine.StartConnect(context.Background(), s, "")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, session.StateConnected, s.State())
	require.True(t, h.srv.WaitFor(2*time.Second, func() bool { return h.srv.OpenConns() == 1 }))
	require.Never(t, func() bool { return h.srv.OpenConns() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, []string{upstream.EventSessionUpdate}, h.srv.Types(false))
}

func TestConnectRacingCloseLeavesNoSocket(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("s%d", i)
		s, err := h.registry.Create(id, upstream.SessionConfig{}, "client-1")
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = h.machine.StartConnect(context.Background(), s, "")
		}()
		require.NoError(t, h.machine.Close(id))
		<-done

		_, err = h.registry.Get(id)
		require.ErrorIs(t, err, session.ErrNotFound)
		require.False(t, s.Snapshot().Connecting)
		require.Nil(t, s.Link())
	}
	require.True(t, h.srv.WaitFor(2*time.Second, func() bool { return h.srv.OpenConns() == 0 }))
}

func TestStaleCloseKeepsReconnectedSuccessor(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.connected(t, "s1", upstream.TurnDetectionServerVAD)

	stale, err := h.registry.Get("s1")
	require.NoError(t, err)
	require.NoError(t, h.machine.Close("s1"))
	require.True(t, h.srv.WaitFor(2*time.Second, func() bool { return h.srv.OpenConns() == 0 }))

	successor, created, err := h.machine.Acquire("s1", upstream.SessionConfig{}, "client-2")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, h.machine.StartConnect(context.Background(), successor, ""))
	require.True(t, h.srv.WaitFor(2*time.Second, func() bool { return h.srv.OpenConns() == 1 }))

	// A second closer that looked the id up before the first Close finished.
	link, first := stale.End()
	require.False(t, first)
	require.Nil(t, link)
	h.machine.finish(stale, link, "ended")

	got, err := h.registry.Get("s1")
	require.NoError(t, err)
	require.Same(t, successor, got)
	require.True(t, successor.Connected())
	select {
	case <-successor.Done():
		t.Fatalf("successor Done closed by stale close")
	default:
	}

	require.NoError(t, h.machine.Close("s1"))
	require.True(t, h.srv.WaitFor(2*time.Second, func() bool { return h.srv.OpenConns() == 0 }))
}
