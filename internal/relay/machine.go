package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/reliability"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

var (
	ErrUnauthorized   = errors.New("session owned by another client")
	ErrConnectFailed  = errors.New("upstream connect failed")
	ErrSendFailed     = errors.New("upstream send failed")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUpstream       = errors.New("upstream error")
)

// Linker opens upstream links. *upstream.Dialer implements it.
type Linker interface {
	Connect(ctx context.Context, sessionID string, cfg upstream.SessionConfig) (*upstream.Link, error)
}

// Machine drives sessions through created -> connecting -> connected ->
// disconnected and translates traffic between client and provider.
type Machine struct {
	registry *session.Registry
	linker   Linker
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewMachine(registry *session.Registry, linker Linker, metrics *observability.Metrics, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		registry: registry,
		linker:   linker,
		metrics:  metrics,
		logger:   logger,
		now:      registry.Now,
	}
}

// StartConnect opens a fresh upstream link for s. It returns nil immediately
// when s is already connected. Concurrent calls for the same session are
// serialized; the connecting guard is lowered on every return path.
func (m *Machine) StartConnect(ctx context.Context, s *session.Session, initialPrompt string) error {
	s.LockConnect()
	defer s.UnlockConnect()

	if s.Connected() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stale, err := s.BeginConnect(cancel)
	if err != nil {
		return err
	}
	finished := false
	defer func() {
		if !finished {
			s.FinishConnect(nil, m.now())
			m.refreshGauges()
		}
	}()

	if stale != nil {
		_ = stale.Close()
		m.logger.Debug("closed stale upstream link", "session_id", s.ID)
	}

	cfg := s.Config
	if initialPrompt != "" {
		cfg.Instructions = initialPrompt
	}

	m.metrics.ObserveSessionEvent("connect_started")
	start := time.Now()
	link, err := m.linker.Connect(ctx, s.ID, cfg)
	if err != nil {
		finished = true
		s.FinishConnect(nil, m.now())
		m.refreshGauges()
		m.metrics.ObserveStage(observability.StageUpstreamConnect, observability.OutcomeFailed, time.Since(start))
		m.metrics.ObserveSessionEvent("connect_failed")
		m.logger.Warn("upstream connect failed", "session_id", s.ID, "error", err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	finished = true
	if !s.FinishConnect(link, m.now()) {
		_ = link.Close()
		m.refreshGauges()
		m.metrics.ObserveSessionEvent("connect_abandoned")
		return fmt.Errorf("%w: session ended during connect", ErrConnectFailed)
	}
	m.metrics.ObserveStage(observability.StageUpstreamConnect, observability.OutcomeOK, time.Since(start))
	m.metrics.ObserveSessionEvent("connected")
	m.refreshGauges()
	m.logger.Info("upstream connected", "session_id", s.ID, "voice", cfg.Voice, "turn_detection", string(cfg.TurnDetection))

	go m.pump(s, link)
	return nil
}

// pump forwards provider events for one link until it closes.
func (m *Machine) pump(s *session.Session, link *upstream.Link) {
	for ev := range link.Events() {
		s.Touch(m.now())
		m.RelayUpstreamEvent(s, ev)
	}

	if !s.ReleaseLink(link) {
		// Replaced or closed locally; nothing to report.
		return
	}
	reason := "upstream closed"
	if err := link.Err(); err != nil {
		reason = err.Error()
	}
	m.refreshGauges()
	m.metrics.ObserveSessionEvent("upstream_disconnected")
	m.logger.Warn("upstream link closed", "session_id", s.ID, "reason", reason)
	m.enqueue(s, protocol.SessionDisconnected{
		Type:      protocol.TypeSessionDisconnected,
		SessionID: s.ID,
		Reason:    reason,
	})
}

// RelayClientAudio forwards one audio chunk. In manual turn mode a final chunk
// is followed by an explicit commit and response request.
func (m *Machine) RelayClientAudio(s *session.Session, pcm []byte, isFinal bool) error {
	if len(pcm) == 0 {
		return fmt.Errorf("%w: empty audio chunk", ErrInvalidPayload)
	}
	s.Touch(m.now())
	link := s.Link()
	if err := link.SendAudioFrame(pcm); err != nil {
		return fmt.Errorf("%w: append audio: %v", ErrSendFailed, err)
	}
	if !isFinal || !s.Config.ManualTurns() {
		return nil
	}
	if err := link.CommitBuffer(); err != nil {
		return fmt.Errorf("%w: commit buffer: %v", ErrSendFailed, err)
	}
	s.MarkCommitted(m.now())
	if err := link.CreateResponse(); err != nil {
		return fmt.Errorf("%w: create response: %v", ErrSendFailed, err)
	}
	return nil
}

func (m *Machine) CommitBuffer(s *session.Session) error {
	s.Touch(m.now())
	if err := s.Link().CommitBuffer(); err != nil {
		return fmt.Errorf("%w: commit buffer: %v", ErrSendFailed, err)
	}
	s.MarkCommitted(m.now())
	return nil
}

func (m *Machine) CreateResponse(s *session.Session) error {
	s.Touch(m.now())
	if err := s.Link().CreateResponse(); err != nil {
		return fmt.Errorf("%w: create response: %v", ErrSendFailed, err)
	}
	return nil
}

func (m *Machine) ClearBuffer(s *session.Session) error {
	s.Touch(m.now())
	if err := s.Link().ClearBuffer(); err != nil {
		return fmt.Errorf("%w: clear buffer: %v", ErrSendFailed, err)
	}
	return nil
}

// RelayUpstreamEvent updates response tracking from ev and re-emits it to the
// session's client queue. Unknown event types pass through unchanged.
func (m *Machine) RelayUpstreamEvent(s *session.Session, ev upstream.Event) {
	now := m.now()
	out := protocol.RealtimeEvent{
		Type:      protocol.TypeRealtimeEvent,
		SessionID: s.ID,
		Event:     ev.Raw,
	}

	var legacyAudio *protocol.AudioStream
	switch ev.Type {
	case upstream.EventSessionCreated, upstream.EventSessionUpdated:
		m.logger.Debug("upstream session event", "session_id", s.ID, "type", ev.Type)
	case upstream.EventResponseCreated:
		s.StartResponse(ev.ResponseID, now)
	case upstream.EventResponseAudioDelta:
		if d, ok := s.FirstAudio(now); ok {
			m.metrics.ObserveStage(observability.StageCommitToFirstAudio, observability.OutcomeOK, d)
		}
		legacyAudio = &protocol.AudioStream{
			Type:      protocol.TypeAudioStream,
			SessionID: s.ID,
			Audio:     ev.Delta,
		}
	case upstream.EventResponseDone:
		if d, ok := s.FinishResponse(now); ok {
			m.metrics.ObserveStage(observability.StageResponseTotal, observability.OutcomeOK, d)
		}
	case upstream.EventError:
		if d, ok := s.FinishResponse(now); ok {
			m.metrics.ObserveStage(observability.StageResponseTotal, observability.OutcomeFailed, d)
		}
		code, detail := "unknown", ""
		if ev.Error != nil {
			code = firstNonEmpty(ev.Error.Code, ev.Error.Type, code)
			detail = ev.Error.Message
		}
		retryable := ev.Error != nil && (reliability.IsRetryableRealtimeErrorType(ev.Error.Type) || reliability.IsRetryableRealtimeErrorType(ev.Error.Code))
		out.Retryable = &retryable
		if m.metrics != nil {
			m.metrics.ProviderErrors.WithLabelValues("openai_realtime", code).Inc()
		}
		m.logger.Warn("upstream error event", "session_id", s.ID, "code", code, "retryable", retryable, "error", fmt.Errorf("%w: %s", ErrUpstream, detail))
	case upstream.EventResponseTextDelta, upstream.EventResponseTranscript,
		upstream.EventSpeechStarted, upstream.EventSpeechStopped, upstream.EventBufferCommitted:
	default:
		m.logger.Debug("passing through unrecognized upstream event", "session_id", s.ID, "type", ev.Type)
	}

	m.enqueue(s, out)
	if legacyAudio != nil {
		m.enqueue(s, *legacyAudio)
	}
}

// Close ends the session: close the upstream link, then remove it from the
// registry. Closing an unknown id is a no-op.
func (m *Machine) Close(id string) error {
	s, err := m.registry.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	link, first := s.End()
	if !first {
		return nil
	}
	m.finish(s, link, "ended")
	return nil
}

// ReapIfIdle closes the session only if it is idle past idle, older than
// grace, not mid-connect and not streaming a response started within idle.
func (m *Machine) ReapIfIdle(id string, now time.Time, idle, grace time.Duration) (bool, error) {
	s, err := m.registry.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	link, ok := s.EndIfIdle(now, idle, grace)
	if !ok {
		return false, nil
	}
	m.finish(s, link, "reaped")
	return true, nil
}

// CloseAll ends every registered session. Used on shutdown.
func (m *Machine) CloseAll() {
	for _, id := range m.registry.ListIDs() {
		_ = m.Close(id)
	}
}

func (m *Machine) finish(s *session.Session, link *upstream.Link, event string) {
	if link != nil {
		if err := link.Close(); err != nil {
			m.logger.Debug("closing upstream link", "session_id", s.ID, "error", err)
		}
	}
	if !m.registry.RemoveSession(s) {
		m.logger.Debug("session already replaced in registry", "session_id", s.ID)
	}
	m.refreshGauges()
	m.metrics.ObserveSessionEvent(event)
	m.logger.Info("session closed", "session_id", s.ID, "reason", event)
}

func (m *Machine) enqueue(s *session.Session, msg any) {
	t := messageType(msg)
	if s.Enqueue(msg) {
		m.metrics.ObserveOutboundMessage(t, "queued")
		return
	}
	m.metrics.ObserveOutboundMessage(t, "drop_full")
}

func (m *Machine) refreshGauges() {
	if m.metrics == nil {
		return
	}
	active, connected := m.registry.Counts()
	m.metrics.ActiveSessions.Set(float64(active))
	m.metrics.ConnectedSessions.Set(float64(connected))
}

func messageType(msg any) string {
	switch v := msg.(type) {
	case protocol.RealtimeEvent:
		return string(v.Type)
	case protocol.AudioStream:
		return string(v.Type)
	case protocol.SessionDisconnected:
		return string(v.Type)
	default:
		return "other"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
