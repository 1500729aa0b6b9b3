package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/reliability"
)

const (
	providerName      = "openai_realtime"
	linkWriteTimeout  = 5 * time.Second
	defaultEventQueue = 512
	defaultPingEvery  = 20 * time.Second
	defaultPongWait   = 60 * time.Second
)

var (
	// ErrNotOpen is returned by sends against an absent, closing or closed link.
	ErrNotOpen        = errors.New("upstream link not open")
	ErrConnectTimeout = errors.New("upstream connect timed out")
	errMissingType    = errors.New("event without type")
)

type TurnDetection string

const (
	TurnDetectionServerVAD TurnDetection = "server_vad"
	TurnDetectionManual    TurnDetection = "manual"
)

// ParseTurnDetection normalizes client input. "none" is accepted as an alias
// of manual; anything else falls back to fallback.
func ParseTurnDetection(v string, fallback TurnDetection) TurnDetection {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "server_vad":
		return TurnDetectionServerVAD
	case "manual", "none":
		return TurnDetectionManual
	default:
		return fallback
	}
}

// SessionConfig is the per-session provider configuration. It is fixed once
// the session is created.
type SessionConfig struct {
	Instructions      string
	Voice             string
	Modalities        []string
	InputAudioFormat  string
	OutputAudioFormat string
	TurnDetection     TurnDetection
}

// ManualTurns reports whether the relay, not the provider, decides when an
// utterance ends.
func (c SessionConfig) ManualTurns() bool {
	return c.TurnDetection == TurnDetectionManual
}

func (c SessionConfig) modalities() []string {
	if len(c.Modalities) == 0 {
		return []string{"text", "audio"}
	}
	return c.Modalities
}

func (c SessionConfig) inputFormat() string {
	if c.InputAudioFormat == "" {
		return "pcm16"
	}
	return c.InputAudioFormat
}

func (c SessionConfig) outputFormat() string {
	if c.OutputAudioFormat == "" {
		return "pcm16"
	}
	return c.OutputAudioFormat
}

type Config struct {
	URL            string
	Model          string
	APIKey         string
	ConnectTimeout time.Duration
	EventQueueSize int
	// PingInterval and PongWait bound how long a silent provider socket is
	// trusted. PongWait must exceed PingInterval.
	PingInterval time.Duration
	PongWait     time.Duration
}

// Dialer opens provider links. One Dialer is shared by all sessions; each
// Link it returns is owned by exactly one session.
type Dialer struct {
	cfg     Config
	dialer  websocket.Dialer
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewDialer(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Dialer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueue
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingEvery
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 3 * cfg.PingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger:  logger,
		metrics: metrics,
	}
}

// Connect dials the provider, starts the read loop and sends the session.update
// frame. The whole attempt, retries included, is bounded by ConnectTimeout.
func (d *Dialer) Connect(ctx context.Context, sessionID string, sc SessionConfig) (*Link, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 4 * time.Second
	policy.MaxElapsedTime = d.cfg.ConnectTimeout

	attempt := 0
	conn, err := backoff.RetryWithData(func() (*websocket.Conn, error) {
		attempt++
		conn, resp, err := d.dialer.DialContext(ctx, u.String(), headers)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			_ = resp.Body.Close()
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return nil, backoff.Permanent(fmt.Errorf("dial upstream websocket: handshake status %d: %w", resp.StatusCode, err))
			}
		}
		d.logger.Debug("upstream dial attempt failed", "session_id", sessionID, "attempt", attempt, "error", err)
		return nil, fmt.Errorf("dial upstream websocket: %w", err)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrConnectTimeout, d.cfg.ConnectTimeout, err)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		// Dial finished right as the deadline passed; do not hand out a socket
		// the caller already gave up on.
		_ = conn.Close()
		return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, d.cfg.ConnectTimeout)
	}

	l := newLink(conn, sessionID, d.cfg.EventQueueSize, d.logger, d.metrics)
	go l.readLoop(d.cfg.PongWait)

	if err := l.writeJSONBy(EventSessionUpdate, buildSessionUpdate(sc), writeDeadline(ctx, time.Now())); err != nil {
		_ = l.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %s: send session.update: %v", ErrConnectTimeout, d.cfg.ConnectTimeout, err)
		}
		return nil, fmt.Errorf("send session.update: %w", err)
	}
	go l.pingLoop(d.cfg.PingInterval)
	return l, nil
}

// writeDeadline is the usual per-write deadline, cut short by ctx's deadline.
func writeDeadline(ctx context.Context, now time.Time) time.Time {
	deadline := now.Add(linkWriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		return dl
	}
	return deadline
}

// Link is one open provider socket.
type Link struct {
	conn      *websocket.Conn
	sessionID string
	logger    *slog.Logger
	metrics   *observability.Metrics

	writeMu   sync.Mutex
	closeOnce sync.Once
	open      atomic.Bool
	closing   chan struct{}
	done      chan struct{}
	events    chan Event

	errMu sync.Mutex
	err   error
}

func newLink(conn *websocket.Conn, sessionID string, queue int, logger *slog.Logger, metrics *observability.Metrics) *Link {
	l := &Link{
		conn:      conn,
		sessionID: sessionID,
		logger:    logger,
		metrics:   metrics,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		events:    make(chan Event, queue),
	}
	l.open.Store(true)
	return l
}

// Events yields provider events in arrival order. The channel is closed when
// the socket closes for any reason.
func (l *Link) Events() <-chan Event { return l.events }

// Done is closed once the read loop has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the read error that ended the link, or nil after a local Close.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Link) IsOpen() bool {
	return l != nil && l.open.Load()
}

// Send writes an arbitrary client event. It fails fast with ErrNotOpen when
// the link is nil or no longer open.
func (l *Link) Send(eventType string, event any) error {
	return l.writeJSON(eventType, event)
}

// SendAudioFrame base64-encodes pcm and wraps it in input_audio_buffer.append.
func (l *Link) SendAudioFrame(pcm []byte) error {
	return l.writeJSON(EventInputAudioAppend, clientEvent{
		Type:  EventInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (l *Link) CommitBuffer() error {
	return l.writeJSON(EventInputAudioCommit, clientEvent{Type: EventInputAudioCommit})
}

func (l *Link) CreateResponse() error {
	return l.writeJSON(EventResponseCreate, clientEvent{Type: EventResponseCreate})
}

func (l *Link) ClearBuffer() error {
	return l.writeJSON(EventInputAudioClear, clientEvent{Type: EventInputAudioClear})
}

// Close is idempotent and safe on a nil link.
func (l *Link) Close() error {
	if l == nil {
		return nil
	}
	var retErr error
	l.closeOnce.Do(func() {
		l.open.Store(false)
		close(l.closing)
		// WriteControl may run concurrently with an in-flight WriteJSON.
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		retErr = l.conn.Close()
	})
	return retErr
}

func (l *Link) writeJSON(eventType string, payload any) error {
	return l.writeJSONBy(eventType, payload, time.Now().Add(linkWriteTimeout))
}

func (l *Link) writeJSONBy(eventType string, payload any, deadline time.Time) error {
	if !l.IsOpen() {
		return ErrNotOpen
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if !l.open.Load() {
		return ErrNotOpen
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrNotOpen, err)
	}
	if l.metrics != nil {
		l.metrics.UpstreamFrames.WithLabelValues("outbound", eventType).Inc()
	}
	return nil
}

// readLoop ends the link when no frame or pong arrives within pongWait.
func (l *Link) readLoop(pongWait time.Duration) {
	defer close(l.done)
	defer close(l.events)
	defer l.markClosed()

	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closing:
			default:
				l.errMu.Lock()
				l.err = err
				l.errMu.Unlock()
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		ev, err := ParseEvent(data)
		if err != nil {
			l.logger.Warn("discarding malformed upstream frame", "session_id", l.sessionID, "error", err, "bytes", len(data))
			continue
		}
		if l.metrics != nil {
			l.metrics.UpstreamFrames.WithLabelValues("inbound", ev.Type).Inc()
		}
		select {
		case l.events <- ev:
		case <-l.closing:
			return
		}
	}
}

func (l *Link) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.closing:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(linkWriteTimeout)); err != nil {
				l.logger.Debug("upstream ping failed", "session_id", l.sessionID, "error", err)
				return
			}
		}
	}
}

func (l *Link) markClosed() {
	l.open.Store(false)
	l.closeOnce.Do(func() {
		close(l.closing)
		_ = l.conn.Close()
	})
}
