package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsPongWait      = 120 * time.Second
	wsPingPeriod    = 45 * time.Second
	clientQueueSize = 256
)

// clientConn is one client websocket. Only the read goroutine dispatches
// requests; only the write goroutine touches the socket for writes.
type clientConn struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan any
	wg     sync.WaitGroup

	// current is the session raw binary frames are routed to.
	current string

	mu       sync.Mutex
	attached map[*session.Session]struct{}
}

func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	c := &clientConn{
		id:       id,
		srv:      s,
		conn:     conn,
		logger:   s.logger.With("client_id", id),
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan any, clientQueueSize),
		attached: make(map[*session.Session]struct{}),
	}
	s.metrics.ObserveSessionEvent("ws_connected")
	c.logger.Info("client connected", "remote_addr", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	cancel()
	c.wg.Wait()
	<-writerDone
	detached := s.machine.Detach(c.id)
	s.metrics.ObserveSessionEvent("ws_disconnected")
	c.logger.Info("client disconnected", "detached_sessions", detached)
}

func (c *clientConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				c.abort("ping", err)
				return
			}
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.abort("write_json", err)
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				c.srv.observeWS("outbound", t)
			}
		}
	}
}

// abort tears the connection down after a write failure so the read loop
// unblocks.
func (c *clientConn) abort(op string, err error) {
	c.logger.Debug("client write failed", "op", op, "error", err)
	c.cancel()
	_ = c.conn.Close()
}

func (c *clientConn) readLoop() {
	maxAudio := int64(c.srv.cfg.MaxAudioBytes)
	c.conn.SetReadLimit(maxAudio*4/3 + 64<<10)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client read ended", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch msgType {
		case websocket.TextMessage:
			c.dispatch(data)
		case websocket.BinaryMessage:
			c.srv.observeWS("inbound", "binary-audio")
			c.handleBinaryAudio(data)
		}
	}
}

func (c *clientConn) dispatch(data []byte) {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			c.srv.observeWS("inbound", verr.Type)
			if verr.Type == protocol.TypeAudioData {
				c.rejectAudio(verr.RequestID, verr.SessionID, err)
				return
			}
			c.reply(protocol.Reply{
				Type:      protocol.ReplyTypeFor(verr.Type),
				RequestID: verr.RequestID,
				SessionID: verr.SessionID,
				Error:     verr.Error(),
				Code:      codeInvalidPayload,
			})
			return
		}
		c.reply(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "invalid_client_message",
			Source:    "gateway",
			Retryable: false,
			Detail:    err.Error(),
		})
		return
	}
	if t, ok := messageTypeOf(parsed); ok {
		c.srv.observeWS("inbound", t)
	}

	switch msg := parsed.(type) {
	case protocol.StartSession:
		c.handleStartSession(msg)
	case protocol.ConnectSession:
		c.handleConnectSession(msg)
	case protocol.AudioData:
		c.handleAudioData(msg)
	case protocol.SessionCommand:
		switch msg.Type {
		case protocol.TypeEndSession:
			c.handleEndSession(msg)
		case protocol.TypeGetSessionStatus:
			c.handleSessionStatus(msg)
		default:
			c.handleBufferControl(msg)
		}
	case protocol.HealthCheck:
		h := c.srv.health()
		c.reply(protocol.HealthStatusReply{
			Type:              protocol.TypeHealthStatus,
			RequestID:         msg.RequestID,
			Status:            h.Status,
			ActiveSessions:    h.ActiveSessions,
			ConnectedSessions: h.ConnectedSessions,
			UptimeSeconds:     h.UptimeSeconds,
		})
	}
}

func (c *clientConn) handleStartSession(msg protocol.StartSession) {
	sess, _, err := c.srv.machine.Acquire(msg.SessionID, c.srv.sessionConfig(msg), c.id)
	if err != nil {
		c.replyErr(protocol.TypeSessionStarted, msg.RequestID, msg.SessionID, err)
		return
	}
	c.attach(sess)
	c.current = sess.ID
	c.reply(protocol.Reply{
		Type:      protocol.TypeSessionStarted,
		RequestID: msg.RequestID,
		Success:   true,
		SessionID: sess.ID,
		State:     string(sess.State()),
	})
}

func (c *clientConn) handleConnectSession(msg protocol.ConnectSession) {
	sess, _, err := c.srv.machine.Acquire(msg.SessionID, c.srv.defaults, c.id)
	if err != nil {
		c.replyErr(protocol.TypeSessionConnected, msg.RequestID, msg.SessionID, err)
		return
	}
	c.attach(sess)
	c.current = sess.ID

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.srv.machine.StartConnect(c.ctx, sess, msg.InitialPrompt)
		reply := protocol.Reply{
			Type:      protocol.TypeSessionConnected,
			RequestID: msg.RequestID,
			Success:   err == nil,
			SessionID: sess.ID,
			State:     string(sess.State()),
		}
		if err != nil {
			reply.Error = err.Error()
			reply.Code = errorCode(err)
		}
		c.reply(reply)
	}()
}

func (c *clientConn) handleAudioData(msg protocol.AudioData) {
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		c.rejectAudio(msg.RequestID, msg.SessionID, fmt.Errorf("%w: audioData is not valid base64", relay.ErrInvalidPayload))
		return
	}
	c.relayAudio(msg.RequestID, msg.SessionID, pcm, msg.IsFinal)
}

func (c *clientConn) handleBinaryAudio(data []byte) {
	if c.current == "" {
		c.reply(protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "invalid_client_message",
			Source: "gateway",
			Detail: "binary audio received before start-session",
		})
		return
	}
	c.relayAudio("", c.current, data, false)
}

func (c *clientConn) relayAudio(requestID, sessionID string, pcm []byte, isFinal bool) {
	if len(pcm) == 0 {
		c.rejectAudio(requestID, sessionID, fmt.Errorf("%w: empty audio chunk", relay.ErrInvalidPayload))
		return
	}
	if len(pcm) > c.srv.cfg.MaxAudioBytes {
		c.rejectAudio(requestID, sessionID, fmt.Errorf("%w: audio chunk of %d bytes exceeds %d", relay.ErrInvalidPayload, len(pcm), c.srv.cfg.MaxAudioBytes))
		return
	}
	sess, err := c.srv.machine.Authorize(sessionID, c.id)
	if err != nil {
		c.rejectAudio(requestID, sessionID, err)
		return
	}
	c.attach(sess)
	c.current = sess.ID
	if err := c.srv.machine.RelayClientAudio(sess, pcm, isFinal); err != nil {
		c.rejectAudio(requestID, sessionID, err)
	}
}

func (c *clientConn) rejectAudio(requestID, sessionID string, err error) {
	c.logger.Debug("audio rejected", "session_id", sessionID, "error", err)
	c.reply(protocol.NewGatewayErrorEvent(sessionID, requestID, errorCode(err), err.Error()))
}

func (c *clientConn) handleEndSession(msg protocol.SessionCommand) {
	if err := c.srv.machine.End(msg.SessionID, c.id); err != nil {
		c.replyErr(protocol.TypeSessionEnded, msg.RequestID, msg.SessionID, err)
		return
	}
	if c.current == msg.SessionID {
		c.current = ""
	}
	c.reply(protocol.Reply{
		Type:      protocol.TypeSessionEnded,
		RequestID: msg.RequestID,
		Success:   true,
		SessionID: msg.SessionID,
	})
}

func (c *clientConn) handleBufferControl(msg protocol.SessionCommand) {
	replyType := protocol.ReplyTypeFor(msg.Type)
	sess, err := c.srv.machine.Authorize(msg.SessionID, c.id)
	if err != nil {
		c.replyErr(replyType, msg.RequestID, msg.SessionID, err)
		return
	}
	c.attach(sess)

	switch msg.Type {
	case protocol.TypeCommitBuffer:
		err = c.srv.machine.CommitBuffer(sess)
	case protocol.TypeCreateResponse:
		err = c.srv.machine.CreateResponse(sess)
	case protocol.TypeClearBuffer:
		err = c.srv.machine.ClearBuffer(sess)
	}
	if err != nil {
		c.replyErr(replyType, msg.RequestID, msg.SessionID, err)
		return
	}
	c.reply(protocol.Reply{
		Type:      replyType,
		RequestID: msg.RequestID,
		Success:   true,
		SessionID: msg.SessionID,
		State:     string(sess.State()),
	})
}

func (c *clientConn) handleSessionStatus(msg protocol.SessionCommand) {
	reply := protocol.SessionStatusReply{
		Type:      protocol.TypeSessionStatus,
		RequestID: msg.RequestID,
		SessionID: msg.SessionID,
	}
	sess, err := c.srv.registry.Get(msg.SessionID)
	if err != nil {
		c.reply(reply)
		return
	}
	snap := sess.Snapshot()
	reply.Exists = true
	reply.State = string(snap.State)
	reply.OwnerMatch = snap.OwnerID == c.id
	reply.Connecting = snap.Connecting
	reply.PendingResponseID = snap.PendingResponseID
	reply.CreatedAt = snap.CreatedAt.UnixMilli()
	reply.LastActivityAt = snap.LastActivityAt.UnixMilli()
	c.reply(reply)
}

// attach starts forwarding sess's client-bound queue to this connection.
func (c *clientConn) attach(sess *session.Session) {
	c.mu.Lock()
	if _, ok := c.attached[sess]; ok {
		c.mu.Unlock()
		return
	}
	c.attached[sess] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.forward(sess)
}

func (c *clientConn) forward(sess *session.Session) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.attached, sess)
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-sess.Done():
			return
		case msg := <-sess.Outbound():
			select {
			case c.out <- msg:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *clientConn) reply(msg any) {
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
	}
}

func (c *clientConn) replyErr(t protocol.MessageType, requestID, sessionID string, err error) {
	c.reply(protocol.Reply{
		Type:      t,
		RequestID: requestID,
		SessionID: sessionID,
		Error:     err.Error(),
		Code:      errorCode(err),
	})
}

// sessionConfig overlays a start-session request on the configured defaults.
func (s *Server) sessionConfig(msg protocol.StartSession) upstream.SessionConfig {
	cfg := s.defaults
	if v := strings.TrimSpace(msg.Voice); v != "" {
		cfg.Voice = v
	}
	if msg.InitialPrompt != "" {
		cfg.Instructions = msg.InitialPrompt
	}
	if len(msg.Modalities) > 0 {
		cfg.Modalities = append([]string(nil), msg.Modalities...)
	}
	if v := strings.TrimSpace(msg.InputAudioFormat); v != "" {
		cfg.InputAudioFormat = v
	}
	if v := strings.TrimSpace(msg.OutputAudioFormat); v != "" {
		cfg.OutputAudioFormat = v
	}
	cfg.TurnDetection = upstream.ParseTurnDetection(msg.TurnDetection, s.defaults.TurnDetection)
	return cfg
}

func (s *Server) observeWS(direction string, t protocol.MessageType) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.StartSession:
		return m.Type, true
	case protocol.ConnectSession:
		return m.Type, true
	case protocol.AudioData:
		return m.Type, true
	case protocol.SessionCommand:
		return m.Type, true
	case protocol.HealthCheck:
		return m.Type, true
	case protocol.Reply:
		return m.Type, true
	case protocol.SessionStatusReply:
		return m.Type, true
	case protocol.HealthStatusReply:
		return m.Type, true
	case protocol.RealtimeEvent:
		return m.Type, true
	case protocol.AudioStream:
		return m.Type, true
	case protocol.SessionDisconnected:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
