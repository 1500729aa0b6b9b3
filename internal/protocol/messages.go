package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies client websocket payload variants.
type MessageType string

// Client requests.
const (
	TypeStartSession     MessageType = "start-session"
	TypeConnectSession   MessageType = "connect-session"
	TypeAudioData        MessageType = "audio-data"
	TypeEndSession       MessageType = "end-session"
	TypeCommitBuffer     MessageType = "commit-buffer"
	TypeCreateResponse   MessageType = "create-response"
	TypeClearBuffer      MessageType = "clear-buffer"
	TypeGetSessionStatus MessageType = "get-session-status"
	TypeHealthCheck      MessageType = "health-check"
)

// Replies and server-initiated events.
const (
	TypeSessionStarted      MessageType = "session-started"
	TypeSessionConnected    MessageType = "session-connected"
	TypeSessionEnded        MessageType = "session-ended"
	TypeBufferCommitted     MessageType = "buffer-committed"
	TypeResponseRequested   MessageType = "response-requested"
	TypeBufferCleared       MessageType = "buffer-cleared"
	TypeSessionStatus       MessageType = "session-status"
	TypeHealthStatus        MessageType = "health-status"
	TypeRealtimeEvent       MessageType = "realtime-event"
	TypeAudioStream         MessageType = "audio-stream"
	TypeSessionDisconnected MessageType = "session-disconnected"
	TypeErrorEvent          MessageType = "error-event"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid client message")
)

type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

type StartSession struct {
	Type              MessageType `json:"type"`
	RequestID         string      `json:"requestId,omitempty"`
	SessionID         string      `json:"sessionId,omitempty"`
	InitialPrompt     string      `json:"initialPrompt,omitempty"`
	Voice             string      `json:"voice,omitempty"`
	Modalities        []string    `json:"modalities,omitempty"`
	TurnDetection     string      `json:"turnDetection,omitempty"`
	InputAudioFormat  string      `json:"inputAudioFormat,omitempty"`
	OutputAudioFormat string      `json:"outputAudioFormat,omitempty"`
}

type ConnectSession struct {
	Type          MessageType `json:"type"`
	RequestID     string      `json:"requestId,omitempty"`
	SessionID     string      `json:"sessionId"`
	InitialPrompt string      `json:"initialPrompt,omitempty"`
}

type AudioData struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	SessionID string      `json:"sessionId"`
	AudioData string      `json:"audioData"`
	IsFinal   bool        `json:"isFinal,omitempty"`
}

// SessionCommand covers requests that carry nothing but a session id:
// end-session, commit-buffer, create-response, clear-buffer, get-session-status.
type SessionCommand struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	SessionID string      `json:"sessionId"`
}

type HealthCheck struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
}

// Reply answers a single client request.
type Reply struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Success   bool        `json:"success"`
	SessionID string      `json:"sessionId,omitempty"`
	State     string      `json:"state,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
}

type SessionStatusReply struct {
	Type              MessageType `json:"type"`
	RequestID         string      `json:"requestId,omitempty"`
	SessionID         string      `json:"sessionId"`
	Exists            bool        `json:"exists"`
	State             string      `json:"state,omitempty"`
	OwnerMatch        bool        `json:"ownerMatch"`
	Connecting        bool        `json:"connecting"`
	PendingResponseID string      `json:"pendingResponseId,omitempty"`
	CreatedAt         int64       `json:"createdAt,omitempty"`
	LastActivityAt    int64       `json:"lastActivityAt,omitempty"`
}

type HealthStatusReply struct {
	Type              MessageType `json:"type"`
	RequestID         string      `json:"requestId,omitempty"`
	Status            string      `json:"status"`
	ActiveSessions    int         `json:"activeSessions"`
	ConnectedSessions int         `json:"connectedSessions"`
	UptimeSeconds     int64       `json:"uptimeSeconds"`
}

// RealtimeEvent passes an upstream provider event through to the client.
type RealtimeEvent struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId,omitempty"`
	Event     json.RawMessage `json:"event"`
	Retryable *bool           `json:"retryable,omitempty"`
}

// GatewayErrorSource marks error events raised by the relay rather than the
// provider.
const GatewayErrorSource = "gateway"

// NewGatewayErrorEvent reports a failed request that has no reply of its own,
// such as audio-data, as realtime-event{event:{type:"error"}}.
func NewGatewayErrorEvent(sessionID, requestID, code, message string) RealtimeEvent {
	body := struct {
		Type   string `json:"type"`
		Source string `json:"source"`
		Error  struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{Type: "error", Source: GatewayErrorSource}
	body.Error.Type = "invalid_request_error"
	body.Error.Code = code
	body.Error.Message = message
	raw, _ := json.Marshal(body)

	retryable := false
	return RealtimeEvent{
		Type:      TypeRealtimeEvent,
		SessionID: sessionID,
		RequestID: requestID,
		Event:     raw,
		Retryable: &retryable,
	}
}

// AudioStream duplicates response.audio.delta payloads for older players.
type AudioStream struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Audio     string      `json:"audio"`
}

type SessionDisconnected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Reason    string      `json:"reason,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ValidationError reports a well-formed envelope whose fields failed
// validation, so the caller can still answer with the matching reply type.
type ValidationError struct {
	Type      MessageType
	RequestID string
	SessionID string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Type, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMessage }

// ReplyTypeFor maps a request type to the type of its reply.
func ReplyTypeFor(t MessageType) MessageType {
	switch t {
	case TypeStartSession:
		return TypeSessionStarted
	case TypeConnectSession:
		return TypeSessionConnected
	case TypeAudioData:
		return TypeRealtimeEvent
	case TypeEndSession:
		return TypeSessionEnded
	case TypeCommitBuffer:
		return TypeBufferCommitted
	case TypeCreateResponse:
		return TypeResponseRequested
	case TypeClearBuffer:
		return TypeBufferCleared
	case TypeGetSessionStatus:
		return TypeSessionStatus
	case TypeHealthCheck:
		return TypeHealthStatus
	default:
		return TypeErrorEvent
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	invalid := func(reason string) error {
		return &ValidationError{Type: env.Type, RequestID: env.RequestID, SessionID: env.SessionID, Reason: reason}
	}

	switch env.Type {
	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(err.Error())
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		switch strings.ToLower(strings.TrimSpace(msg.TurnDetection)) {
		case "", "server_vad", "manual", "none":
		default:
			return nil, invalid("turnDetection must be server_vad or manual")
		}
		for _, m := range msg.Modalities {
			if m != "text" && m != "audio" {
				return nil, invalid("modalities may only contain text and audio")
			}
		}
		return msg, nil
	case TypeConnectSession:
		var msg ConnectSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(err.Error())
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		return msg, nil
	case TypeAudioData:
		var msg AudioData
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(err.Error())
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		return msg, nil
	case TypeEndSession, TypeCommitBuffer, TypeCreateResponse, TypeClearBuffer, TypeGetSessionStatus:
		var msg SessionCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(err.Error())
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		return msg, nil
	case TypeHealthCheck:
		var msg HealthCheck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, invalid(err.Error())
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
