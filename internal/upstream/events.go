package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider event types the relay inspects. Everything else is passed through
// untouched.
const (
	EventSessionCreated     = "session.created"
	EventSessionUpdated     = "session.updated"
	EventResponseCreated    = "response.created"
	EventResponseTextDelta  = "response.text.delta"
	EventResponseAudioDelta = "response.audio.delta"
	EventResponseTranscript = "response.audio_transcript.delta"
	EventResponseDone       = "response.done"
	EventSpeechStarted      = "input_audio_buffer.speech_started"
	EventSpeechStopped      = "input_audio_buffer.speech_stopped"
	EventBufferCommitted    = "input_audio_buffer.committed"
	EventError              = "error"
)

// Client-to-provider event types.
const (
	EventSessionUpdate    = "session.update"
	EventInputAudioAppend = "input_audio_buffer.append"
	EventInputAudioCommit = "input_audio_buffer.commit"
	EventInputAudioClear  = "input_audio_buffer.clear"
	EventResponseCreate   = "response.create"
)

const defaultTranscriptionModel = "whisper-1"

// Event is one inbound provider frame. Raw always holds the original JSON so
// it can be forwarded to clients verbatim.
type Event struct {
	Type       string
	EventID    string
	ResponseID string
	Delta      string
	Error      *ErrorDetail
	Raw        json.RawMessage
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responseRef struct {
	ID string `json:"id"`
}

// ParseEvent decodes a provider frame. Only a string type tag is required;
// the fields the relay inspects are read leniently, so an event that reuses
// one of those keys with a different shape is still passed through.
func ParseEvent(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, err
	}
	var typ string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return Event{}, fmt.Errorf("event type: %w", err)
		}
	}
	if strings.TrimSpace(typ) == "" {
		return Event{}, errMissingType
	}

	ev := Event{
		Type: typ,
		Raw:  append(json.RawMessage(nil), data...),
	}
	lenient(fields["event_id"], &ev.EventID)
	lenient(fields["response_id"], &ev.ResponseID)
	lenient(fields["delta"], &ev.Delta)

	var detail ErrorDetail
	if lenient(fields["error"], &detail) {
		ev.Error = &detail
	}
	if ev.ResponseID == "" {
		var ref responseRef
		if lenient(fields["response"], &ref) {
			ev.ResponseID = ref.ID
		}
	}
	return ev, nil
}

// lenient decodes raw into v and reports success. Absent, null and
// mismatched values leave v untouched.
func lenient(raw json.RawMessage, v any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

type clientEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// buildSessionUpdate renders the single configuration frame sent after open.
// Manual turn detection is expressed as an explicit null.
func buildSessionUpdate(cfg SessionConfig) sessionUpdateEvent {
	params := sessionParams{
		Modalities:        cfg.modalities(),
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  cfg.inputFormat(),
		OutputAudioFormat: cfg.outputFormat(),
		InputAudioTranscription: &transcriptionParams{
			Model: defaultTranscriptionModel,
		},
	}
	if !cfg.ManualTurns() {
		params.TurnDetection = &turnDetectionParams{
			Type:              string(TurnDetectionServerVAD),
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		}
	}
	return sessionUpdateEvent{Type: EventSessionUpdate, Session: params}
}
