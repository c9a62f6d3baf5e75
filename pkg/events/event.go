package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event types.
const (
	TypePing          = "ping"
	TypeConnected     = "connected"
	TypeChatConnected = "chat_connected"

	TypeNewMessage      = "new_message"
	TypeMessageEdited   = "message_edited"
	TypeMessageDeleted  = "message_deleted"
	TypeReactionUpdated = "reaction_updated"
	TypeTyping          = "typing"

	TypeNewApplication           = "new_application"
	TypeNewCandidateRegistered   = "new_candidate_registered"
	TypeNewJobPosted             = "new_job_posted"
	TypePipelineStageChanged     = "pipeline_stage_changed"
	TypeProfileViewed            = "profile_viewed"
	TypeApplicationStatusChanged = "application_status_changed"
	TypeAnnouncement             = "announcement"

	// Wildcard subscribes to every event type.
	Wildcard = "*"
)

// IsNotification reports whether the type is a platform notification rather than chat traffic.
func IsNotification(eventType string) bool {
	switch eventType {
	case TypeNewApplication, TypeNewCandidateRegistered, TypeNewJobPosted,
		TypePipelineStageChanged, TypeProfileViewed, TypeApplicationStatusChanged, TypeAnnouncement:
		return true
	default:
		return false
	}
}

// RealtimeEvent is one decoded inbound frame. It is never mutated after Decode.
// Handlers share one Payload map per dispatch and must treat it as read-only;
// the recent-events ring keeps its own copy.
type RealtimeEvent struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`

	raw json.RawMessage
}

var ErrMalformedFrame = errors.New("malformed frame")

type wireFrame struct {
	EventType *string         `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp any             `json:"timestamp"`
}

// Decode parses a frame. The frame must be a JSON object with a non-empty string event_type;
// payload, if present and not null, must be an object.
func Decode(frame []byte) (RealtimeEvent, error) {
	var w wireFrame
	if err := json.Unmarshal(frame, &w); err != nil {
		return RealtimeEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if w.EventType == nil || *w.EventType == "" {
		return RealtimeEvent{}, fmt.Errorf("%w: missing event_type", ErrMalformedFrame)
	}

	evt := RealtimeEvent{EventType: *w.EventType, Payload: map[string]any{}}
	if ts, ok := w.Timestamp.(string); ok {
		evt.Timestamp = ts
	}

	raw := bytes.TrimSpace(w.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		evt.raw = json.RawMessage("{}")
		return evt, nil
	}
	if raw[0] != '{' {
		return RealtimeEvent{}, fmt.Errorf("%w: payload is not an object", ErrMalformedFrame)
	}
	if err := json.Unmarshal(raw, &evt.Payload); err != nil {
		return RealtimeEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	evt.raw = append(json.RawMessage(nil), raw...)
	return evt, nil
}

// PeekType returns the event_type of a frame without decoding the payload.
func PeekType(frame []byte) string {
	var w struct {
		EventType string `json:"event_type"`
	}
	if json.Unmarshal(frame, &w) != nil {
		return ""
	}
	return w.EventType
}

// Bind decodes the payload into v.
func (e RealtimeEvent) Bind(v any) error {
	raw := e.raw
	if raw == nil {
		var err error
		if raw, err = json.Marshal(e.Payload); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, v)
}

// String returns a string payload field or "".
func (e RealtimeEvent) String(key string) string {
	v, _ := e.Payload[key].(string)
	return v
}

// Int returns a numeric payload field. JSON numbers decode as float64.
func (e RealtimeEvent) Int(key string) (int, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// New builds an event from a payload map; used by tests and local synthesis.
func New(eventType string, payload map[string]any, timestamp string) RealtimeEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return RealtimeEvent{EventType: eventType, Payload: payload, Timestamp: timestamp}
}

// clone returns evt with a deep copy of its payload.
func (e RealtimeEvent) clone() RealtimeEvent {
	out := e
	if e.Payload != nil {
		out.Payload = cloneValue(e.Payload).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}
