package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON form of an event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type decoder func(json.RawMessage) (Event, error)

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

var decoders = map[EventType]decoder{
	TypeTurnBegin:        decodeAs[TurnBegin],
	TypeTurnEnd:          decodeAs[TurnEnd],
	TypeStepBegin:        decodeAs[StepBegin],
	TypeStepInterrupted:  decodeAs[StepInterrupted],
	TypeCompactionBegin:  decodeAs[CompactionBegin],
	TypeCompactionEnd:    decodeAs[CompactionEnd],
	TypeTextPart:         decodeAs[TextPart],
	TypeThinkPart:        decodeAs[ThinkPart],
	TypeImageURLPart:     decodeAs[ImageURLPart],
	TypeAudioURLPart:     decodeAs[AudioURLPart],
	TypeVideoURLPart:     decodeAs[VideoURLPart],
	TypeToolCall:         decodeAs[ToolCall],
	TypeToolCallPart:     decodeAs[ToolCallPart],
	TypeToolResult:       decodeAs[ToolResult],
	TypeApprovalRequest:  decodeAs[ApprovalRequest],
	TypeApprovalResponse: decodeAs[ApprovalResponse],
	TypeStatusUpdate:     decodeAs[StatusUpdate],
}

// ToEnvelope wraps ev in its envelope.
func ToEnvelope(ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return Envelope{Type: ev.EventType(), Payload: payload}, nil
}

// FromEnvelope decodes the event held by env.
func FromEnvelope(env Envelope) (Event, error) {
	dec, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	ev, err := dec(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

// Marshal encodes ev as {"type": ..., "payload": ...}.
func Marshal(ev Event) ([]byte, error) {
	env, err := ToEnvelope(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return FromEnvelope(env)
}
