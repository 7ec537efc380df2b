package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMarshalEnvelope(t *testing.T) {
	data, err := Marshal(StepBegin{N: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"StepBegin","payload":{"n":3}}` {
		t.Errorf("unexpected envelope %s", data)
	}
}

func TestUnmarshalEveryType(t *testing.T) {
	events := []Event{
		TurnBegin{TurnID: "t", UserInput: "hi"},
		TurnEnd{TurnID: "t", Error: "boom"},
		StepBegin{N: 1},
		StepInterrupted{Reason: "cancelled"},
		CompactionBegin{},
		CompactionEnd{TokensBefore: 10, TokensAfter: 2},
		TextPart{Text: "x"},
		ThinkPart{Think: "y", Signature: "s"},
		ImageURLPart{URL: "u"},
		AudioURLPart{URL: "u"},
		VideoURLPart{URL: "u"},
		ToolCall{ID: "c", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)},
		ToolCallPart{ID: "c", ArgumentsPart: `{"com`},
		ToolResult{ToolCallID: "c", Output: "ok"},
		ApprovalRequest{ID: "r", ToolCallID: "c", Sender: "shell", Action: "run shell command", Display: []DisplayBlock{{Type: "shell", Command: "ls"}}},
		ApprovalResponse{RequestID: "r", Response: "approve"},
		StatusUpdate{ContextUsage: 0.5, TokenUsage: &TokenUsage{TotalTokens: 3}},
	}
	for _, ev := range events {
		data, err := Marshal(ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", ev.EventType(), err)
		}
		back, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", ev.EventType(), err)
		}
		if back.EventType() != ev.EventType() {
			t.Errorf("expected %s, got %s", ev.EventType(), back.EventType())
		}
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"Bogus","payload":{}}`))
	if err == nil || !strings.Contains(err.Error(), "Bogus") {
		t.Errorf("expected unknown type error, got %v", err)
	}
}

func TestUnmarshalEmptyPayload(t *testing.T) {
	ev, err := Unmarshal([]byte(`{"type":"CompactionBegin"}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := ev.(CompactionBegin); !ok {
		t.Errorf("expected CompactionBegin, got %T", ev)
	}
}
