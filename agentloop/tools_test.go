package agentloop

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

func TestToolsetRegistration(t *testing.T) {
	ts := NewToolset(&echoTool{name: "zeta"}, &echoTool{name: "alpha"})
	if ts.Count() != 2 {
		t.Fatalf("expected 2 tools, got %d", ts.Count())
	}
	defs := ts.Definitions()
	if defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Errorf("expected sorted definitions, got %s, %s", defs[0].Name, defs[1].Name)
	}
	ts.Unregister("alpha")
	if ts.Get("alpha") != nil || ts.Count() != 1 {
		t.Error("expected alpha removed")
	}
}

func TestToolsetValidate(t *testing.T) {
	ts := NewToolset(&echoTool{name: "echo"},
		NewFuncTool(ToolDefinition{Name: "free"}, nil))

	tests := []struct {
		name    string
		tool    string
		args    string
		wantErr bool
	}{
		{"valid", "echo", `{"text":"hi"}`, false},
		{"missing required", "echo", `{}`, true},
		{"wrong type", "echo", `{"text":1}`, true},
		{"malformed json", "echo", `{"text":`, true},
		{"empty args become object", "free", ``, false},
		{"no schema accepts anything", "free", `{"x":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ts.Validate(tt.tool, json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArguments) {
				t.Errorf("expected ErrInvalidArguments, got %v", err)
			}
		})
	}

	if err := ts.Validate("nope", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestToolsetReRegisterDropsCachedSchema(t *testing.T) {
	ts := NewToolset(&echoTool{name: "echo"})
	if err := ts.Validate("echo", json.RawMessage(`{"n":1}`)); err == nil {
		t.Fatal("expected text to be required")
	}
	ts.Register(NewFuncTool(ToolDefinition{
		Name:       "echo",
		Parameters: ObjectSchema(map[string]interface{}{"n": map[string]interface{}{"type": "integer"}}, "n"),
	}, nil))
	if err := ts.Validate("echo", json.RawMessage(`{"n":1}`)); err != nil {
		t.Errorf("expected new schema to apply, got %v", err)
	}
}

func TestTruncateChars(t *testing.T) {
	out := TruncateChars("0123456789abcdefghij", 10, TruncateHeadTail)
	if out[:5] != "01234" || out[len(out)-5:] != "fghij" {
		t.Errorf("expected head and tail kept, got %q", out)
	}
	out = TruncateChars("0123456789abcdefghij", 10, TruncateTail)
	if out[len(out)-10:] != "abcdefghij" {
		t.Errorf("expected tail kept, got %q", out)
	}
	if got := TruncateChars("short", 10, TruncateHeadTail); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
}

func TestTruncateCharsCountsRunes(t *testing.T) {
	in := strings.Repeat("é", 20)
	for _, mode := range []TruncationMode{TruncateHeadTail, TruncateTail} {
		out := TruncateChars(in, 10, mode)
		if !utf8.ValidString(out) {
			t.Fatalf("%s: truncation split a rune: %q", mode, out)
		}
		if !strings.Contains(out, "10 characters were removed") && !strings.Contains(out, "first 10 characters") {
			t.Errorf("%s: expected 10 removed characters, got %q", mode, out)
		}
		if strings.Count(out, "é") != 10 {
			t.Errorf("%s: expected 10 kept runes, got %d", mode, strings.Count(out, "é"))
		}
	}
	if got := TruncateChars("ééé", 3, TruncateHeadTail); got != "ééé" {
		t.Errorf("three runes fit a limit of three, got %q", got)
	}
}

func TestTruncateLines(t *testing.T) {
	out := TruncateLines("a\nb\nc\nd\ne\nf", 4)
	want := "a\nb\n[... 2 lines omitted ...]\ne\nf"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestOutputLimitsApply(t *testing.T) {
	var limits OutputLimits
	long := make([]byte, 0, 600)
	for i := 0; i < 300; i++ {
		long = append(long, 'x', '\n')
	}
	if out := limits.Apply("shell", string(long)); out == string(long) {
		t.Error("expected shell output limited to 256 lines")
	}
	if out := limits.Apply("custom", string(long)); out != string(long) {
		t.Error("expected unknown tools to keep short output")
	}
	limits.Lines = map[string]int{"shell": 0}
	if out := limits.Apply("shell", string(long)); out != string(long) {
		t.Error("expected an explicit zero to disable the line limit")
	}
}

func assistantCall(name, args string) unifiedllm.Message {
	return unifiedllm.Message{
		Role:    unifiedllm.RoleAssistant,
		Content: []unifiedllm.ContentPart{unifiedllm.ToolCallPart("id", name, json.RawMessage(args))},
	}
}

func TestDetectLoop(t *testing.T) {
	var same []unifiedllm.Message
	for i := 0; i < 4; i++ {
		same = append(same, assistantCall("read_file", `{"path":"a"}`))
	}
	if !DetectLoop(same, 4) {
		t.Error("expected repeated call detected")
	}

	var alternating []unifiedllm.Message
	for i := 0; i < 4; i++ {
		alternating = append(alternating, assistantCall("read_file", `{"path":"a"}`), assistantCall("shell", `{"command":"ls"}`))
	}
	if !DetectLoop(alternating, 8) {
		t.Error("expected pattern of two detected")
	}

	varied := []unifiedllm.Message{
		assistantCall("read_file", `{"path":"a"}`),
		assistantCall("read_file", `{"path":"b"}`),
		assistantCall("read_file", `{"path":"c"}`),
		assistantCall("read_file", `{"path":"d"}`),
	}
	if DetectLoop(varied, 4) {
		t.Error("expected no loop for distinct calls")
	}
	if DetectLoop(same[:2], 4) {
		t.Error("expected no loop with fewer calls than the window")
	}
}
