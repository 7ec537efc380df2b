package conversation

import (
	"encoding/json"
	"testing"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

func TestEstimateMessageTokens(t *testing.T) {
	tests := []struct {
		name string
		msg  unifiedllm.Message
		want int
	}{
		{"empty", unifiedllm.Message{Role: unifiedllm.RoleUser}, 4},
		{"four chars", unifiedllm.UserMessage("abcd"), 5},
		{"five chars rounds up", unifiedllm.UserMessage("abcde"), 6},
		{"runes not bytes", unifiedllm.UserMessage("日本語です"), 6},
		{"image", unifiedllm.Message{Role: unifiedllm.RoleUser, Content: []unifiedllm.ContentPart{unifiedllm.ImageURLPart("data:x")}}, 4 + 256},
		{"tool call", unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: []unifiedllm.ContentPart{
			unifiedllm.ToolCallPart("c", "ls", json.RawMessage(`{}`)),
		}}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateMessageTokens(tt.msg); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
