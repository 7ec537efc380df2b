package conversation

import (
	"unicode/utf8"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

const (
	charsPerToken   = 4
	messageOverhead = 4
	mediaTokens     = 256
)

// EstimateMessageTokens approximates the token cost of one message at four
// characters per token plus a fixed per-message overhead.
func EstimateMessageTokens(m unifiedllm.Message) int {
	chars := 0
	media := 0
	for _, part := range m.Content {
		switch part.Kind {
		case unifiedllm.ContentText, unifiedllm.ContentThink:
			chars += utf8.RuneCountInString(part.Text)
		case unifiedllm.ContentToolCall:
			if part.ToolCall != nil {
				chars += utf8.RuneCountInString(part.ToolCall.Name) + utf8.RuneCount(part.ToolCall.Arguments)
			}
		case unifiedllm.ContentToolResult:
			if part.ToolResult != nil {
				chars += utf8.RuneCountInString(part.ToolResult.Output)
			}
		case unifiedllm.ContentImageURL, unifiedllm.ContentAudioURL, unifiedllm.ContentVideoURL:
			media++
		}
	}
	return messageOverhead + (chars+charsPerToken-1)/charsPerToken + media*mediaTokens
}

// EstimateTokens is the sum of EstimateMessageTokens over msgs.
func EstimateTokens(msgs []unifiedllm.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}
