package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

const summarizePrompt = `You are compacting the history of a coding session so work can continue in a fresh context window.

Write a summary that preserves:
- the user's goals and any constraints they stated
- files read or changed, with the important details of each change
- commands run and their outcomes, including errors
- decisions made and open questions
- what remains to be done

Be concise. Do not invent details. Output only the summary.`

// maxRenderedOutput bounds how much of a single tool output is shown to the
// summarizing model.
const maxRenderedOutput = 2000

// LLMSummarizer asks a chat provider to summarize history.
type LLMSummarizer struct {
	Provider  unifiedllm.ChatProvider
	Model     string
	MaxTokens int
	Retry     unifiedllm.RetryPolicy
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, msgs []unifiedllm.Message) (string, error) {
	if s.Provider == nil {
		return "", errors.New("summarizer has no provider")
	}
	req := unifiedllm.Request{
		Model: s.Model,
		Messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(summarizePrompt),
			unifiedllm.UserMessage(RenderTranscript(msgs)),
		},
	}
	if s.MaxTokens > 0 {
		n := s.MaxTokens
		req.MaxTokens = &n
	}

	step, err := unifiedllm.Retry(ctx, s.Retry, func(ctx context.Context) (*unifiedllm.StepResult, error) {
		return unifiedllm.Complete(ctx, s.Provider, req)
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(step.Message.TextContent())
	if text == "" {
		return "", fmt.Errorf("model %q returned an empty summary", s.Model)
	}
	return text, nil
}

// RenderTranscript formats messages as plain text for summarization.
func RenderTranscript(msgs []unifiedllm.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n", m.Role)
		for _, part := range m.Content {
			switch part.Kind {
			case unifiedllm.ContentText:
				sb.WriteString(part.Text)
				sb.WriteString("\n")
			case unifiedllm.ContentThink:
				// reasoning is not carried over
			case unifiedllm.ContentToolCall:
				if part.ToolCall != nil {
					fmt.Fprintf(&sb, "[tool call %s] %s %s\n", part.ToolCall.ID, part.ToolCall.Name, string(part.ToolCall.Arguments))
				}
			case unifiedllm.ContentToolResult:
				if part.ToolResult != nil {
					out := part.ToolResult.Output
					if len(out) > maxRenderedOutput {
						out = clip(out, maxRenderedOutput) + "\n[...truncated]"
					}
					label := "tool result"
					if part.ToolResult.IsError {
						label = "tool error"
					}
					fmt.Fprintf(&sb, "[%s %s]\n%s\n", label, part.ToolResult.ToolCallID, out)
				}
			default:
				if part.Media != nil {
					fmt.Fprintf(&sb, "[%s]\n", part.Kind)
				}
			}
		}
	}
	return sb.String()
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
