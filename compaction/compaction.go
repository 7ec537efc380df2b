// Package compaction keeps a conversation under the model's context window
// by replacing older messages with a summary.
package compaction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/creativebastard/kimi-rcli/conversation"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

// DefaultKeepRecent is how many trailing messages are always preserved.
const DefaultKeepRecent = 10

// SummaryPrefix starts the message that replaces compacted history.
const SummaryPrefix = "<system>Previous context has been compacted. Here is the compaction output:</system>\n"

// Result describes one compaction run. Compacted is false for a no-op.
type Result struct {
	Compacted      bool
	MessagesBefore int
	MessagesAfter  int
	TokensBefore   int
	TokensAfter    int
	Summarized     int
}

// Strategy decides when and how a Context is reduced.
type Strategy interface {
	ShouldCompact(c *conversation.Context) bool
	Compact(ctx context.Context, c *conversation.Context) (Result, error)
}

// Forcer is implemented by strategies that can compact on demand,
// regardless of the threshold.
type Forcer interface {
	Force(ctx context.Context, c *conversation.Context) (Result, error)
}

// Summarizer condenses a run of messages into text.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []unifiedllm.Message) (string, error)
}

// Simple compacts once the estimate exceeds MaxContextSize minus
// ReservedContextSize. System messages and the last KeepRecent messages are
// kept as they are; everything else becomes one summary message.
type Simple struct {
	MaxContextSize      int
	ReservedContextSize int
	KeepRecent          int
	Summarizer          Summarizer
	// Fallback is used when Summarizer fails. Nil means the error is
	// returned.
	Fallback Summarizer
	Logger   *slog.Logger
}

// Threshold returns the token estimate above which compaction triggers.
func (s *Simple) Threshold() int {
	return s.MaxContextSize - s.ReservedContextSize
}

// ShouldCompact reports whether c is over the threshold.
func (s *Simple) ShouldCompact(c *conversation.Context) bool {
	if s.MaxContextSize <= 0 {
		return false
	}
	return c.TokenCount() > s.Threshold()
}

func (s *Simple) keepRecent() int {
	if s.KeepRecent <= 0 {
		return DefaultKeepRecent
	}
	return s.KeepRecent
}

func (s *Simple) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Compact summarizes the compactable prefix of c and replaces the history.
// Under the threshold, or with nothing to summarize, it does nothing.
func (s *Simple) Compact(ctx context.Context, c *conversation.Context) (Result, error) {
	return s.compact(ctx, c, false)
}

// Force compacts c even when it is under the threshold.
func (s *Simple) Force(ctx context.Context, c *conversation.Context) (Result, error) {
	return s.compact(ctx, c, true)
}

func (s *Simple) compact(ctx context.Context, c *conversation.Context, force bool) (Result, error) {
	if !force && !s.ShouldCompact(c) {
		return unchanged(c), nil
	}
	msgs := c.Messages()
	cut := splitPoint(msgs, s.keepRecent())
	return rewrite(ctx, c, msgs, cut, func(older []unifiedllm.Message) (string, error) {
		return summarize(ctx, s.Summarizer, s.Fallback, s.logger(), older)
	}, s.logger())
}

func unchanged(c *conversation.Context) Result {
	return Result{
		MessagesBefore: c.Len(),
		MessagesAfter:  c.Len(),
		TokensBefore:   c.TokenCount(),
		TokensAfter:    c.TokenCount(),
	}
}

// rewrite replaces msgs[:cut] with one summary message. System messages
// before cut are kept in front of the summary. With nothing to summarize
// the history is left alone.
func rewrite(ctx context.Context, c *conversation.Context, msgs []unifiedllm.Message, cut int,
	summarizeFn func([]unifiedllm.Message) (string, error), logger *slog.Logger) (Result, error) {
	res := unchanged(c)
	var pinned, older []unifiedllm.Message
	for _, m := range msgs[:cut] {
		if m.Role == unifiedllm.RoleSystem {
			pinned = append(pinned, m)
			continue
		}
		older = append(older, m)
	}
	if len(older) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	summary, err := summarizeFn(older)
	if err != nil {
		return res, err
	}

	next := make([]unifiedllm.Message, 0, len(pinned)+1+len(msgs)-cut)
	next = append(next, pinned...)
	next = append(next, unifiedllm.UserMessage(SummaryPrefix+summary))
	next = append(next, msgs[cut:]...)

	if err := c.Replace(next); err != nil {
		return res, fmt.Errorf("replace history: %w", err)
	}

	res.Compacted = true
	res.Summarized = len(older)
	res.MessagesAfter = c.Len()
	res.TokensAfter = c.TokenCount()
	logger.Info("context compacted",
		"messages_before", res.MessagesBefore,
		"messages_after", res.MessagesAfter,
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter,
	)
	return res, nil
}

func summarize(ctx context.Context, summarizer, fallback Summarizer, logger *slog.Logger, older []unifiedllm.Message) (string, error) {
	if summarizer == nil {
		summarizer = DropSummarizer{}
	}
	summary, err := summarizer.Summarize(ctx, older)
	if err == nil {
		return summary, nil
	}
	if fallback == nil || ctx.Err() != nil {
		return "", fmt.Errorf("summarize %d messages: %w", len(older), err)
	}
	logger.Warn("summarizer failed, using fallback", "error", err)
	return fallback.Summarize(ctx, older)
}

// splitPoint returns the index where the preserved tail starts. The tail
// never begins with a tool result, so results stay next to their call.
func splitPoint(msgs []unifiedllm.Message, keep int) int {
	cut := len(msgs) - keep
	if cut <= 0 {
		return 0
	}
	for cut > 0 && msgs[cut].Role == unifiedllm.RoleTool {
		cut--
	}
	return cut
}

// DropSummarizer replaces history with a short note.
type DropSummarizer struct{}

// Summarize implements Summarizer.
func (DropSummarizer) Summarize(_ context.Context, msgs []unifiedllm.Message) (string, error) {
	return fmt.Sprintf("%d earlier messages were removed to stay within the context window.", len(msgs)), nil
}
