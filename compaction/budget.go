package compaction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/creativebastard/kimi-rcli/conversation"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

// DefaultTargetRatio is the share of MaxContextSize that Budget compacts
// down to.
const DefaultTargetRatio = 0.5

// Budget triggers like Simple but summarizes only as many of the oldest
// messages as needed to bring the estimate down to TargetRatio of
// MaxContextSize. The newest message is never summarized.
type Budget struct {
	MaxContextSize      int
	ReservedContextSize int
	// TargetRatio is clamped to [0.1, 0.9]; zero means DefaultTargetRatio.
	TargetRatio float64
	Summarizer  Summarizer
	Fallback    Summarizer
	Logger      *slog.Logger
}

// Threshold returns the token estimate above which compaction triggers.
func (b *Budget) Threshold() int {
	return b.MaxContextSize - b.ReservedContextSize
}

// Target returns the token estimate compaction aims for.
func (b *Budget) Target() int {
	ratio := b.TargetRatio
	switch {
	case ratio == 0:
		ratio = DefaultTargetRatio
	case ratio < 0.1:
		ratio = 0.1
	case ratio > 0.9:
		ratio = 0.9
	}
	return int(float64(b.MaxContextSize) * ratio)
}

// ShouldCompact reports whether c is over the threshold.
func (b *Budget) ShouldCompact(c *conversation.Context) bool {
	if b.MaxContextSize <= 0 {
		return false
	}
	return c.TokenCount() > b.Threshold()
}

// Compact summarizes the oldest messages until the target is met.
func (b *Budget) Compact(ctx context.Context, c *conversation.Context) (Result, error) {
	if !b.ShouldCompact(c) {
		return unchanged(c), nil
	}
	return b.compactTo(ctx, c, b.Target())
}

// Force compacts to the target, or to half the current estimate when c is
// already below it.
func (b *Budget) Force(ctx context.Context, c *conversation.Context) (Result, error) {
	target := b.Target()
	if tokens := c.TokenCount(); tokens <= target {
		target = tokens / 2
	}
	return b.compactTo(ctx, c, target)
}

func (b *Budget) compactTo(ctx context.Context, c *conversation.Context, target int) (Result, error) {
	msgs := c.Messages()
	cut := budgetCut(msgs, c.TokenCount()-target)
	logger := b.logger()
	return rewrite(ctx, c, msgs, cut, func(older []unifiedllm.Message) (string, error) {
		return summarize(ctx, b.Summarizer, b.Fallback, logger, older)
	}, logger)
}

func (b *Budget) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// budgetCut returns how many leading messages to summarize so that at least
// excess tokens leave the history. System messages stay and are not counted.
// The cut never leaves a tool result at the head of the kept tail, and the
// last message is always kept.
func budgetCut(msgs []unifiedllm.Message, excess int) int {
	if excess <= 0 || len(msgs) < 2 {
		return 0
	}
	removed, cut := 0, 0
	for cut < len(msgs)-1 && removed < excess {
		if msgs[cut].Role != unifiedllm.RoleSystem {
			removed += conversation.EstimateMessageTokens(msgs[cut])
		}
		cut++
	}
	for cut < len(msgs)-1 && msgs[cut].Role == unifiedllm.RoleTool {
		cut++
	}
	if msgs[cut].Role == unifiedllm.RoleTool {
		// The only way forward would drop the last message; back off to the
		// call instead.
		for cut > 0 && msgs[cut].Role == unifiedllm.RoleTool {
			cut--
		}
	}
	return cut
}

// Strategy names accepted by New.
const (
	StrategySimple     = "simple"
	StrategyAggressive = "aggressive"
	StrategyBudget     = "budget"
)

// Options configures the strategy built by New.
type Options struct {
	MaxContextSize      int
	ReservedContextSize int
	KeepRecent          int
	TargetRatio         float64
	Summarizer          Summarizer
	Fallback            Summarizer
	Logger              *slog.Logger
}

// New builds the named strategy. An empty name selects simple. Aggressive
// keeps only the recent messages and never asks the model for a summary.
func New(name string, o Options) (Strategy, error) {
	switch name {
	case "", StrategySimple:
		return &Simple{
			MaxContextSize:      o.MaxContextSize,
			ReservedContextSize: o.ReservedContextSize,
			KeepRecent:          o.KeepRecent,
			Summarizer:          o.Summarizer,
			Fallback:            o.Fallback,
			Logger:              o.Logger,
		}, nil
	case StrategyAggressive:
		return &Simple{
			MaxContextSize:      o.MaxContextSize,
			ReservedContextSize: o.ReservedContextSize,
			KeepRecent:          o.KeepRecent,
			Summarizer:          DropSummarizer{},
			Logger:              o.Logger,
		}, nil
	case StrategyBudget:
		return &Budget{
			MaxContextSize:      o.MaxContextSize,
			ReservedContextSize: o.ReservedContextSize,
			TargetRatio:         o.TargetRatio,
			Summarizer:          o.Summarizer,
			Fallback:            o.Fallback,
			Logger:              o.Logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown compaction strategy %q", name)
}
