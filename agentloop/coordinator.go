package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/creativebastard/kimi-rcli/approval"
	"github.com/creativebastard/kimi-rcli/observability"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
	"github.com/creativebastard/kimi-rcli/wire"
)

// ToolRejectedMessage is the output of a call the user rejected.
const ToolRejectedMessage = "Tool execution rejected by user"

const tracerName = "github.com/creativebastard/kimi-rcli/agentloop"

// Approver is the part of approval.Gate the coordinator needs.
type Approver interface {
	Request(ctx context.Context, toolCallID, sender, action, description string, display []wire.DisplayBlock) (approval.Decision, error)
}

// Publisher receives wire events.
type Publisher interface {
	Publish(wire.Event)
}

// IsRejection reports whether r is the result of a rejected call.
func IsRejection(r unifiedllm.ToolResult) bool {
	return r.IsError && r.Output == ToolRejectedMessage
}

// Coordinator runs one batch of tool calls: approvals one at a time in call
// order, execution concurrently as soon as each call is approved.
type Coordinator struct {
	toolset     *Toolset
	approver    Approver
	bus         Publisher
	maxParallel int
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMaxParallel bounds concurrent executions. Zero means unbounded.
func WithMaxParallel(n int) CoordinatorOption {
	return func(c *Coordinator) {
		c.maxParallel = n
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithCoordinatorMetrics records tool executions and approvals.
func WithCoordinatorMetrics(m *observability.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithCoordinatorTracer sets the tracer used for tool spans.
func WithCoordinatorTracer(t trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// NewCoordinator creates a Coordinator. A nil approver approves everything.
func NewCoordinator(toolset *Toolset, approver Approver, bus Publisher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		toolset:  toolset,
		approver: approver,
		bus:      bus,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs calls and returns one result per call, keyed by call id.
// When ctx is cancelled it returns the results gathered so far together
// with the context error; calls still waiting for approval get none.
func (c *Coordinator) Execute(ctx context.Context, calls []unifiedllm.ToolCall) (map[string]unifiedllm.ToolResult, error) {
	results := make(map[string]unifiedllm.ToolResult, len(calls))
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem chan struct{}
	)
	if c.maxParallel > 0 {
		sem = make(chan struct{}, c.maxParallel)
	}
	record := func(r unifiedllm.ToolResult) {
		mu.Lock()
		results[r.ToolCallID] = r
		mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		c.bus.Publish(wire.ToolResult{
			ToolCallID: r.ToolCallID,
			Output:     r.Output,
			IsError:    r.IsError,
			Brief:      r.Brief,
		})
	}

	for _, call := range calls {
		if ctx.Err() != nil {
			break
		}
		tool := c.toolset.Get(call.Name)
		if tool == nil {
			record(errorResult(call.ID, fmt.Sprintf("Tool %q not found", call.Name)))
			continue
		}
		if err := c.toolset.Validate(call.Name, call.Arguments); err != nil {
			record(errorResult(call.ID, fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err)))
			continue
		}

		approved, err := c.approve(ctx, tool, call)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, approval.ErrCancelled) {
				break
			}
			record(errorResult(call.ID, fmt.Sprintf("Approval failed: %v", err)))
			continue
		}
		if !approved {
			record(unifiedllm.ToolResult{ToolCallID: call.ID, Output: ToolRejectedMessage, IsError: true, Brief: "Rejected by user"})
			continue
		}

		wg.Add(1)
		go func(tool Tool, call unifiedllm.ToolCall) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
			}
			record(c.run(ctx, tool, call))
		}(tool, call)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (c *Coordinator) approve(ctx context.Context, tool Tool, call unifiedllm.ToolCall) (bool, error) {
	def := tool.Definition()
	if def.Safe || c.approver == nil {
		return true, nil
	}
	action := def.Action
	if action == "" {
		action = def.Name
	}
	description := fmt.Sprintf("Execute %s with args: %s", call.Name, string(call.Arguments))
	var display []wire.DisplayBlock
	if d, ok := tool.(Describer); ok {
		description, display = d.Describe(call.Arguments)
	}

	decision, err := c.approver.Request(ctx, call.ID, call.Name, action, description, display)
	if err != nil {
		return false, err
	}
	c.metrics.RecordApproval(string(decision))
	c.logger.Debug("tool call approval", "call_id", call.ID, "tool_name", call.Name, "decision", decision)
	return decision.Approved(), nil
}

func (c *Coordinator) run(ctx context.Context, tool Tool, call unifiedllm.ToolCall) (result unifiedllm.ToolResult) {
	ctx, span := c.tracer.Start(ctx, "tool "+call.Name, trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			result = errorResult(call.ID, fmt.Sprintf("Tool %s panicked: %v", call.Name, p))
		}
		status := "success"
		if result.IsError {
			status = "error"
			span.SetStatus(codes.Error, result.Output)
		}
		c.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
		span.End()
	}()

	out, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		c.logger.Debug("tool failed", "call_id", call.ID, "tool_name", call.Name, "error", err)
		return errorResult(call.ID, fmt.Sprintf("Tool %s failed: %v", call.Name, err))
	}
	return unifiedllm.ToolResult{ToolCallID: call.ID, Output: out.Output, Brief: out.Brief}
}

func errorResult(callID, msg string) unifiedllm.ToolResult {
	return unifiedllm.ToolResult{ToolCallID: callID, Output: msg, IsError: true}
}
