package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creativebastard/kimi-rcli/approval"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
	"github.com/creativebastard/kimi-rcli/wire"
)

type recordingBus struct {
	mu     sync.Mutex
	events []wire.Event
}

func (b *recordingBus) Publish(ev wire.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) results() []wire.ToolResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []wire.ToolResult
	for _, ev := range b.events {
		if r, ok := ev.(wire.ToolResult); ok {
			out = append(out, r)
		}
	}
	return out
}

// scriptedApprover answers from a map keyed by call id and records the
// order of requests.
type scriptedApprover struct {
	mu        sync.Mutex
	decisions map[string]approval.Decision
	order     []string
	err       error
}

func (a *scriptedApprover) Request(_ context.Context, toolCallID, _, _, _ string, _ []wire.DisplayBlock) (approval.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.order = append(a.order, toolCallID)
	if a.err != nil {
		return "", a.err
	}
	if d, ok := a.decisions[toolCallID]; ok {
		return d, nil
	}
	return approval.Approve, nil
}

func call(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestExecuteReturnsOneResultPerCall(t *testing.T) {
	bus := &recordingBus{}
	echo := &echoTool{name: "echo"}
	c := NewCoordinator(NewToolset(echo), nil, bus)

	calls := []unifiedllm.ToolCall{
		call("1", "echo", `{"text":"a"}`),
		call("2", "missing", `{}`),
		call("3", "echo", `{"text":42}`),
		call("4", "echo", `not json`),
		call("5", "echo", `{"text":"b"}`),
	}
	results, err := c.Execute(context.Background(), calls)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != len(calls) {
		t.Fatalf("expected %d results, got %d", len(calls), len(results))
	}
	if results["1"].Output != "a" || results["5"].Output != "b" {
		t.Errorf("unexpected outputs %+v", results)
	}
	if r := results["2"]; !r.IsError || !strings.Contains(r.Output, "not found") {
		t.Errorf("expected not-found error, got %+v", r)
	}
	for _, id := range []string{"3", "4"} {
		if r := results[id]; !r.IsError || !strings.HasPrefix(r.Output, "Invalid arguments for echo") {
			t.Errorf("call %s: expected validation error, got %+v", id, r)
		}
	}
	if echo.calls.Load() != 2 {
		t.Errorf("invalid calls must not execute, got %d executions", echo.calls.Load())
	}
	if len(bus.results()) != len(calls) {
		t.Errorf("expected a ToolResult event per call, got %d", len(bus.results()))
	}
}

func TestExecuteToolErrorAndPanic(t *testing.T) {
	failing := NewFuncTool(ToolDefinition{Name: "fail"}, func(context.Context, json.RawMessage) (ToolOutput, error) {
		return ToolOutput{}, errors.New("disk full")
	})
	panicking := NewFuncTool(ToolDefinition{Name: "boom"}, func(context.Context, json.RawMessage) (ToolOutput, error) {
		panic("nil map")
	})
	c := NewCoordinator(NewToolset(failing, panicking), nil, &recordingBus{})

	results, err := c.Execute(context.Background(), []unifiedllm.ToolCall{call("1", "fail", ""), call("2", "boom", "")})
	if err != nil {
		t.Fatal(err)
	}
	if r := results["1"]; !r.IsError || r.Output != "Tool fail failed: disk full" {
		t.Errorf("unexpected result %+v", r)
	}
	if r := results["2"]; !r.IsError || !strings.Contains(r.Output, "panicked") {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestExecuteRunsApprovedCallsConcurrently(t *testing.T) {
	const n = 3
	var arrived sync.WaitGroup
	arrived.Add(n)
	release := make(chan struct{})
	barrier := NewFuncTool(ToolDefinition{Name: "wait"}, func(ctx context.Context, _ json.RawMessage) (ToolOutput, error) {
		arrived.Done()
		select {
		case <-release:
			return ToolOutput{Output: "ok"}, nil
		case <-ctx.Done():
			return ToolOutput{}, ctx.Err()
		}
	})
	c := NewCoordinator(NewToolset(barrier), &scriptedApprover{}, &recordingBus{})

	go func() {
		arrived.Wait()
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := c.Execute(ctx, []unifiedllm.ToolCall{call("1", "wait", ""), call("2", "wait", ""), call("3", "wait", "")})
	if err != nil {
		t.Fatalf("calls did not overlap: %v", err)
	}
	for id, r := range results {
		if r.IsError {
			t.Errorf("call %s failed: %s", id, r.Output)
		}
	}
}

func TestExecuteRespectsMaxParallel(t *testing.T) {
	var active, peak atomic.Int32
	slow := NewFuncTool(ToolDefinition{Name: "slow"}, func(context.Context, json.RawMessage) (ToolOutput, error) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return ToolOutput{Output: "ok"}, nil
	})
	c := NewCoordinator(NewToolset(slow), nil, &recordingBus{}, WithMaxParallel(1))

	calls := []unifiedllm.ToolCall{call("1", "slow", ""), call("2", "slow", ""), call("3", "slow", "")}
	results, err := c.Execute(context.Background(), calls)
	if err != nil || len(results) != 3 {
		t.Fatalf("unexpected %v, %d results", err, len(results))
	}
	if peak.Load() != 1 {
		t.Errorf("expected one call at a time, peak was %d", peak.Load())
	}
}

func TestExecuteRequestsApprovalsInOrder(t *testing.T) {
	approver := &scriptedApprover{decisions: map[string]approval.Decision{"2": approval.Reject}}
	echo := &echoTool{name: "echo"}
	safe := &echoTool{name: "peek", safe: true}
	c := NewCoordinator(NewToolset(echo, safe), approver, &recordingBus{})

	results, err := c.Execute(context.Background(), []unifiedllm.ToolCall{
		call("1", "echo", `{"text":"a"}`),
		call("2", "echo", `{"text":"b"}`),
		call("3", "peek", `{"text":"c"}`),
		call("4", "echo", `{"text":"d"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(approver.order, ","); got != "1,2,4" {
		t.Errorf("expected approvals for 1,2,4 in order, got %s", got)
	}
	if !IsRejection(results["2"]) {
		t.Errorf("expected rejection, got %+v", results["2"])
	}
	if results["3"].Output != "c" || results["4"].Output != "d" {
		t.Errorf("calls after a rejection still run: %+v", results)
	}
	if echo.calls.Load() != 2 || safe.calls.Load() != 1 {
		t.Errorf("unexpected executions echo=%d peek=%d", echo.calls.Load(), safe.calls.Load())
	}
}

func TestExecuteApprovalFailure(t *testing.T) {
	approver := &scriptedApprover{err: approval.ErrRequestInFlight}
	echo := &echoTool{name: "echo"}
	c := NewCoordinator(NewToolset(echo), approver, &recordingBus{})

	results, err := c.Execute(context.Background(), []unifiedllm.ToolCall{call("1", "echo", `{"text":"a"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if r := results["1"]; !r.IsError || !strings.HasPrefix(r.Output, "Approval failed") {
		t.Errorf("unexpected result %+v", r)
	}
	if echo.calls.Load() != 0 {
		t.Error("tool must not run without approval")
	}
}

type describedTool struct {
	echoTool
}

func (d *describedTool) Describe(args json.RawMessage) (string, []wire.DisplayBlock) {
	return "Say " + string(args), []wire.DisplayBlock{{Type: "brief", Text: "say"}}
}

func TestExecuteUsesDescriber(t *testing.T) {
	bus := wire.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	gate := approval.NewGate(bus)
	c := NewCoordinator(NewToolset(&describedTool{echoTool{name: "say"}}), gate, bus)

	done := make(chan map[string]unifiedllm.ToolResult, 1)
	go func() {
		results, _ := c.Execute(context.Background(), []unifiedllm.ToolCall{call("1", "say", `{"text":"hi"}`)})
		done <- results
	}()
	req := waitFor[wire.ApprovalRequest](t, sub)
	if req.Description != `Say {"text":"hi"}` || len(req.Display) != 1 || req.Sender != "say" {
		t.Errorf("unexpected request %+v", req)
	}
	if err := gate.Resolve(req.ID, approval.Approve); err != nil {
		t.Fatal(err)
	}
	select {
	case results := <-done:
		if results["1"].Output != "hi" {
			t.Errorf("unexpected results %+v", results)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not finish")
	}
}

func TestExecuteCancelledSkipsRemainingCalls(t *testing.T) {
	bus := &recordingBus{}
	started := make(chan struct{})
	blocking := NewFuncTool(ToolDefinition{Name: "block"}, func(ctx context.Context, _ json.RawMessage) (ToolOutput, error) {
		close(started)
		<-ctx.Done()
		return ToolOutput{}, ctx.Err()
	})
	c := NewCoordinator(NewToolset(blocking), nil, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := c.Execute(ctx, []unifiedllm.ToolCall{call("1", "block", "")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := len(bus.results()); n != 0 {
		t.Errorf("expected no ToolResult after cancellation, got %d", n)
	}
}
