package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creativebastard/kimi-rcli/approval"
	"github.com/creativebastard/kimi-rcli/compaction"
	"github.com/creativebastard/kimi-rcli/conversation"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
	"github.com/creativebastard/kimi-rcli/unifiedllm/llmtest"
	"github.com/creativebastard/kimi-rcli/wire"
)

// echoTool returns its "text" argument and counts invocations.
type echoTool struct {
	name  string
	safe  bool
	calls atomic.Int32
}

func (e *echoTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        e.name,
		Description: "Echo the text back.",
		Parameters: ObjectSchema(map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		}, "text"),
		Safe:   e.safe,
		Action: "echo text",
	}
}

func (e *echoTool) Execute(_ context.Context, args json.RawMessage) (ToolOutput, error) {
	e.calls.Add(1)
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return ToolOutput{}, err
	}
	return ToolOutput{Output: in.Text}, nil
}

type harness struct {
	provider *llmtest.ScriptedProvider
	bus      *wire.Bus
	sub      *wire.Subscription
	history  *conversation.Context
	gate     *approval.Gate
	echo     *echoTool
	soul     *Soul
}

func fastRetry() unifiedllm.RetryPolicy {
	return unifiedllm.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

func newHarness(t *testing.T, yolo bool, steps []llmtest.Step, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		provider: llmtest.New(steps...),
		bus:      wire.NewBus(),
		history:  conversation.New(),
		echo:     &echoTool{name: "echo"},
	}
	h.sub = h.bus.Subscribe()
	h.gate = approval.NewGate(h.bus, approval.WithYolo(yolo))
	opts = append([]Option{WithRetryPolicy(fastRetry())}, opts...)
	h.soul = NewSoul(h.provider, h.history, h.bus, h.gate, NewToolset(h.echo), opts...)
	t.Cleanup(h.bus.Close)
	return h
}

// drain returns every event published so far.
func (h *harness) drain() []wire.Event {
	var out []wire.Event
	for {
		ev, ok := h.sub.TryReceive()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

// waitFor receives events until one of type T arrives.
func waitFor[T wire.Event](t *testing.T, sub *wire.Subscription) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		ev, err := sub.Receive(ctx)
		if err != nil {
			var zero T
			t.Fatalf("waiting for %T: %v", zero, err)
		}
		if v, ok := ev.(T); ok {
			return v
		}
	}
}

func runAsync(ctx context.Context, s *Soul, input string) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Run(ctx, input) }()
	return ch
}

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not finish")
	}
	return nil
}

func count[T wire.Event](events []wire.Event) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func lastTurnEnd(t *testing.T, events []wire.Event) wire.TurnEnd {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	end, ok := events[len(events)-1].(wire.TurnEnd)
	if !ok {
		t.Fatalf("expected TurnEnd last, got %T", events[len(events)-1])
	}
	return end
}

func TestRunTextOnlyTurn(t *testing.T) {
	h := newHarness(t, false, []llmtest.Step{llmtest.Text("Hello ", "world")})
	merged := h.bus.SubscribeMerged()

	if err := h.soul.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := h.drain()
	begin, ok := events[0].(wire.TurnBegin)
	if !ok || begin.UserInput != "hi" {
		t.Fatalf("expected TurnBegin first, got %+v", events[0])
	}
	if step, ok := events[1].(wire.StepBegin); !ok || step.N != 1 {
		t.Errorf("expected StepBegin{1}, got %+v", events[1])
	}
	if count[wire.TextPart](events) != 2 || count[wire.StatusUpdate](events) != 1 {
		t.Errorf("unexpected events %+v", events)
	}
	if end := lastTurnEnd(t, events); end.Error != "" || end.TurnID != begin.TurnID {
		t.Errorf("unexpected TurnEnd %+v", end)
	}

	msgs := h.history.Messages()
	if len(msgs) != 2 || msgs[1].Role != unifiedllm.RoleAssistant || msgs[1].TextContent() != "Hello world" {
		t.Errorf("unexpected history %+v", msgs)
	}
	if text := waitFor[wire.TextPart](t, merged); text.Text != "Hello world" {
		t.Errorf("expected merged text, got %q", text.Text)
	}
	if h.soul.State() != StateAwaitingInput {
		t.Errorf("expected awaiting input, got %s", h.soul.State())
	}
}

func TestRunExecutesToolsThenAnswers(t *testing.T) {
	h := newHarness(t, true, []llmtest.Step{
		llmtest.ToolCalls("Let me check.", llmtest.Call("call_1", "echo", map[string]string{"text": "pong"})),
		llmtest.Text("done"),
	}, WithSystemPrompt("be brief"))

	if err := h.soul.Run(context.Background(), "ping"); err != nil {
		t.Fatalf("run: %v", err)
	}
	msgs := h.history.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected user, assistant, tool, assistant; got %d messages", len(msgs))
	}
	results := msgs[2].ToolResults()
	if msgs[2].Role != unifiedllm.RoleTool || len(results) != 1 || results[0].Output != "pong" {
		t.Errorf("unexpected tool result message %+v", msgs[2])
	}

	events := h.drain()
	if count[wire.StepBegin](events) != 2 || count[wire.ToolCall](events) != 1 || count[wire.ToolResult](events) != 1 {
		t.Errorf("unexpected events %+v", events)
	}

	reqs := h.provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(reqs))
	}
	if reqs[0].Messages[0].Role != unifiedllm.RoleSystem || reqs[0].Messages[0].TextContent() != "be brief" {
		t.Error("expected system prompt first")
	}
	if len(reqs[0].Tools) != 1 || reqs[0].ToolChoice != "auto" {
		t.Errorf("expected tool definitions in request, got %+v", reqs[0].Tools)
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != unifiedllm.RoleTool {
		t.Errorf("expected tool result in second request, got %s", last.Role)
	}
}

func TestRejectEndsTurn(t *testing.T) {
	h := newHarness(t, false, []llmtest.Step{
		llmtest.ToolCalls("", llmtest.Call("call_1", "echo", map[string]string{"text": "x"})),
		llmtest.Text("should not be reached"),
	})
	approvals := h.bus.Subscribe()

	done := runAsync(context.Background(), h.soul, "do it")
	req := waitFor[wire.ApprovalRequest](t, approvals)
	if req.ToolCallID != "call_1" || req.Action != "echo text" {
		t.Errorf("unexpected request %+v", req)
	}
	if !strings.HasPrefix(req.Description, "Execute echo with args: ") {
		t.Errorf("unexpected description %q", req.Description)
	}
	if err := h.gate.Resolve(req.ID, approval.Reject); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := await(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if h.provider.Calls() != 1 {
		t.Errorf("expected no second model step, got %d calls", h.provider.Calls())
	}
	if h.echo.calls.Load() != 0 {
		t.Error("rejected tool must not run")
	}
	msgs := h.history.Messages()
	results := msgs[len(msgs)-1].ToolResults()
	if len(results) != 1 || !results[0].IsError || !strings.Contains(results[0].Output, "rejected") {
		t.Errorf("expected rejection result, got %+v", results)
	}
	if end := lastTurnEnd(t, h.drain()); end.Error != "" {
		t.Errorf("rejection is not a turn error: %q", end.Error)
	}
}

func TestCancelDuringApproval(t *testing.T) {
	h := newHarness(t, false, []llmtest.Step{
		llmtest.ToolCalls("", llmtest.Call("call_1", "echo", map[string]string{"text": "x"})),
	})
	approvals := h.bus.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runAsync(ctx, h.soul, "do it")
	waitFor[wire.ApprovalRequest](t, approvals)
	cancel()

	err := await(t, done)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	events := h.drain()
	if n := count[wire.StepInterrupted](events); n != 1 {
		t.Errorf("expected exactly one StepInterrupted, got %d", n)
	}
	if n := count[wire.ToolResult](events); n != 0 {
		t.Errorf("expected no ToolResult, got %d", n)
	}
	if end := lastTurnEnd(t, events); end.Error == "" {
		t.Error("expected TurnEnd to carry the error")
	}

	msgs := h.history.Messages()
	if len(msgs) != 1 || msgs[0].Role != unifiedllm.RoleUser {
		t.Errorf("expected history back at the pre-step checkpoint, got %d messages", len(msgs))
	}
	if h.gate.State() != approval.Idle {
		t.Error("expected gate released")
	}
	if h.echo.calls.Load() != 0 {
		t.Error("tool must not run")
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	h := newHarness(t, true, []llmtest.Step{
		llmtest.Fail(unifiedllm.NewModelError(unifiedllm.KindServer, "scripted", "overloaded", nil)),
		llmtest.FailMidStream("partial", unifiedllm.NewModelError(unifiedllm.KindNetwork, "scripted", "reset", nil)),
		llmtest.Text("recovered"),
	})
	merged := h.bus.SubscribeMerged()
	if err := h.soul.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.provider.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", h.provider.Calls())
	}
	msgs := h.history.Messages()
	if got := msgs[len(msgs)-1].TextContent(); got != "recovered" {
		t.Errorf("expected final answer, got %q", got)
	}

	// Text shown after the last retry marker is exactly what Context holds.
	var (
		retries int
		shown   string
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		ev, err := merged.Receive(ctx)
		if err != nil {
			t.Fatalf("merged stream: %v", err)
		}
		switch e := ev.(type) {
		case wire.StepInterrupted:
			if e.Reason != "retry" {
				t.Errorf("unexpected interruption %q", e.Reason)
			}
			retries++
			shown = ""
		case wire.TextPart:
			shown += e.Text
		}
		if _, ok := ev.(wire.TurnEnd); ok {
			break
		}
	}
	if retries != 2 {
		t.Errorf("expected 2 retry markers, got %d", retries)
	}
	if shown != "recovered" {
		t.Errorf("merged text after last retry = %q, want %q", shown, "recovered")
	}
}

func TestRetriesExhaustedFailTurn(t *testing.T) {
	boom := unifiedllm.NewModelError(unifiedllm.KindServer, "scripted", "overloaded", nil)
	h := newHarness(t, true, []llmtest.Step{llmtest.Fail(boom), llmtest.Fail(boom), llmtest.Fail(boom)},
		WithLoopConfig(LoopConfig{MaxStepsPerTurn: 10, MaxRetriesPerStep: 2}))

	err := h.soul.Run(context.Background(), "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("expected model error, got %v", err)
	}
	if h.provider.Calls() != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d", h.provider.Calls())
	}
	if end := lastTurnEnd(t, h.drain()); !strings.Contains(end.Error, "overloaded") {
		t.Errorf("expected error in TurnEnd, got %q", end.Error)
	}
}

func TestNonRetryableErrorIsFatal(t *testing.T) {
	h := newHarness(t, true, []llmtest.Step{
		llmtest.Fail(unifiedllm.NewModelError(unifiedllm.KindAuthentication, "scripted", "bad key", nil)),
		llmtest.Text("unused"),
	})
	err := h.soul.Run(context.Background(), "hi")
	var me *unifiedllm.ModelError
	if !errors.As(err, &me) || me.Kind != unifiedllm.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if h.provider.Calls() != 1 {
		t.Errorf("expected no retry, got %d calls", h.provider.Calls())
	}
}

func TestMaxStepsFailsTurn(t *testing.T) {
	call := func(id string) llmtest.Step {
		return llmtest.ToolCalls("", llmtest.Call(id, "echo", map[string]string{"text": id}))
	}
	h := newHarness(t, true, []llmtest.Step{call("a"), call("b"), call("c")},
		WithLoopConfig(LoopConfig{MaxStepsPerTurn: 2, MaxRetriesPerStep: 1}))

	err := h.soul.Run(context.Background(), "loop")
	var maxErr *MaxStepsExceededError
	if !errors.As(err, &maxErr) || maxErr.Max != 2 {
		t.Fatalf("expected MaxStepsExceededError, got %v", err)
	}
	if h.provider.Calls() != 2 {
		t.Errorf("expected 2 steps, got %d", h.provider.Calls())
	}
	if end := lastTurnEnd(t, h.drain()); !strings.Contains(end.Error, "max number of steps") {
		t.Errorf("expected terminating TurnEnd, got %q", end.Error)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	h := newHarness(t, true, []llmtest.Step{llmtest.Hang("thinking")})
	steps := h.bus.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runAsync(ctx, h.soul, "first")
	waitFor[wire.StepBegin](t, steps)
	if err := h.soul.Run(context.Background(), "second"); !errors.Is(err, ErrTurnActive) {
		t.Errorf("expected ErrTurnActive, got %v", err)
	}
	cancel()
	if err := await(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if h.history.Len() != 1 {
		t.Errorf("expected only the user message, got %d", h.history.Len())
	}
}

func TestTurnTimeout(t *testing.T) {
	h := newHarness(t, true, []llmtest.Step{llmtest.Hang("slow")},
		WithLoopConfig(LoopConfig{MaxStepsPerTurn: 5, TurnTimeout: 50 * time.Millisecond}))

	err := h.soul.Run(context.Background(), "hi")
	if !errors.Is(err, ErrTurnTimeout) {
		t.Fatalf("expected ErrTurnTimeout, got %v", err)
	}
	events := h.drain()
	if n := count[wire.StepInterrupted](events); n != 1 {
		t.Errorf("expected one StepInterrupted, got %d", n)
	}
	if end := lastTurnEnd(t, events); end.Error != ErrTurnTimeout.Error() {
		t.Errorf("unexpected TurnEnd %+v", end)
	}
}

func TestDMailRevertsAndContinues(t *testing.T) {
	h := newHarness(t, true, nil)
	denwa := NewDenwaRenji(h.history)
	h.soul = NewSoul(h.provider, h.history, h.bus, h.gate, NewToolset(h.echo),
		WithDenwaRenji(denwa), WithRetryPolicy(fastRetry()))

	// Checkpoint 1 is taken before the user message, 2 before step 1.
	h.provider.Push(
		llmtest.ToolCalls("", llmtest.Call("call_1", "send_dmail", map[string]any{
			"checkpoint_id": 2,
			"message":       "use the other API",
		})),
		llmtest.Text("ok"),
	)
	if err := h.soul.Run(context.Background(), "fix it"); err != nil {
		t.Fatalf("run: %v", err)
	}

	events := h.drain()
	var reasons []string
	for _, ev := range events {
		if si, ok := ev.(wire.StepInterrupted); ok {
			reasons = append(reasons, si.Reason)
		}
	}
	if len(reasons) != 1 || reasons[0] != "dmail" {
		t.Errorf("expected one dmail interruption, got %v", reasons)
	}

	msgs := h.history.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected user, d-mail, answer; got %d messages", len(msgs))
	}
	if !strings.Contains(msgs[1].TextContent(), "use the other API") {
		t.Errorf("expected d-mail as user message, got %q", msgs[1].TextContent())
	}
	if msgs[2].TextContent() != "ok" {
		t.Errorf("expected answer last, got %q", msgs[2].TextContent())
	}
	if denwa.Pending() {
		t.Error("d-mail must be consumed")
	}
	reqs := h.provider.Requests()
	if len(reqs) != 2 || !strings.Contains(reqs[1].Messages[1].TextContent(), "use the other API") {
		t.Error("expected the d-mail in the second request")
	}
}

func TestCompactionBracketsStep(t *testing.T) {
	h := newHarness(t, true, []llmtest.Step{llmtest.Text("ok")},
		WithCompaction(&compaction.Simple{MaxContextSize: 400, ReservedContextSize: 100, KeepRecent: 2}))
	for i := 0; i < 12; i++ {
		_ = h.history.Append(unifiedllm.UserMessage(strings.Repeat("filler ", 40)))
	}

	if err := h.soul.Run(context.Background(), "go"); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := h.drain()
	order := make([]wire.EventType, 0, len(events))
	for _, ev := range events {
		order = append(order, ev.EventType())
	}
	want := []wire.EventType{wire.TypeTurnBegin, wire.TypeCompactionBegin, wire.TypeCompactionEnd, wire.TypeStepBegin}
	for i, typ := range want {
		if order[i] != typ {
			t.Fatalf("expected %v at the start, got %v", want, order)
		}
	}
	end := events[2].(wire.CompactionEnd)
	if end.Error != "" || end.TokensAfter >= end.TokensBefore {
		t.Errorf("unexpected CompactionEnd %+v", end)
	}
}

func TestStatusUpdateReportsUsage(t *testing.T) {
	h := newHarness(t, true, []llmtest.Step{llmtest.Text("ok")},
		WithLoopConfig(LoopConfig{MaxStepsPerTurn: 5, MaxContextSize: 1000}))
	if err := h.soul.Run(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	var status wire.StatusUpdate
	for _, ev := range h.drain() {
		if s, ok := ev.(wire.StatusUpdate); ok {
			status = s
		}
	}
	if status.ContextTokens != h.history.TokenCount() {
		t.Errorf("expected %d context tokens, got %d", h.history.TokenCount(), status.ContextTokens)
	}
	if want := float64(h.history.TokenCount()) / 1000; status.ContextUsage != want {
		t.Errorf("expected usage %v, got %v", want, status.ContextUsage)
	}
	if status.TokenUsage == nil || status.TokenUsage.TotalTokens != 15 {
		t.Errorf("expected model usage, got %+v", status.TokenUsage)
	}
}

func TestToolOutputTruncatedInContextOnly(t *testing.T) {
	long := strings.Repeat("z", 500)
	h := newHarness(t, true, []llmtest.Step{
		llmtest.ToolCalls("", llmtest.Call("call_1", "echo", map[string]string{"text": long})),
		llmtest.Text("done"),
	}, WithLoopConfig(LoopConfig{
		MaxStepsPerTurn: 5,
		OutputLimits:    OutputLimits{Chars: map[string]int{"echo": 100}},
	}))
	if err := h.soul.Run(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	for _, ev := range h.drain() {
		if r, ok := ev.(wire.ToolResult); ok && r.Output != long {
			t.Error("bus must carry the full output")
		}
	}
	stored := h.history.Messages()[2].ToolResults()[0].Output
	if len(stored) >= len(long) || !strings.Contains(stored, "Output truncated") {
		t.Errorf("expected truncated output in context, got %d chars", len(stored))
	}
}

func TestLoopDetectionInjectsWarning(t *testing.T) {
	same := func() llmtest.Step {
		return llmtest.ToolCalls("", llmtest.Call("c", "echo", map[string]string{"text": "again"}))
	}
	h := newHarness(t, true, []llmtest.Step{same(), same(), same(), llmtest.Text("ok")},
		WithLoopConfig(LoopConfig{MaxStepsPerTurn: 10, EnableLoopDetection: true, LoopDetectionWindow: 3}))
	if err := h.soul.Run(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range h.history.Messages() {
		if m.Role == unifiedllm.RoleUser && strings.Contains(m.TextContent(), "repeating pattern") {
			found = true
		}
	}
	if !found {
		t.Error("expected loop warning in history")
	}
}
