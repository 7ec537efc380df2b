package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// mockProvider is a test double for ChatProvider.
type mockProvider struct {
	name     string
	err      error
	events   []StreamEvent
	requests []Request
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockProvider(name, text string) *mockProvider {
	return &mockProvider{
		name: name,
		events: []StreamEvent{
			{Type: StreamStart, MessageID: "msg_1"},
			{Type: TextDelta, Delta: text},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}, Usage: &Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockProvider("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	step, err := Complete(context.Background(), client, Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.Message.TextContent() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", step.Message.TextContent())
	}
	if step.MessageID != "msg_1" {
		t.Errorf("expected message id msg_1, got %q", step.MessageID)
	}
	if step.Usage.TotalTokens != 30 {
		t.Errorf("expected 30 total tokens, got %d", step.Usage.TotalTokens)
	}
	if mock.requests[0].Provider != "test-provider" {
		t.Errorf("expected provider to be filled in, got %q", mock.requests[0].Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockProvider("openai", "OpenAI response")
	moonshot := newMockProvider("moonshot", "Moonshot response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("moonshot", moonshot),
		WithDefaultProvider("openai"),
	)

	// Explicit provider.
	step, err := Complete(context.Background(), client, Request{
		Model:    "kimi",
		Messages: []Message{UserMessage("Hi")},
		Provider: "moonshot",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.Message.TextContent() != "Moonshot response" {
		t.Errorf("expected Moonshot response, got %q", step.Message.TextContent())
	}

	// Default provider.
	step, err = Complete(context.Background(), client, Request{
		Model:    "gpt-5.2",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.Message.TextContent() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", step.Message.TextContent())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	var me *ModelError
	if !errors.As(err, &me) || me.Kind != KindConfiguration {
		t.Errorf("expected configuration ModelError, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("configuration errors must not be retryable")
	}
}

func TestClientCatalogRouting(t *testing.T) {
	moonshot := newMockProvider("moonshot", "routed")
	client := NewClient(WithProvider("moonshot", moonshot), WithProvider("openai", newMockProvider("openai", "x")))

	step, err := Complete(context.Background(), client, Request{Model: "kimi-k2-thinking", Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.Message.TextContent() != "routed" {
		t.Errorf("expected catalog routing to moonshot, got %q", step.Message.TextContent())
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockProvider("test", "response")
	var order []string

	mw := func(label string) StreamMiddleware {
		return func(ctx context.Context, req Request, next StreamFunc) (<-chan StreamEvent, error) {
			order = append(order, label+"-before")
			ch, err := next(ctx, req)
			order = append(order, label+"-after")
			return ch, err
		}
	}

	client := NewClient(WithProvider("test", mock), WithMiddleware(mw("first"), mw("second")))
	if _, err := Complete(context.Background(), client, Request{Messages: []Message{UserMessage("Hi")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"first-before", "second-before", "second-after", "first-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("position %d: expected %q, got %q", i, expected[i], order[i])
		}
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("late", newMockProvider("late", "ok"))
	if client.Name() != "late" {
		t.Errorf("expected default provider late, got %q", client.Name())
	}
	if _, err := Complete(context.Background(), client, Request{Messages: []Message{UserMessage("Hi")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientAutoSingleProviderDefault(t *testing.T) {
	client := NewClient(WithProvider("only", newMockProvider("only", "x")))
	if client.Name() != "only" {
		t.Errorf("expected single provider to become default, got %q", client.Name())
	}
}

func TestStreamAccumulatorMergesDeltas(t *testing.T) {
	acc := NewStreamAccumulator()
	for _, ev := range []StreamEvent{
		{Type: StreamStart, MessageID: "m"},
		{Type: ThinkDelta, Delta: "let me "},
		{Type: ThinkDelta, Delta: "think"},
		{Type: TextDelta, Delta: "Hello"},
		{Type: TextDelta, Delta: ", world"},
		{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
	} {
		acc.Process(ev)
	}
	res := acc.Result()
	if len(res.Message.Content) != 2 {
		t.Fatalf("expected 2 parts, got %d: %+v", len(res.Message.Content), res.Message.Content)
	}
	if res.Message.ThinkContent() != "let me think" {
		t.Errorf("unexpected think %q", res.Message.ThinkContent())
	}
	if res.Message.TextContent() != "Hello, world" {
		t.Errorf("unexpected text %q", res.Message.TextContent())
	}
	if res.FinishReason.Reason != "stop" {
		t.Errorf("expected stop, got %q", res.FinishReason.Reason)
	}
}

func TestStreamAccumulatorToolCallFragments(t *testing.T) {
	acc := NewStreamAccumulator()
	for _, ev := range []StreamEvent{
		{Type: TextDelta, Delta: "checking"},
		{Type: ToolCallDelta, ToolCall: &ToolCall{ID: "c1", Name: "shell"}, ArgumentsDelta: `{"command":`},
		{Type: ToolCallDelta, ArgumentsDelta: `"ls"}`},
		{Type: ToolCallDelta, ToolCall: &ToolCall{ID: "c2", Name: "glob"}},
		{Type: ToolCallEnd, ToolCall: &ToolCall{ID: "c3", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}},
		{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
	} {
		acc.Process(ev)
	}
	res := acc.Result()
	calls := res.ToolCalls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	if calls[0].ID != "c3" {
		t.Errorf("expected finished call first, got %q", calls[0].ID)
	}
	if calls[1].ID != "c1" || string(calls[1].Arguments) != `{"command":"ls"}` {
		t.Errorf("unexpected fragment call %+v", calls[1])
	}
	if string(calls[2].Arguments) != "{}" {
		t.Errorf("expected empty arguments normalized to {}, got %q", calls[2].Arguments)
	}
	if res.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish reason, got %q", res.FinishReason.Reason)
	}
}

func TestStreamAccumulatorFinalMessageWins(t *testing.T) {
	acc := NewStreamAccumulator()
	final := AssistantMessage("cleaned")
	acc.Process(StreamEvent{Type: TextDelta, Delta: "raw {\"tool_calls\": []}"})
	acc.Process(StreamEvent{Type: StreamFinish, Message: &final})
	if got := acc.Result().Message.TextContent(); got != "cleaned" {
		t.Errorf("expected final message, got %q", got)
	}
}

func TestCollectStreamError(t *testing.T) {
	ch := make(chan StreamEvent, 2)
	ch <- StreamEvent{Type: TextDelta, Delta: "partial"}
	ch <- StreamEvent{Type: StreamError, Error: ErrorFromStatusCode(503, "overloaded", "p", nil)}
	close(ch)

	var seen int
	_, err := Collect(context.Background(), ch, func(StreamEvent) { seen++ })
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Error("expected retryable server error")
	}
	if seen != 1 {
		t.Errorf("expected 1 event observed before error, got %d", seen)
	}
}

func TestCollectCancelled(t *testing.T) {
	ch := make(chan StreamEvent)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, ch, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
