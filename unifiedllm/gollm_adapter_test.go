package unifiedllm

import (
	"context"
	"errors"
	"testing"
)

func TestGollmAdapterName(t *testing.T) {
	// Adapter creation may fail without network access; only Name and
	// Model are checked when it succeeds.
	for _, provider := range []string{"openai", "anthropic"} {
		adapter, err := NewGollmAdapter(provider, "test-key-not-real", WithModel("test-model"))
		if err != nil {
			t.Logf("skipping %s adapter creation (expected without real key): %v", provider, err)
			continue
		}
		if adapter.Name() != provider {
			t.Errorf("expected name %q, got %q", provider, adapter.Name())
		}
		if adapter.Model() != "test-model" {
			t.Errorf("expected model test-model, got %q", adapter.Model())
		}
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	tests := []struct {
		errMsg string
		kind   ErrorKind
	}{
		{"401 Unauthorized", KindAuthentication},
		{"invalid api key", KindAuthentication},
		{"403 Forbidden", KindAccessDenied},
		{"404 not found", KindNotFound},
		{"429 rate limit exceeded", KindRateLimit},
		{"context length exceeded", KindContextLength},
		{"500 internal server error", KindServer},
		{"timeout waiting for response", KindTimeout},
		{"connection reset by peer", KindNetwork},
		{"content filter triggered", KindContentFilter},
		{"something unknown", KindUnknown},
	}

	for _, tt := range tests {
		err := adapter.translateError(errors.New(tt.errMsg))
		var me *ModelError
		if !errors.As(err, &me) {
			t.Errorf("for %q: expected ModelError, got %T", tt.errMsg, err)
			continue
		}
		if me.Kind != tt.kind {
			t.Errorf("for %q: expected kind %q, got %q", tt.errMsg, tt.kind, me.Kind)
		}
		if me.Provider != "openai" {
			t.Errorf("for %q: expected provider openai, got %q", tt.errMsg, me.Provider)
		}
	}

	if err := adapter.translateError(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation must pass through untouched, got %v", err)
	}
}

func TestGollmAdapterSplitToolCalls(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	text, calls := adapter.splitToolCalls(`Let me look. {"tool_calls": [{"id": "c1", "name": "glob", "arguments": {"pattern": "*.go"}}]}`)
	if text != "Let me look." {
		t.Errorf("unexpected cleaned text %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "c1" || calls[0].Name != "glob" {
		t.Fatalf("unexpected calls %+v", calls)
	}

	_, calls = adapter.splitToolCalls(`[{"name": "shell"}]`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call from array form, got %d", len(calls))
	}
	if calls[0].ID == "" {
		t.Error("expected generated call id")
	}
	if string(calls[0].Arguments) != "{}" {
		t.Errorf("expected {} arguments, got %q", calls[0].Arguments)
	}

	text, calls = adapter.splitToolCalls("plain answer")
	if text != "plain answer" || calls != nil {
		t.Errorf("expected no calls, got %q %+v", text, calls)
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		Messages: []Message{
			UserMessage("Hello world, this is a test message."),
		},
	}
	tokens := estimateTokens(req)
	if tokens <= 0 {
		t.Errorf("expected positive token estimate, got %d", tokens)
	}
}

func TestEstimateTokensEmpty(t *testing.T) {
	req := Request{Messages: []Message{}}
	tokens := estimateTokens(req)
	if tokens != 10 {
		t.Errorf("expected default token estimate of 10, got %d", tokens)
	}
}
