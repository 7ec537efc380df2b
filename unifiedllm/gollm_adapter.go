package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ChatProvider.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm reads it from the provider's environment variable.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   8192,
		temperature: 0.3,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider, "tools"); info != nil {
			model = info.ID
		} else {
			return nil, NewModelError(KindConfiguration, provider, "no model configured and none known for provider", nil)
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the agent loop
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, NewModelError(KindConfiguration, provider, fmt.Sprintf("create gollm LLM: %v", err), err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm, model: model}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Model returns the default model.
func (a *GollmAdapter) Model() string {
	return a.model
}

// Stream runs one step. gollm streams plain tokens, so tool calls are
// recovered from the final text and emitted as ToolCallEnd events before
// StreamFinish.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	messageID := "msg_" + uuid.New().String()[:8]
	ch := make(chan StreamEvent, 64)
	send := func(ev StreamEvent) bool {
		ev.MessageID = messageID
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			if !send(StreamEvent{Type: StreamStart}) {
				return
			}
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			cleaned, calls := a.splitToolCalls(text)
			if cleaned != "" && !send(StreamEvent{Type: TextDelta, Delta: cleaned}) {
				return
			}
			a.finish(req, text, cleaned, calls, send)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		if !send(StreamEvent{Type: StreamStart}) {
			return
		}

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			if !send(StreamEvent{Type: TextDelta, Delta: token.Text}) {
				return
			}
			fullText.WriteString(token.Text)
		}

		text := fullText.String()
		cleaned, calls := a.splitToolCalls(text)
		a.finish(req, text, cleaned, calls, send)
	}()

	return ch, nil
}

func (a *GollmAdapter) finish(req Request, text, cleaned string, calls []ToolCall, send func(StreamEvent) bool) {
	for i := range calls {
		tc := calls[i]
		if !send(StreamEvent{Type: ToolCallEnd, ToolCall: &tc}) {
			return
		}
	}

	var content []ContentPart
	if cleaned != "" {
		content = append(content, TextPart(cleaned))
	}
	for _, tc := range calls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	msg := Message{Role: RoleAssistant, Content: content}

	reason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		reason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}
	in := estimateTokens(req)
	out := len(text) / 4
	usage := Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}

	send(StreamEvent{Type: StreamFinish, FinishReason: &reason, Usage: &usage, Message: &msg})
}

// translateRequest flattens the conversation into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt strings.Builder
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt.WriteString(msg.TextContent())
			systemPrompt.WriteString("\n")
		case RoleUser:
			parts = append(parts, renderParts(msg.Content))
		case RoleAssistant:
			if text := renderParts(msg.Content); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
		case RoleTool:
			for _, r := range msg.ToolResults() {
				prefix := "[Tool Result " + r.ToolCallID + "]"
				if r.IsError {
					prefix = "[Tool Error " + r.ToolCallID + "]"
				}
				parts = append(parts, prefix+": "+r.Output)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if s := strings.TrimSpace(systemPrompt.String()); s != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		promptOpts = append(promptOpts, gollm.WithToolChoice(choice))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

func renderParts(content []ContentPart) string {
	var sb strings.Builder
	for _, part := range content {
		switch part.Kind {
		case ContentText:
			sb.WriteString(part.Text)
		case ContentImageURL, ContentAudioURL, ContentVideoURL:
			if part.Media != nil {
				fmt.Fprintf(&sb, "[%s: %s]", part.Kind, part.Media.URL)
			}
		case ContentToolCall:
			if part.ToolCall != nil {
				fmt.Fprintf(&sb, "\n[Tool Call %s]: %s(%s)", part.ToolCall.ID, part.ToolCall.Name, string(part.ToolCall.Arguments))
			}
		}
	}
	return sb.String()
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// splitToolCalls extracts a trailing JSON tool call block from text.
// Recognized forms: {"tool_calls": [...]} and [{"name": ..., "arguments": ...}].
func (a *GollmAdapter) splitToolCalls(text string) (string, []ToolCall) {
	if start := strings.Index(text, `{"tool_calls"`); start != -1 {
		var wrapped struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := json.Unmarshal([]byte(text[start:]), &wrapped); err == nil && len(wrapped.ToolCalls) > 0 {
			return strings.TrimSpace(text[:start]), toToolCalls(wrapped.ToolCalls)
		}
	}
	if start := strings.Index(text, `[{"name"`); start != -1 {
		var calls []rawToolCall
		if err := json.Unmarshal([]byte(text[start:]), &calls); err == nil && len(calls) > 0 {
			return strings.TrimSpace(text[:start]), toToolCalls(calls)
		}
	}
	return text, nil
}

func toToolCalls(raw []rawToolCall) []ToolCall {
	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		calls = append(calls, ToolCall{ID: id, Name: rc.Name, Arguments: normalizeArguments(rc.Arguments)})
	}
	return calls
}

// translateError converts a gollm error into a ModelError by message content.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	kind, status := KindUnknown, 0
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") || strings.Contains(lower, "invalid key"):
		kind, status = KindAuthentication, 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		kind, status = KindAccessDenied, 403
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		kind, status = KindNotFound, 404
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		kind, status = KindRateLimit, 429
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		kind, status = KindContextLength, 413
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server"):
		kind, status = KindServer, 500
	case strings.Contains(lower, "timeout"):
		kind = KindTimeout
	case strings.Contains(lower, "connection") || strings.Contains(lower, "eof"):
		kind = KindNetwork
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		kind = KindContentFilter
	}
	return &ModelError{Kind: kind, Provider: a.provider, StatusCode: status, Message: msg, Cause: err}
}

// estimateTokens approximates input tokens at four characters per token.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText, ContentThink:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Output) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
