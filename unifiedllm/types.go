package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentThink      ContentKind = "think"
	ContentImageURL   ContentKind = "image_url"
	ContentAudioURL   ContentKind = "audio_url"
	ContentVideoURL   ContentKind = "video_url"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// MediaRef points at image, audio or video content by URL (data: URLs allowed).
type MediaRef struct {
	URL string `json:"url"`
	ID  string `json:"id,omitempty"`
}

// ToolCall is a model-initiated tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one tool call. Brief is an optional short
// form shown to users instead of the full output.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
	Brief      string `json:"brief,omitempty"`
}

// ContentPart is a tagged union representing one part of a message.
type ContentPart struct {
	Kind       ContentKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Signature  string      `json:"signature,omitempty"` // think parts only
	Media      *MediaRef   `json:"media,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ThinkPart creates a reasoning ContentPart.
func ThinkPart(text, signature string) ContentPart {
	return ContentPart{Kind: ContentThink, Text: text, Signature: signature}
}

// ImageURLPart creates an image reference part.
func ImageURLPart(url string) ContentPart {
	return ContentPart{Kind: ContentImageURL, Media: &MediaRef{URL: url}}
}

// AudioURLPart creates an audio reference part.
func AudioURLPart(url string) ContentPart {
	return ContentPart{Kind: ContentAudioURL, Media: &MediaRef{URL: url}}
}

// VideoURLPart creates a video reference part.
func VideoURLPart(url string) ContentPart {
	return ContentPart{Kind: ContentVideoURL, Media: &MediaRef{URL: url}}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{
		Kind:     ContentToolCall,
		ToolCall: &ToolCall{ID: id, Name: name, Arguments: args},
	}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(result ToolResult) ContentPart {
	r := result
	return ContentPart{Kind: ContentToolResult, ToolResult: &r}
}

// IsMedia reports whether the part is an image, audio or video reference.
func (p ContentPart) IsMedia() bool {
	switch p.Kind {
	case ContentImageURL, ContentAudioURL, ContentVideoURL:
		return true
	}
	return false
}

// Message is the fundamental unit of conversation.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// TextContent returns the concatenation of all text content parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ThinkContent returns the concatenation of all think parts.
func (m Message) ThinkContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentThink {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts all tool calls from the message content.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// ToolResults extracts all tool results from the message content.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, part := range m.Content {
		if part.Kind == ContentToolResult && part.ToolResult != nil {
			results = append(results, *part.ToolResult)
		}
	}
	return results
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(result ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(result)},
		ToolCallID: result.ToolCallID,
	}
}

// ToolDefinition is the model-facing description of a tool.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is the input of one model step.
type Request struct {
	Model       string           `json:"model"`
	Provider    string           `json:"provider,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"` // "auto", "none", "required"
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_calls", "content_filter", "error", "other"
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens     int  `json:"input_tokens"`
	OutputTokens    int  `json:"output_tokens"`
	TotalTokens     int  `json:"total_tokens"`
	CacheReadTokens *int `json:"cache_read_tokens,omitempty"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	result := Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
	if u.CacheReadTokens != nil || other.CacheReadTokens != nil {
		sum := 0
		if u.CacheReadTokens != nil {
			sum += *u.CacheReadTokens
		}
		if other.CacheReadTokens != nil {
			sum += *other.CacheReadTokens
		}
		result.CacheReadTokens = &sum
	}
	return result
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	StreamStart   StreamEventType = "stream_start"
	TextDelta     StreamEventType = "text_delta"
	ThinkDelta    StreamEventType = "think_delta"
	MediaPart     StreamEventType = "media_part"
	ToolCallDelta StreamEventType = "tool_call_delta"
	ToolCallEnd   StreamEventType = "tool_call_end"
	StreamUsage   StreamEventType = "usage"
	StreamFinish  StreamEventType = "finish"
	StreamError   StreamEventType = "error"
)

// StreamEvent is a single event of a streamed model step.
//
// ToolCallDelta carries a fragment: ToolCall.ID and ToolCall.Name are set on
// the first fragment of a call, ArgumentsDelta on every fragment.
// ToolCallEnd carries the complete call. StreamFinish may carry the final
// assistant Message when the provider rewrote the streamed text.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	Delta          string          `json:"delta,omitempty"`
	Part           *ContentPart    `json:"part,omitempty"`
	ToolCall       *ToolCall       `json:"tool_call,omitempty"`
	ArgumentsDelta string          `json:"arguments_delta,omitempty"`
	FinishReason   *FinishReason   `json:"finish_reason,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Message        *Message        `json:"message,omitempty"`
	Error          error           `json:"-"`
}
