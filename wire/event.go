// Package wire carries agent events from the loop to any number of front
// ends. Events are broadcast: every subscriber gets its own bounded ring and
// sees only events published after it subscribed.
package wire

import "encoding/json"

// EventType is the discriminator written in the JSON envelope.
type EventType string

const (
	TypeTurnBegin        EventType = "TurnBegin"
	TypeTurnEnd          EventType = "TurnEnd"
	TypeStepBegin        EventType = "StepBegin"
	TypeStepInterrupted  EventType = "StepInterrupted"
	TypeCompactionBegin  EventType = "CompactionBegin"
	TypeCompactionEnd    EventType = "CompactionEnd"
	TypeTextPart         EventType = "TextPart"
	TypeThinkPart        EventType = "ThinkPart"
	TypeImageURLPart     EventType = "ImageURLPart"
	TypeAudioURLPart     EventType = "AudioURLPart"
	TypeVideoURLPart     EventType = "VideoURLPart"
	TypeToolCall         EventType = "ToolCall"
	TypeToolCallPart     EventType = "ToolCallPart"
	TypeToolResult       EventType = "ToolResult"
	TypeApprovalRequest  EventType = "ApprovalRequest"
	TypeApprovalResponse EventType = "ApprovalResponse"
	TypeStatusUpdate     EventType = "StatusUpdate"
)

// Event is anything that can travel on the wire.
type Event interface {
	EventType() EventType
}

// TurnBegin opens a turn.
type TurnBegin struct {
	TurnID    string `json:"turn_id"`
	UserInput string `json:"user_input"`
}

// TurnEnd closes a turn. Error is set when the turn failed.
type TurnEnd struct {
	TurnID string `json:"turn_id"`
	Error  string `json:"error,omitempty"`
}

// StepBegin opens step N (1-based) of the current turn.
type StepBegin struct {
	N int `json:"n"`
}

// StepInterrupted reports that the current step was abandoned.
type StepInterrupted struct {
	Reason string `json:"reason,omitempty"`
}

type CompactionBegin struct{}

// CompactionEnd reports the estimate before and after compaction.
type CompactionEnd struct {
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
	Error        string `json:"error,omitempty"`
}

// TextPart is streamed assistant text.
type TextPart struct {
	Text string `json:"text"`
}

// ThinkPart is streamed assistant reasoning.
type ThinkPart struct {
	Think     string `json:"think"`
	Signature string `json:"signature,omitempty"`
}

type ImageURLPart struct {
	URL string `json:"url"`
	ID  string `json:"id,omitempty"`
}

type AudioURLPart struct {
	URL string `json:"url"`
	ID  string `json:"id,omitempty"`
}

type VideoURLPart struct {
	URL string `json:"url"`
	ID  string `json:"id,omitempty"`
}

// ToolCall is a complete tool call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallPart is a streamed fragment of a tool call's arguments.
type ToolCallPart struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	ArgumentsPart string `json:"arguments_part"`
}

// ToolResult is the outcome of a tool call. Output is the full, untruncated
// output.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
	Brief      string `json:"brief,omitempty"`
}

// DisplayBlock is structured content shown alongside an approval request.
type DisplayBlock struct {
	Type    string `json:"type"` // "brief", "diff", "shell"
	Text    string `json:"text,omitempty"`
	Path    string `json:"path,omitempty"`
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`
	Command string `json:"command,omitempty"`
}

// ApprovalRequest asks a front end for consent to run a tool call.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ToolCallID  string         `json:"tool_call_id"`
	Sender      string         `json:"sender"`
	Action      string         `json:"action"`
	Description string         `json:"description"`
	Display     []DisplayBlock `json:"display,omitempty"`
}

// ApprovalResponse records how an ApprovalRequest was resolved.
type ApprovalResponse struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

// TokenUsage mirrors the model's usage report for one step.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StatusUpdate reports context usage after a step. ContextUsage is a ratio
// of the context window, between 0 and 1 in normal operation.
type StatusUpdate struct {
	ContextUsage  float64     `json:"context_usage"`
	ContextTokens int         `json:"context_tokens"`
	TokenUsage    *TokenUsage `json:"token_usage,omitempty"`
}

func (TurnBegin) EventType() EventType        { return TypeTurnBegin }
func (TurnEnd) EventType() EventType          { return TypeTurnEnd }
func (StepBegin) EventType() EventType        { return TypeStepBegin }
func (StepInterrupted) EventType() EventType  { return TypeStepInterrupted }
func (CompactionBegin) EventType() EventType  { return TypeCompactionBegin }
func (CompactionEnd) EventType() EventType    { return TypeCompactionEnd }
func (TextPart) EventType() EventType         { return TypeTextPart }
func (ThinkPart) EventType() EventType        { return TypeThinkPart }
func (ImageURLPart) EventType() EventType     { return TypeImageURLPart }
func (AudioURLPart) EventType() EventType     { return TypeAudioURLPart }
func (VideoURLPart) EventType() EventType     { return TypeVideoURLPart }
func (ToolCall) EventType() EventType         { return TypeToolCall }
func (ToolCallPart) EventType() EventType     { return TypeToolCallPart }
func (ToolResult) EventType() EventType       { return TypeToolResult }
func (ApprovalRequest) EventType() EventType  { return TypeApprovalRequest }
func (ApprovalResponse) EventType() EventType { return TypeApprovalResponse }
func (StatusUpdate) EventType() EventType     { return TypeStatusUpdate }

// IsContent reports whether ev is a content part event.
func IsContent(ev Event) bool {
	switch ev.(type) {
	case TextPart, ThinkPart, ImageURLPart, AudioURLPart, VideoURLPart:
		return true
	}
	return false
}
