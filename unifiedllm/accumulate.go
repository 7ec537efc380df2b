package unifiedllm

import (
	"context"
	"encoding/json"
	"strings"
)

// StepResult is one completed model step.
type StepResult struct {
	MessageID    string
	Message      Message
	FinishReason FinishReason
	Usage        Usage
}

// ToolCalls returns the tool calls requested by the step.
func (r *StepResult) ToolCalls() []ToolCall {
	return r.Message.ToolCalls()
}

// StreamAccumulator collects stream events into a StepResult. Consecutive
// deltas of the same kind are joined into one content part.
type StreamAccumulator struct {
	parts        []ContentPart
	pending      map[string]*pendingCall
	order        []string
	finished     []ToolCall
	finishReason *FinishReason
	usage        *Usage
	messageID    string
	final        *Message
	lastFragment string
}

type pendingCall struct {
	name string
	args strings.Builder
	done bool
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{pending: make(map[string]*pendingCall)}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	if event.MessageID != "" {
		sa.messageID = event.MessageID
	}
	switch event.Type {
	case TextDelta:
		sa.appendText(ContentText, event.Delta)
	case ThinkDelta:
		sa.appendText(ContentThink, event.Delta)
	case MediaPart:
		if event.Part != nil {
			sa.parts = append(sa.parts, *event.Part)
		}
	case ToolCallDelta:
		sa.processFragment(event)
	case ToolCallEnd:
		if event.ToolCall != nil {
			tc := *event.ToolCall
			if p, ok := sa.pending[tc.ID]; ok {
				p.done = true
			}
			sa.finished = append(sa.finished, tc)
		}
	case StreamUsage:
		if event.Usage != nil {
			u := *event.Usage
			sa.usage = &u
		}
	case StreamFinish:
		sa.finishReason = event.FinishReason
		if event.Usage != nil {
			u := *event.Usage
			sa.usage = &u
		}
		sa.final = event.Message
	}
}

func (sa *StreamAccumulator) appendText(kind ContentKind, delta string) {
	if delta == "" {
		return
	}
	if n := len(sa.parts); n > 0 && sa.parts[n-1].Kind == kind {
		sa.parts[n-1].Text += delta
		return
	}
	sa.parts = append(sa.parts, ContentPart{Kind: kind, Text: delta})
}

func (sa *StreamAccumulator) processFragment(event StreamEvent) {
	id := sa.lastFragment
	name := ""
	if event.ToolCall != nil {
		if event.ToolCall.ID != "" {
			id = event.ToolCall.ID
		}
		name = event.ToolCall.Name
	}
	if id == "" {
		return
	}
	p, ok := sa.pending[id]
	if !ok {
		p = &pendingCall{}
		sa.pending[id] = p
		sa.order = append(sa.order, id)
	}
	if name != "" {
		p.name = name
	}
	p.args.WriteString(event.ArgumentsDelta)
	sa.lastFragment = id
}

// Result returns the accumulated step.
func (sa *StreamAccumulator) Result() *StepResult {
	fr := FinishReason{Reason: "stop"}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	}
	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}

	if sa.final != nil {
		return &StepResult{MessageID: sa.messageID, Message: *sa.final, FinishReason: fr, Usage: usage}
	}

	content := make([]ContentPart, 0, len(sa.parts)+len(sa.finished)+len(sa.order))
	content = append(content, sa.parts...)
	for _, tc := range sa.finished {
		content = append(content, ToolCallPart(tc.ID, tc.Name, normalizeArguments(tc.Arguments)))
	}
	for _, id := range sa.order {
		p := sa.pending[id]
		if p.done {
			continue
		}
		content = append(content, ToolCallPart(id, p.name, normalizeArguments(json.RawMessage(p.args.String()))))
	}
	if len(sa.finished)+len(sa.order) > 0 && fr.Reason == "stop" {
		fr = FinishReason{Reason: "tool_calls", Raw: fr.Raw}
	}

	return &StepResult{
		MessageID:    sa.messageID,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: fr,
		Usage:        usage,
	}
}

func normalizeArguments(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// Collect drains a step stream into a StepResult. onEvent, when non-nil, is
// called for every event before it is accumulated.
func Collect(ctx context.Context, events <-chan StreamEvent, onEvent func(StreamEvent)) (*StepResult, error) {
	acc := NewStreamAccumulator()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return acc.Result(), nil
			}
			if ev.Type == StreamError {
				if ev.Error == nil {
					return nil, NewModelError(KindStream, "", "stream error", nil)
				}
				return nil, ev.Error
			}
			if onEvent != nil {
				onEvent(ev)
			}
			acc.Process(ev)
		}
	}
}

// Complete runs one non-interactive step against provider and returns the
// accumulated result.
func Complete(ctx context.Context, provider ChatProvider, req Request) (*StepResult, error) {
	events, err := provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, events, nil)
}
