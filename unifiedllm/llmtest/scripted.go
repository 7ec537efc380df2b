// Package llmtest provides a scripted ChatProvider for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

// Step is one scripted model step.
type Step struct {
	// Events are streamed in order. A StreamFinish is appended when absent.
	Events []unifiedllm.StreamEvent
	// Err is returned from Stream before any event is sent.
	Err error
	// Hold keeps the stream open after Events until the context is done.
	Hold bool
	// OnStart runs when the step begins streaming.
	OnStart func(req unifiedllm.Request)
}

// Text returns a step that streams text and finishes with "stop".
func Text(chunks ...string) Step {
	var events []unifiedllm.StreamEvent
	for _, c := range chunks {
		events = append(events, unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: c})
	}
	return Step{Events: events}
}

// Think returns a step that streams a think delta followed by text.
func Think(thought, text string) Step {
	return Step{Events: []unifiedllm.StreamEvent{
		{Type: unifiedllm.ThinkDelta, Delta: thought},
		{Type: unifiedllm.TextDelta, Delta: text},
	}}
}

// Call builds a tool call with JSON-encoded arguments.
func Call(id, name string, args any) unifiedllm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: raw}
}

// ToolCalls returns a step that streams optional text then the calls.
func ToolCalls(text string, calls ...unifiedllm.ToolCall) Step {
	var events []unifiedllm.StreamEvent
	if text != "" {
		events = append(events, unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: text})
	}
	for i := range calls {
		tc := calls[i]
		events = append(events, unifiedllm.StreamEvent{Type: unifiedllm.ToolCallEnd, ToolCall: &tc})
	}
	return Step{Events: events}
}

// Fail returns a step whose Stream call fails with err.
func Fail(err error) Step {
	return Step{Err: err}
}

// FailMidStream returns a step that streams text then reports err.
func FailMidStream(text string, err error) Step {
	return Step{Events: []unifiedllm.StreamEvent{
		{Type: unifiedllm.TextDelta, Delta: text},
		{Type: unifiedllm.StreamError, Error: err},
	}}
}

// Hang returns a step that streams text then blocks until cancelled.
func Hang(text string) Step {
	s := Text(text)
	s.Hold = true
	return s
}

// ScriptedProvider replays scripted steps in order.
type ScriptedProvider struct {
	mu       sync.Mutex
	name     string
	steps    []Step
	next     int
	requests []unifiedllm.Request
}

// New creates a ScriptedProvider named "scripted".
func New(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{name: "scripted", steps: steps}
}

// Name returns the provider name.
func (p *ScriptedProvider) Name() string { return p.name }

// Model returns a fixed model name.
func (p *ScriptedProvider) Model() string { return "scripted-model" }

// Push appends steps to the script.
func (p *ScriptedProvider) Push(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

// Requests returns a copy of every request received.
func (p *ScriptedProvider) Requests() []unifiedllm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]unifiedllm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Calls returns how many steps were started.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Stream implements unifiedllm.ChatProvider.
func (p *ScriptedProvider) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.next >= len(p.steps) {
		p.mu.Unlock()
		return nil, unifiedllm.NewModelError(unifiedllm.KindInvalidRequest, p.name,
			fmt.Sprintf("script exhausted after %d steps", len(p.steps)), nil)
	}
	step := p.steps[p.next]
	p.next++
	id := fmt.Sprintf("msg_%d", p.next)
	p.mu.Unlock()

	if step.OnStart != nil {
		step.OnStart(req)
	}
	if step.Err != nil {
		return nil, step.Err
	}

	ch := make(chan unifiedllm.StreamEvent)
	go func() {
		defer close(ch)
		send := func(ev unifiedllm.StreamEvent) bool {
			ev.MessageID = id
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(unifiedllm.StreamEvent{Type: unifiedllm.StreamStart}) {
			return
		}
		finished := false
		for _, ev := range step.Events {
			if !send(ev) {
				return
			}
			if ev.Type == unifiedllm.StreamError {
				return
			}
			if ev.Type == unifiedllm.StreamFinish {
				finished = true
			}
		}
		if step.Hold {
			<-ctx.Done()
			return
		}
		if !finished {
			send(unifiedllm.StreamEvent{
				Type:         unifiedllm.StreamFinish,
				FinishReason: &unifiedllm.FinishReason{Reason: "stop"},
				Usage:        &unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			})
		}
	}()
	return ch, nil
}
