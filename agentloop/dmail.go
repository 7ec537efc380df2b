package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/creativebastard/kimi-rcli/conversation"
)

var (
	// ErrDMailPending is returned by Send while an earlier D-Mail has not
	// been delivered.
	ErrDMailPending = errors.New("a D-Mail is already pending")
	// ErrUnknownCheckpoint is returned by Send for a checkpoint the context
	// does not hold.
	ErrUnknownCheckpoint = errors.New("checkpoint does not exist")
)

// DMail is a message sent back to an earlier checkpoint.
type DMail struct {
	CheckpointID conversation.CheckpointID `json:"checkpoint_id"`
	Message      string                    `json:"message"`
}

// DenwaRenji holds at most one undelivered D-Mail. Send may be called from
// any goroutine; the Soul polls Notify while a step runs.
type DenwaRenji struct {
	mu      sync.Mutex
	pending *DMail
	notify  chan struct{}
	history *conversation.Context
}

// NewDenwaRenji creates a DenwaRenji validating against history. A nil
// history accepts any checkpoint id.
func NewDenwaRenji(history *conversation.Context) *DenwaRenji {
	return &DenwaRenji{
		notify:  make(chan struct{}, 1),
		history: history,
	}
}

// Send queues a D-Mail for delivery at the next step boundary.
func (d *DenwaRenji) Send(id conversation.CheckpointID, message string) error {
	if d.history != nil && !d.history.HasCheckpoint(id) {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, id)
	}
	d.mu.Lock()
	if d.pending != nil {
		d.mu.Unlock()
		return ErrDMailPending
	}
	d.pending = &DMail{CheckpointID: id, Message: message}
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Notify is signalled whenever a D-Mail is queued.
func (d *DenwaRenji) Notify() <-chan struct{} {
	return d.notify
}

// Fetch removes and returns the pending D-Mail.
func (d *DenwaRenji) Fetch() (DMail, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.notify:
	default:
	}
	if d.pending == nil {
		return DMail{}, false
	}
	m := *d.pending
	d.pending = nil
	return m, true
}

// Pending reports whether a D-Mail waits for delivery.
func (d *DenwaRenji) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func dmailMessage(m DMail) string {
	return "<system>You just got a D-Mail from your future self. Your future self may already have changed " +
		"files in the working directory. Read the D-Mail and decide what to do next. Do not mention the " +
		"D-Mail to the user.</system>\n\n" + m.Message
}

type sendDMailArgs struct {
	CheckpointID int    `json:"checkpoint_id"`
	Message      string `json:"message"`
}

// SendDMailTool returns the built-in tool that lets the model roll the
// conversation back to a checkpoint.
func SendDMailTool(d *DenwaRenji) Tool {
	def := ToolDefinition{
		Name: "send_dmail",
		Description: "Send a message to your past self at an earlier checkpoint. The conversation is rolled " +
			"back to that checkpoint and the message is delivered as a new user message. Use it to " +
			"discard a long, unproductive exploration while keeping what you learned.",
		Parameters: ObjectSchema(map[string]interface{}{
			"checkpoint_id": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"description": "The checkpoint to return to.",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "What your past self should know.",
			},
		}, "checkpoint_id", "message"),
		Safe: true,
	}
	return NewFuncTool(def, func(_ context.Context, raw json.RawMessage) (ToolOutput, error) {
		var args sendDMailArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return ToolOutput{}, fmt.Errorf("decode arguments: %w", err)
		}
		if err := d.Send(conversation.CheckpointID(args.CheckpointID), args.Message); err != nil {
			return ToolOutput{}, err
		}
		return ToolOutput{
			Output: "D-Mail sent. The conversation will be rolled back.",
			Brief:  fmt.Sprintf("D-Mail to checkpoint %d", args.CheckpointID),
		}, nil
	})
}
