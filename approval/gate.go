// Package approval suspends tool execution until a front end consents.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/creativebastard/kimi-rcli/wire"
)

var (
	// ErrInvalidRequest is returned by Resolve for an id that does not match
	// the outstanding request, or for an unknown decision.
	ErrInvalidRequest = errors.New("approval: invalid request")
	// ErrNoPendingRequest is returned by Resolve when nothing is pending.
	ErrNoPendingRequest = errors.New("approval: no pending request")
	// ErrRequestInFlight is returned by Request when another request is
	// still outstanding.
	ErrRequestInFlight = errors.New("approval: request already in flight")
	// ErrCancelled wraps the context error when a pending request is
	// abandoned.
	ErrCancelled = errors.New("approval: cancelled")
)

// Decision is the resolution of a request.
type Decision string

const (
	Approve           Decision = "approve"
	ApproveForSession Decision = "approve_for_session"
	Reject            Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case Approve, ApproveForSession, Reject:
		return true
	}
	return false
}

// Approved reports whether d lets the tool run.
func (d Decision) Approved() bool {
	return d == Approve || d == ApproveForSession
}

// State is the gate's current state.
type State int

const (
	Idle State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "idle"
}

// Publisher is where the gate announces requests and responses.
type Publisher interface {
	Publish(wire.Event)
}

type pending struct {
	request wire.ApprovalRequest
	reply   chan Decision
}

// Gate enforces a single outstanding approval request. All transitions go
// through mu.
type Gate struct {
	mu       sync.Mutex
	state    State
	current  *pending
	yolo     bool
	approved map[string]struct{} // actions approved for the session

	bus    Publisher
	logger *slog.Logger
	newID  func() string
}

// Option configures a Gate.
type Option func(*Gate)

// WithYolo starts the gate in auto-approve mode.
func WithYolo(yolo bool) Option {
	return func(g *Gate) {
		g.yolo = yolo
	}
}

// WithLogger sets the gate logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// NewGate creates an idle gate publishing to bus.
func NewGate(bus Publisher, opts ...Option) *Gate {
	g := &Gate{
		bus:      bus,
		approved: make(map[string]struct{}),
		logger:   slog.Default(),
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request asks for consent to run a tool call and blocks until Resolve or
// until ctx is done. In yolo mode, or when action was approved for the
// session, it approves without publishing anything.
func (g *Gate) Request(ctx context.Context, toolCallID, sender, action, description string, display []wire.DisplayBlock) (Decision, error) {
	g.mu.Lock()
	if g.yolo {
		g.mu.Unlock()
		return Approve, nil
	}
	if _, ok := g.approved[action]; ok {
		g.mu.Unlock()
		g.logger.Debug("action approved for session", "action", action, "call_id", toolCallID)
		return Approve, nil
	}
	if g.state != Idle {
		g.mu.Unlock()
		return "", ErrRequestInFlight
	}
	p := &pending{
		request: wire.ApprovalRequest{
			ID:          g.newID(),
			ToolCallID:  toolCallID,
			Sender:      sender,
			Action:      action,
			Description: description,
			Display:     display,
		},
		reply: make(chan Decision, 1),
	}
	g.state = Pending
	g.current = p
	g.mu.Unlock()

	g.bus.Publish(p.request)

	select {
	case d := <-p.reply:
		return d, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.current == p {
			g.state = Idle
			g.current = nil
		}
		g.mu.Unlock()
		// A Resolve that won the race is still honored.
		select {
		case d := <-p.reply:
			return d, nil
		default:
		}
		return "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Resolve answers the outstanding request.
func (g *Gate) Resolve(id string, decision Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, decision)
	}

	g.mu.Lock()
	if g.state == Idle {
		g.mu.Unlock()
		return ErrNoPendingRequest
	}
	p := g.current
	if p.request.ID != id {
		g.mu.Unlock()
		return fmt.Errorf("%w: %q is not the pending request", ErrInvalidRequest, id)
	}
	if decision == ApproveForSession {
		g.approved[p.request.Action] = struct{}{}
	}
	g.state = Idle
	g.current = nil
	p.reply <- decision
	g.mu.Unlock()

	g.bus.Publish(wire.ApprovalResponse{RequestID: id, Response: string(decision)})
	return nil
}

// Pending returns the outstanding request, if any.
func (g *Gate) Pending() (wire.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return wire.ApprovalRequest{}, false
	}
	return g.current.request, true
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetYolo toggles auto-approve mode.
func (g *Gate) SetYolo(yolo bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.yolo = yolo
}

// IsYolo reports whether auto-approve mode is on.
func (g *Gate) IsYolo() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.yolo
}
