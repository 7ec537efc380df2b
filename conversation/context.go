// Package conversation holds the message history of an agent session
// together with its checkpoint stack and token estimate.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

// ErrInvalidCheckpoint is returned when reverting to an unknown or
// superseded checkpoint.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// CheckpointID identifies a checkpoint. IDs are never reused within a
// Context, including across reverts and clears.
type CheckpointID int

// Checkpoint is a restorable marker over the history.
type Checkpoint struct {
	ID       CheckpointID
	Messages int
	Tokens   int
}

// Context is the ordered message history. Messages live in an arena;
// reverting only resets the live length, and later appends overwrite the
// abandoned slots.
type Context struct {
	mu          sync.RWMutex
	arena       []unifiedllm.Message
	prefix      []int // prefix[i] is the estimate of arena[:i]
	n           int
	checkpoints []Checkpoint
	nextID      CheckpointID
	journal     *Journal
	logger      *slog.Logger
}

// Option configures a Context.
type Option func(*Context)

// WithJournal mirrors every mutation to j.
func WithJournal(j *Journal) Option {
	return func(c *Context) {
		c.journal = j
	}
}

// WithLogger sets the logger used for journal failures that are not
// surfaced to callers.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		c.logger = l
	}
}

// New creates an empty Context.
func New(opts ...Option) *Context {
	c := &Context{
		prefix: []int{0},
		nextID: 1,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replays the journal at path into a new Context and keeps appending
// to it. A missing file yields an empty Context.
func Load(path string, opts ...Option) (*Context, error) {
	c := New(opts...)
	err := replay(path, c.logger, func(line int, r record) error {
		switch r.Type {
		case recordMessage:
			if r.Message == nil {
				return fmt.Errorf("context journal line %d: message record without message", line)
			}
			c.appendLocked([]unifiedllm.Message{*r.Message})
		case recordCheckpoint:
			c.checkpoints = append(c.checkpoints, Checkpoint{ID: r.ID, Messages: c.n, Tokens: c.prefix[c.n]})
			if r.ID >= c.nextID {
				c.nextID = r.ID + 1
			}
		case recordRevert:
			idx := c.findLocked(r.ID)
			if idx < 0 {
				if r.Length == nil || *r.Length < 0 || *r.Length > c.n {
					return fmt.Errorf("context journal line %d: revert to checkpoint %d: %w", line, r.ID, ErrInvalidCheckpoint)
				}
				c.logger.Warn("context journal is missing a checkpoint, restoring it from the revert record",
					"checkpoint", int(r.ID), "line", line)
				idx = c.restoreCheckpointLocked(r.ID, *r.Length)
			}
			c.revertLocked(idx)
		case recordClear:
			c.clearLocked()
		default:
			return fmt.Errorf("context journal line %d: unknown record type %q", line, r.Type)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	j, err := OpenJournal(path)
	if err != nil {
		return nil, err
	}
	c.journal = j
	return c, nil
}

// Append adds messages to the end of the history. When a journal is
// attached the messages are written first; on failure memory is unchanged.
func (c *Context) Append(msgs ...unifiedllm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal != nil {
		recs := make([]record, len(msgs))
		for i := range msgs {
			m := msgs[i]
			recs[i] = record{Type: recordMessage, Message: &m}
		}
		if err := c.journal.write(recs...); err != nil {
			return err
		}
	}
	c.appendLocked(msgs)
	return nil
}

func (c *Context) appendLocked(msgs []unifiedllm.Message) {
	c.arena = append(c.arena[:c.n], msgs...)
	c.prefix = c.prefix[:c.n+1]
	for _, m := range msgs {
		c.prefix = append(c.prefix, c.prefix[len(c.prefix)-1]+EstimateMessageTokens(m))
	}
	c.n += len(msgs)
}

// Checkpoint records the current length and token estimate.
func (c *Context) Checkpoint() CheckpointID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.checkpoints = append(c.checkpoints, Checkpoint{ID: id, Messages: c.n, Tokens: c.prefix[c.n]})
	if c.journal != nil {
		if err := c.journal.write(record{Type: recordCheckpoint, ID: id}); err != nil {
			c.logger.Warn("context journal checkpoint failed", "checkpoint", int(id), "error", err)
		}
	}
	return id
}

// Revert truncates the history back to checkpoint id. Checkpoints created
// after id are dropped; id itself stays valid.
func (c *Context) Revert(id CheckpointID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.findLocked(id)
	if idx < 0 {
		return fmt.Errorf("revert to checkpoint %d: %w", id, ErrInvalidCheckpoint)
	}
	if c.journal != nil {
		length := c.checkpoints[idx].Messages
		if err := c.journal.write(record{Type: recordRevert, ID: id, Length: &length}); err != nil {
			return err
		}
	}
	c.revertLocked(idx)
	return nil
}

func (c *Context) findLocked(id CheckpointID) int {
	for i := len(c.checkpoints) - 1; i >= 0; i-- {
		if c.checkpoints[i].ID == id {
			return i
		}
	}
	return -1
}

// restoreCheckpointLocked recreates checkpoint id at length messages,
// dropping any later checkpoints, and returns its index.
func (c *Context) restoreCheckpointLocked(id CheckpointID, length int) int {
	keep := c.checkpoints[:0]
	for _, cp := range c.checkpoints {
		if cp.ID < id {
			keep = append(keep, cp)
		}
	}
	c.checkpoints = append(keep, Checkpoint{ID: id, Messages: length, Tokens: c.prefix[length]})
	if id >= c.nextID {
		c.nextID = id + 1
	}
	return len(c.checkpoints) - 1
}

func (c *Context) revertLocked(idx int) {
	cp := c.checkpoints[idx]
	c.n = cp.Messages
	c.checkpoints = c.checkpoints[:idx+1]
}

// Clear drops every message and checkpoint.
func (c *Context) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal != nil {
		if err := c.journal.write(record{Type: recordClear}); err != nil {
			return err
		}
	}
	c.clearLocked()
	return nil
}

func (c *Context) clearLocked() {
	c.n = 0
	c.checkpoints = nil
}

// Replace swaps the whole history for msgs and supersedes every
// checkpoint. Compaction uses it.
func (c *Context) Replace(msgs []unifiedllm.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal != nil {
		recs := make([]record, 0, len(msgs)+1)
		recs = append(recs, record{Type: recordClear})
		for i := range msgs {
			m := msgs[i]
			recs = append(recs, record{Type: recordMessage, Message: &m})
		}
		if err := c.journal.write(recs...); err != nil {
			return err
		}
	}
	c.clearLocked()
	c.appendLocked(msgs)
	return nil
}

// Messages returns a copy of the live history.
func (c *Context) Messages() []unifiedllm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]unifiedllm.Message, c.n)
	copy(out, c.arena[:c.n])
	return out
}

// Len returns the number of live messages.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.n
}

// TokenCount returns the token estimate of the live history.
func (c *Context) TokenCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefix[c.n]
}

// Checkpoints returns the live checkpoint stack, oldest first.
func (c *Context) Checkpoints() []Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Checkpoint, len(c.checkpoints))
	copy(out, c.checkpoints)
	return out
}

// HasCheckpoint reports whether id can be reverted to.
func (c *Context) HasCheckpoint(id CheckpointID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.findLocked(id) >= 0
}

// Close closes the attached journal, if any.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal == nil {
		return nil
	}
	return c.journal.Close()
}
