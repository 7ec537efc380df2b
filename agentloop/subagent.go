package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/creativebastard/kimi-rcli/approval"
	"github.com/creativebastard/kimi-rcli/conversation"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
	"github.com/creativebastard/kimi-rcli/wire"
)

// DefaultSubagent is used when a task names no subagent.
const DefaultSubagent = "coder"

// Subagent is a role the task tool can delegate to.
type Subagent struct {
	Name         string
	Description  string
	SystemPrompt string
}

// DefaultSubagents returns the built-in roles.
func DefaultSubagents() []Subagent {
	return []Subagent{
		{
			Name:        "coder",
			Description: "writes and edits code",
			SystemPrompt: "You are a skilled software engineer. Write clean, well-documented code. " +
				"Follow best practices and explain your reasoning.",
		},
		{
			Name:        "searcher",
			Description: "researches questions and answers with sources",
			SystemPrompt: "You are a research assistant. Find accurate information and provide " +
				"well-sourced answers. Be thorough but concise.",
		},
		{
			Name:        "fixer",
			Description: "finds bugs and proposes minimal fixes",
			SystemPrompt: "You are a debugging expert. Analyze code, identify issues, and provide " +
				"minimal fixes. Explain what was wrong and why your fix works.",
		},
	}
}

// SubagentConfig configures a SubagentManager.
type SubagentConfig struct {
	Provider unifiedllm.ChatProvider
	Model    string
	// Approver is shared with the parent so every approval reaches the same
	// user. Wrap a gate with NewSerialApprover before sharing it.
	Approver Approver
	// Tools builds a fresh set of tools for each child.
	Tools     func() []Tool
	Loop      LoopConfig
	Subagents []Subagent
	// MaxDepth bounds nesting. Zero means 1: children cannot delegate.
	MaxDepth int
	Logger   *slog.Logger
	// Options are applied to every child Soul.
	Options []Option
}

// SubagentResult is the outcome of one delegated task.
type SubagentResult struct {
	ID        string `json:"id"`
	Subagent  string `json:"subagent"`
	Output    string `json:"output"`
	StepsUsed int    `json:"steps_used"`
}

// SubagentManager runs delegated tasks in child Souls, each with its own
// conversation.
type SubagentManager struct {
	cfg   SubagentConfig
	roles map[string]Subagent
	depth int
}

// NewSubagentManager creates a manager for a top-level Soul.
func NewSubagentManager(cfg SubagentConfig) *SubagentManager {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Loop.MaxStepsPerTurn <= 0 {
		cfg.Loop = DefaultLoopConfig()
	}
	cfg.Loop.AnnounceCheckpoints = false
	if len(cfg.Subagents) == 0 {
		cfg.Subagents = DefaultSubagents()
	}
	roles := make(map[string]Subagent, len(cfg.Subagents))
	for _, r := range cfg.Subagents {
		roles[r.Name] = r
	}
	return &SubagentManager{cfg: cfg, roles: roles}
}

// CanSpawn reports whether nesting depth allows another child.
func (m *SubagentManager) CanSpawn() bool {
	return m.depth < m.cfg.MaxDepth
}

// Names returns the known subagent names, sorted.
func (m *SubagentManager) Names() []string {
	names := make([]string, 0, len(m.roles))
	for name := range m.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run delegates prompt to the named subagent and returns its final answer.
func (m *SubagentManager) Run(ctx context.Context, name, prompt string) (SubagentResult, error) {
	if !m.CanSpawn() {
		return SubagentResult{}, fmt.Errorf("maximum subagent depth (%d) reached", m.cfg.MaxDepth)
	}
	if name == "" {
		name = DefaultSubagent
	}
	role, ok := m.roles[name]
	if !ok {
		return SubagentResult{}, fmt.Errorf("unknown subagent: %s", name)
	}

	id := uuid.NewString()
	logger := m.cfg.Logger.With("subagent", name, "subagent_id", id, "depth", m.depth+1)

	var tools []Tool
	if m.cfg.Tools != nil {
		tools = m.cfg.Tools()
	}
	toolset := NewToolset(tools...)
	toolset.Unregister(TaskToolName)
	child := &SubagentManager{cfg: m.cfg, roles: m.roles, depth: m.depth + 1}
	if child.CanSpawn() {
		toolset.Register(child.Tool())
	}

	var approver Approver
	if m.cfg.Approver != nil {
		approver = senderApprover{Approver: m.cfg.Approver, prefix: name}
	}
	history := conversation.New(conversation.WithLogger(logger))
	opts := append([]Option{
		WithModel(m.cfg.Model),
		WithLoopConfig(m.cfg.Loop),
		WithSystemPrompt(role.SystemPrompt),
	}, m.cfg.Options...)
	opts = append(opts, WithLogger(logger), WithApprover(approver))
	soul := NewSoul(m.cfg.Provider, history, discardWire{}, nil, toolset, opts...)

	logger.Info("subagent started")
	err := soul.Run(ctx, prompt)
	result := SubagentResult{ID: id, Subagent: name}
	for _, msg := range history.Messages() {
		if msg.Role != unifiedllm.RoleAssistant {
			continue
		}
		result.StepsUsed++
		if text := msg.TextContent(); text != "" {
			result.Output = text
		}
	}
	if err != nil {
		logger.Warn("subagent failed", "error", err, "steps", result.StepsUsed)
		return result, fmt.Errorf("subagent %s: %w", name, err)
	}
	logger.Info("subagent finished", "steps", result.StepsUsed)
	return result, nil
}

// TaskToolName is the name of the delegation tool.
const TaskToolName = "task"

type taskArgs struct {
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
	SubagentName string `json:"subagent_name"`
}

// Tool returns the task tool backed by m.
func (m *SubagentManager) Tool() Tool {
	names := m.Names()
	var roles strings.Builder
	for _, n := range names {
		fmt.Fprintf(&roles, "\n- %s: %s", n, m.roles[n].Description)
	}
	def := ToolDefinition{
		Name: TaskToolName,
		Description: "Delegate a self-contained task to a subagent. The subagent starts with an empty " +
			"conversation, so the prompt must carry everything it needs. Only its final answer is " +
			"returned. Available subagents:" + roles.String(),
		Parameters: ObjectSchema(map[string]interface{}{
			"description": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "A short (3-5 word) description of the task.",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "The full task for the subagent.",
			},
			"subagent_name": map[string]interface{}{
				"type":        "string",
				"enum":        names,
				"default":     DefaultSubagent,
				"description": "Which subagent runs the task.",
			},
		}, "description", "prompt"),
		// The child asks for approval of each of its own calls.
		Safe: true,
	}
	return NewFuncTool(def, func(ctx context.Context, raw json.RawMessage) (ToolOutput, error) {
		var args taskArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return ToolOutput{}, fmt.Errorf("decode arguments: %w", err)
		}
		res, err := m.Run(ctx, args.SubagentName, args.Prompt)
		if err != nil {
			return ToolOutput{}, err
		}
		if res.Output == "" {
			res.Output = "The subagent finished without a final answer."
		}
		return ToolOutput{
			Output: res.Output,
			Brief:  fmt.Sprintf("%s: %s", res.Subagent, args.Description),
		}, nil
	})
}

// SerialApprover lets several Souls share one approval gate. Requests wait
// for the one in flight instead of failing with approval.ErrRequestInFlight.
type SerialApprover struct {
	approver Approver
	slot     chan struct{}
}

// NewSerialApprover wraps a.
func NewSerialApprover(a Approver) *SerialApprover {
	return &SerialApprover{approver: a, slot: make(chan struct{}, 1)}
}

// Request implements Approver.
func (s *SerialApprover) Request(ctx context.Context, toolCallID, sender, action, description string, display []wire.DisplayBlock) (approval.Decision, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", approval.ErrCancelled, ctx.Err())
	}
	defer func() { <-s.slot }()
	return s.approver.Request(ctx, toolCallID, sender, action, description, display)
}

// senderApprover tags requests with the subagent that made them.
type senderApprover struct {
	Approver
	prefix string
}

func (a senderApprover) Request(ctx context.Context, toolCallID, sender, action, description string, display []wire.DisplayBlock) (approval.Decision, error) {
	return a.Approver.Request(ctx, toolCallID, a.prefix+"/"+sender, action, description, display)
}

// discardWire drops a child's events; only its final answer reaches the parent.
type discardWire struct{}

func (discardWire) Publish(wire.Event) {}
func (discardWire) Flush()             {}
