package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
	"github.com/creativebastard/kimi-rcli/wire"
)

// ToolDefinition describes a tool for the model and for the approval gate.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	// Safe tools never ask for approval.
	Safe bool `json:"-"`
	// Action groups calls for approve-for-session, e.g. "run shell command".
	// Empty means the tool name.
	Action string `json:"-"`
}

// ToolOutput is what a tool returns on success. Brief is an optional short
// form for front ends.
type ToolOutput struct {
	Output string
	Brief  string
}

// Tool is a model-invocable capability.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (ToolOutput, error)
}

// Describer is implemented by tools that render their own approval request.
type Describer interface {
	Describe(args json.RawMessage) (description string, display []wire.DisplayBlock)
}

// ToolFunc adapts a function to the execution half of Tool.
type ToolFunc func(ctx context.Context, args json.RawMessage) (ToolOutput, error)

type funcTool struct {
	def ToolDefinition
	fn  ToolFunc
}

// NewFuncTool pairs a definition with its executor.
func NewFuncTool(def ToolDefinition, fn ToolFunc) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Definition() ToolDefinition { return t.def }

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (ToolOutput, error) {
	return t.fn(ctx, args)
}

// ErrInvalidArguments is wrapped by Toolset.Validate failures.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Toolset manages tool registration, lookup and argument validation.
type Toolset struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas sync.Map // tool name -> *jsonschema.Schema
}

// NewToolset creates a Toolset holding tools.
func NewToolset(tools ...Tool) *Toolset {
	ts := &Toolset{tools: make(map[string]Tool)}
	for _, t := range tools {
		ts.Register(t)
	}
	return ts
}

// Register adds or replaces a tool.
func (ts *Toolset) Register(tool Tool) {
	name := tool.Definition().Name
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tools[name] = tool
	ts.schemas.Delete(name)
}

// Unregister removes a tool.
func (ts *Toolset) Unregister(name string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.tools, name)
	ts.schemas.Delete(name)
}

// Get returns a tool by name, or nil if not found.
func (ts *Toolset) Get(name string) Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.tools[name]
}

// Names returns the sorted names of all tools.
func (ts *Toolset) Names() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	names := make([]string, 0, len(ts.tools))
	for name := range ts.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of tools.
func (ts *Toolset) Count() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.tools)
}

// Definitions returns the model-facing definitions, sorted by name so
// requests are stable across steps.
func (ts *Toolset) Definitions() []unifiedllm.ToolDefinition {
	names := ts.Names()
	defs := make([]unifiedllm.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := ts.Get(name)
		if tool == nil {
			continue
		}
		d := tool.Definition()
		defs = append(defs, unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return defs
}

// Validate parses args and checks them against the tool's parameter schema.
// Errors wrap ErrInvalidArguments.
func (ts *Toolset) Validate(name string, args json.RawMessage) error {
	tool := ts.Get(name)
	if tool == nil {
		return fmt.Errorf("unknown tool %q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	schema, err := ts.schema(name, tool.Definition())
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func (ts *Toolset) schema(name string, def ToolDefinition) (*jsonschema.Schema, error) {
	if cached, ok := ts.schemas.Load(name); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	if len(def.Parameters) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, err
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	ts.schemas.Store(name, compiled)
	return compiled, nil
}

// ObjectSchema is a small helper for hand-written parameter schemas.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
