package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/creativebastard/kimi-rcli/agentloop"
	"github.com/creativebastard/kimi-rcli/wire"
)

// Options tunes the built-in tools.
type Options struct {
	// CommandTimeout is the shell timeout when the model does not pass one.
	CommandTimeout time.Duration
	// MaxCommandTimeout caps the timeout the model may ask for.
	MaxCommandTimeout time.Duration
}

// DefaultOptions returns the defaults used by Builtin.
func DefaultOptions() Options {
	return Options{
		CommandTimeout:    60 * time.Second,
		MaxCommandTimeout: 300 * time.Second,
	}
}

// Builtin returns read_file, write_file, replace_file, shell, glob and grep
// bound to env.
func Builtin(env *Environment, opts Options) []agentloop.Tool {
	def := DefaultOptions()
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.MaxCommandTimeout <= 0 {
		opts.MaxCommandTimeout = def.MaxCommandTimeout
	}
	return []agentloop.Tool{
		ReadFile(env),
		WriteFile(env),
		ReplaceFile(env),
		Shell(env, opts),
		Glob(env),
		Grep(env),
	}
}

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// schemaOf reflects the parameter schema of an argument struct.
func schemaOf(v any) map[string]interface{} {
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %T: %v", v, err))
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		panic(fmt.Sprintf("tools: decode schema for %T: %v", v, err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// typedTool decodes the call arguments into A before running.
type typedTool[A any] struct {
	def      agentloop.ToolDefinition
	run      func(ctx context.Context, args A) (agentloop.ToolOutput, error)
	describe func(args A) (string, []wire.DisplayBlock)
}

func newTool[A any](def agentloop.ToolDefinition, run func(context.Context, A) (agentloop.ToolOutput, error)) *typedTool[A] {
	var zero A
	def.Parameters = schemaOf(&zero)
	return &typedTool[A]{def: def, run: run}
}

func (t *typedTool[A]) Definition() agentloop.ToolDefinition { return t.def }

func (t *typedTool[A]) Execute(ctx context.Context, raw json.RawMessage) (agentloop.ToolOutput, error) {
	args, err := decodeArgs[A](raw)
	if err != nil {
		return agentloop.ToolOutput{}, err
	}
	return t.run(ctx, args)
}

// Describe implements agentloop.Describer.
func (t *typedTool[A]) Describe(raw json.RawMessage) (string, []wire.DisplayBlock) {
	args, err := decodeArgs[A](raw)
	if err != nil || t.describe == nil {
		return fmt.Sprintf("Execute %s with args: %s", t.def.Name, string(raw)), nil
	}
	return t.describe(args)
}

func decodeArgs[A any](raw json.RawMessage) (A, error) {
	var args A
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}
