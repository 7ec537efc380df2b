package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creativebastard/kimi-rcli/agentloop"
	"github.com/creativebastard/kimi-rcli/wire"
)

type shellArgs struct {
	Command string `json:"command" jsonschema_description:"The command to run."`
	Timeout int    `json:"timeout,omitempty" jsonschema:"minimum=1,maximum=300" jsonschema_description:"Timeout in seconds."`
}

// Shell returns the shell tool. A non-zero exit status is a tool error that
// still carries the command output.
func Shell(env *Environment, opts Options) agentloop.Tool {
	t := newTool(agentloop.ToolDefinition{
		Name: "shell",
		Description: "Execute a shell command in the working directory. Use it to explore the filesystem, " +
			"run builds and tests, and inspect the system. Returns stdout and stderr.",
		Action: "run shell command",
	}, func(ctx context.Context, args shellArgs) (agentloop.ToolOutput, error) {
		if strings.TrimSpace(args.Command) == "" {
			return agentloop.ToolOutput{}, errors.New("command is required")
		}
		timeout := opts.CommandTimeout
		if args.Timeout > 0 {
			timeout = time.Duration(args.Timeout) * time.Second
		}
		if opts.MaxCommandTimeout > 0 && timeout > opts.MaxCommandTimeout {
			timeout = opts.MaxCommandTimeout
		}

		res, err := env.Exec(ctx, args.Command, timeout)
		if err != nil {
			return agentloop.ToolOutput{}, err
		}
		out := res.Output()
		switch {
		case res.TimedOut:
			return agentloop.ToolOutput{}, fmt.Errorf("command timed out after %s. Partial output:\n%s", timeout, out)
		case res.ExitCode != 0:
			return agentloop.ToolOutput{}, fmt.Errorf("command exited with code %d:\n%s", res.ExitCode, out)
		}
		if out == "" {
			out = "(no output)"
		}
		return agentloop.ToolOutput{Output: out, Brief: "Command succeeded"}, nil
	})
	t.describe = func(args shellArgs) (string, []wire.DisplayBlock) {
		return fmt.Sprintf("Run command `%s`", args.Command), []wire.DisplayBlock{{Type: "shell", Command: args.Command}}
	}
	return t
}
