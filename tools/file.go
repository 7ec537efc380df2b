package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/creativebastard/kimi-rcli/agentloop"
	"github.com/creativebastard/kimi-rcli/wire"
)

const (
	// MaxReadLines is how many lines read_file returns when n_lines is unset.
	MaxReadLines = 1000
	// MaxLineLength truncates very long lines in read_file output.
	MaxLineLength = 2000

	editAction = "edit file"
)

type readFileArgs struct {
	Path       string `json:"path" jsonschema_description:"Path of the file, absolute or relative to the working directory."`
	LineOffset int    `json:"line_offset,omitempty" jsonschema:"minimum=1" jsonschema_description:"1-based line number to start reading from."`
	NLines     int    `json:"n_lines,omitempty" jsonschema:"minimum=1" jsonschema_description:"Number of lines to read. At most 1000 lines are returned per call."`
}

// ReadFile returns the read_file tool. Output lines are numbered.
func ReadFile(env *Environment) agentloop.Tool {
	return newTool(agentloop.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file. Returns line-numbered content. Use line_offset and n_lines to page through large files.",
		Safe:        true,
	}, func(_ context.Context, args readFileArgs) (agentloop.ToolOutput, error) {
		if args.Path == "" {
			return agentloop.ToolOutput{}, errors.New("path is required")
		}
		content, err := env.ReadFile(args.Path)
		if err != nil {
			return agentloop.ToolOutput{}, err
		}
		lines := strings.Split(content, "\n")
		if strings.HasSuffix(content, "\n") {
			lines = lines[:len(lines)-1]
		}

		start := 0
		if args.LineOffset > 0 {
			start = args.LineOffset - 1
		}
		if start > 0 && start >= len(lines) {
			return agentloop.ToolOutput{}, fmt.Errorf("line_offset %d exceeds file length of %d lines", args.LineOffset, len(lines))
		}
		n := MaxReadLines
		if args.NLines > 0 && args.NLines < n {
			n = args.NLines
		}
		end := min(start+n, len(lines))

		var sb strings.Builder
		for i := start; i < end; i++ {
			line := lines[i]
			if len(line) > MaxLineLength {
				line = line[:MaxLineLength] + "..."
			}
			fmt.Fprintf(&sb, "%6d\t%s\n", i+1, line)
		}
		if end < len(lines) {
			fmt.Fprintf(&sb, "[Showing lines %d-%d of %d. Use line_offset to read more.]\n", start+1, end, len(lines))
		}
		return agentloop.ToolOutput{
			Output: sb.String(),
			Brief:  fmt.Sprintf("Read %d lines from %s", end-start, args.Path),
		}, nil
	})
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema_description:"Path of the file, absolute or relative to the working directory."`
	Content string `json:"content" jsonschema_description:"The content to write."`
	Mode    string `json:"mode,omitempty" jsonschema:"enum=overwrite,enum=append" jsonschema_description:"overwrite (default) replaces the file; append adds to its end."`
}

// WriteFile returns the write_file tool.
func WriteFile(env *Environment) agentloop.Tool {
	t := newTool(agentloop.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file, creating it and its parent directories when needed.",
		Action:      editAction,
	}, func(_ context.Context, args writeFileArgs) (agentloop.ToolOutput, error) {
		if args.Path == "" {
			return agentloop.ToolOutput{}, errors.New("path is required")
		}
		appendMode := args.Mode == "append"
		if err := env.WriteFile(args.Path, args.Content, appendMode); err != nil {
			return agentloop.ToolOutput{}, err
		}
		verb := "Wrote"
		if appendMode {
			verb = "Appended"
		}
		return agentloop.ToolOutput{
			Output: fmt.Sprintf("%s %d bytes to %s", verb, len(args.Content), args.Path),
			Brief:  fmt.Sprintf("%s %s", verb, args.Path),
		}, nil
	})
	t.describe = func(args writeFileArgs) (string, []wire.DisplayBlock) {
		old, _ := env.ReadFile(args.Path)
		next := args.Content
		if args.Mode == "append" {
			next = old + args.Content
		}
		return fmt.Sprintf("Write file `%s`", args.Path), []wire.DisplayBlock{{
			Type:    "diff",
			Path:    args.Path,
			OldText: old,
			NewText: next,
		}}
	}
	return t
}

type replaceEdit struct {
	Old        string `json:"old" jsonschema_description:"The exact text to replace."`
	New        string `json:"new" jsonschema_description:"The replacement text."`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema_description:"Replace every occurrence instead of exactly one."`
}

type replaceFileArgs struct {
	Path  string        `json:"path" jsonschema_description:"Path of the file, absolute or relative to the working directory."`
	Edits []replaceEdit `json:"edits" jsonschema:"minItems=1" jsonschema_description:"Edits applied in order. Either all of them succeed or the file is left untouched."`
}

// applyEdits returns content with edits applied in order.
func applyEdits(content string, edits []replaceEdit) (string, int, error) {
	total := 0
	for i, e := range edits {
		if e.Old == "" {
			return "", 0, fmt.Errorf("edit %d: old must not be empty", i+1)
		}
		n := strings.Count(content, e.Old)
		switch {
		case n == 0:
			return "", 0, fmt.Errorf("edit %d: old text not found", i+1)
		case n > 1 && !e.ReplaceAll:
			return "", 0, fmt.Errorf("edit %d: old text found %d times; add context to make it unique or set replace_all", i+1, n)
		}
		if e.ReplaceAll {
			content = strings.ReplaceAll(content, e.Old, e.New)
			total += n
		} else {
			content = strings.Replace(content, e.Old, e.New, 1)
			total++
		}
	}
	return content, total, nil
}

// ReplaceFile returns the replace_file tool.
func ReplaceFile(env *Environment) agentloop.Tool {
	t := newTool(agentloop.ToolDefinition{
		Name:        "replace_file",
		Description: "Replace exact text in an existing file. Each old text must match exactly once unless replace_all is set.",
		Action:      editAction,
	}, func(_ context.Context, args replaceFileArgs) (agentloop.ToolOutput, error) {
		if len(args.Edits) == 0 {
			return agentloop.ToolOutput{}, errors.New("at least one edit is required")
		}
		content, err := env.ReadFile(args.Path)
		if err != nil {
			return agentloop.ToolOutput{}, err
		}
		updated, n, err := applyEdits(content, args.Edits)
		if err != nil {
			return agentloop.ToolOutput{}, fmt.Errorf("%s: %w", args.Path, err)
		}
		info, err := os.Stat(env.Resolve(args.Path))
		if err != nil {
			return agentloop.ToolOutput{}, err
		}
		if err := os.WriteFile(env.Resolve(args.Path), []byte(updated), info.Mode().Perm()); err != nil {
			return agentloop.ToolOutput{}, fmt.Errorf("write %s: %w", args.Path, err)
		}
		return agentloop.ToolOutput{
			Output: fmt.Sprintf("Replaced %d occurrence(s) in %s", n, args.Path),
			Brief:  fmt.Sprintf("Edited %s", args.Path),
		}, nil
	})
	t.describe = func(args replaceFileArgs) (string, []wire.DisplayBlock) {
		desc := fmt.Sprintf("Edit file `%s`", args.Path)
		content, err := env.ReadFile(args.Path)
		if err != nil {
			return desc, nil
		}
		updated, _, err := applyEdits(content, args.Edits)
		if err != nil {
			return desc, nil
		}
		return desc, []wire.DisplayBlock{{Type: "diff", Path: args.Path, OldText: content, NewText: updated}}
	}
	return t
}
