package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/creativebastard/kimi-rcli/agentloop"
)

const (
	// MaxGlobMatches caps glob results.
	MaxGlobMatches = 1000
	// DefaultGrepLimit caps grep matches when head_limit is unset.
	DefaultGrepLimit = 100

	maxScanBuffer = 1024 * 1024
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
}

type globArgs struct {
	Pattern     string `json:"pattern" jsonschema_description:"Glob pattern such as *.go or src/**/*.ts."`
	Directory   string `json:"directory,omitempty" jsonschema_description:"Directory to search in. Defaults to the working directory."`
	IncludeDirs *bool  `json:"include_dirs,omitempty" jsonschema:"default=true" jsonschema_description:"Whether directories are listed as well as files."`
}

// Glob returns the glob tool.
func Glob(env *Environment) agentloop.Tool {
	return newTool(agentloop.ToolDefinition{
		Name:        "glob",
		Description: "Find files and directories by glob pattern. Supports *, ? and ** for recursive matches.",
		Safe:        true,
	}, func(ctx context.Context, args globArgs) (agentloop.ToolOutput, error) {
		if args.Pattern == "" {
			return agentloop.ToolOutput{}, errors.New("pattern is required")
		}
		pattern := filepath.ToSlash(args.Pattern)
		if strings.HasPrefix(pattern, "/") || !doublestar.ValidatePattern(pattern) {
			return agentloop.ToolOutput{}, fmt.Errorf("invalid glob pattern %q; use a pattern relative to directory", args.Pattern)
		}
		base := env.Resolve(args.Directory)
		if info, err := os.Stat(base); err != nil || !info.IsDir() {
			return agentloop.ToolOutput{}, fmt.Errorf("%s is not a directory", base)
		}

		var opts []doublestar.GlobOption
		if args.IncludeDirs != nil && !*args.IncludeDirs {
			opts = append(opts, doublestar.WithFilesOnly())
		}
		matches, err := doublestar.Glob(os.DirFS(base), pattern, opts...)
		if err != nil {
			return agentloop.ToolOutput{}, fmt.Errorf("glob %q: %w", args.Pattern, err)
		}
		if err := ctx.Err(); err != nil {
			return agentloop.ToolOutput{}, err
		}
		if len(matches) == 0 {
			return agentloop.ToolOutput{Output: "No matches found.", Brief: "No matches"}, nil
		}
		sort.Strings(matches)

		total := len(matches)
		if total > MaxGlobMatches {
			matches = matches[:MaxGlobMatches]
		}
		for i, m := range matches {
			matches[i] = filepath.Join(args.Directory, filepath.FromSlash(m))
		}
		out := strings.Join(matches, "\n")
		if total > MaxGlobMatches {
			out += fmt.Sprintf("\n[Only the first %d of %d matches are shown. Use a narrower pattern.]", MaxGlobMatches, total)
		}
		return agentloop.ToolOutput{Output: out, Brief: fmt.Sprintf("Found %d matches", total)}, nil
	})
}

type grepArgs struct {
	Pattern    string `json:"pattern" jsonschema_description:"Regular expression to search for (RE2 syntax)."`
	Path       string `json:"path,omitempty" jsonschema_description:"File or directory to search. Defaults to the working directory."`
	Glob       string `json:"glob,omitempty" jsonschema_description:"Only search files whose name or relative path matches this glob, e.g. *.go."`
	IgnoreCase bool   `json:"ignore_case,omitempty" jsonschema_description:"Case-insensitive search."`
	OutputMode string `json:"output_mode,omitempty" jsonschema:"enum=content,enum=files_with_matches,enum=count_matches" jsonschema_description:"content shows matching lines; files_with_matches (default) lists files; count_matches counts per file."`
	HeadLimit  int    `json:"head_limit,omitempty" jsonschema:"minimum=1" jsonschema_description:"Maximum number of output entries."`
}

// Grep returns the grep tool. Binary files and common vendor directories
// are skipped.
func Grep(env *Environment) agentloop.Tool {
	return newTool(agentloop.ToolDefinition{
		Name:        "grep",
		Description: "Search file contents with a regular expression. Can list matching files, matching lines with line numbers, or match counts.",
		Safe:        true,
	}, func(ctx context.Context, args grepArgs) (agentloop.ToolOutput, error) {
		if args.Pattern == "" {
			return agentloop.ToolOutput{}, errors.New("pattern is required")
		}
		expr := args.Pattern
		if args.IgnoreCase {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return agentloop.ToolOutput{}, fmt.Errorf("invalid pattern: %w", err)
		}
		if args.Glob != "" && !doublestar.ValidatePattern(filepath.ToSlash(args.Glob)) {
			return agentloop.ToolOutput{}, fmt.Errorf("invalid glob %q", args.Glob)
		}
		limit := args.HeadLimit
		if limit <= 0 {
			limit = DefaultGrepLimit
		}
		mode := args.OutputMode
		if mode == "" {
			mode = "files_with_matches"
		}

		root := env.Resolve(args.Path)
		var entries []string
		truncated := false
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if path != root && skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			rel := displayPath(env.WorkDir(), path)
			if args.Glob != "" && !globMatches(args.Glob, root, path) {
				return nil
			}
			lines, err := grepFile(path, re)
			if err != nil || len(lines) == 0 {
				return nil
			}
			switch mode {
			case "content":
				for _, l := range lines {
					if len(entries) >= limit {
						truncated = true
						return filepath.SkipAll
					}
					entries = append(entries, fmt.Sprintf("%s:%d:%s", rel, l.n, l.text))
				}
			case "count_matches":
				entries = append(entries, fmt.Sprintf("%s:%d", rel, len(lines)))
			default:
				entries = append(entries, rel)
			}
			if len(entries) >= limit && mode != "content" {
				truncated = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return agentloop.ToolOutput{}, err
		}
		if len(entries) == 0 {
			return agentloop.ToolOutput{Output: "No matches found.", Brief: "No matches"}, nil
		}
		out := strings.Join(entries, "\n")
		if truncated {
			out += fmt.Sprintf("\n[Results truncated at %d entries. Use head_limit or a narrower pattern.]", limit)
		}
		return agentloop.ToolOutput{Output: out, Brief: fmt.Sprintf("Found %d results", len(entries))}, nil
	})
}

type matchedLine struct {
	n    int
	text string
}

// grepFile returns the lines of path matching re. Binary files yield none.
func grepFile(path string, re *regexp.Regexp) ([]matchedLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	var out []matchedLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanBuffer)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Text()
		if re.MatchString(text) {
			if len(text) > MaxLineLength {
				text = text[:MaxLineLength] + "..."
			}
			out = append(out, matchedLine{n: line, text: text})
		}
	}
	return out, scanner.Err()
}

// globMatches matches the glob against the base name, or against the path
// relative to root when the glob contains a slash.
func globMatches(glob, root, path string) bool {
	glob = filepath.ToSlash(glob)
	name := filepath.Base(path)
	if strings.Contains(glob, "/") {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return false
		}
		name = filepath.ToSlash(rel)
	}
	ok, err := doublestar.Match(glob, name)
	return err == nil && ok
}

func displayPath(workDir, path string) string {
	rel, err := filepath.Rel(workDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
