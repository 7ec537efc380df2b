package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

const basePrompt = `You are Kimi, an interactive coding agent running in the user's terminal.

You help with software engineering tasks: reading and changing code, running commands, and explaining what you find. Use the tools you are given. Prefer small, verifiable steps. When a tool call is rejected by the user, stop and wait for further instructions.`

// PromptOptions controls system prompt construction.
type PromptOptions struct {
	WorkDir          string
	Model            string
	Base             string // replaces the built-in role description when set
	UserInstructions string
	Now              func() time.Time
}

// BuildSystemPrompt assembles the role description, the environment block,
// project instructions (AGENTS.md) and user instructions.
func BuildSystemPrompt(opts PromptOptions) string {
	base := opts.Base
	if base == "" {
		base = basePrompt
	}
	sections := []string{base, EnvironmentContext(opts)}
	if docs := DiscoverProjectDocs(opts.WorkDir); docs != "" {
		sections = append(sections, "# Project Instructions\n\n"+docs)
	}
	if opts.UserInstructions != "" {
		sections = append(sections, "# User Instructions\n\n"+opts.UserInstructions)
	}
	return strings.Join(sections, "\n\n")
}

// EnvironmentContext renders the <environment> block.
func EnvironmentContext(opts PromptOptions) string {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	branch := ""
	isRepo := gitRoot(opts.WorkDir) != ""
	if isRepo {
		branch = runGit(opts.WorkDir, "rev-parse", "--abbrev-ref", "HEAD")
	}

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", opts.WorkDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isRepo)
	if branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", now().Format("2006-01-02"))
	if opts.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", opts.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads AGENTS.md files from the git root (or workDir)
// down to workDir, capped at 32KB in total.
func DiscoverProjectDocs(workDir string) string {
	if workDir == "" {
		return ""
	}
	root := gitRoot(workDir)
	if root == "" {
		root = workDir
	}

	var docs []string
	total := 0
	for _, dir := range pathHierarchy(root, workDir) {
		content, err := os.ReadFile(filepath.Join(dir, "AGENTS.md"))
		if err != nil {
			continue
		}
		remaining := maxProjectDocBytes - total
		if remaining <= 0 {
			docs = append(docs, "[Project instructions truncated at 32KB]")
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("## AGENTS.md (from %s)\n\n%s", dir, text))
		total += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns directories from root to target, inclusive.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	if dir == "" {
		return ""
	}
	return runGit(dir, "rev-parse", "--show-toplevel")
}

func runGit(dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
