package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/creativebastard/kimi-rcli/approval"
	"github.com/creativebastard/kimi-rcli/wire"
)

const (
	maxArgsPreview = 120
	maxDiffLines   = 60
)

// render prints events from sub until the bus closes. Model text goes to
// out; everything else goes to errOut.
func (a *app) render(ctx context.Context, sub *wire.Subscription) {
	defer sub.Close()
	var (
		status  *wire.StatusUpdate
		midText bool
	)
	endText := func() {
		if midText {
			fmt.Fprintln(a.out)
			midText = false
		}
	}
	for {
		ev, err := sub.Receive(ctx)
		if err != nil {
			endText()
			return
		}
		switch e := ev.(type) {
		case wire.TextPart:
			fmt.Fprint(a.out, e.Text)
			midText = !strings.HasSuffix(e.Text, "\n")
		case wire.ThinkPart:
			a.logger.Debug("thinking", "text", e.Think)
		case wire.ToolCall:
			endText()
			fmt.Fprintf(a.errOut, "• %s %s\n", e.Name, preview(string(e.Arguments), maxArgsPreview))
		case wire.ToolResult:
			switch {
			case e.IsError:
				fmt.Fprintf(a.errOut, "  ✗ %s\n", preview(e.Output, maxArgsPreview))
			case e.Brief != "":
				fmt.Fprintf(a.errOut, "  ✓ %s\n", e.Brief)
			}
		case wire.ApprovalRequest:
			endText()
			decision := a.askApproval(e)
			if err := a.gate.Resolve(e.ID, decision); err != nil {
				a.logger.Debug("approval no longer pending", "id", e.ID, "error", err)
			}
		case wire.StepInterrupted:
			endText()
			switch e.Reason {
			case "":
			case "retry":
				fmt.Fprintln(a.errOut, "Model call failed, retrying step...")
			default:
				fmt.Fprintf(a.errOut, "Step interrupted: %s\n", e.Reason)
			}
		case wire.CompactionBegin:
			endText()
			fmt.Fprintln(a.errOut, "Compacting context...")
		case wire.CompactionEnd:
			if e.Error != "" {
				fmt.Fprintf(a.errOut, "Compaction failed: %s\n", e.Error)
			} else {
				fmt.Fprintf(a.errOut, "Context compacted: %d → %d tokens\n", e.TokensBefore, e.TokensAfter)
			}
		case wire.StatusUpdate:
			s := e
			status = &s
		case wire.TurnEnd:
			endText()
			if e.Error != "" {
				fmt.Fprintf(a.errOut, "Error: %s\n", e.Error)
			}
			if status != nil && a.interactive {
				fmt.Fprintf(a.errOut, "[context %.1f%% · %d tokens]\n", status.ContextUsage*100, status.ContextTokens)
			}
			status = nil
			select {
			case a.rendered <- struct{}{}:
			default:
			}
		}
	}
}

// askApproval prompts on the terminal. Without a terminal every request is
// rejected.
func (a *app) askApproval(req wire.ApprovalRequest) approval.Decision {
	fmt.Fprintf(a.errOut, "\n%s wants to %s: %s\n", req.Sender, req.Action, req.Description)
	for _, block := range req.Display {
		writeDisplayBlock(a.errOut, block)
	}
	if !a.interactive {
		fmt.Fprintln(a.errOut, "Rejected: approval needs a terminal. Run with --yolo to approve automatically.")
		return approval.Reject
	}
	ctx := a.currentTurn()
	for {
		fmt.Fprint(a.errOut, "Approve? [y]es / [a]lways for this session / [n]o: ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(a.errOut)
			return approval.Reject
		case line, ok := <-a.lines:
			if !ok {
				return approval.Reject
			}
			if d, ok := parseDecision(line); ok {
				return d
			}
		}
	}
}

func parseDecision(s string) (approval.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return approval.Approve, true
	case "a", "always":
		return approval.ApproveForSession, true
	case "n", "no":
		return approval.Reject, true
	}
	return "", false
}

func writeDisplayBlock(w io.Writer, block wire.DisplayBlock) {
	switch block.Type {
	case "shell":
		fmt.Fprintf(w, "  $ %s\n", block.Command)
	case "diff":
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(block.OldText),
			B:        difflib.SplitLines(block.NewText),
			FromFile: block.Path,
			ToFile:   block.Path,
			Context:  3,
		})
		if err != nil || diff == "" {
			fmt.Fprintf(w, "  (no changes to %s)\n", block.Path)
			return
		}
		lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
		for i, line := range lines {
			if i == maxDiffLines {
				fmt.Fprintf(w, "  ... %d more lines\n", len(lines)-maxDiffLines)
				break
			}
			fmt.Fprintf(w, "  %s\n", line)
		}
	default:
		if block.Text != "" {
			fmt.Fprintf(w, "  %s\n", block.Text)
		}
	}
}

// preview collapses whitespace and keeps at most n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	for i := range s {
		if n == 0 {
			return s[:i] + "..."
		}
		n--
	}
	return s
}
