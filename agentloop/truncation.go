package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies which part of an oversized output survives.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultOutputChars is the character budget for tools without a limit.
const DefaultOutputChars = 30000

// OutputLimits bounds how much tool output is stored in the conversation.
// The bus always carries the full output.
type OutputLimits struct {
	Chars map[string]int
	Lines map[string]int
}

var defaultCharLimits = map[string]int{
	"read_file":    50000,
	"shell":        30000,
	"grep":         20000,
	"glob":         20000,
	"replace_file": 10000,
	"write_file":   1000,
	"send_dmail":   1000,
}

var defaultLineLimits = map[string]int{
	"shell": 256,
	"grep":  200,
	"glob":  500,
}

var truncationModes = map[string]TruncationMode{
	"grep":         TruncateTail,
	"glob":         TruncateTail,
	"replace_file": TruncateTail,
	"write_file":   TruncateTail,
}

func (l OutputLimits) chars(tool string) int {
	if n, ok := l.Chars[tool]; ok && n > 0 {
		return n
	}
	if n, ok := defaultCharLimits[tool]; ok {
		return n
	}
	return DefaultOutputChars
}

func (l OutputLimits) lines(tool string) int {
	if n, ok := l.Lines[tool]; ok {
		return n
	}
	return defaultLineLimits[tool]
}

// Apply truncates output for tool: characters first, then lines.
func (l OutputLimits) Apply(tool, output string) string {
	mode, ok := truncationModes[tool]
	if !ok {
		mode = TruncateHeadTail
	}
	out := TruncateChars(output, l.chars(tool), mode)
	if n := l.lines(tool); n > 0 {
		out = TruncateLines(out, n)
	}
	return out
}

// TruncateChars keeps at most maxChars characters (runes) of output. Cuts
// always fall on rune boundaries.
func TruncateChars(output string, maxChars int, mode TruncationMode) string {
	total := utf8.RuneCountInString(output)
	if maxChars <= 0 || total <= maxChars {
		return output
	}
	removed := total - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[Output truncated: the first %d characters were removed.]\n\n", removed) +
			output[runeOffset(output, removed):]
	}
	half := maxChars / 2
	return output[:runeOffset(output, half)] +
		fmt.Sprintf("\n\n[Output truncated: %d characters were removed from the middle. "+
			"Re-run the tool with narrower parameters to see them.]\n\n", removed) +
		output[runeOffset(output, total-half):]
}

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}
