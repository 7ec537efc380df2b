package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

// DefaultLoopWindow is how many recent tool calls loop detection inspects.
const DefaultLoopWindow = 10

func callSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns up to count signatures of the latest tool calls in
// msgs, oldest first.
func recentSignatures(msgs []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(msgs) - 1; i >= 0 && len(sigs) < count; i-- {
		if msgs[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := msgs[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, callSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last window tool calls repeat a pattern of
// length 1, 2 or 3.
func DetectLoop(msgs []unifiedllm.Message, window int) bool {
	if window <= 1 {
		return false
	}
	sigs := recentSignatures(msgs, window)
	if len(sigs) < window {
		return false
	}
	for n := 1; n <= 3; n++ {
		if window%n != 0 {
			continue
		}
		if repeats(sigs, n) {
			return true
		}
	}
	return false
}

func repeats(sigs []string, n int) bool {
	for i := n; i < len(sigs); i++ {
		if sigs[i] != sigs[i%n] {
			return false
		}
	}
	return true
}

func loopWarning(window int) string {
	return fmt.Sprintf("<system>The last %d tool calls follow a repeating pattern. Stop and try a different approach.</system>", window)
}
