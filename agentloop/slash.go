package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/creativebastard/kimi-rcli/wire"
)

// ErrUnknownCommand is returned for a slash command that does not exist.
var ErrUnknownCommand = errors.New("unknown slash command")

// SlashCommand is handled by the Soul without calling the model.
type SlashCommand struct {
	Name        string
	Aliases     []string
	Description string
	Run         func(ctx context.Context, s *Soul, args string) error
}

// ParseSlashCommand splits "/name args" into its parts. ok is false when the
// trimmed input does not start with a slash followed by a name.
func ParseSlashCommand(input string) (name, args string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || len(input) == 1 {
		return "", "", false
	}
	body := input[1:]
	if i := strings.IndexFunc(body, isSpace); i >= 0 {
		name, args = body[:i], strings.TrimSpace(body[i:])
	} else {
		name = body
	}
	if name == "" {
		return "", "", false
	}
	return name, args, true
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

var slashCommands []SlashCommand

func init() {
	slashCommands = builtinSlashCommands()
}

func builtinSlashCommands() []SlashCommand {
	return []SlashCommand{{
		Name:        "help",
		Aliases:     []string{"h", "?"},
		Description: "Show available commands",
		Run: func(_ context.Context, s *Soul, _ string) error {
			var sb strings.Builder
			sb.WriteString("Available commands:\n")
			for _, cmd := range slashCommands {
				fmt.Fprintf(&sb, "  /%-8s %s\n", cmd.Name, cmd.Description)
			}
			s.say(sb.String())
			return nil
		},
	},
	{
		Name:        "clear",
		Aliases:     []string{"reset"},
		Description: "Clear the conversation context",
		Run: func(_ context.Context, s *Soul, _ string) error {
			if err := s.history.Clear(); err != nil {
				return fmt.Errorf("clear context: %w", err)
			}
			s.say("The context has been cleared.")
			return nil
		},
	},
	{
		Name:        "compact",
		Description: "Compact the conversation context now",
		Run: func(ctx context.Context, s *Soul, _ string) error {
			if s.compactor == nil {
				s.say("Compaction is not configured.")
				return nil
			}
			before := s.history.TokenCount()
			if err := s.compact(ctx, true); err != nil {
				return err
			}
			s.say(fmt.Sprintf("The context has been compacted (%d -> %d tokens).", before, s.history.TokenCount()))
			return nil
		},
	},
	{
		Name:        "yolo",
		Description: "Toggle auto-approval of tool calls: /yolo [on|off]",
		Run: func(_ context.Context, s *Soul, args string) error {
			if s.gate == nil {
				s.say("Approvals are disabled; every tool call already runs.")
				return nil
			}
			on := !s.gate.IsYolo()
			switch strings.ToLower(args) {
			case "":
			case "on", "true", "1":
				on = true
			case "off", "false", "0":
				on = false
			default:
				return fmt.Errorf("invalid /yolo argument %q, want on or off", args)
			}
			s.gate.SetYolo(on)
			if on {
				s.say("You only live once! All actions will be auto-approved.")
			} else {
				s.say("Auto-approval is off. Actions will ask for approval.")
			}
			return nil
		},
	}}
}

// SlashCommands returns the built-in commands.
func SlashCommands() []SlashCommand {
	out := make([]SlashCommand, len(slashCommands))
	copy(out, slashCommands)
	return out
}

func findSlashCommand(name string) (SlashCommand, bool) {
	for _, cmd := range slashCommands {
		if cmd.Name == name {
			return cmd, true
		}
		for _, alias := range cmd.Aliases {
			if alias == name {
				return cmd, true
			}
		}
	}
	return SlashCommand{}, false
}

func (s *Soul) runSlash(ctx context.Context, name, args string) error {
	cmd, ok := findSlashCommand(name)
	if !ok {
		return fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
	s.logger.Debug("slash command", "command", cmd.Name, "args", args)
	return cmd.Run(ctx, s, args)
}

func (s *Soul) say(text string) {
	s.bus.Publish(wire.TextPart{Text: text})
}
