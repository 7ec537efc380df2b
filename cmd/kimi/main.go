// Command kimi runs the coding agent in the terminal.
//
// Start an interactive session in the current directory:
//
//	kimi
//
// Run a single turn and exit:
//
//	kimi "explain what internal/server does"
//
// Resume the most recent session for this directory:
//
//	kimi --continue
//
// Environment variables:
//
//   - KIMI_CONFIG: path to the configuration file (default: ~/.kimi/config.yaml)
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, ...: provider keys when api_key is
//     not set in the configuration
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath  string
	model       string
	sessionID   string
	resume      bool
	yolo        bool
	workDir     string
	logLevel    string
	metricsAddr string
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "kimi [prompt]",
		Short: "Kimi - a coding agent for your terminal",
		Long: `Kimi reads, edits and runs code in your working directory.

Without a prompt it starts an interactive session. With a prompt it runs a
single turn and exits. Type /help inside a session for slash commands.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts, args)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file (YAML, JSON or JSON5)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model alias from the configuration")
	rootCmd.Flags().StringVarP(&opts.sessionID, "session", "S", "", "Resume the session with this id or id prefix")
	rootCmd.Flags().BoolVarP(&opts.resume, "continue", "C", false, "Resume the latest session for the working directory")
	rootCmd.Flags().BoolVarP(&opts.yolo, "yolo", "y", false, "Approve every tool call automatically")
	rootCmd.Flags().StringVarP(&opts.workDir, "work-dir", "w", "", "Working directory (default: current directory)")
	rootCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.MarkFlagsMutuallyExclusive("session", "continue")

	rootCmd.AddCommand(
		buildConfigCmd(opts),
		buildSessionsCmd(opts),
	)
	return rootCmd
}
