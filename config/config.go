// Package config loads the agent configuration from YAML, JSON or JSON5.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

// Defaults applied by Load.
const (
	DefaultMaxStepsPerTurn     = 100
	DefaultMaxRetriesPerStep   = 3
	DefaultReservedContextSize = 50000
	DefaultKeepRecent          = 10
	DefaultTargetRatio         = 0.5
	DefaultMaxContextSize      = 131072
	DefaultCommandTimeoutMs    = 60000
)

// ConfigurationError reports an invalid value. It is fatal and surfaces
// before any turn starts.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Config is the root configuration.
type Config struct {
	DefaultModel string                 `yaml:"default_model"`
	DefaultYolo  bool                   `yaml:"default_yolo"`
	Models       map[string]ModelConfig `yaml:"models"`
	LoopControl  LoopControl            `yaml:"loop_control"`
	Compaction   CompactionConfig       `yaml:"compaction"`
	Tools        ToolsConfig            `yaml:"tools"`
	Logging      LoggingConfig          `yaml:"logging"`
	Tracing      TracingConfig          `yaml:"tracing"`
	Metrics      MetricsConfig          `yaml:"metrics"`
	// ShareDir holds sessions. Defaults to ~/.kimi.
	ShareDir string `yaml:"share_dir"`
}

// ModelConfig binds a model alias to a provider.
type ModelConfig struct {
	Provider       string   `yaml:"provider" jsonschema_description:"gollm provider name, e.g. openai, anthropic, ollama"`
	Model          string   `yaml:"model"`
	MaxContextSize int      `yaml:"max_context_size"`
	MaxTokens      int      `yaml:"max_tokens"`
	Temperature    *float64 `yaml:"temperature"`
	APIKey         string   `yaml:"api_key"`
}

type LoopControl struct {
	MaxStepsPerTurn   int           `yaml:"max_steps_per_turn"`
	MaxRetriesPerStep int           `yaml:"max_retries_per_step"`
	TurnTimeout       time.Duration `yaml:"turn_timeout" jsonschema:"type=string"`
	// LoopDetectionWindow of 0 disables loop detection.
	LoopDetectionWindow *int `yaml:"loop_detection_window"`
}

type CompactionConfig struct {
	// Strategy is simple (summarize all but the recent messages), aggressive
	// (drop all but the recent messages) or budget (summarize the oldest
	// messages down to target_ratio of the context window).
	Strategy            string  `yaml:"strategy" jsonschema:"enum=simple,enum=aggressive,enum=budget"`
	ReservedContextSize int     `yaml:"reserved_context_size"`
	KeepRecent          int     `yaml:"keep_recent"`
	TargetRatio         float64 `yaml:"target_ratio"`
	// Summarize asks the model for a summary instead of dropping history.
	Summarize *bool `yaml:"summarize"`
}

type ToolsConfig struct {
	MaxParallel      int            `yaml:"max_parallel"`
	CommandTimeoutMs int            `yaml:"command_timeout_ms"`
	OutputLimits     map[string]int `yaml:"output_limits"`
	LineLimits       map[string]int `yaml:"line_limits"`
	// MaxSubagentDepth bounds how deeply task calls nest. Defaults to 1.
	MaxSubagentDepth int `yaml:"max_subagent_depth"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" jsonschema:"enum=text,enum=json"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Model returns the named model, or the default model when name is empty.
func (c *Config) Model(name string) (ModelConfig, error) {
	if name == "" {
		name = c.DefaultModel
	}
	if name == "" {
		return ModelConfig{}, &ConfigurationError{Field: "default_model", Reason: "no model selected"}
	}
	m, ok := c.Models[name]
	if !ok {
		return ModelConfig{}, &ConfigurationError{Field: "models", Reason: fmt.Sprintf("unknown model %q", name)}
	}
	return m, nil
}

// SummarizeEnabled reports whether compaction asks the model for a summary.
func (c CompactionConfig) SummarizeEnabled() bool {
	return c.Summarize == nil || *c.Summarize
}

// DetectionWindow returns the loop detection window; 0 means disabled.
func (l LoopControl) DetectionWindow() int {
	if l.LoopDetectionWindow == nil {
		return 10
	}
	return *l.LoopDetectionWindow
}

// DefaultPath returns $KIMI_CONFIG, or ~/.kimi/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("KIMI_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultShareDir(), "config.yaml")
}

func defaultShareDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kimi"
	}
	return filepath.Join(home, ".kimi")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration at path. An empty path means DefaultPath,
// and a missing default file yields Default.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, &ConfigurationError{Reason: "load " + path, Err: err}
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, &ConfigurationError{Reason: "decode " + path, Err: err}
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LoopControl.MaxStepsPerTurn == 0 {
		cfg.LoopControl.MaxStepsPerTurn = DefaultMaxStepsPerTurn
	}
	if cfg.LoopControl.MaxRetriesPerStep == 0 {
		cfg.LoopControl.MaxRetriesPerStep = DefaultMaxRetriesPerStep
	}
	if cfg.Compaction.ReservedContextSize == 0 {
		cfg.Compaction.ReservedContextSize = DefaultReservedContextSize
	}
	if cfg.Compaction.KeepRecent == 0 {
		cfg.Compaction.KeepRecent = DefaultKeepRecent
	}
	if cfg.Compaction.Strategy == "" {
		cfg.Compaction.Strategy = "simple"
	}
	if cfg.Compaction.TargetRatio == 0 {
		cfg.Compaction.TargetRatio = DefaultTargetRatio
	}
	if cfg.Tools.CommandTimeoutMs == 0 {
		cfg.Tools.CommandTimeoutMs = DefaultCommandTimeoutMs
	}
	if cfg.Tools.MaxSubagentDepth == 0 {
		cfg.Tools.MaxSubagentDepth = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.ShareDir == "" {
		cfg.ShareDir = defaultShareDir()
	}
	for name, m := range cfg.Models {
		if m.Model == "" {
			m.Model = name
		}
		if m.MaxContextSize == 0 {
			m.MaxContextSize = unifiedllm.ContextWindow(m.Model, DefaultMaxContextSize)
		}
		cfg.Models[name] = m
	}
	if cfg.DefaultModel == "" && len(cfg.Models) == 1 {
		for name := range cfg.Models {
			cfg.DefaultModel = name
		}
	}
}

// Validate checks ranges and cross-field references.
func (c *Config) Validate() error {
	if c.DefaultModel != "" {
		if _, ok := c.Models[c.DefaultModel]; !ok {
			return &ConfigurationError{Field: "default_model", Reason: fmt.Sprintf("%q is not defined under models", c.DefaultModel)}
		}
	}
	for name, m := range c.Models {
		field := "models." + name
		if m.Provider == "" {
			return &ConfigurationError{Field: field + ".provider", Reason: "is required"}
		}
		if m.MaxContextSize <= c.Compaction.ReservedContextSize {
			return &ConfigurationError{
				Field:  field + ".max_context_size",
				Reason: fmt.Sprintf("%d must exceed compaction.reserved_context_size (%d)", m.MaxContextSize, c.Compaction.ReservedContextSize),
			}
		}
		if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
			return &ConfigurationError{Field: field + ".temperature", Reason: "must be between 0 and 2"}
		}
	}
	switch {
	case c.LoopControl.MaxStepsPerTurn < 1:
		return &ConfigurationError{Field: "loop_control.max_steps_per_turn", Reason: "must be at least 1"}
	case c.LoopControl.MaxRetriesPerStep < 0:
		return &ConfigurationError{Field: "loop_control.max_retries_per_step", Reason: "must not be negative"}
	case c.LoopControl.TurnTimeout < 0:
		return &ConfigurationError{Field: "loop_control.turn_timeout", Reason: "must not be negative"}
	case c.LoopControl.DetectionWindow() < 0:
		return &ConfigurationError{Field: "loop_control.loop_detection_window", Reason: "must not be negative"}
	case c.Compaction.ReservedContextSize < 0:
		return &ConfigurationError{Field: "compaction.reserved_context_size", Reason: "must not be negative"}
	case c.Compaction.KeepRecent < 0:
		return &ConfigurationError{Field: "compaction.keep_recent", Reason: "must not be negative"}
	case c.Compaction.TargetRatio < 0.1 || c.Compaction.TargetRatio > 0.9:
		return &ConfigurationError{Field: "compaction.target_ratio", Reason: "must be between 0.1 and 0.9"}
	case c.Tools.MaxParallel < 0:
		return &ConfigurationError{Field: "tools.max_parallel", Reason: "must not be negative"}
	case c.Tools.CommandTimeoutMs < 0:
		return &ConfigurationError{Field: "tools.command_timeout_ms", Reason: "must not be negative"}
	case c.Tools.MaxSubagentDepth < 0:
		return &ConfigurationError{Field: "tools.max_subagent_depth", Reason: "must not be negative"}
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return &ConfigurationError{Field: "tracing.sampling_rate", Reason: "must be between 0 and 1"}
	}
	switch c.Compaction.Strategy {
	case "simple", "aggressive", "budget":
	default:
		return &ConfigurationError{Field: "compaction.strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Compaction.Strategy)}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ConfigurationError{Field: "logging.level", Reason: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return &ConfigurationError{Field: "logging.format", Reason: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}
	return nil
}
