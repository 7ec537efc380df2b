package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
models:
  local:
    provider: ollama
    model: llama3
    max_context_size: 200000
loop_control:
  turn_timeout: 90s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultModel != "local" {
		t.Errorf("expected the only model to become the default, got %q", cfg.DefaultModel)
	}
	if cfg.LoopControl.MaxStepsPerTurn != DefaultMaxStepsPerTurn || cfg.LoopControl.MaxRetriesPerStep != DefaultMaxRetriesPerStep {
		t.Errorf("unexpected loop control %+v", cfg.LoopControl)
	}
	if cfg.LoopControl.TurnTimeout != 90*time.Second {
		t.Errorf("turn_timeout = %s", cfg.LoopControl.TurnTimeout)
	}
	if cfg.LoopControl.DetectionWindow() != 10 {
		t.Errorf("detection window = %d", cfg.LoopControl.DetectionWindow())
	}
	if cfg.Compaction.ReservedContextSize != DefaultReservedContextSize || cfg.Compaction.KeepRecent != DefaultKeepRecent {
		t.Errorf("unexpected compaction %+v", cfg.Compaction)
	}
	if !cfg.Compaction.SummarizeEnabled() {
		t.Error("summarize should default to true")
	}
	if cfg.Compaction.Strategy != "simple" || cfg.Compaction.TargetRatio != DefaultTargetRatio {
		t.Errorf("unexpected compaction strategy %+v", cfg.Compaction)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
	m, err := cfg.Model("")
	if err != nil || m.Model != "llama3" || m.MaxContextSize != 200000 {
		t.Errorf("Model() = %+v, %v", m, err)
	}
}

func TestLoadJSON5WithEnvAndInclude(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KIMI_TEST_KEY", "sk-test")
	writeFile(t, dir, "base.yaml", `
logging:
  level: debug
  format: json
models:
  fast:
    provider: openai
    model: unknown-model
`)
	path := writeFile(t, dir, "config.json5", `{
  // comments are allowed
  "$include": "base.yaml",
  default_model: "fast",
  models: {
    fast: { api_key: "${KIMI_TEST_KEY}" },
  },
  logging: { level: "warn" },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	fast := cfg.Models["fast"]
	if fast.APIKey != "sk-test" || fast.Provider != "openai" {
		t.Errorf("nested maps were not merged: %+v", fast)
	}
	if fast.MaxContextSize != DefaultMaxContextSize {
		t.Errorf("unknown model should fall back to %d, got %d", DefaultMaxContextSize, fast.MaxContextSize)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Errorf("including file should win: %+v", cfg.Logging)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "loop_control:\n  max_steps: 5\n")
	_, err := Load(path)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestLoadMissingDefaultPath(t *testing.T) {
	t.Setenv("KIMI_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LoopControl.MaxStepsPerTurn != DefaultMaxStepsPerTurn {
		t.Error("expected defaults")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "explicit.yaml")); err == nil {
		t.Error("an explicit missing path must fail")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tools.CommandTimeoutMs != DefaultCommandTimeoutMs {
		t.Errorf("command timeout = %d", cfg.Tools.CommandTimeoutMs)
	}
	if cfg.Tools.MaxSubagentDepth != 1 {
		t.Errorf("subagent depth = %d", cfg.Tools.MaxSubagentDepth)
	}
}

func TestValidate(t *testing.T) {
	neg := -1
	hot := 3.0
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown default model", func(c *Config) { c.DefaultModel = "nope" }, "default_model"},
		{"missing provider", func(c *Config) { c.Models["m"] = ModelConfig{Model: "x", MaxContextSize: 100000} }, "models.m.provider"},
		{"context smaller than reserve", func(c *Config) {
			c.Models["m"] = ModelConfig{Provider: "openai", Model: "x", MaxContextSize: 1000}
		}, "models.m.max_context_size"},
		{"temperature", func(c *Config) {
			c.Models["m"] = ModelConfig{Provider: "openai", Model: "x", MaxContextSize: 100000, Temperature: &hot}
		}, "models.m.temperature"},
		{"steps", func(c *Config) { c.LoopControl.MaxStepsPerTurn = 0 }, "loop_control.max_steps_per_turn"},
		{"retries", func(c *Config) { c.LoopControl.MaxRetriesPerStep = -1 }, "loop_control.max_retries_per_step"},
		{"timeout", func(c *Config) { c.LoopControl.TurnTimeout = -time.Second }, "loop_control.turn_timeout"},
		{"window", func(c *Config) { c.LoopControl.LoopDetectionWindow = &neg }, "loop_control.loop_detection_window"},
		{"strategy", func(c *Config) { c.Compaction.Strategy = "smart" }, "compaction.strategy"},
		{"target ratio", func(c *Config) { c.Compaction.TargetRatio = 0.95 }, "compaction.target_ratio"},
		{"subagent depth", func(c *Config) { c.Tools.MaxSubagentDepth = -1 }, "tools.max_subagent_depth"},
		{"sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "tracing.sampling_rate"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Models = map[string]ModelConfig{}
			tt.mutate(cfg)
			err := cfg.Validate()
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestModelLookup(t *testing.T) {
	cfg := Default()
	if _, err := cfg.Model(""); err == nil {
		t.Error("expected an error without any model")
	}
	cfg.Models = map[string]ModelConfig{"a": {Provider: "openai", Model: "gpt"}}
	if _, err := cfg.Model("b"); err == nil {
		t.Error("expected unknown model error")
	}
	if m, err := cfg.Model("a"); err != nil || m.Model != "gpt" {
		t.Errorf("Model(a) = %+v, %v", m, err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatal(err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"loop_control", "compaction", "models", "default_model"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("schema is missing %s", key)
		}
	}
}
