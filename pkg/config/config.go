// Package config loads potter's settings. A project file at
// <workdir>/.potter/config.yaml is layered over the user file at
// ~/.potter/config.yaml, which is layered over DefaultConfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/potter/pkg/workspace"
)

// FileName is the config file name inside a .potter directory.
const FileName = "config.yaml"

// Config is the complete potter configuration.
type Config struct {
	Agent       AgentConfig         `yaml:"agent" json:"agent"`
	Loop        LoopConfig          `yaml:"loop" json:"loop"`
	Knowledge   KnowledgeConfig     `yaml:"knowledge" json:"knowledge"`
	Convergence ConvergenceConfig   `yaml:"convergence" json:"convergence"`
	Workspace   WorkspaceConfig     `yaml:"workspace" json:"workspace"`
	Git         workspace.GitConfig `yaml:"git" json:"git"`
	Skills      SkillsConfig        `yaml:"skills" json:"skills"`
	Logging     LoggingConfig       `yaml:"logging" json:"logging"`
}

// AgentConfig describes how the external coding agent is launched.
type AgentConfig struct {
	// Command is the executable and its leading arguments.
	Command []string `yaml:"command" json:"command"`
	// YoloArgs are appended when the task runs without approvals or sandbox.
	YoloArgs []string `yaml:"yolo_args" json:"yolo_args"`
	// SafeArgs are appended otherwise.
	SafeArgs []string `yaml:"safe_args" json:"safe_args"`
	// TrailingArgs come last, e.g. "-" to read the prompt from stdin.
	TrailingArgs []string `yaml:"trailing_args" json:"trailing_args"`
	Env          []string `yaml:"env,omitempty" json:"env,omitempty"`
	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// GracePeriod is how long an interrupted agent gets before it is killed.
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
	// RetryableMarkers extend the built-in transient error markers.
	RetryableMarkers []string `yaml:"retryable_markers,omitempty" json:"retryable_markers,omitempty"`
}

// LoopConfig bounds the reconciliation loop.
type LoopConfig struct {
	MaxIterations  int           `yaml:"max_iterations" json:"max_iterations"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	StallThreshold int           `yaml:"stall_threshold" json:"stall_threshold"`
	BackoffBase    time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max" json:"backoff_max"`
	HistoryWindow  int           `yaml:"history_window" json:"history_window"`
	// ContextTokenBudget caps the history section of an iteration context.
	ContextTokenBudget int    `yaml:"context_token_budget" json:"context_token_budget"`
	Encoding           string `yaml:"encoding" json:"encoding"`
}

// KnowledgeConfig selects which knowledge entries reach the agent.
type KnowledgeConfig struct {
	Include    []string      `yaml:"include" json:"include"`
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
}

// QualityGateConfig defines a command that must pass before a task converges.
type QualityGateConfig struct {
	Name     string        `yaml:"name" json:"name"`
	Command  string        `yaml:"command" json:"command"`
	Required bool          `yaml:"required" json:"required"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// JudgeConfig configures the optional LLM convergence judge.
type JudgeConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Model   string        `yaml:"model" json:"model"`
	BaseURL string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey  string        `yaml:"api_key,omitempty" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ConvergenceConfig lists the checks that confirm an agent's goal claim.
type ConvergenceConfig struct {
	RequireCleanTree bool                `yaml:"require_clean_tree" json:"require_clean_tree"`
	QualityGates     []QualityGateConfig `yaml:"quality_gates" json:"quality_gates"`
	Judge            JudgeConfig         `yaml:"judge" json:"judge"`
}

// WorkspaceConfig tunes change detection.
type WorkspaceConfig struct {
	// Ignore lists glob patterns, relative to the working directory, whose
	// changes do not count as agent progress.
	Ignore []string `yaml:"ignore" json:"ignore"`
}

// SkillsConfig controls skill discovery.
type SkillsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	CodexHome string `yaml:"codex_home,omitempty" json:"codex_home,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	Dir   string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// DefaultConfig returns a default configuration suitable for most use cases
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Command:      []string{"codex", "exec"},
			YoloArgs:     []string{"--dangerously-bypass-approvals-and-sandbox"},
			SafeArgs:     []string{"--full-auto"},
			TrailingArgs: []string{"-"},
			Timeout:      30 * time.Minute,
			GracePeriod:  10 * time.Second,
		},
		Loop: LoopConfig{
			MaxIterations:      10,
			MaxRetries:         2,
			StallThreshold:     2,
			BackoffBase:        2 * time.Second,
			BackoffMax:         time.Minute,
			HistoryWindow:      5,
			ContextTokenBudget: 4000,
			Encoding:           "cl100k_base",
		},
		Knowledge: KnowledgeConfig{
			StaleAfter: 30 * 24 * time.Hour,
			MaxEntries: 100,
		},
		Convergence: ConvergenceConfig{
			Judge: JudgeConfig{
				Model:   "gpt-4o-mini",
				Timeout: 2 * time.Minute,
			},
		},
		Skills: SkillsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Agent.Command) == 0 || strings.TrimSpace(c.Agent.Command[0]) == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout cannot be negative")
	}
	if c.Agent.GracePeriod < 0 {
		return fmt.Errorf("agent.grace_period cannot be negative")
	}

	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1")
	}
	if c.Loop.MaxRetries < 0 {
		return fmt.Errorf("loop.max_retries cannot be negative")
	}
	if c.Loop.StallThreshold < 1 {
		return fmt.Errorf("loop.stall_threshold must be at least 1")
	}
	if c.Loop.BackoffBase < 0 || c.Loop.BackoffMax < 0 {
		return fmt.Errorf("loop backoff durations cannot be negative")
	}
	if c.Loop.HistoryWindow < 1 {
		return fmt.Errorf("loop.history_window must be at least 1")
	}
	if c.Loop.ContextTokenBudget < 0 {
		return fmt.Errorf("loop.context_token_budget cannot be negative")
	}

	if c.Knowledge.StaleAfter < 0 {
		return fmt.Errorf("knowledge.stale_after cannot be negative")
	}
	if c.Knowledge.MaxEntries < 0 {
		return fmt.Errorf("knowledge.max_entries cannot be negative")
	}
	for _, p := range c.Knowledge.Include {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("knowledge.include: invalid pattern %q: %w", p, err)
		}
	}
	if _, err := workspace.NewIgnoreMatcher(c.Workspace.Ignore); err != nil {
		return fmt.Errorf("workspace.ignore: %w", err)
	}

	for i, gate := range c.Convergence.QualityGates {
		if strings.TrimSpace(gate.Name) == "" {
			return fmt.Errorf("convergence.quality_gates[%d]: name is required", i)
		}
		if strings.TrimSpace(gate.Command) == "" {
			return fmt.Errorf("quality gate '%s': command is required", gate.Name)
		}
		if gate.Timeout < 0 {
			return fmt.Errorf("quality gate '%s': timeout cannot be negative", gate.Name)
		}
	}
	if c.Convergence.Judge.Enabled && c.Convergence.Judge.Model == "" {
		return fmt.Errorf("convergence.judge.model is required when the judge is enabled")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}
	return nil
}

// ProjectPath returns the project config file path for a working directory.
func ProjectPath(workDir string) string {
	return filepath.Join(workDir, workspace.StateDir, FileName)
}

// UserPath returns the user config file path, or "" if there is no home directory.
func UserPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, workspace.StateDir, FileName)
}

// Load builds the effective configuration for workDir. When explicit is
// set it replaces the project file and must exist. Environment variables
// are applied last.
func Load(workDir, explicit string) (*Config, error) {
	cfg := DefaultConfig()

	paths := []string{UserPath(), ProjectPath(workDir)}
	if explicit != "" {
		paths = []string{UserPath(), explicit}
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		err := mergeFile(cfg, path)
		if errors.Is(err, os.ErrNotExist) && path != explicit {
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mergeFile decodes a YAML file onto cfg. Keys absent from the file keep
// their current values.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Convergence.Judge.APIKey == "" {
		cfg.Convergence.Judge.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" && cfg.Convergence.Judge.BaseURL == "" {
		cfg.Convergence.Judge.BaseURL = v
	}
	if v := os.Getenv("CODEX_HOME"); v != "" && cfg.Skills.CodexHome == "" {
		cfg.Skills.CodexHome = v
	}
	if v := os.Getenv("POTTER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

// Marshal renders the configuration as YAML with secrets removed.
func (c *Config) Marshal() ([]byte, error) {
	redacted := *c
	if redacted.Convergence.Judge.APIKey != "" {
		redacted.Convergence.Judge.APIKey = "<redacted>"
	}
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}
