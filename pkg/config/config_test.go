package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolateHome points the user config at an empty temp home.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("CODEX_HOME", "")
	t.Setenv("POTTER_LOG_LEVEL", "")
	return home
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Loop.StallThreshold != 2 {
		t.Errorf("StallThreshold = %d, want 2", cfg.Loop.StallThreshold)
	}
	if cfg.Loop.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Loop.MaxRetries)
	}
}

func TestLoadWithoutFiles(t *testing.T) {
	isolateHome(t)
	cfg, err := Load(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := strings.Join(cfg.Agent.Command, " "); got != "codex exec" {
		t.Errorf("Agent.Command = %q", got)
	}
}

func TestLoadLayersProjectOverUser(t *testing.T) {
	home := isolateHome(t)
	work := t.TempDir()

	writeConfig(t, filepath.Join(home, ".potter", FileName), `
loop:
  max_iterations: 20
  max_retries: 5
agent:
  grace_period: 3s
`)
	writeConfig(t, ProjectPath(work), `
loop:
  max_iterations: 4
knowledge:
  include: ["build-*", "test-*"]
  stale_after: 72h
agent:
  command: ["claude", "-p"]
`)

	cfg, err := Load(work, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Loop.MaxIterations != 4 {
		t.Errorf("MaxIterations = %d, want project value 4", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want user value 5", cfg.Loop.MaxRetries)
	}
	if cfg.Agent.GracePeriod != 3*time.Second {
		t.Errorf("GracePeriod = %v", cfg.Agent.GracePeriod)
	}
	if cfg.Knowledge.StaleAfter != 72*time.Hour {
		t.Errorf("StaleAfter = %v", cfg.Knowledge.StaleAfter)
	}
	if got := strings.Join(cfg.Agent.Command, " "); got != "claude -p" {
		t.Errorf("Agent.Command = %q", got)
	}
	if len(cfg.Knowledge.Include) != 2 {
		t.Errorf("Include = %v", cfg.Knowledge.Include)
	}
	// Untouched defaults survive the merge.
	if cfg.Loop.StallThreshold != 2 {
		t.Errorf("StallThreshold = %d", cfg.Loop.StallThreshold)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	isolateHome(t)
	work := t.TempDir()
	writeConfig(t, ProjectPath(work), "loop:\n  max_iterations: 7\n")

	explicit := filepath.Join(t.TempDir(), "ci.yaml")
	writeConfig(t, explicit, "loop:\n  max_iterations: 3\n")

	cfg, err := Load(work, explicit)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Loop.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.Loop.MaxIterations)
	}

	if _, err := Load(work, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	isolateHome(t)
	work := t.TempDir()

	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "loop: [unterminated"},
		{"zero iterations", "loop:\n  max_iterations: 0\n"},
		{"negative retries", "loop:\n  max_retries: -1\n"},
		{"empty command", "agent:\n  command: []\n"},
		{"gate without command", "convergence:\n  quality_gates:\n    - name: test\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad knowledge pattern", "knowledge:\n  include: [\"[\"]\n"},
		{"bad ignore pattern", "workspace:\n  ignore: [\"[\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, ProjectPath(work), tt.yaml)
			if _, err := Load(work, ""); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	isolateHome(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:9999/v1")
	t.Setenv("CODEX_HOME", "/opt/codex")
	t.Setenv("POTTER_LOG_LEVEL", "DEBUG")

	cfg, err := Load(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Convergence.Judge.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.Convergence.Judge.APIKey)
	}
	if cfg.Convergence.Judge.BaseURL != "http://localhost:9999/v1" {
		t.Errorf("BaseURL = %q", cfg.Convergence.Judge.BaseURL)
	}
	if cfg.Skills.CodexHome != "/opt/codex" {
		t.Errorf("CodexHome = %q", cfg.Skills.CodexHome)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
}

func TestMarshalRedactsAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Convergence.Judge.APIKey = "sk-secret"

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-secret") {
		t.Error("marshalled config leaks the API key")
	}
	if cfg.Convergence.Judge.APIKey != "sk-secret" {
		t.Error("Marshal mutated the config")
	}
}
