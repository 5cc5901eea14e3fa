package convergence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/potter/pkg/config"
)

type stubCheck struct {
	name     string
	required bool
	err      error
	calls    int
}

func (s *stubCheck) Name() string   { return s.name }
func (s *stubCheck) Required() bool { return s.required }
func (s *stubCheck) Evaluate(context.Context, Input) error {
	s.calls++
	return s.err
}

func TestRunnerRequiredAndOptional(t *testing.T) {
	optional := &stubCheck{name: "lint", err: errors.New("style issues")}
	required := &stubCheck{name: "tests", required: true}
	r := NewRunner(optional, required)

	res := r.RunAll(context.Background(), Input{})
	assert.True(t, res.AllPassed, "optional failures do not block")
	assert.Len(t, res.Results, 2)
	assert.Empty(t, res.FormatFeedbackMessage())

	required.err = errors.New("2 tests failed")
	res = r.RunAll(context.Background(), Input{})
	assert.False(t, res.AllPassed)
	failed := res.GetFailedChecks()
	require.Len(t, failed, 1)
	assert.Equal(t, "tests", failed[0].Name)
	assert.Contains(t, res.FormatFeedbackMessage(), "2 tests failed")
	assert.Equal(t, "convergence checks failed: tests", res.FormatErrorMessage())
}

func TestRunnerNoChecksPasses(t *testing.T) {
	res := NewRunner().RunAll(context.Background(), Input{})
	assert.True(t, res.AllPassed)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	first := &stubCheck{name: "a", required: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewRunner(first).RunAll(ctx, Input{})
	assert.False(t, res.AllPassed)
	assert.Equal(t, 0, first.calls)
}

func TestCommandGate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX utilities")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LICENSE"), []byte("MIT"), 0o644))

	pass := NewCommandGate("license", "test -f LICENSE", true, 0)
	assert.NoError(t, pass.Evaluate(context.Background(), Input{WorkingDir: dir}))
	assert.Equal(t, "quality gate: license", pass.Name())

	fail := NewCommandGate("readme", "ls README.md", true, 0)
	err := fail.Evaluate(context.Background(), Input{WorkingDir: dir})
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, "readme", gateErr.GateName)
	assert.Contains(t, err.Error(), "README.md")

	slow := NewCommandGate("slow", "sleep 5", true, 100*time.Millisecond)
	err = slow.Evaluate(context.Background(), Input{WorkingDir: dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
		{"config", "commit.gpgsign", "false"},
		{"commit", "--allow-empty", "-m", "Initial commit"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return dir
}

func TestCleanTree(t *testing.T) {
	repo := initRepo(t)
	check := CleanTree{}

	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".potter", "tasks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".potter", "tasks", "x"), []byte("x"), 0o644))
	assert.NoError(t, check.Evaluate(context.Background(), Input{WorkingDir: repo}))

	require.NoError(t, os.WriteFile(filepath.Join(repo, "LICENSE"), []byte("MIT"), 0o644))
	err := check.Evaluate(context.Background(), Input{WorkingDir: repo})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LICENSE")

	// Outside a repository there is nothing to verify.
	assert.NoError(t, check.Evaluate(context.Background(), Input{WorkingDir: t.TempDir()}))
}

func judgeServer(t *testing.T, reply string, seen *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && seen != nil && len(body.Messages) > 1 {
			*seen = body.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   body.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJudgeSatisfied(t *testing.T) {
	var prompt string
	srv := judgeServer(t, "```json\n{\"satisfied\": true, \"feedback\": \"\"}\n```", &prompt)

	j, err := NewJudge("sk-test", "gpt-test", WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	err = j.Evaluate(context.Background(), Input{
		Prompt:       "Add a LICENSE file",
		Summary:      "Added MIT license",
		ChangedFiles: []string{"LICENSE"},
		WorkingDir:   t.TempDir(),
		Iteration:    1,
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Add a LICENSE file")
	assert.Contains(t, prompt, "- LICENSE")
}

func TestJudgeRejects(t *testing.T) {
	srv := judgeServer(t, `{"satisfied": false, "feedback": "LICENSE has no copyright holder"}`, nil)
	j, err := NewJudge("sk-test", "gpt-test", WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	err = j.Evaluate(context.Background(), Input{Prompt: "Add a LICENSE file", WorkingDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, "LICENSE has no copyright holder", err.Error())
}

func TestJudgeUnparseableReply(t *testing.T) {
	srv := judgeServer(t, "I think it's fine", nil)
	j, err := NewJudge("sk-test", "gpt-test", WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)
	assert.Error(t, j.Evaluate(context.Background(), Input{WorkingDir: t.TempDir()}))
}

func TestNewJudgeRequiresKey(t *testing.T) {
	_, err := NewJudge("", "gpt-test")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.ConvergenceConfig{
		RequireCleanTree: true,
		QualityGates: []config.QualityGateConfig{
			{Name: "test", Command: "go test ./...", Required: true},
			{Name: "vet", Command: "go vet ./..."},
		},
	}
	checks, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	require.Len(t, checks, 3)
	assert.Equal(t, "clean working tree", checks[0].Name())
	assert.True(t, checks[1].Required())
	assert.False(t, checks[2].Required())

	cfg.Judge = config.JudgeConfig{Enabled: true, Model: "gpt-test"}
	_, err = FromConfig(cfg, nil)
	assert.Error(t, err, "judge without API key")
}
