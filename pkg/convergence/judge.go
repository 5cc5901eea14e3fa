package convergence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/entrhq/potter/pkg/workspace"
)

const judgeSystemPrompt = `You verify whether a coding agent has completed a goal in a repository.
You are given the goal, the agent's own summary, the files it changed and a diff stat.
Be strict: the goal must be fully met, not partially.
Reply with a single JSON object and nothing else:
{"satisfied": true|false, "feedback": "what is missing, empty if satisfied"}`

// Judge asks an OpenAI-compatible model whether the goal is met.
type Judge struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// JudgeOption configures a Judge.
type JudgeOption func(*judgeOptions)

type judgeOptions struct {
	baseURL  string
	timeout  time.Duration
	requests []option.RequestOption
}

// WithBaseURL points the judge at an OpenAI-compatible endpoint.
func WithBaseURL(url string) JudgeOption {
	return func(o *judgeOptions) {
		o.baseURL = url
	}
}

// WithTimeout bounds a single judgement.
func WithTimeout(d time.Duration) JudgeOption {
	return func(o *judgeOptions) {
		o.timeout = d
	}
}

// WithRequestOptions passes extra options to the API client.
func WithRequestOptions(opts ...option.RequestOption) JudgeOption {
	return func(o *judgeOptions) {
		o.requests = append(o.requests, opts...)
	}
}

// NewJudge creates a judge. An API key is required.
func NewJudge(apiKey, model string, opts ...JudgeOption) (*Judge, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("judge requires an API key (set OPENAI_API_KEY or convergence.judge.api_key)")
	}
	if model == "" {
		return nil, fmt.Errorf("judge requires a model")
	}
	o := &judgeOptions{timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(o)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	reqOpts = append(reqOpts, o.requests...)

	return &Judge{
		client:  openai.NewClient(reqOpts...),
		model:   model,
		timeout: o.timeout,
	}, nil
}

// Name returns the name of the check
func (j *Judge) Name() string { return "llm judge" }

// Required returns true
func (j *Judge) Required() bool { return true }

type verdict struct {
	Satisfied bool   `json:"satisfied"`
	Feedback  string `json:"feedback"`
}

// Evaluate asks the model for a verdict.
func (j *Judge) Evaluate(ctx context.Context, in Input) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	resp, err := j.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(j.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(judgeSystemPrompt),
			openai.UserMessage(j.userPrompt(ctx, in)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return fmt.Errorf("judge request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("judge returned no choices")
	}

	v, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return err
	}
	if !v.Satisfied {
		if v.Feedback == "" {
			v.Feedback = "the goal is not yet met"
		}
		return fmt.Errorf("%s", v.Feedback)
	}
	return nil
}

func (j *Judge) userPrompt(ctx context.Context, in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Goal\n%s\n\n", strings.TrimSpace(in.Prompt))
	fmt.Fprintf(&sb, "## Agent summary (iteration %d)\n%s\n\n", in.Iteration, strings.TrimSpace(in.Summary))
	if len(in.ChangedFiles) > 0 {
		sb.WriteString("## Files changed in the last iteration\n")
		for _, f := range in.ChangedFiles {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}
	git := workspace.NewGitManager(in.WorkingDir, workspace.GitConfig{})
	if git.IsRepo(ctx) {
		if stat, err := git.GetDiffStat(ctx); err == nil && strings.TrimSpace(stat) != "" {
			fmt.Fprintf(&sb, "## Uncommitted diff stat\n```\n%s\n```\n", strings.TrimSpace(stat))
		}
	}
	return sb.String()
}

// parseVerdict extracts the JSON object from a model reply, tolerating
// code fences and surrounding prose.
func parseVerdict(content string) (*verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("judge reply is not JSON: %q", truncate(content, 200))
	}
	var v verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("judge reply is not valid JSON: %w", err)
	}
	v.Feedback = strings.TrimSpace(v.Feedback)
	return &v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
