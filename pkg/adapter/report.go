package adapter

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReportFence is the info string of the fenced block the agent ends with.
const ReportFence = "potter-report"

// Report is the agent's structured self-assessment.
type Report struct {
	Status    string `yaml:"status"`
	Summary   string `yaml:"summary"`
	Knowledge []Fact `yaml:"knowledge"`
}

// Class maps the reported status to a Class.
func (r *Report) Class() (Class, error) {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "progress":
		return Progress, nil
	case "no_change", "no-change", "nochange":
		return NoChange, nil
	case "goal_satisfied", "goal-satisfied", "done", "complete":
		return GoalSatisfied, nil
	}
	return "", fmt.Errorf("unknown report status %q", r.Status)
}

// ParseReport extracts the last well-formed report block from agent output.
// It returns false if there is none.
func ParseReport(output string) (*Report, bool) {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")

	var blocks []string
	for i := 0; i < len(lines); i++ {
		if !isReportOpen(lines[i]) {
			continue
		}
		var body []string
		closed := false
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "```" {
				closed = true
				break
			}
			body = append(body, lines[j])
		}
		if closed {
			blocks = append(blocks, strings.Join(body, "\n"))
			i = j
		}
	}

	for k := len(blocks) - 1; k >= 0; k-- {
		var r Report
		if err := yaml.Unmarshal([]byte(blocks[k]), &r); err != nil {
			continue
		}
		if _, err := r.Class(); err != nil {
			continue
		}
		r.Summary = strings.TrimSpace(r.Summary)
		r.Knowledge = cleanFacts(r.Knowledge)
		return &r, true
	}
	return nil, false
}

func isReportOpen(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "```") {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, "```")) == ReportFence
}

func cleanFacts(in []Fact) []Fact {
	out := make([]Fact, 0, len(in))
	for _, f := range in {
		f.Key = strings.ToLower(strings.TrimSpace(f.Key))
		f.Content = strings.TrimSpace(f.Content)
		if f.Key == "" || f.Content == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ReportInstructions tells the agent how to end its run.
func ReportInstructions() string {
	return "When you finish this run, end your final message with exactly one fenced block:\n\n" +
		"```" + ReportFence + "\n" +
		"status: progress        # progress | no_change | goal_satisfied\n" +
		"summary: one or two sentences on what you did this run\n" +
		"knowledge:              # durable facts about this codebase worth remembering\n" +
		"  - key: test-command   # lowercase, [a-z0-9._-]\n" +
		"    content: go test ./...\n" +
		"```\n\n" +
		"Use goal_satisfied only when the whole goal is complete. Use no_change if you found nothing left to do but the goal is not met."
}
