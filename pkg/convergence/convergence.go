// Package convergence confirms an agent's claim that a goal is satisfied.
// Each Check is an independent predicate over the working directory; a
// failed check produces feedback that is fed into the next iteration.
package convergence

import (
	"context"
	"fmt"
	"strings"
)

// Input is what a check may inspect.
type Input struct {
	TaskID       string
	Prompt       string
	WorkingDir   string
	Iteration    int
	Summary      string
	ChangedFiles []string
}

// Check confirms or rejects a goal claim.
type Check interface {
	// Name returns the name of the check
	Name() string

	// Required returns true if failure should block convergence
	Required() bool

	// Evaluate returns nil if the check passes. The error text becomes
	// feedback for the agent.
	Evaluate(ctx context.Context, in Input) error
}

// Runner evaluates a set of checks in order.
type Runner struct {
	checks []Check
}

// NewRunner creates a runner for checks.
func NewRunner(checks ...Check) *Runner {
	return &Runner{checks: checks}
}

// Len returns the number of configured checks.
func (r *Runner) Len() int {
	return len(r.checks)
}

// Result is the outcome of one check.
type Result struct {
	Name     string
	Required bool
	Passed   bool
	Error    string
}

// Results contains results from running all checks.
type Results struct {
	AllPassed bool
	Results   []Result
}

// RunAll evaluates every check. AllPassed is false if any required check
// failed. A cancelled context stops evaluation early and reports failure.
func (r *Runner) RunAll(ctx context.Context, in Input) *Results {
	results := &Results{
		AllPassed: true,
		Results:   make([]Result, 0, len(r.checks)),
	}
	for _, check := range r.checks {
		if ctx.Err() != nil {
			results.AllPassed = false
			results.Results = append(results.Results, Result{
				Name:     check.Name(),
				Required: check.Required(),
				Error:    ctx.Err().Error(),
			})
			break
		}
		result := Result{Name: check.Name(), Required: check.Required(), Passed: true}
		if err := check.Evaluate(ctx, in); err != nil {
			result.Passed = false
			result.Error = err.Error()
			if check.Required() {
				results.AllPassed = false
			}
		}
		results.Results = append(results.Results, result)
	}
	return results
}

// GetFailedChecks returns a list of failed required checks
func (r *Results) GetFailedChecks() []Result {
	failed := make([]Result, 0)
	for _, result := range r.Results {
		if result.Required && !result.Passed {
			failed = append(failed, result)
		}
	}
	return failed
}

// FormatErrorMessage creates a formatted error message for failed checks
func (r *Results) FormatErrorMessage() string {
	failed := r.GetFailedChecks()
	if len(failed) == 0 {
		return ""
	}
	names := make([]string, 0, len(failed))
	for _, result := range failed {
		names = append(names, result.Name)
	}
	return fmt.Sprintf("convergence checks failed: %s", strings.Join(names, ", "))
}

// FormatFeedbackMessage creates the feedback section for the next iteration
func (r *Results) FormatFeedbackMessage() string {
	failed := r.GetFailedChecks()
	if len(failed) == 0 {
		return ""
	}

	var msg strings.Builder
	msg.WriteString("Your previous run reported the goal as satisfied, but verification failed.\n")
	msg.WriteString("Fix the following before reporting goal_satisfied again:\n\n")
	for _, result := range failed {
		msg.WriteString(fmt.Sprintf("- %s\n", result.Name))
		if result.Error != "" {
			for _, line := range strings.Split(strings.TrimSpace(result.Error), "\n") {
				msg.WriteString("    " + line + "\n")
			}
		}
	}
	return msg.String()
}
