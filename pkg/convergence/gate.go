package convergence

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxGateOutput bounds the gate output quoted back to the agent.
const maxGateOutput = 4000

// CommandGate executes a command as a quality gate
type CommandGate struct {
	name     string
	command  string
	required bool
	timeout  time.Duration
}

// NewCommandGate creates a new command-based quality gate
func NewCommandGate(name, command string, required bool, timeout time.Duration) *CommandGate {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CommandGate{
		name:     name,
		command:  command,
		required: required,
		timeout:  timeout,
	}
}

// Name returns the name of the quality gate
func (g *CommandGate) Name() string {
	return "quality gate: " + g.name
}

// Required returns true if failure should block convergence
func (g *CommandGate) Required() bool {
	return g.required
}

// Evaluate runs the gate command in the working directory
func (g *CommandGate) Evaluate(ctx context.Context, in Input) error {
	execCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := strings.Fields(g.command)
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(execCtx, parts[0], parts[1:]...)
	cmd.Dir = in.WorkingDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", g.timeout)
		}
		return &GateError{
			GateName: g.name,
			Command:  g.command,
			Output:   tail(string(output), maxGateOutput),
			Err:      err,
		}
	}
	return nil
}

// GateError represents a quality gate execution failure
type GateError struct {
	GateName string
	Command  string
	Output   string
	Err      error
}

func (e *GateError) Error() string {
	msg := fmt.Sprintf("quality gate '%s' (%s) failed: %v", e.GateName, e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Unwrap returns the underlying error
func (e *GateError) Unwrap() error {
	return e.Err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
