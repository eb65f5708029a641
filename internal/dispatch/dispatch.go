// Package dispatch defines the boundary between the orchestrator and the
// processes that actually execute tasks. The daemon hands a dispatcher an
// envelope and records whatever result comes back; everything about how
// the work gets done lives behind the Dispatcher interface.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/ShayCichocki/drover/pkg/models"
)

// ErrNoCommand indicates no command is configured for a task type.
var ErrNoCommand = errors.New("no command configured for task type")

// Envelope is the work order handed to a dispatcher.
type Envelope struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"type"`
	Title   string          `json:"title"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is what a dispatcher reports back after executing an envelope.
type Result struct {
	// Status is "completed" or "failed".
	Status string `json:"status"`
	// Result carries the task's output on success.
	Result json.RawMessage `json:"result,omitempty"`
	// Error describes the failure when status is "failed".
	Error string `json:"error,omitempty"`
}

// OK reports whether the result indicates success.
func (r *Result) OK() bool {
	return r.Status == string(models.TaskStatusCompleted)
}

// Dispatcher executes a task envelope. Implementations must honor context
// cancellation and return an error only for dispatch-level failures; a task
// that ran and failed is a successful dispatch with a failed Result.
type Dispatcher interface {
	Dispatch(ctx context.Context, env Envelope) (*Result, error)
}

// Func adapts a function to the Dispatcher interface.
type Func func(ctx context.Context, env Envelope) (*Result, error)

// Dispatch calls f.
func (f Func) Dispatch(ctx context.Context, env Envelope) (*Result, error) {
	return f(ctx, env)
}

// ExecDispatcher runs a configured shell command per task type. The
// envelope is written to the command's stdin as JSON and the result is
// read from its stdout as JSON. A non-zero exit without parseable output
// becomes a failed Result rather than a dispatch error.
type ExecDispatcher struct {
	// commands maps task type to the shell command that executes it.
	commands map[string]string
	workDir  string
}

// NewExecDispatcher creates an ExecDispatcher. workDir is the working
// directory for spawned commands; empty means inherit.
func NewExecDispatcher(commands map[string]string, workDir string) *ExecDispatcher {
	return &ExecDispatcher{commands: commands, workDir: workDir}
}

// Dispatch runs the command configured for the envelope's task type.
func (d *ExecDispatcher) Dispatch(ctx context.Context, env Envelope) (*Result, error) {
	command, ok := d.commands[env.Type]
	if !ok {
		return nil, fmt.Errorf("dispatch task %s (%s): %w", env.TaskID, env.Type, ErrNoCommand)
	}

	input, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope for task %s: %w", env.TaskID, err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if d.workDir != "" {
		cmd.Dir = d.workDir
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("dispatch task %s: %w", env.TaskID, ctx.Err())
	}

	// Prefer the worker's own report, exit code notwithstanding.
	if res := parseResult(stdout.Bytes()); res != nil {
		return res, nil
	}

	if runErr != nil {
		msg := runErr.Error()
		if s := bytes.TrimSpace(stderr.Bytes()); len(s) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, s)
		}
		return &Result{Status: string(models.TaskStatusFailed), Error: msg}, nil
	}

	return nil, fmt.Errorf("dispatch task %s: command produced no result", env.TaskID)
}

// parseResult decodes the last JSON object on stdout, tolerating worker
// chatter before it. Returns nil when no valid result is present.
func parseResult(out []byte) *Result {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil
	}

	// Workers may log lines before the result; scan for the last line
	// that decodes as a Result.
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var res Result
		if err := json.Unmarshal(line, &res); err == nil && res.Status != "" {
			return &res
		}
	}
	return nil
}

// Verify implementations satisfy Dispatcher at compile time.
var (
	_ Dispatcher = (*ExecDispatcher)(nil)
	_ Dispatcher = (Func)(nil)
)
