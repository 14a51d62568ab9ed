// Package runtime is the boundary to the agent processes that perform an
// attempt's work.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flowline/internal/domain"
)

// Invocation is the task context handed to an adapter.
type Invocation struct {
	ProjectID   string        `json:"project_id"`
	FlowID      string        `json:"flow_id"`
	TaskID      string        `json:"task_id"`
	AttemptID   string        `json:"attempt_id"`
	Attempt     int           `json:"attempt"`
	Mode        string        `json:"mode"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Acceptance  []string      `json:"acceptance,omitempty"`
	Scope       []string      `json:"scope,omitempty"`
	Manifest    []ManifestDoc `json:"manifest,omitempty"`
	Worktree    string        `json:"worktree"`
	Timeout     time.Duration `json:"-"`
	TimeoutSecs int           `json:"timeout_seconds"`
}

// ManifestDoc is a context document resolved inside the worktree.
type ManifestDoc struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// Result is what an adapter reports on stdout.
type Result struct {
	Success bool                  `json:"success"`
	Output  string                `json:"output"`
	Events  []domain.AdapterEvent `json:"events,omitempty"`
	Exit    string                `json:"exit,omitempty"`
}

// Adapter executes one attempt. Implementations must honour ctx cancellation
// cooperatively; the engine tolerates adapters that return after cancellation.
type Adapter interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// AdapterFunc lets a function serve as an Adapter.
type AdapterFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f AdapterFunc) Invoke(ctx context.Context, inv Invocation) (Result, error) { return f(ctx, inv) }

const maxOutput = 64 << 10

// Process runs an external adapter binary. The invocation is written to stdin
// as JSON and a Result is read back from stdout.
type Process struct {
	Binary string
	Args   []string
	Env    map[string]string
	// Grace is how long the process gets to exit after an interrupt.
	Grace time.Duration
	Log   *zap.Logger
}

// NewProcess builds a Process adapter from a project runtime configuration.
func NewProcess(rt domain.Runtime, log *zap.Logger) *Process {
	return &Process{Binary: rt.Binary, Args: rt.Args, Env: rt.Env, Grace: 10 * time.Second, Log: log}
}

func (p *Process) logger() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return zap.NewNop()
}

func (p *Process) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if strings.TrimSpace(p.Binary) == "" {
		return Result{}, domain.SystemErr(domain.CodeAdapterMissing, "no runtime adapter configured").With("task_id", inv.TaskID)
	}
	bin, err := exec.LookPath(p.Binary)
	if err != nil {
		return Result{}, domain.SystemErr(domain.CodeAdapterMissing, "adapter %s not found", p.Binary).Wrap(err)
	}
	if inv.Timeout > 0 {
		inv.TimeoutSecs = int(inv.Timeout / time.Second)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}
	input, err := json.Marshal(inv)
	if err != nil {
		return Result{}, fmt.Errorf("marshal invocation: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, p.Args...)
	cmd.Dir = inv.Worktree
	cmd.Env = append(os.Environ(), envList(p.Env)...)
	cmd.Env = append(cmd.Env,
		"FLOWLINE_TASK_ID="+inv.TaskID,
		"FLOWLINE_ATTEMPT_ID="+inv.AttemptID,
		"FLOWLINE_WORKTREE="+inv.Worktree)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	grace := p.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	cmd.WaitDelay = grace

	p.logger().Info("adapter invoked", zap.String("binary", bin), zap.String("task_id", inv.TaskID), zap.String("attempt_id", inv.AttemptID))
	runErr := cmd.Run()
	narrative := truncate(stderr.String())

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Output: narrative}, domain.TimeoutErr(domain.CodeAdapterTimeout, "adapter exceeded %s", inv.Timeout).
			With("task_id", inv.TaskID).Wrap(ctx.Err())
	case errors.Is(ctx.Err(), context.Canceled):
		return Result{Output: narrative}, domain.ConflictErr(domain.CodeAdapterCanceled, "adapter canceled").Wrap(ctx.Err())
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Result{Output: narrative, Exit: fmt.Sprintf("exit %d", exitErr.ExitCode())},
				domain.SystemErr(domain.CodeAdapterNonZeroExit, "adapter exited with status %d", exitErr.ExitCode()).
					With("exit_code", exitErr.ExitCode()).With("stderr", narrative)
		}
		return Result{Output: narrative}, domain.SystemErr(domain.CodeAdapterMissing, "start adapter").Wrap(runErr)
	}

	var res Result
	dec := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	if err := dec.Decode(&res); err != nil {
		return Result{Output: narrative}, domain.SystemErr(domain.CodeAdapterMalformedOutput, "adapter output is not a result object").
			With("stdout", truncate(stdout.String())).Wrap(err)
	}
	if res.Exit == "" {
		res.Exit = "exit 0"
	}
	if res.Output == "" {
		res.Output = narrative
	}
	res.Output = truncate(res.Output)
	return res, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n[truncated]"
}
