// Package checks runs a checkpoint's required checks inside an attempt worktree.
package checks

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowline/internal/domain"
)

const maxOutput = 16 << 10

// Runner executes checks with `sh -c` in a directory.
type Runner struct {
	Shell          string
	DefaultTimeout time.Duration
	Parallelism    int
	Log            *zap.Logger
}

func (r Runner) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// Run executes every check and returns results in input order. A failing
// check does not stop the others.
func (r Runner) Run(ctx context.Context, dir string, list []domain.Check) ([]domain.CheckResult, error) {
	results := make([]domain.CheckResult, len(list))
	var g errgroup.Group
	limit := r.Parallelism
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, c := range list {
		g.Go(func() error {
			results[i] = r.runOne(ctx, dir, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// only the caller's cancellation invalidates the evidence
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (r Runner) runOne(ctx context.Context, dir string, c domain.Check) domain.CheckResult {
	timeout := r.DefaultTimeout
	if c.TimeoutSeconds > 0 {
		timeout = time.Duration(c.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", c.Command)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	start := time.Now()
	err := cmd.Run()
	res := domain.CheckResult{
		Name:       c.Name,
		Command:    c.Command,
		DurationMS: time.Since(start).Milliseconds(),
		Output:     truncate(out.String()),
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Output = truncate(res.Output + err.Error())
		}
	default:
		res.Passed = true
	}
	r.logger().Info("check finished",
		zap.String("check", c.Name),
		zap.Bool("passed", res.Passed),
		zap.Bool("timed_out", res.TimedOut),
		zap.Int64("duration_ms", res.DurationMS))
	return res
}

// Satisfied reports whether every required check passed.
func Satisfied(required []domain.Check, results []domain.CheckResult) bool {
	passed := make(map[string]bool, len(results))
	for _, r := range results {
		passed[r.Name] = r.Passed
	}
	for _, c := range required {
		if !passed[c.Name] {
			return false
		}
	}
	return true
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
