package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"flowline/internal/domain"
	"flowline/internal/vcs"
)

type RetryOptions struct {
	TaskID  string
	Mode    domain.RetryMode
	ActorID string
	// Auto marks retries issued by the flow's retry policy rather than an operator.
	Auto bool
}

// RetryTask creates a new pending attempt for a failed or aborted task. The
// prior attempt's working tree is first snapshotted to an archive ref so its
// evidence survives whatever the new attempt does. The next tick dispatches
// the new attempt.
func (e Engine) RetryTask(ctx context.Context, opts RetryOptions) (domain.Attempt, error) {
	if opts.Mode != domain.ModeContinue && opts.Mode != domain.ModeClean {
		return domain.Attempt{}, domain.InvalidInput("retry mode must be continue or clean, got %q", opts.Mode)
	}
	st, err := e.State(ctx)
	if err != nil {
		return domain.Attempt{}, err
	}
	var archive, archived string
	if tk := st.Tasks[opts.TaskID]; tk != nil {
		prior := st.Attempts[tk.CurrentAttempt]
		if retryable(st.Flows[tk.FlowID], tk) == nil && prior != nil && prior.ArchiveRef == "" && !prior.Released && onDisk(prior.Worktree) {
			ref := vcs.ArchiveRef(prior.ID)
			commit, err := e.Git.Snapshot(ctx, prior.Worktree, ref, fmt.Sprintf("flowline: archive attempt %d of %s", prior.Number, tk.Title))
			if err != nil {
				e.logger().Error("archive attempt worktree", zap.String("attempt_id", prior.ID), zap.Error(err))
				return domain.Attempt{}, err
			}
			archive, archived = ref, commit
		}
	}

	var out domain.Attempt
	command := "task retry"
	if opts.Auto {
		command = "task retry (auto)"
	}
	err = e.run(ctx, opts.ActorID, command, taskKey(opts.TaskID), func(t *txn) error {
		tk, err := t.task(opts.TaskID)
		if err != nil {
			return err
		}
		f := t.state.Flows[tk.FlowID]
		if err := retryable(f, tk); err != nil {
			return err
		}
		prior := t.state.Attempts[tk.CurrentAttempt]
		if opts.Mode == domain.ModeContinue {
			if err := continuable(tk, prior); err != nil {
				return err
			}
		}
		if prior != nil && archive != "" && prior.ArchiveRef == "" {
			if _, err := t.taskEvent(tk, prior.ID, domain.KindWorktreeArchived, domain.WorktreeArchivedPayload{
				AttemptID: prior.ID, Ref: archive, Commit: archived,
			}); err != nil {
				return err
			}
		}
		id := t.e.newID()
		n := len(tk.Attempts) + 1
		created := domain.AttemptCreatedPayload{
			AttemptID: id,
			FlowID:    f.ID,
			Number:    n,
			Mode:      opts.Mode,
			Auto:      opts.Auto,
		}
		if prior != nil {
			created.PriorAttemptID = prior.ID
		}
		if opts.Mode == domain.ModeContinue {
			created.Worktree, created.Branch, created.Baseline = prior.Worktree, prior.Branch, prior.Baseline
		} else {
			created.Worktree = filepath.Join(f.WorktreeDir, f.ID, id)
			created.Branch = vcs.BranchName(f.ID, tk.ID, n)
			created.Baseline = tk.Baseline
		}
		if _, err := t.taskEventIn(tk, f.ID, id, domain.KindAttemptCreated, created); err != nil {
			return err
		}
		out = *t.state.Attempts[id]
		return nil
	})
	return out, err
}

// retryable checks that a task may receive another attempt in its flow.
func retryable(f *domain.Flow, tk *domain.Task) error {
	if tk.State != domain.TaskFailed && tk.State != domain.TaskAborted {
		return domain.InvalidTransition(domain.AggTask, tk.ID, tk.State, domain.TaskStarted)
	}
	if f == nil {
		return domain.ConflictErr(domain.CodePreconditionFailed, "task %s has no flow to retry in", tk.ID).On(domain.AggTask, tk.ID)
	}
	if f.State.Terminal() {
		return domain.ConflictErr(domain.CodePreconditionFailed, "flow %s has ended", f.ID).
			On(domain.AggTask, tk.ID).State("live flow", f.State).With("flow_id", f.ID)
	}
	if tk.RetryExhausted {
		return domain.ConflictErr(domain.CodePreconditionFailed, "task %s has used all %d attempts", tk.ID, f.MaxAttempts).
			On(domain.AggTask, tk.ID).With("max_attempts", f.MaxAttempts)
	}
	return nil
}

// continuable checks that the prior worktree can be handed to a new attempt.
func continuable(tk *domain.Task, prior *domain.Attempt) error {
	switch {
	case prior == nil || prior.Worktree == "":
		return domain.ConflictErr(domain.CodePreconditionFailed, "task %s has no prior worktree to continue", tk.ID).On(domain.AggTask, tk.ID)
	case prior.State == domain.AttemptAborted && prior.StartedAt != "" && prior.LateResult == nil:
		return domain.ConflictErr(domain.CodePreconditionFailed, "the adapter of attempt %s may still be writing its worktree", prior.ID).
			On(domain.AggTask, tk.ID).With("attempt_id", prior.ID)
	case prior.Released:
		return domain.ConflictErr(domain.CodePreconditionFailed, "worktree of attempt %s was released", prior.ID).
			On(domain.AggTask, tk.ID).With("attempt_id", prior.ID)
	case !onDisk(prior.Worktree):
		return domain.ConflictErr(domain.CodePreconditionFailed, "worktree %s no longer exists", prior.Worktree).
			On(domain.AggTask, tk.ID).With("attempt_id", prior.ID)
	}
	return nil
}

func onDisk(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
