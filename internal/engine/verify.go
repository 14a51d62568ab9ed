package engine

import (
	"context"
	"strings"

	"flowline/internal/checks"
	"flowline/internal/domain"
	"flowline/internal/events"
)

type VerifyOptions struct {
	TaskID  string
	ActorID string
	// AutoComplete completes the task when every required check passes.
	AutoComplete bool
}

type VerifyResult struct {
	TaskID    string               `json:"task_id"`
	AttemptID string               `json:"attempt_id"`
	Results   []domain.CheckResult `json:"results"`
	Satisfied bool                 `json:"satisfied"`
	Completed bool                 `json:"completed"`
	TaskState domain.TaskState     `json:"task_state"`
}

// RunVerification runs the checkpoint's required checks in the attempt
// worktree and records per-check evidence. The checks run between two
// transactions; an unsatisfied run leaves the task Verifying.
func (e Engine) RunVerification(ctx context.Context, opts VerifyOptions) (VerifyResult, error) {
	res := VerifyResult{TaskID: opts.TaskID}
	var (
		worktree string
		required []domain.Check
	)
	err := e.run(ctx, opts.ActorID, "verify run", taskKey(opts.TaskID), func(t *txn) error {
		tk, err := t.task(opts.TaskID)
		if err != nil {
			return err
		}
		switch tk.State {
		case domain.TaskCheckpointed, domain.TaskVerifying:
		case domain.TaskStarted:
			return domain.ConflictErr(domain.CodePreconditionFailed, "task %s has no checkpoint yet", tk.ID).
				On(domain.AggTask, tk.ID).State(domain.TaskCheckpointed, tk.State)
		default:
			return domain.InvalidTransition(domain.AggTask, tk.ID, tk.State, domain.TaskVerifying)
		}
		a := t.state.Attempts[tk.CurrentAttempt]
		if a == nil || a.Checkpoint == nil {
			return domain.ConflictErr(domain.CodePreconditionFailed, "current attempt of task %s has no checkpoint", tk.ID).On(domain.AggTask, tk.ID)
		}
		if _, err := t.taskEvent(tk, a.ID, domain.KindVerificationStarted, domain.VerificationStartedPayload{
			AttemptID: a.ID, Checks: a.Checkpoint.RequiredChecks,
		}); err != nil {
			return err
		}
		res.AttemptID, worktree, required = a.ID, a.Worktree, a.Checkpoint.RequiredChecks
		return nil
	})
	if err != nil {
		return res, err
	}

	results, err := e.Checks.Run(ctx, worktree, required)
	if err != nil {
		// the task stays Verifying; a later run picks it up again
		if ctx.Err() != nil {
			return res, err
		}
		return res, domain.System(err)
	}
	res.Results = results
	res.Satisfied = checks.Satisfied(required, results)

	err = e.run(ctx, opts.ActorID, "verify record", taskKey(opts.TaskID), func(t *txn) error {
		tk, err := t.task(opts.TaskID)
		if err != nil {
			return err
		}
		if _, err := t.taskEvent(tk, res.AttemptID, domain.KindVerificationRecorded, domain.VerificationRecordedPayload{
			AttemptID: res.AttemptID, Results: results, Satisfied: res.Satisfied,
		}); err != nil {
			return err
		}
		if res.Satisfied && opts.AutoComplete && tk.CurrentAttempt == res.AttemptID && tk.State == domain.TaskVerifying {
			if err := t.completeTask(tk, res.AttemptID, "verification"); err != nil {
				return err
			}
			res.Completed = true
		}
		res.TaskState = tk.State
		return nil
	})
	return res, err
}

type OverrideOptions struct {
	TaskID string
	// AttemptID defaults to the task's current attempt. An override naming
	// any other attempt is stale.
	AttemptID     string
	Decision      domain.Decision
	Justification string
	ActorID       string
}

// OverrideCheckpoint records an operator decision on a Verifying task. The
// override is linked to the verification run it supersedes.
func (e Engine) OverrideCheckpoint(ctx context.Context, opts OverrideOptions) (domain.Task, error) {
	if err := requireActor(opts.ActorID); err != nil {
		return domain.Task{}, err
	}
	if strings.TrimSpace(opts.Justification) == "" {
		return domain.Task{}, domain.InvalidInput("an override needs a justification")
	}
	if opts.Decision != domain.DecisionPass && opts.Decision != domain.DecisionFail {
		return domain.Task{}, domain.InvalidInput("override decision must be pass or fail, got %q", opts.Decision)
	}
	var out domain.Task
	err := e.run(ctx, opts.ActorID, "checkpoint override", taskKey(opts.TaskID), func(t *txn) error {
		tk, err := t.task(opts.TaskID)
		if err != nil {
			return err
		}
		attemptID := opts.AttemptID
		if attemptID == "" {
			attemptID = tk.CurrentAttempt
		}
		if attemptID != tk.CurrentAttempt {
			return domain.ConflictErr(domain.CodeStaleOverride, "attempt %s is no longer the current attempt of task %s", attemptID, tk.ID).
				On(domain.AggTask, tk.ID).State(tk.CurrentAttempt, attemptID)
		}
		if tk.State != domain.TaskVerifying {
			return domain.ConflictErr(domain.CodePreconditionFailed, "task %s is not being verified", tk.ID).
				On(domain.AggTask, tk.ID).State(domain.TaskVerifying, tk.State)
		}
		a := t.state.Attempts[attemptID]
		if a == nil || a.Checkpoint == nil || a.Checkpoint.VerificationSeq == 0 {
			return domain.ConflictErr(domain.CodePreconditionFailed, "task %s has no recorded verification run to override", tk.ID).
				On(domain.AggTask, tk.ID)
		}
		if _, err := t.append(events.Draft{
			Kind:          domain.KindCheckpointOverridden,
			AggregateKind: domain.AggTask,
			AggregateID:   tk.ID,
			Refs:          domain.Refs{ProjectID: tk.ProjectID, FlowID: tk.FlowID, TaskID: tk.ID, AttemptID: a.ID},
			CausationSeq:  a.Checkpoint.VerificationSeq,
			Payload: domain.CheckpointOverriddenPayload{
				AttemptID:       a.ID,
				Decision:        opts.Decision,
				Justification:   opts.Justification,
				VerificationSeq: a.Checkpoint.VerificationSeq,
			},
		}); err != nil {
			return err
		}
		if opts.Decision == domain.DecisionPass {
			err = t.completeTask(tk, a.ID, "override")
		} else {
			err = t.failTask(tk, a.ID, "", "failed by checkpoint override: "+opts.Justification)
		}
		if err != nil {
			return err
		}
		out = *tk
		return nil
	})
	return out, err
}
