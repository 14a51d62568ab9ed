package engine

import (
	"context"
	"strings"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/scope"
)

type TaskCreateOptions struct {
	ID               string
	ProjectID        string
	Title            string
	Description      string
	Acceptance       []string
	Scope            []string
	Context          []string
	Checks           []domain.Check
	CheckpointExempt bool
	DependsOn        []string
	ActorID          string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, domain.InvalidInput("task title is required")
	}
	if err := validateTaskFields(opts.Scope, opts.Checks); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	var out domain.Task
	err := e.run(ctx, opts.ActorID, "task create", noTarget, func(t *txn) error {
		p, err := t.project(opts.ProjectID)
		if err != nil {
			return err
		}
		if _, exists := t.state.Tasks[id]; exists {
			return domain.InvalidInput("task %s already exists", id).On(domain.AggTask, id)
		}
		if err := t.checkDependencies(p.ID, id, opts.DependsOn); err != nil {
			return err
		}
		if _, err := t.append(events.Draft{
			Kind:          domain.KindTaskCreated,
			AggregateKind: domain.AggTask,
			AggregateID:   id,
			Refs:          domain.Refs{ProjectID: p.ID, TaskID: id},
			Payload: domain.TaskCreatedPayload{
				Title:            opts.Title,
				Description:      opts.Description,
				Acceptance:       opts.Acceptance,
				Scope:            opts.Scope,
				Context:          opts.Context,
				Checks:           opts.Checks,
				CheckpointExempt: opts.CheckpointExempt,
				DependsOn:        dedupe(opts.DependsOn),
			},
		}); err != nil {
			return err
		}
		out = *t.state.Tasks[id]
		return nil
	})
	return out, err
}

// TaskUpdateOptions carries the fields to change; nil leaves a field as is.
type TaskUpdateOptions struct {
	ID               string
	Title            *string
	Description      *string
	Acceptance       *[]string
	Scope            *[]string
	Context          *[]string
	Checks           *[]domain.Check
	CheckpointExempt *bool
	DependsOn        *[]string
	ActorID          string
	ExpectedSeq      *int64
}

func (u TaskUpdateOptions) empty() bool {
	return u.Title == nil && u.Description == nil && u.Acceptance == nil && u.Scope == nil &&
		u.Context == nil && u.Checks == nil && u.CheckpointExempt == nil && u.DependsOn == nil
}

// UpdateTask edits a task's definition. A task with a live attempt keeps the
// definition that attempt was dispatched with.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.empty() {
		return domain.Task{}, domain.InvalidInput("nothing to update")
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Task{}, domain.InvalidInput("task title cannot be empty")
	}
	var scopeList []string
	var checkList []domain.Check
	if opts.Scope != nil {
		scopeList = *opts.Scope
	}
	if opts.Checks != nil {
		checkList = *opts.Checks
	}
	if err := validateTaskFields(scopeList, checkList); err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	err := e.run(ctx, opts.ActorID, "task update", taskKey(opts.ID), func(t *txn) error {
		tk, err := t.task(opts.ID)
		if err != nil {
			return err
		}
		switch tk.State {
		case domain.TaskStarted, domain.TaskCheckpointed, domain.TaskVerifying:
			return domain.ConflictErr(domain.CodePreconditionFailed, "task %s has an attempt in progress", tk.ID).
				On(domain.AggTask, tk.ID).State("no active attempt", tk.State)
		case domain.TaskClosed:
			return domain.ConflictErr(domain.CodeInvalidTransition, "task %s is closed", tk.ID).On(domain.AggTask, tk.ID)
		}
		if opts.DependsOn != nil {
			if err := t.checkDependencies(tk.ProjectID, tk.ID, *opts.DependsOn); err != nil {
				return err
			}
			deps := dedupe(*opts.DependsOn)
			opts.DependsOn = &deps
		}
		if _, err := t.append(events.Draft{
			Kind:          domain.KindTaskUpdated,
			AggregateKind: domain.AggTask,
			AggregateID:   tk.ID,
			Refs:          domain.Refs{ProjectID: tk.ProjectID, TaskID: tk.ID},
			ExpectedSeq:   opts.ExpectedSeq,
			Payload: domain.TaskUpdatedPayload{
				Title:            opts.Title,
				Description:      opts.Description,
				Acceptance:       opts.Acceptance,
				Scope:            opts.Scope,
				Context:          opts.Context,
				Checks:           opts.Checks,
				CheckpointExempt: opts.CheckpointExempt,
				DependsOn:        opts.DependsOn,
			},
		}); err != nil {
			return err
		}
		out = *tk
		return nil
	})
	return out, err
}

// CompleteTask moves a task to Completed. Unless the task is
// checkpoint-exempt, the checkpoint of its current attempt must be satisfied
// or carry a pass override.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	var out domain.Task
	err := e.run(ctx, actorID, "task complete", taskKey(taskID), func(t *txn) error {
		tk, err := t.task(taskID)
		if err != nil {
			return err
		}
		switch tk.State {
		case domain.TaskStarted, domain.TaskCheckpointed, domain.TaskVerifying:
		default:
			return domain.InvalidTransition(domain.AggTask, tk.ID, tk.State, domain.TaskCompleted)
		}
		a := t.state.Attempts[tk.CurrentAttempt]
		if tk.CheckpointExempt {
			if a == nil || a.State != domain.AttemptFinished || a.Outcome != domain.OutcomeSuccess {
				return domain.ConflictErr(domain.CodePreconditionFailed, "task %s has no successfully finished attempt", tk.ID).
					On(domain.AggTask, tk.ID).State("attempt finished", attemptState(a))
			}
			if err := t.completeTask(tk, a.ID, "manual"); err != nil {
				return err
			}
			out = *tk
			return nil
		}
		if a == nil || !a.Checkpoint.Passed() {
			return domain.ConflictErr(domain.CodePreconditionFailed, "checkpoint of task %s is not satisfied", tk.ID).
				On(domain.AggTask, tk.ID).State("checkpoint satisfied", checkpointState(a)).With("state", tk.State)
		}
		if err := domain.ValidateTaskTransition(tk.ID, tk.State, domain.TaskCompleted); err != nil {
			return err
		}
		if err := t.completeTask(tk, a.ID, "checkpoint"); err != nil {
			return err
		}
		out = *tk
		return nil
	})
	return out, err
}

func attemptState(a *domain.Attempt) string {
	if a == nil {
		return "no attempt"
	}
	if a.Outcome != "" {
		return string(a.State) + "/" + string(a.Outcome)
	}
	return string(a.State)
}

func checkpointState(a *domain.Attempt) string {
	switch {
	case a == nil:
		return "no attempt"
	case a.Checkpoint == nil:
		return "no checkpoint"
	case a.Checkpoint.Override != nil:
		return "override " + string(a.Checkpoint.Override.Decision)
	case a.Checkpoint.Runs == 0:
		return "not verified"
	}
	return "unsatisfied"
}

// CloseTask retires a task. Closing a task that never completed fails the
// live flow that holds it.
func (e Engine) CloseTask(ctx context.Context, taskID, reason, actorID string) (domain.Task, error) {
	var out domain.Task
	err := e.run(ctx, actorID, "task close", taskKey(taskID), func(t *txn) error {
		tk, err := t.task(taskID)
		if err != nil {
			return err
		}
		if err := domain.ValidateTaskTransition(tk.ID, tk.State, domain.TaskClosed); err != nil {
			return err
		}
		if tk.State == domain.TaskCreated {
			if f := t.liveFlowHolding(tk.ID); f != nil {
				return domain.ConflictErr(domain.CodePreconditionFailed, "task %s is scheduled by flow %s", tk.ID, f.ID).
					On(domain.AggTask, tk.ID).With("flow_id", f.ID)
			}
		}
		if _, err := t.taskEvent(tk, "", domain.KindTaskClosed, domain.TaskClosedPayload{Reason: reason}); err != nil {
			return err
		}
		if err := t.settleFlow(tk.FlowID); err != nil {
			return err
		}
		out = *tk
		return nil
	})
	return out, err
}

// liveFlowHolding returns the non-terminal flow whose locked graph includes taskID.
func (t *txn) liveFlowHolding(taskID string) *domain.Flow {
	for _, f := range t.state.Flows {
		if f.State.Terminal() {
			continue
		}
		for _, id := range f.Tasks {
			if id == taskID {
				return f
			}
		}
	}
	return nil
}

func (t *txn) checkDependencies(projectID, taskID string, deps []string) error {
	for _, d := range deps {
		if d == taskID {
			return domain.InvalidInput("task %s cannot depend on itself", taskID)
		}
		dt := t.state.Tasks[d]
		if dt == nil {
			return domain.NotFound(domain.AggTask, d)
		}
		if dt.ProjectID != projectID {
			return domain.InvalidInput("dependency %s belongs to another project", d)
		}
	}
	return nil
}

func validateTaskFields(patterns []string, list []domain.Check) error {
	if bad, ok := scope.Valid(patterns); !ok {
		return domain.InvalidInput("invalid scope pattern %q", bad)
	}
	return validateChecks(list)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
