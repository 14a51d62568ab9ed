package engine

import (
	"context"
	"sort"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/graph"
	"flowline/internal/scheduler"
)

type FlowCreateOptions struct {
	ID           string
	GraphID      string
	Repo         string
	TargetBranch string
	// Zero values take the workspace configuration.
	MaxAttempts int
	MaxParallel int
	AutoRetry   *domain.RetryMode
	ActorID     string
}

// CreateFlow locks a graph into a new flow. Limits are copied from the
// workspace configuration into the event so replay never reads the config file.
func (e Engine) CreateFlow(ctx context.Context, opts FlowCreateOptions) (domain.Flow, error) {
	cfg := e.config()
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = cfg.Retry.MaxAttempts
	}
	maxParallel := opts.MaxParallel
	if maxParallel == 0 {
		maxParallel = cfg.Scheduler.MaxParallel
	}
	if maxAttempts < 1 || maxParallel < 1 {
		return domain.Flow{}, domain.InvalidInput("max attempts and max parallel must be positive")
	}
	autoRetry := cfg.Scheduler.AutoRetry
	if opts.AutoRetry != nil {
		autoRetry = *opts.AutoRetry
	}
	switch autoRetry {
	case "", domain.ModeContinue, domain.ModeClean:
	default:
		return domain.Flow{}, domain.InvalidInput("unknown retry mode %q", autoRetry)
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	var out domain.Flow
	err := e.run(ctx, opts.ActorID, "flow create", graphKey(opts.GraphID), func(t *txn) error {
		g, err := t.graph(opts.GraphID)
		if err != nil {
			return err
		}
		if _, exists := t.state.Flows[id]; exists {
			return domain.InvalidInput("flow %s already exists", id).On(domain.AggFlow, id)
		}
		if err := graph.Validate(*g); err != nil {
			return err
		}
		for _, f := range t.state.Flows {
			if f.GraphID == g.ID && !f.State.Terminal() {
				return domain.ConflictErr(domain.CodePreconditionFailed, "graph %s already has active flow %s", g.ID, f.ID).
					On(domain.AggGraph, g.ID).With("flow_id", f.ID)
			}
		}
		for _, tid := range g.Tasks {
			if f := t.liveFlowHolding(tid); f != nil {
				return domain.ConflictErr(domain.CodePreconditionFailed, "task %s is held by flow %s", tid, f.ID).
					On(domain.AggGraph, g.ID).With("flow_id", f.ID).With("task_id", tid)
			}
			if tk := t.state.Tasks[tid]; tk != nil && tk.State == domain.TaskClosed && !tk.DoneEquivalent() {
				return domain.ConflictErr(domain.CodePreconditionFailed, "task %s is closed without completion", tid).
					On(domain.AggGraph, g.ID).With("task_id", tid)
			}
		}
		p, err := t.project(g.ProjectID)
		if err != nil {
			return err
		}
		repoRef, err := pickRepo(p, opts.Repo)
		if err != nil {
			return err
		}
		target := opts.TargetBranch
		if target == "" {
			target = repoRef.TargetBranch
		}
		if _, err := t.append(events.Draft{
			Kind:          domain.KindFlowCreated,
			AggregateKind: domain.AggFlow,
			AggregateID:   id,
			Refs:          domain.Refs{ProjectID: p.ID, GraphID: g.ID, FlowID: id},
			Payload: domain.FlowCreatedPayload{
				GraphID:      g.ID,
				Repo:         repoRef.Name,
				RepoPath:     repoRef.Path,
				TargetBranch: target,
				MaxAttempts:  maxAttempts,
				MaxParallel:  maxParallel,
				AutoRetry:    autoRetry,
				WorktreeDir:  cfg.WorktreeDir(e.Workspace),
				Tasks:        g.Tasks,
				Edges:        g.Edges,
			},
		}); err != nil {
			return err
		}
		if _, err := t.append(events.Draft{
			Kind:          domain.KindGraphLocked,
			AggregateKind: domain.AggGraph,
			AggregateID:   g.ID,
			Refs:          domain.Refs{ProjectID: p.ID, GraphID: g.ID, FlowID: id},
			Payload:       domain.GraphLockedPayload{FlowID: id},
		}); err != nil {
			return err
		}
		out = *t.state.Flows[id]
		return nil
	})
	return out, err
}

func pickRepo(p *domain.Project, name string) (domain.RepoRef, error) {
	if name != "" {
		r, ok := p.Repos[name]
		if !ok {
			return domain.RepoRef{}, domain.UserErr(domain.CodeNotFound, "repository %s is not attached to project %s", name, p.ID)
		}
		return r, nil
	}
	switch len(p.Repos) {
	case 0:
		return domain.RepoRef{}, domain.ConflictErr(domain.CodePreconditionFailed, "project %s has no repository attached", p.ID).On(domain.AggProject, p.ID)
	case 1:
		for _, r := range p.Repos {
			return r, nil
		}
	}
	return domain.RepoRef{}, domain.InvalidInput("project %s has several repositories; name one", p.ID)
}

// StartFlow records the target branch head as the flow's base commit.
func (e Engine) StartFlow(ctx context.Context, flowID, actorID string) (domain.Flow, error) {
	st, err := e.State(ctx)
	if err != nil {
		return domain.Flow{}, err
	}
	pre := st.Flows[flowID]
	if pre == nil {
		return domain.Flow{}, domain.NotFound(domain.AggFlow, flowID)
	}
	base, err := e.Git.BranchHead(pre.RepoPath, pre.TargetBranch)
	if err != nil {
		return domain.Flow{}, err
	}
	var out domain.Flow
	err = e.run(ctx, actorID, "flow start", flowKey(flowID), func(t *txn) error {
		f, err := t.flow(flowID)
		if err != nil {
			return err
		}
		if err := domain.ValidateFlowTransition(f.ID, f.State, domain.FlowRunning); err != nil {
			return err
		}
		if f.State != domain.FlowCreated {
			return domain.InvalidTransition(domain.AggFlow, f.ID, f.State, domain.FlowRunning)
		}
		if _, err := t.flowEvent(f, domain.KindFlowStarted, domain.FlowStartedPayload{BaseCommit: base}); err != nil {
			return err
		}
		out = *f
		return nil
	})
	return out, err
}

// PauseFlow stops new dispatches. Attempts already running are left alone.
func (e Engine) PauseFlow(ctx context.Context, flowID, reason, actorID string) (domain.Flow, error) {
	return e.transitionFlow(ctx, "flow pause", flowID, actorID, domain.FlowPaused, domain.KindFlowPaused, domain.FlowPausedPayload{Reason: reason})
}

func (e Engine) ResumeFlow(ctx context.Context, flowID, actorID string) (domain.Flow, error) {
	return e.transitionFlow(ctx, "flow resume", flowID, actorID, domain.FlowRunning, domain.KindFlowResumed, domain.FlowResumedPayload{})
}

func (e Engine) transitionFlow(ctx context.Context, command, flowID, actorID string, to domain.FlowState, kind domain.Kind, payload any) (domain.Flow, error) {
	var out domain.Flow
	err := e.run(ctx, actorID, command, flowKey(flowID), func(t *txn) error {
		f, err := t.flow(flowID)
		if err != nil {
			return err
		}
		if f.State == domain.FlowCreated || !domain.CanTransitionFlow(f.State, to) {
			return domain.InvalidTransition(domain.AggFlow, f.ID, f.State, to)
		}
		if _, err := t.flowEvent(f, kind, payload); err != nil {
			return err
		}
		out = *f
		return nil
	})
	return out, err
}

// AbortFlow ends a flow and signals its in-flight attempts to stop. Their
// worktrees are kept for inspection; adapters that finish later are
// reconciled as late results.
func (e Engine) AbortFlow(ctx context.Context, flowID, reason, actorID string) (domain.Flow, error) {
	var out domain.Flow
	err := e.run(ctx, actorID, "flow abort", flowKey(flowID), func(t *txn) error {
		f, err := t.flow(flowID)
		if err != nil {
			return err
		}
		if err := domain.ValidateFlowTransition(f.ID, f.State, domain.FlowAborted); err != nil {
			return err
		}
		var aborted []string
		for _, tid := range f.Tasks {
			tk := t.state.Tasks[tid]
			if tk == nil || tk.FlowID != f.ID {
				continue
			}
			a := t.state.Attempts[tk.CurrentAttempt]
			if a == nil || !a.Active() {
				continue
			}
			if _, err := t.taskEvent(tk, a.ID, domain.KindAttemptAborted, domain.AttemptAbortedPayload{AttemptID: a.ID, Reason: "flow aborted"}); err != nil {
				return err
			}
			aborted = append(aborted, a.ID)
		}
		sort.Strings(aborted)
		if _, err := t.flowEvent(f, domain.KindFlowAborted, domain.FlowAbortedPayload{Reason: reason, Attempts: aborted}); err != nil {
			return err
		}
		out = *f
		return nil
	})
	return out, err
}

type AttemptAbortOptions struct {
	TaskID  string
	Reason  string
	ActorID string
}

// AbortAttempt stops the in-flight attempt of one task and leaves the task
// Aborted while its flow keeps running. The worktree is kept, and the task can
// be retried like a failed one.
func (e Engine) AbortAttempt(ctx context.Context, opts AttemptAbortOptions) (domain.Task, error) {
	reason := opts.Reason
	if reason == "" {
		reason = "attempt aborted"
	}
	var out domain.Task
	err := e.run(ctx, opts.ActorID, "attempt abort", taskKey(opts.TaskID), func(t *txn) error {
		tk, err := t.task(opts.TaskID)
		if err != nil {
			return err
		}
		f := t.state.Flows[tk.FlowID]
		if f == nil || f.State.Terminal() {
			return domain.ConflictErr(domain.CodePreconditionFailed, "task %s is not part of a live flow", tk.ID).
				On(domain.AggTask, tk.ID).With("flow_id", tk.FlowID)
		}
		a := t.state.Attempts[tk.CurrentAttempt]
		if a == nil {
			return domain.ConflictErr(domain.CodeNotReady, "task %s has no attempt to abort", tk.ID).On(domain.AggTask, tk.ID)
		}
		if !a.Active() {
			return domain.InvalidTransition(domain.AggAttempt, a.ID, a.State, domain.AttemptAborted)
		}
		if _, err := t.taskEvent(tk, a.ID, domain.KindAttemptAborted, domain.AttemptAbortedPayload{AttemptID: a.ID, Reason: reason}); err != nil {
			return err
		}
		out = *t.state.Tasks[tk.ID]
		return nil
	})
	return out, err
}

// FlowView is a flow together with the scheduling status of each task.
type FlowView struct {
	Flow     domain.Flow                   `json:"flow"`
	Statuses map[string]domain.SchedStatus `json:"statuses"`
	Ready    []string                      `json:"ready"`
	InFlight int                           `json:"in_flight"`
	Order    []string                      `json:"order"`
	Merge    *domain.Merge                 `json:"merge,omitempty"`

	// Watermark is the last sequence touching the flow, for TickOptions.ExpectedSeq.
	Watermark int64 `json:"watermark"`
}

func (e Engine) FlowView(ctx context.Context, flowID string) (FlowView, error) {
	// Read before projecting so a concurrent append makes the watermark stale, never early.
	wm, err := e.Events.Watermark(ctx, nil, events.Filter{FlowID: flowID})
	if err != nil {
		return FlowView{}, err
	}
	st, err := e.State(ctx)
	if err != nil {
		return FlowView{}, err
	}
	f := st.Flows[flowID]
	if f == nil {
		return FlowView{}, domain.NotFound(domain.AggFlow, flowID)
	}
	order, err := graph.TopoOrder(f.Tasks, f.Edges)
	if err != nil {
		return FlowView{}, err
	}
	v := FlowView{
		Flow:      *f,
		Statuses:  scheduler.Statuses(st, f),
		Ready:     scheduler.Ready(st, f),
		InFlight:  scheduler.InFlight(st, f),
		Order:     order,
		Watermark: wm,
	}
	if m := st.Merges[f.MergeID]; m != nil {
		cp := *m
		v.Merge = &cp
	}
	return v, nil
}
