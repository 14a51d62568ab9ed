package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/graph"
	"flowline/internal/projector"
	"flowline/internal/runtime"
	"flowline/internal/scheduler"
	"flowline/internal/scope"
	"flowline/internal/vcs"
)

type TickOptions struct {
	ActorID string
	// ExpectedSeq, when set, is the flow watermark the caller last observed.
	// The tick fails with Conflict if anything touching the flow was appended since.
	ExpectedSeq *int64
}

type TickResult struct {
	FlowID string           `json:"flow_id"`
	State  domain.FlowState `json:"state"`
	// Statuses are the scheduling statuses right after dispatch.
	Statuses   map[string]domain.SchedStatus `json:"statuses"`
	Dispatched []string                      `json:"dispatched,omitempty"`
	Retried    []string                      `json:"retried,omitempty"`
	Observed   bool                          `json:"observed"`
	Results    []AttemptResult               `json:"results,omitempty"`
}

// AttemptResult summarises one adapter run.
type AttemptResult struct {
	AttemptID string           `json:"attempt_id"`
	TaskID    string           `json:"task_id"`
	Outcome   domain.Outcome   `json:"outcome,omitempty"`
	Code      domain.Code      `json:"code,omitempty"`
	Late      bool             `json:"late,omitempty"`
	TaskState domain.TaskState `json:"task_state"`
}

// TickFlow dispatches the flow's ready tasks and runs their attempts to
// completion. The adapters run outside any write transaction.
func (e Engine) TickFlow(ctx context.Context, flowID string, opts TickOptions) (TickResult, error) {
	res, err := e.DispatchFlow(ctx, flowID, opts)
	if err != nil {
		return res, err
	}
	if len(res.Dispatched) == 0 {
		return res, nil
	}
	results, err := e.RunAttempts(ctx, res.Dispatched, opts.ActorID)
	res.Results = results
	if err != nil {
		return res, err
	}
	st, err := e.State(ctx)
	if err != nil {
		return res, err
	}
	if f := st.Flows[flowID]; f != nil {
		res.State = f.State
	}
	return res, nil
}

// DispatchFlow is the scheduling half of a tick: inside one transaction it
// settles the flow, creates and dispatches attempts for ready tasks up to the
// flow's parallelism, or records that nothing was dispatched.
func (e Engine) DispatchFlow(ctx context.Context, flowID string, opts TickOptions) (TickResult, error) {
	res := TickResult{FlowID: flowID}
	expected := opts.ExpectedSeq
	if expected != nil {
		if err := e.checkFlowWatermark(ctx, nil, flowID, *expected); err != nil {
			return res, err
		}
	}
	retried, err := e.autoRetry(ctx, flowID)
	if err != nil {
		return res, err
	}
	if len(retried) > 0 {
		res.Retried = retried
		expected = nil
	}

	err = e.run(ctx, opts.ActorID, "flow tick", flowKey(flowID), func(t *txn) error {
		f, err := t.flow(flowID)
		if err != nil {
			return err
		}
		if expected != nil {
			if err := e.checkFlowWatermark(ctx, t.tx, flowID, *expected); err != nil {
				return err
			}
		}
		switch f.State {
		case domain.FlowRunning:
		case domain.FlowPaused:
			res.Observed = true
			return t.observeTick(f, &res)
		default:
			return domain.ConflictErr(domain.CodeInvalidTransition, "flow %s is %s and cannot be ticked", f.ID, f.State).
				On(domain.AggFlow, f.ID).State(domain.FlowRunning, f.State)
		}
		if err := t.settleFlow(f.ID); err != nil {
			return err
		}
		if f.State != domain.FlowRunning {
			res.State = f.State
			res.Statuses = scheduler.Statuses(t.state, f)
			return nil
		}
		capacity := f.MaxParallel - scheduler.InFlight(t.state, f)
		for _, tid := range scheduler.Ready(t.state, f) {
			if capacity <= 0 {
				break
			}
			id, err := t.dispatch(f, t.state.Tasks[tid])
			if err != nil {
				return err
			}
			res.Dispatched = append(res.Dispatched, id)
			capacity--
		}
		if len(res.Dispatched) == 0 {
			res.Observed = true
			return t.observeTick(f, &res)
		}
		res.State = f.State
		res.Statuses = scheduler.Statuses(t.state, f)
		return nil
	})
	return res, err
}

func (e Engine) checkFlowWatermark(ctx context.Context, q events.Queryer, flowID string, expected int64) error {
	wm, err := e.Events.Watermark(ctx, q, events.Filter{FlowID: flowID})
	if err != nil {
		return err
	}
	if wm != expected {
		return domain.ConflictErr(domain.CodeConflict, "flow %s changed since it was read", flowID).
			On(domain.AggFlow, flowID).State(expected, wm)
	}
	return nil
}

func (t *txn) observeTick(f *domain.Flow, res *TickResult) error {
	statuses := scheduler.Statuses(t.state, f)
	if _, err := t.flowEvent(f, domain.KindFlowTickObserved, domain.FlowTickObservedPayload{State: f.State, Statuses: statuses}); err != nil {
		return err
	}
	res.State = f.State
	res.Statuses = statuses
	return nil
}

// dispatch hands a ready task to the adapter boundary. A pending attempt left
// by a retry is reused; otherwise the task gets a fresh initial attempt.
func (t *txn) dispatch(f *domain.Flow, tk *domain.Task) (string, error) {
	if a := t.state.Attempts[tk.CurrentAttempt]; a != nil && tk.FlowID == f.ID && a.State == domain.AttemptPending {
		_, err := t.taskEvent(tk, a.ID, domain.KindAttemptDispatched, domain.AttemptDispatchedPayload{AttemptID: a.ID})
		return a.ID, err
	}
	id := t.e.newID()
	n := len(tk.Attempts) + 1
	if _, err := t.taskEventIn(tk, f.ID, id, domain.KindAttemptCreated, domain.AttemptCreatedPayload{
		AttemptID: id,
		FlowID:    f.ID,
		Number:    n,
		Mode:      domain.ModeInitial,
		Worktree:  filepath.Join(f.WorktreeDir, f.ID, id),
		Branch:    vcs.BranchName(f.ID, tk.ID, n),
	}); err != nil {
		return "", err
	}
	_, err := t.taskEvent(tk, id, domain.KindAttemptDispatched, domain.AttemptDispatchedPayload{AttemptID: id})
	return id, err
}

// autoRetry applies the flow's automatic retry policy to failed tasks that
// still have budget. Each retry is its own recorded command.
func (e Engine) autoRetry(ctx context.Context, flowID string) ([]string, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	f := st.Flows[flowID]
	if f == nil {
		return nil, domain.NotFound(domain.AggFlow, flowID)
	}
	if f.AutoRetry == "" || f.State != domain.FlowRunning {
		return nil, nil
	}
	var created []string
	for _, tid := range f.Tasks {
		tk := st.Tasks[tid]
		if tk == nil || tk.FlowID != f.ID || tk.RetryExhausted {
			continue
		}
		if tk.State != domain.TaskFailed && tk.State != domain.TaskAborted {
			continue
		}
		if attemptsInFlow(st, tk, f.ID) >= f.MaxAttempts {
			continue
		}
		a, err := e.RetryTask(ctx, RetryOptions{TaskID: tk.ID, Mode: f.AutoRetry, ActorID: "system", Auto: true})
		if err != nil {
			if domain.CategoryOf(err) == domain.CategoryConflict {
				e.logger().Warn("automatic retry skipped", zap.String("task_id", tk.ID), zap.Error(err))
				continue
			}
			return created, err
		}
		created = append(created, a.ID)
	}
	return created, nil
}

// RunAttempts runs dispatched attempts concurrently and records their results.
func (e Engine) RunAttempts(ctx context.Context, attemptIDs []string, actorID string) ([]AttemptResult, error) {
	results := make([]AttemptResult, len(attemptIDs))
	var g errgroup.Group
	g.SetLimit(max(1, len(attemptIDs)))
	for i, id := range attemptIDs {
		g.Go(func() error {
			r, err := e.runAttempt(ctx, id, actorID)
			results[i] = r
			return err
		})
	}
	return results, g.Wait()
}

func (e Engine) runAttempt(ctx context.Context, attemptID, actorID string) (AttemptResult, error) {
	st, err := e.State(ctx)
	if err != nil {
		return AttemptResult{AttemptID: attemptID}, err
	}
	a := st.Attempts[attemptID]
	if a == nil {
		return AttemptResult{AttemptID: attemptID}, domain.NotFound(domain.AggAttempt, attemptID)
	}
	res := AttemptResult{AttemptID: a.ID, TaskID: a.TaskID}
	tk, f := st.Tasks[a.TaskID], st.Flows[a.FlowID]
	if a.State != domain.AttemptDispatched || tk == nil || f == nil {
		return e.attemptResult(ctx, res)
	}
	log := e.logger().With(zap.String("flow_id", f.ID), zap.String("task_id", tk.ID), zap.String("attempt_id", a.ID))

	baseline, err := e.prepareWorktree(ctx, st, f, tk, a)
	if err != nil {
		log.Error("worktree setup failed", zap.String("category", string(domain.CategoryOf(err))), zap.Error(err))
		code := domain.CodeOf(err)
		if code != domain.CodeMergeConflict && code != domain.CodeVCSMissing {
			code = domain.CodeVCSFailure
		}
		if rerr := e.recordSetupFailure(ctx, actorID, a.ID, code, err.Error()); rerr != nil {
			return res, rerr
		}
		return e.attemptResult(ctx, res)
	}

	err = e.run(ctx, actorID, "attempt start", noTarget, func(t *txn) error {
		cur := t.state.Attempts[a.ID]
		if cur.State != domain.AttemptDispatched {
			return domain.ConflictErr(domain.CodeAdapterCanceled, "attempt %s is %s", a.ID, cur.State)
		}
		_, err := t.taskEvent(t.state.Tasks[cur.TaskID], cur.ID, domain.KindAttemptStarted, domain.AttemptStartedPayload{
			AttemptID: cur.ID, Worktree: cur.Worktree, Branch: cur.Branch, Baseline: baseline,
		})
		return err
	})
	if domain.IsCode(err, domain.CodeAdapterCanceled) {
		return e.attemptResult(ctx, res)
	}
	if err != nil {
		return res, err
	}

	p := st.Projects[tk.ProjectID]
	var rt domain.Runtime
	if p != nil {
		rt = p.Runtime
	}
	timeout := e.config().Runtime.Timeout
	if rt.TimeoutSeconds > 0 {
		timeout = time.Duration(rt.TimeoutSeconds) * time.Second
	}
	inv := runtime.Invocation{
		ProjectID:   tk.ProjectID,
		FlowID:      f.ID,
		TaskID:      tk.ID,
		AttemptID:   a.ID,
		Attempt:     a.Number,
		Mode:        string(a.Mode),
		Title:       tk.Title,
		Description: tk.Description,
		Acceptance:  tk.Acceptance,
		Scope:       tk.Scope,
		Manifest:    manifest(a.Worktree, tk.Context),
		Worktree:    a.Worktree,
		Timeout:     timeout,
	}

	var aborted atomic.Bool
	runCtx, cancel := context.WithCancel(ctx)
	stop := e.watchAbort(runCtx, a.ID, func() {
		aborted.Store(true)
		cancel()
	})
	started := e.now()
	out, invokeErr := e.adapter(rt).Invoke(runCtx, inv)
	stop()
	cancel()
	record := &domain.Invocation{
		Binary:     rt.Binary,
		StartedAt:  started.UTC().Format(time.RFC3339Nano),
		FinishedAt: e.now().UTC().Format(time.RFC3339Nano),
		Exit:       out.Exit,
		Success:    invokeErr == nil && out.Success,
		Output:     out.Output,
		Events:     out.Events,
	}
	if invokeErr != nil {
		record.ErrorCode = domain.CodeOf(invokeErr)
		if de, ok := domain.AsError(invokeErr); ok {
			if code, ok := de.Details["exit_code"].(int); ok {
				record.ExitCode = code
			}
		}
		log.Error("adapter failed", zap.String("category", string(domain.CategoryOf(invokeErr))), zap.Error(invokeErr))
	}

	var (
		changed    []string
		violations []string
		commit     string
		vcsErr     error
	)
	if record.Success && !aborted.Load() {
		changed, vcsErr = e.Git.ChangedFiles(ctx, a.Worktree, baseline)
		if vcsErr == nil {
			violations = scope.Violations(tk.Scope, changed)
		}
		if vcsErr == nil && len(violations) == 0 {
			commit, vcsErr = e.Git.CommitAll(ctx, a.Worktree, fmt.Sprintf("flowline: %s (attempt %d)", tk.Title, a.Number))
		}
		if vcsErr != nil {
			log.Error("checkpoint commit failed", zap.Error(vcsErr))
		}
	}

	err = e.run(ctx, actorID, "attempt finish", noTarget, func(t *txn) error {
		cur := t.state.Attempts[a.ID]
		tk := t.state.Tasks[cur.TaskID]
		if cur.State == domain.AttemptAborted {
			outcome := domain.OutcomeFailure
			if record.Success {
				outcome = domain.OutcomeSuccess
			}
			res.Late = true
			_, err := t.taskEvent(tk, cur.ID, domain.KindAttemptLateResult, domain.AttemptLateResultPayload{AttemptID: cur.ID, Outcome: outcome, Invocation: record})
			return err
		}
		if cur.State != domain.AttemptRunning {
			return domain.InvalidTransition(domain.AggAttempt, cur.ID, cur.State, domain.AttemptFinished)
		}
		fail := func(code domain.Code, reason string) error {
			if _, err := t.taskEvent(tk, cur.ID, domain.KindAttemptFinished, domain.AttemptFinishedPayload{
				AttemptID: cur.ID, Outcome: domain.OutcomeFailure, Invocation: record, ChangedFiles: changed, Code: code, Reason: reason,
			}); err != nil {
				return err
			}
			if tk.CurrentAttempt != cur.ID || tk.State != domain.TaskStarted {
				return nil
			}
			return t.failTask(tk, cur.ID, code, reason)
		}
		switch {
		case invokeErr != nil:
			return fail(domain.CodeOf(invokeErr), invokeErr.Error())
		case !out.Success:
			return fail("", "adapter reported failure")
		case vcsErr != nil:
			return fail(domain.CodeVCSFailure, vcsErr.Error())
		case len(violations) > 0:
			return fail(domain.CodeScopeViolation, "changes outside task scope: "+strings.Join(violations, ", "))
		}
		if _, err := t.taskEvent(tk, cur.ID, domain.KindAttemptFinished, domain.AttemptFinishedPayload{
			AttemptID: cur.ID, Outcome: domain.OutcomeSuccess, Invocation: record, ChangedFiles: changed,
		}); err != nil {
			return err
		}
		if tk.CurrentAttempt != cur.ID {
			return nil
		}
		if _, err := t.taskEvent(tk, cur.ID, domain.KindCheckpointRecorded, domain.CheckpointRecordedPayload{
			AttemptID:      cur.ID,
			Commit:         commit,
			ChangedFiles:   changed,
			RequiredChecks: requiredChecks(t.state.Projects[tk.ProjectID], tk),
		}); err != nil {
			return err
		}
		if tk.CheckpointExempt {
			return t.completeTask(tk, cur.ID, "exempt")
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	return e.attemptResult(ctx, res)
}

func (e Engine) adapter(rt domain.Runtime) runtime.Adapter {
	if e.Adapters != nil {
		return e.Adapters(rt)
	}
	return runtime.NewProcess(rt, e.logger().Named("runtime"))
}

// attemptResult fills res from the current projection.
func (e Engine) attemptResult(ctx context.Context, res AttemptResult) (AttemptResult, error) {
	st, err := e.State(ctx)
	if err != nil {
		return res, err
	}
	if a := st.Attempts[res.AttemptID]; a != nil {
		res.Outcome = a.Outcome
		res.Code = a.FailureCode
		res.Late = res.Late || a.LateResult != nil
	}
	if tk := st.Tasks[res.TaskID]; tk != nil {
		res.TaskState = tk.State
	}
	return res, nil
}

func (e Engine) recordSetupFailure(ctx context.Context, actorID, attemptID string, code domain.Code, reason string) error {
	return e.run(ctx, actorID, "attempt finish", noTarget, func(t *txn) error {
		a := t.state.Attempts[attemptID]
		if a.State != domain.AttemptDispatched {
			return nil
		}
		tk := t.state.Tasks[a.TaskID]
		if _, err := t.taskEvent(tk, a.ID, domain.KindAttemptFinished, domain.AttemptFinishedPayload{
			AttemptID: a.ID, Outcome: domain.OutcomeFailure, Code: code, Reason: reason,
		}); err != nil {
			return err
		}
		if tk.CurrentAttempt != a.ID || tk.State != domain.TaskStarted {
			return nil
		}
		return t.failTask(tk, a.ID, code, reason)
	})
}

// prepareWorktree makes the attempt's worktree ready and returns its baseline.
// Initial attempts start from the flow base with the checkpoint commits of
// their prerequisites merged in; clean retries start from the task's
// original baseline; continue retries reuse the prior worktree as it is.
func (e Engine) prepareWorktree(ctx context.Context, st *projector.State, f *domain.Flow, tk *domain.Task, a *domain.Attempt) (string, error) {
	if a.Mode == domain.ModeContinue {
		if _, err := os.Stat(a.Worktree); err != nil {
			return "", domain.SystemErr(domain.CodeVCSFailure, "worktree %s is gone", a.Worktree).Wrap(err)
		}
		return a.Baseline, nil
	}
	if a.Mode == domain.ModeClean && a.Baseline != "" {
		return a.Baseline, e.Git.AddWorktree(ctx, f.RepoPath, a.Worktree, a.Branch, a.Baseline)
	}
	if err := e.Git.AddWorktree(ctx, f.RepoPath, a.Worktree, a.Branch, f.BaseCommit); err != nil {
		return "", err
	}
	commits, err := prerequisiteCommits(st, f, tk.ID)
	if err != nil {
		return "", err
	}
	if len(commits) == 0 {
		return f.BaseCommit, nil
	}
	if err := e.Git.Merge(ctx, a.Worktree, true, "flowline: integrate prerequisites of "+tk.Title, commits...); err != nil {
		return "", err
	}
	return e.Git.Head(ctx, a.Worktree)
}

// prerequisiteCommits lists the checkpoint commits of a task's prerequisites
// in topological order.
func prerequisiteCommits(st *projector.State, f *domain.Flow, taskID string) ([]string, error) {
	prereqs := map[string]struct{}{}
	for _, p := range f.Prerequisites(taskID) {
		prereqs[p] = struct{}{}
	}
	if len(prereqs) == 0 {
		return nil, nil
	}
	order, err := graph.TopoOrder(f.Tasks, f.Edges)
	if err != nil {
		return nil, err
	}
	var commits []string
	for _, id := range order {
		if _, ok := prereqs[id]; !ok {
			continue
		}
		if c := checkpointCommit(st, id); c != "" {
			commits = append(commits, c)
		}
	}
	return commits, nil
}

func checkpointCommit(st *projector.State, taskID string) string {
	tk := st.Tasks[taskID]
	if tk == nil {
		return ""
	}
	if a := st.Attempts[tk.CurrentAttempt]; a != nil && a.Checkpoint != nil {
		return a.Checkpoint.Commit
	}
	return ""
}

func manifest(worktree string, paths []string) []runtime.ManifestDoc {
	docs := make([]runtime.ManifestDoc, 0, len(paths))
	for _, p := range paths {
		_, err := os.Stat(filepath.Join(worktree, p))
		docs = append(docs, runtime.ManifestDoc{Path: p, Exists: err == nil})
	}
	return docs
}

// watchAbort calls abort once an attempt.aborted event for attemptID is
// appended, by this process or another. The returned stop waits for the
// watcher to exit.
func (e Engine) watchAbort(ctx context.Context, attemptID string, abort func()) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wake <-chan struct{}
	unsubscribe := func() {}
	if e.Notifier != nil {
		wake, unsubscribe = e.Notifier.Subscribe()
	}
	interval := e.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
			evs, err := e.Events.Read(ctx, nil, events.Filter{
				AttemptID: attemptID,
				Kinds:     []domain.Kind{domain.KindAttemptAborted},
				Limit:     1,
			})
			if err != nil {
				continue
			}
			if len(evs) > 0 {
				e.logger().Info("abort observed; cancelling adapter", zap.String("attempt_id", attemptID))
				abort()
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
