package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/graph"
	"flowline/internal/projector"
	"flowline/internal/vcs"
)

// mergeable returns the flow and the checkpoint commits to integrate, in
// topological order, or NotReady.
func mergeable(st *projector.State, flowID string) (*domain.Flow, []string, error) {
	f := st.Flows[flowID]
	if f == nil {
		return nil, nil, domain.NotFound(domain.AggFlow, flowID)
	}
	if f.State != domain.FlowCompleted {
		return nil, nil, domain.ConflictErr(domain.CodeNotReady, "flow %s is %s; only completed flows can be merged", f.ID, f.State).
			On(domain.AggFlow, f.ID).State(domain.FlowCompleted, f.State)
	}
	if m := st.Merges[f.MergeID]; m != nil && m.State != domain.MergeRejected {
		return nil, nil, domain.ConflictErr(domain.CodePreconditionFailed, "flow %s already has merge %s", f.ID, m.ID).
			On(domain.AggFlow, f.ID).With("merge_id", m.ID)
	}
	order, err := graph.TopoOrder(f.Tasks, f.Edges)
	if err != nil {
		return nil, nil, err
	}
	var commits []string
	for _, id := range order {
		tk := st.Tasks[id]
		if tk == nil || tk.FlowID != f.ID {
			continue
		}
		a := st.Attempts[tk.CurrentAttempt]
		switch {
		case !tk.DoneEquivalent():
			return nil, nil, domain.ConflictErr(domain.CodeNotReady, "task %s is %s", tk.ID, tk.State).
				On(domain.AggFlow, f.ID).With("task_id", tk.ID)
		case a == nil || a.Checkpoint == nil:
			return nil, nil, domain.ConflictErr(domain.CodeNotReady, "task %s has no checkpoint", tk.ID).
				On(domain.AggFlow, f.ID).With("task_id", tk.ID)
		case !tk.CheckpointExempt && !a.Checkpoint.Passed():
			return nil, nil, domain.ConflictErr(domain.CodeNotReady, "checkpoint of task %s is not satisfied", tk.ID).
				On(domain.AggFlow, f.ID).With("task_id", tk.ID)
		}
		commits = append(commits, a.Checkpoint.Commit)
	}
	return f, commits, nil
}

// PrepareMerge builds the merge candidate of a completed flow: the
// checkpoint commits of its tasks merged onto the current target head in a
// throwaway integration worktree. The candidate branch is kept.
func (e Engine) PrepareMerge(ctx context.Context, flowID, actorID string) (domain.Merge, error) {
	var (
		f       domain.Flow
		commits []string
	)
	err := e.run(ctx, actorID, "merge prepare", flowKey(flowID), func(t *txn) error {
		fl, c, err := mergeable(t.state, flowID)
		if err != nil {
			return err
		}
		f, commits = *fl, c
		return nil
	})
	if err != nil {
		return domain.Merge{}, err
	}

	id := e.newID()
	head, err := e.Git.BranchHead(f.RepoPath, f.TargetBranch)
	if err != nil {
		return domain.Merge{}, err
	}
	path := filepath.Join(f.WorktreeDir, f.ID, "merge-"+id)
	branch := vcs.MergeBranchName(id)
	if err := e.Git.AddWorktree(ctx, f.RepoPath, path, branch, head); err != nil {
		return domain.Merge{}, err
	}
	discard := func() {
		if err := e.Git.RemoveWorktree(ctx, f.RepoPath, path); err != nil {
			e.logger().Warn("remove integration worktree", zap.String("path", path), zap.Error(err))
		}
		if err := e.Git.DeleteBranch(ctx, f.RepoPath, branch); err != nil {
			e.logger().Warn("delete candidate branch", zap.String("branch", branch), zap.Error(err))
		}
	}
	if err := e.Git.Merge(ctx, path, true, fmt.Sprintf("flowline: merge flow %s", f.ID), commits...); err != nil {
		discard()
		if de, ok := domain.AsError(err); ok && de.Code == domain.CodeMergeConflict {
			de.On(domain.AggFlow, f.ID)
			if rerr := e.recordRejection(ctx, actorID, "merge prepare", flowKey(f.ID), de); rerr != nil {
				e.logger().Error("record rejection failed", zap.Error(rerr))
			}
		}
		return domain.Merge{}, err
	}
	candidate, err := e.Git.Head(ctx, path)
	if err != nil {
		discard()
		return domain.Merge{}, err
	}
	files, stat, err := e.Git.Diff(ctx, f.RepoPath, head, candidate)
	if err != nil {
		discard()
		return domain.Merge{}, err
	}
	if err := e.Git.RemoveWorktree(ctx, f.RepoPath, path); err != nil {
		e.logger().Warn("remove integration worktree", zap.String("path", path), zap.Error(err))
	}

	var out domain.Merge
	err = e.run(ctx, actorID, "merge prepare", flowKey(flowID), func(t *txn) error {
		fl, _, err := mergeable(t.state, flowID)
		if err != nil {
			return err
		}
		if _, err := t.append(events.Draft{
			Kind:          domain.KindMergePrepared,
			AggregateKind: domain.AggMerge,
			AggregateID:   id,
			Refs:          domain.Refs{ProjectID: fl.ProjectID, GraphID: fl.GraphID, FlowID: fl.ID, MergeID: id},
			Payload: domain.MergePreparedPayload{
				FlowID:          fl.ID,
				RepoPath:        fl.RepoPath,
				TargetBranch:    fl.TargetBranch,
				BaseCommit:      head,
				CandidateCommit: candidate,
				CandidateBranch: branch,
				Files:           files,
				DiffStat:        stat,
			},
		}); err != nil {
			return err
		}
		out = *t.state.Merges[id]
		return nil
	})
	if err != nil {
		discard()
	}
	return out, err
}

// ApproveMerge authorises execution. Approving an approved merge is a no-op.
func (e Engine) ApproveMerge(ctx context.Context, mergeID, actorID string) (domain.Merge, error) {
	var out domain.Merge
	err := e.run(ctx, actorID, "merge approve", mergeKey(mergeID), func(t *txn) error {
		m, err := t.merge(mergeID)
		if err != nil {
			return err
		}
		if m.State == domain.MergeApproved {
			out = *m
			return nil
		}
		if err := domain.ValidateMergeTransition(m.ID, m.State, domain.MergeApproved); err != nil {
			return err
		}
		if _, err := t.mergeEvent(m, domain.KindMergeApproved, domain.MergeApprovedPayload{}); err != nil {
			return err
		}
		out = *m
		return nil
	})
	return out, err
}

type MergeResult struct {
	Merge           domain.Merge `json:"merge"`
	AlreadyExecuted bool         `json:"already_executed"`
	Released        []string     `json:"released,omitempty"`
}

// ExecuteMerge integrates an approved candidate into the target branch. It
// refuses when the target moved since prepare or, if the target is checked
// out, when its working tree has uncommitted changes. Executing twice returns
// the first result and integrates once.
func (e Engine) ExecuteMerge(ctx context.Context, mergeID, actorID string) (MergeResult, error) {
	var (
		m    domain.Merge
		done bool
	)
	err := e.run(ctx, actorID, "merge execute", mergeKey(mergeID), func(t *txn) error {
		cur, err := t.merge(mergeID)
		if err != nil {
			return err
		}
		m = *cur
		switch cur.State {
		case domain.MergeExecuted:
			done = true
		case domain.MergeApproved:
		default:
			return domain.ConflictErr(domain.CodePreconditionFailed, "merge %s is %s", cur.ID, cur.State).
				On(domain.AggMerge, cur.ID).State(domain.MergeApproved, cur.State)
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	if done {
		return MergeResult{Merge: m, AlreadyExecuted: true}, nil
	}

	method, err := e.integrate(ctx, m)
	if err != nil {
		if auditable(err) {
			if rerr := e.recordRejection(ctx, actorID, "merge execute", mergeKey(m.ID), err); rerr != nil {
				e.logger().Error("record rejection failed", zap.Error(rerr))
			}
		}
		return MergeResult{}, err
	}

	var res MergeResult
	err = e.run(ctx, actorID, "merge execute", mergeKey(mergeID), func(t *txn) error {
		cur, err := t.merge(mergeID)
		if err != nil {
			return err
		}
		if cur.State == domain.MergeExecuted {
			res = MergeResult{Merge: *cur, AlreadyExecuted: true}
			return nil
		}
		if err := domain.ValidateMergeTransition(cur.ID, cur.State, domain.MergeExecuted); err != nil {
			return err
		}
		if _, err := t.mergeEvent(cur, domain.KindMergeExecuted, domain.MergeExecutedPayload{ResultCommit: cur.CandidateCommit, Method: method}); err != nil {
			return err
		}
		res = MergeResult{Merge: *cur}
		return nil
	})
	if err != nil || res.AlreadyExecuted {
		return res, err
	}
	released, err := e.releaseFlowWorktrees(ctx, m.FlowID, actorID, "merged")
	if err != nil {
		e.logger().Error("release worktrees after merge", zap.String("flow_id", m.FlowID), zap.Error(err))
	}
	res.Released = released
	return res, nil
}

// integrate moves the target branch to the candidate and reports how.
func (e Engine) integrate(ctx context.Context, m domain.Merge) (string, error) {
	head, err := e.Git.BranchHead(m.RepoPath, m.TargetBranch)
	if err != nil {
		return "", err
	}
	if head == m.CandidateCommit {
		// integrated by an earlier execute whose event was never written
		return "already-integrated", nil
	}
	if head != m.BaseCommit {
		commits, _ := e.Git.CommitsBetween(ctx, m.RepoPath, m.BaseCommit, head)
		paths, _, _ := e.Git.Diff(ctx, m.RepoPath, m.BaseCommit, head)
		return "", domain.ConflictErr(domain.CodeMergeDiverged, "target branch %s moved since prepare", m.TargetBranch).
			On(domain.AggMerge, m.ID).State(m.BaseCommit, head).With("paths", paths).With("commits", commits)
	}
	checkedOut, err := e.Git.CheckedOutBranch(m.RepoPath)
	if err != nil {
		return "", err
	}
	if checkedOut != m.TargetBranch {
		return "update-ref", e.Git.UpdateBranch(ctx, m.RepoPath, m.TargetBranch, m.CandidateCommit, m.BaseCommit)
	}
	dirty, err := e.Git.Dirty(ctx, m.RepoPath)
	if err != nil {
		return "", err
	}
	if len(dirty) > 0 {
		return "", domain.ConflictErr(domain.CodeDirtyTarget, "working tree of %s has uncommitted changes", m.RepoPath).
			On(domain.AggMerge, m.ID).With("paths", dirty)
	}
	return "fast-forward", e.Git.FastForward(ctx, m.RepoPath, m.CandidateCommit)
}

// RejectMerge abandons a merge. Conflict evidence from the last refused
// execute is attached to the rejection.
func (e Engine) RejectMerge(ctx context.Context, mergeID, reason, actorID string) (domain.Merge, error) {
	if err := requireActor(actorID); err != nil {
		return domain.Merge{}, err
	}
	var out domain.Merge
	err := e.run(ctx, actorID, "merge reject", mergeKey(mergeID), func(t *txn) error {
		m, err := t.merge(mergeID)
		if err != nil {
			return err
		}
		if err := domain.ValidateMergeTransition(m.ID, m.State, domain.MergeRejected); err != nil {
			return err
		}
		conflict, err := t.lastConflict(m)
		if err != nil {
			return err
		}
		if _, err := t.mergeEvent(m, domain.KindMergeRejected, domain.MergeRejectedPayload{Reason: reason, Conflict: conflict}); err != nil {
			return err
		}
		out = *m
		return nil
	})
	return out, err
}

// lastConflict decodes the evidence of the merge's most recent refused integration.
func (t *txn) lastConflict(m *domain.Merge) (*domain.MergeConflict, error) {
	evs, err := t.e.Events.Read(t.ctx, t.tx, events.Filter{MergeID: m.ID, Kinds: []domain.Kind{domain.KindCommandRejected}})
	if err != nil {
		return nil, err
	}
	for i := len(evs) - 1; i >= 0; i-- {
		var p domain.CommandRejectedPayload
		if err := evs[i].Decode(&p); err != nil {
			return nil, domain.System(err)
		}
		if p.Code != domain.CodeMergeDiverged && p.Code != domain.CodeMergeConflict {
			continue
		}
		return &domain.MergeConflict{Paths: stringList(p.Details["paths"]), Commits: stringList(p.Details["commits"])}, nil
	}
	return nil, nil
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (t *txn) mergeEvent(m *domain.Merge, kind domain.Kind, payload any) (domain.Event, error) {
	return t.append(events.Draft{
		Kind:          kind,
		AggregateKind: domain.AggMerge,
		AggregateID:   m.ID,
		Refs:          domain.Refs{ProjectID: m.ProjectID, FlowID: m.FlowID, MergeID: m.ID},
		Payload:       payload,
	})
}
