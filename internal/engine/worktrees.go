package engine

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"flowline/internal/domain"
)

type WorktreeInfo struct {
	AttemptID  string              `json:"attempt_id"`
	TaskID     string              `json:"task_id"`
	FlowID     string              `json:"flow_id"`
	Path       string              `json:"path"`
	Branch     string              `json:"branch"`
	State      domain.AttemptState `json:"state"`
	Released   bool                `json:"released"`
	ArchiveRef string              `json:"archive_ref,omitempty"`
	OnDisk     bool                `json:"on_disk"`
}

// ListWorktrees lists the worktrees of every attempt, optionally of one flow.
func (e Engine) ListWorktrees(ctx context.Context, flowID string) ([]WorktreeInfo, error) {
	st, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	if flowID != "" && st.Flows[flowID] == nil {
		return nil, domain.NotFound(domain.AggFlow, flowID)
	}
	var out []WorktreeInfo
	for _, a := range st.Attempts {
		if a.Worktree == "" || (flowID != "" && a.FlowID != flowID) {
			continue
		}
		out = append(out, WorktreeInfo{
			AttemptID:  a.ID,
			TaskID:     a.TaskID,
			FlowID:     a.FlowID,
			Path:       a.Worktree,
			Branch:     a.Branch,
			State:      a.State,
			Released:   a.Released,
			ArchiveRef: a.ArchiveRef,
			OnDisk:     onDisk(a.Worktree),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].AttemptID < out[j].AttemptID
	})
	return out, nil
}

// CleanupWorktree removes an attempt's worktree from disk. A continue-mode
// retry shares the path with its prior attempt, so every attempt on the path
// is released together and none of them may still be active.
func (e Engine) CleanupWorktree(ctx context.Context, attemptID, actorID string) ([]string, error) {
	var released []string
	err := e.run(ctx, actorID, "worktree cleanup", noTarget, func(t *txn) error {
		a := t.state.Attempts[attemptID]
		if a == nil {
			return domain.NotFound(domain.AggAttempt, attemptID)
		}
		if a.Worktree == "" {
			return domain.ConflictErr(domain.CodePreconditionFailed, "attempt %s has no worktree", a.ID).On(domain.AggAttempt, a.ID)
		}
		f := t.state.Flows[a.FlowID]
		if f == nil {
			return domain.NotFound(domain.AggFlow, a.FlowID)
		}
		sharing := t.attemptsOnPath(a.Worktree)
		for _, s := range sharing {
			if s.Active() {
				return domain.ConflictErr(domain.CodePreconditionFailed, "attempt %s still uses worktree %s", s.ID, s.Worktree).
					On(domain.AggAttempt, a.ID).State("inactive", s.State).With("attempt_id", s.ID)
			}
		}
		if onDisk(a.Worktree) {
			if err := t.e.Git.RemoveWorktree(t.ctx, f.RepoPath, a.Worktree); err != nil {
				return err
			}
		}
		ids, err := t.release(sharing, "cleanup")
		if err != nil {
			return err
		}
		released = ids
		return nil
	})
	return released, err
}

// releaseFlowWorktrees removes every worktree of a flow and records the
// release. Failures to remove one worktree do not stop the others.
func (e Engine) releaseFlowWorktrees(ctx context.Context, flowID, actorID, reason string) ([]string, error) {
	var released []string
	err := e.run(ctx, actorID, "worktree release", noTarget, func(t *txn) error {
		f, err := t.flow(flowID)
		if err != nil {
			return err
		}
		paths := map[string][]*domain.Attempt{}
		var order []string
		for _, a := range t.state.Attempts {
			if a.FlowID != f.ID || a.Worktree == "" || a.Released {
				continue
			}
			if _, ok := paths[a.Worktree]; !ok {
				order = append(order, a.Worktree)
			}
			paths[a.Worktree] = append(paths[a.Worktree], a)
		}
		sort.Strings(order)
		for _, path := range order {
			if onDisk(path) {
				if err := t.e.Git.RemoveWorktree(t.ctx, f.RepoPath, path); err != nil {
					t.e.logger().Warn("remove worktree", zap.String("path", path), zap.Error(err))
					continue
				}
			}
			ids, err := t.release(paths[path], reason)
			if err != nil {
				return err
			}
			released = append(released, ids...)
		}
		return nil
	})
	return released, err
}

// attemptsOnPath returns the attempts sharing one worktree path, oldest first.
func (t *txn) attemptsOnPath(path string) []*domain.Attempt {
	var out []*domain.Attempt
	for _, a := range t.state.Attempts {
		if a.Worktree == path {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Number < out[j].Number
	})
	return out
}

func (t *txn) release(attempts []*domain.Attempt, reason string) ([]string, error) {
	var ids []string
	for _, a := range attempts {
		if a.Released {
			continue
		}
		tk, err := t.task(a.TaskID)
		if err != nil {
			return nil, err
		}
		if _, err := t.taskEventIn(tk, a.FlowID, a.ID, domain.KindWorktreeReleased, domain.WorktreeReleasedPayload{
			AttemptID: a.ID, Path: a.Worktree, Reason: reason,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}
