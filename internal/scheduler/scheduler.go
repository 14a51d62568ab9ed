// Package scheduler derives per-task scheduling status for a flow and picks
// the tasks a tick should dispatch.
package scheduler

import (
	"sort"

	"flowline/internal/domain"
	"flowline/internal/graph"
	"flowline/internal/projector"
)

// Status computes the scheduling status of one task within f.
func Status(s *projector.State, f *domain.Flow, taskID string) domain.SchedStatus {
	t := s.Tasks[taskID]
	if t == nil {
		return domain.SchedBlocked
	}
	if t.DoneEquivalent() {
		return domain.SchedDone
	}
	if t.FlowID != f.ID {
		// not yet attempted within this flow
		if t.State == domain.TaskClosed {
			return domain.SchedFailed
		}
		if prerequisitesDone(s, f, taskID) {
			return domain.SchedReady
		}
		return domain.SchedBlocked
	}
	switch t.State {
	case domain.TaskFailed, domain.TaskAborted, domain.TaskClosed:
		return domain.SchedFailed
	case domain.TaskCheckpointed:
		return domain.SchedCheckpointed
	case domain.TaskVerifying:
		return domain.SchedVerifying
	case domain.TaskStarted:
		if a := s.Attempts[t.CurrentAttempt]; a != nil && a.State == domain.AttemptPending {
			if prerequisitesDone(s, f, taskID) {
				return domain.SchedReady
			}
			return domain.SchedBlocked
		}
		return domain.SchedInAttempt
	}
	if prerequisitesDone(s, f, taskID) {
		return domain.SchedReady
	}
	return domain.SchedBlocked
}

func prerequisitesDone(s *projector.State, f *domain.Flow, taskID string) bool {
	for _, p := range f.Prerequisites(taskID) {
		pt := s.Tasks[p]
		if pt == nil || !pt.DoneEquivalent() {
			return false
		}
	}
	return true
}

// Statuses computes the status of every task in f.
func Statuses(s *projector.State, f *domain.Flow) map[string]domain.SchedStatus {
	out := make(map[string]domain.SchedStatus, len(f.Tasks))
	for _, id := range f.Tasks {
		out[id] = Status(s, f, id)
	}
	return out
}

// Ready returns the Ready tasks of f, most-depended-upon first, then by id.
func Ready(s *projector.State, f *domain.Flow) []string {
	depth := graph.DependentsDepth(f.Tasks, f.Edges)
	var ready []string
	for _, id := range f.Tasks {
		if Status(s, f, id) == domain.SchedReady {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if depth[ready[i]] != depth[ready[j]] {
			return depth[ready[i]] > depth[ready[j]]
		}
		return ready[i] < ready[j]
	})
	return ready
}

// InFlight counts tasks currently holding a dispatched or running attempt.
func InFlight(s *projector.State, f *domain.Flow) int {
	n := 0
	for _, id := range f.Tasks {
		if Status(s, f, id) == domain.SchedInAttempt {
			n++
		}
	}
	return n
}

// Verdict summarises whether a flow has reached a terminal condition.
type Verdict struct {
	Complete   bool
	Failed     bool
	FailedTask string
	Reason     string
}

// Evaluate reports whether f should transition to Completed or Failed.
// A flow completes when every task is Done. It fails when a task has
// exhausted its retry budget or was closed without completing.
func Evaluate(s *projector.State, f *domain.Flow) Verdict {
	statuses := Statuses(s, f)
	allDone := true
	ids := append([]string(nil), f.Tasks...)
	sort.Strings(ids)
	for _, id := range ids {
		st := statuses[id]
		if st != domain.SchedDone {
			allDone = false
		}
		if st == domain.SchedFailed {
			t := s.Tasks[id]
			if t == nil || t.RetryExhausted || t.State == domain.TaskClosed {
				return Verdict{Failed: true, FailedTask: id, Reason: "task " + id + " failed beyond its retry policy"}
			}
		}
	}
	return Verdict{Complete: allDone && len(f.Tasks) > 0}
}
