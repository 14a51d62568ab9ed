// Package projector folds the event log into derived state. Everything here is
// a pure function of the event sequence: no clocks, no I/O.
package projector

import (
	"fmt"
	"sort"

	"flowline/internal/domain"
)

// State is the derived view of every aggregate after a prefix of the log.
type State struct {
	Projects  map[string]*domain.Project
	Tasks     map[string]*domain.Task
	Attempts  map[string]*domain.Attempt
	Graphs    map[string]*domain.Graph
	Flows     map[string]*domain.Flow
	Merges    map[string]*domain.Merge
	Watermark int64
}

func New() *State {
	return &State{
		Projects: map[string]*domain.Project{},
		Tasks:    map[string]*domain.Task{},
		Attempts: map[string]*domain.Attempt{},
		Graphs:   map[string]*domain.Graph{},
		Flows:    map[string]*domain.Flow{},
		Merges:   map[string]*domain.Merge{},
	}
}

// Project replays events from the empty state.
func Project(events []domain.Event) (*State, error) {
	s := New()
	for _, ev := range events {
		if err := s.Apply(ev); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Apply advances the state by one event. Events must arrive in sequence order.
func (s *State) Apply(ev domain.Event) error {
	if ev.Seq <= s.Watermark {
		return fmt.Errorf("event %d applied out of order (watermark %d)", ev.Seq, s.Watermark)
	}
	var err error
	switch ev.AggregateKind {
	case domain.AggProject:
		err = s.applyProject(ev)
	case domain.AggTask:
		err = s.applyTask(ev)
	case domain.AggGraph:
		err = s.applyGraph(ev)
	case domain.AggFlow:
		err = s.applyFlow(ev)
	case domain.AggMerge:
		err = s.applyMerge(ev)
	default:
		err = fmt.Errorf("unknown aggregate kind %q", ev.AggregateKind)
	}
	if err != nil {
		return fmt.Errorf("apply %s seq %d: %w", ev.Kind, ev.Seq, err)
	}
	s.Watermark = ev.Seq
	return nil
}

// Version returns the last sequence number of an aggregate stream.
func (s *State) Version(kind domain.AggregateKind, id string) int64 {
	switch kind {
	case domain.AggProject:
		if p := s.Projects[id]; p != nil {
			return p.Version
		}
	case domain.AggTask:
		if t := s.Tasks[id]; t != nil {
			return t.Version
		}
	case domain.AggGraph:
		if g := s.Graphs[id]; g != nil {
			return g.Version
		}
	case domain.AggFlow:
		if f := s.Flows[id]; f != nil {
			return f.Version
		}
	case domain.AggMerge:
		if m := s.Merges[id]; m != nil {
			return m.Version
		}
	}
	return 0
}

func (s *State) bump(kind domain.AggregateKind, id string, seq int64) {
	switch kind {
	case domain.AggProject:
		if p := s.Projects[id]; p != nil {
			p.Version = seq
		}
	case domain.AggTask:
		if t := s.Tasks[id]; t != nil {
			t.Version = seq
		}
	case domain.AggGraph:
		if g := s.Graphs[id]; g != nil {
			g.Version = seq
		}
	case domain.AggFlow:
		if f := s.Flows[id]; f != nil {
			f.Version = seq
		}
	case domain.AggMerge:
		if m := s.Merges[id]; m != nil {
			m.Version = seq
		}
	}
}

func (s *State) applyProject(ev domain.Event) error {
	id := ev.AggregateID
	if ev.Kind == domain.KindProjectCreated {
		var p domain.ProjectCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if _, exists := s.Projects[id]; exists {
			return fmt.Errorf("project %s already exists", id)
		}
		s.Projects[id] = &domain.Project{
			ID:          id,
			Name:        p.Name,
			Description: p.Description,
			Repos:       map[string]domain.RepoRef{},
			CreatedAt:   ev.TS,
			UpdatedAt:   ev.TS,
			Version:     ev.Seq,
		}
		return nil
	}
	proj := s.Projects[id]
	if proj == nil {
		return fmt.Errorf("unknown project %s", id)
	}
	switch ev.Kind {
	case domain.KindProjectUpdated:
		var p domain.ProjectUpdatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Name != nil {
			proj.Name = *p.Name
		}
		if p.Description != nil {
			proj.Description = *p.Description
		}
		if p.RequiredChecks != nil {
			proj.RequiredChecks = *p.RequiredChecks
		}
	case domain.KindProjectRuntimeSet:
		var p domain.ProjectRuntimeSetPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		proj.Runtime = p.Runtime
	case domain.KindProjectRepoAttached:
		var p domain.ProjectRepoAttachedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		proj.Repos[p.Repo.Name] = p.Repo
	case domain.KindProjectRepoDetached:
		var p domain.ProjectRepoDetachedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		delete(proj.Repos, p.Name)
	case domain.KindCommandRejected:
	default:
		return fmt.Errorf("unexpected project event")
	}
	if ev.Kind != domain.KindCommandRejected {
		proj.UpdatedAt = ev.TS
	}
	proj.Version = ev.Seq
	return nil
}

func (s *State) applyGraph(ev domain.Event) error {
	id := ev.AggregateID
	if ev.Kind == domain.KindGraphCreated {
		var p domain.GraphCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		tasks := append([]string(nil), p.Tasks...)
		sort.Strings(tasks)
		s.Graphs[id] = &domain.Graph{
			ID:        id,
			ProjectID: ev.Refs.ProjectID,
			Name:      p.Name,
			Tasks:     tasks,
			Edges:     append([]domain.Edge{}, p.Edges...),
			CreatedAt: ev.TS,
			UpdatedAt: ev.TS,
			Version:   ev.Seq,
		}
		return nil
	}
	g := s.Graphs[id]
	if g == nil {
		return fmt.Errorf("unknown graph %s", id)
	}
	switch ev.Kind {
	case domain.KindGraphTaskAdded:
		var p domain.GraphTaskAddedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		g.Tasks = append(g.Tasks, p.TaskID)
		sort.Strings(g.Tasks)
		g.Edges = append(g.Edges, p.Edges...)
	case domain.KindGraphDependencyAdded:
		var p domain.GraphDependencyPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		g.Edges = append(g.Edges, p.Edge)
	case domain.KindGraphDependencyRemoved:
		var p domain.GraphDependencyPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		kept := g.Edges[:0:0]
		for _, e := range g.Edges {
			if e != p.Edge {
				kept = append(kept, e)
			}
		}
		g.Edges = kept
	case domain.KindGraphLocked:
		var p domain.GraphLockedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		g.Locked = true
		g.LockedBy = p.FlowID
	case domain.KindCommandRejected:
		g.Version = ev.Seq
		return nil
	default:
		return fmt.Errorf("unexpected graph event")
	}
	g.UpdatedAt = ev.TS
	g.Version = ev.Seq
	return nil
}

func (s *State) applyFlow(ev domain.Event) error {
	id := ev.AggregateID
	if ev.Kind == domain.KindFlowCreated {
		var p domain.FlowCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		s.Flows[id] = &domain.Flow{
			ID:           id,
			ProjectID:    ev.Refs.ProjectID,
			GraphID:      p.GraphID,
			State:        domain.FlowCreated,
			Repo:         p.Repo,
			RepoPath:     p.RepoPath,
			TargetBranch: p.TargetBranch,
			MaxAttempts:  p.MaxAttempts,
			MaxParallel:  p.MaxParallel,
			AutoRetry:    p.AutoRetry,
			WorktreeDir:  p.WorktreeDir,
			Tasks:        append([]string{}, p.Tasks...),
			Edges:        append([]domain.Edge{}, p.Edges...),
			CreatedAt:    ev.TS,
			Version:      ev.Seq,
		}
		return nil
	}
	f := s.Flows[id]
	if f == nil {
		return fmt.Errorf("unknown flow %s", id)
	}
	switch ev.Kind {
	case domain.KindFlowStarted:
		var p domain.FlowStartedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		f.State = domain.FlowRunning
		f.BaseCommit = p.BaseCommit
		f.StartedAt = ev.TS
	case domain.KindFlowPaused:
		f.State = domain.FlowPaused
	case domain.KindFlowResumed:
		f.State = domain.FlowRunning
	case domain.KindFlowAborted:
		var p domain.FlowAbortedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		f.State = domain.FlowAborted
		f.FailureReason = p.Reason
		f.EndedAt = ev.TS
	case domain.KindFlowCompleted:
		f.State = domain.FlowCompleted
		f.EndedAt = ev.TS
	case domain.KindFlowFailed:
		var p domain.FlowFailedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		f.State = domain.FlowFailed
		f.FailureReason = p.Reason
		f.EndedAt = ev.TS
	case domain.KindFlowTickObserved:
		f.Ticks++
	case domain.KindCommandRejected:
	default:
		return fmt.Errorf("unexpected flow event")
	}
	f.Version = ev.Seq
	return nil
}

func (s *State) applyMerge(ev domain.Event) error {
	id := ev.AggregateID
	if ev.Kind == domain.KindMergePrepared {
		var p domain.MergePreparedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		f := s.Flows[p.FlowID]
		if f == nil {
			return fmt.Errorf("merge %s references unknown flow %s", id, p.FlowID)
		}
		s.Merges[id] = &domain.Merge{
			ID:              id,
			FlowID:          p.FlowID,
			ProjectID:       ev.Refs.ProjectID,
			State:           domain.MergePrepared,
			RepoPath:        p.RepoPath,
			TargetBranch:    p.TargetBranch,
			BaseCommit:      p.BaseCommit,
			CandidateCommit: p.CandidateCommit,
			CandidateBranch: p.CandidateBranch,
			Files:           p.Files,
			DiffStat:        p.DiffStat,
			PreparedAt:      ev.TS,
			Version:         ev.Seq,
		}
		f.MergeID = id
		return nil
	}
	m := s.Merges[id]
	if m == nil {
		return fmt.Errorf("unknown merge %s", id)
	}
	switch ev.Kind {
	case domain.KindMergeApproved:
		m.State = domain.MergeApproved
		m.ApprovedBy = ev.ActorID
		m.ApprovedAt = ev.TS
	case domain.KindMergeExecuted:
		var p domain.MergeExecutedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		m.State = domain.MergeExecuted
		m.ResultCommit = p.ResultCommit
		m.Method = p.Method
		m.ExecutedBy = ev.ActorID
		m.ExecutedAt = ev.TS
	case domain.KindMergeRejected:
		var p domain.MergeRejectedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		m.State = domain.MergeRejected
		m.RejectReason = p.Reason
		m.Conflict = p.Conflict
		if f := s.Flows[m.FlowID]; f != nil && f.MergeID == id {
			f.MergeID = ""
		}
	case domain.KindCommandRejected:
	default:
		return fmt.Errorf("unexpected merge event")
	}
	m.Version = ev.Seq
	return nil
}
