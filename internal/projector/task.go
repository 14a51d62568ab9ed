package projector

import (
	"fmt"

	"flowline/internal/domain"
)

func (s *State) applyTask(ev domain.Event) error {
	id := ev.AggregateID
	if ev.Kind == domain.KindTaskCreated {
		var p domain.TaskCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if _, exists := s.Tasks[id]; exists {
			return fmt.Errorf("task %s already exists", id)
		}
		s.Tasks[id] = &domain.Task{
			ID:               id,
			ProjectID:        ev.Refs.ProjectID,
			Title:            p.Title,
			Description:      p.Description,
			Acceptance:       p.Acceptance,
			Scope:            p.Scope,
			Context:          p.Context,
			Checks:           p.Checks,
			CheckpointExempt: p.CheckpointExempt,
			DependsOn:        p.DependsOn,
			State:            domain.TaskCreated,
			CreatedAt:        ev.TS,
			UpdatedAt:        ev.TS,
			Version:          ev.Seq,
		}
		return nil
	}
	t := s.Tasks[id]
	if t == nil {
		return fmt.Errorf("unknown task %s", id)
	}
	t.Version = ev.Seq
	if ev.Kind == domain.KindCommandRejected {
		return nil
	}
	t.UpdatedAt = ev.TS

	switch ev.Kind {
	case domain.KindTaskUpdated:
		var p domain.TaskUpdatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Title != nil {
			t.Title = *p.Title
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.Acceptance != nil {
			t.Acceptance = *p.Acceptance
		}
		if p.Scope != nil {
			t.Scope = *p.Scope
		}
		if p.Context != nil {
			t.Context = *p.Context
		}
		if p.Checks != nil {
			t.Checks = *p.Checks
		}
		if p.CheckpointExempt != nil {
			t.CheckpointExempt = *p.CheckpointExempt
		}
		if p.DependsOn != nil {
			t.DependsOn = *p.DependsOn
		}
	case domain.KindTaskCompleted:
		var p domain.TaskCompletedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		t.State = domain.TaskCompleted
		t.CompletedVia = p.Via
		t.CompletedAt = ev.TS
	case domain.KindTaskFailed:
		var p domain.TaskFailedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		t.State = domain.TaskFailed
		t.FailureCode = p.Code
		t.FailureReason = p.Reason
	case domain.KindTaskClosed:
		t.State = domain.TaskClosed
		t.ClosedAt = ev.TS
	case domain.KindTaskRetryExhausted:
		t.RetryExhausted = true
	case domain.KindAttemptCreated:
		var p domain.AttemptCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if _, exists := s.Attempts[p.AttemptID]; exists {
			return fmt.Errorf("attempt %s already exists", p.AttemptID)
		}
		s.Attempts[p.AttemptID] = &domain.Attempt{
			ID:             p.AttemptID,
			TaskID:         t.ID,
			FlowID:         p.FlowID,
			ProjectID:      t.ProjectID,
			Number:         p.Number,
			Mode:           p.Mode,
			Auto:           p.Auto,
			PriorAttemptID: p.PriorAttemptID,
			State:          domain.AttemptPending,
			Worktree:       p.Worktree,
			Branch:         p.Branch,
			Baseline:       p.Baseline,
			CreatedAt:      ev.TS,
		}
		if t.FlowID != p.FlowID {
			t.RetryExhausted = false
			t.Baseline = ""
		}
		t.State = domain.TaskStarted
		t.FlowID = p.FlowID
		t.CurrentAttempt = p.AttemptID
		t.Attempts = append(t.Attempts, p.AttemptID)
		t.FailureCode = ""
		t.FailureReason = ""
	default:
		return s.applyAttempt(t, ev)
	}
	return nil
}

func (s *State) applyAttempt(t *domain.Task, ev domain.Event) error {
	var ref struct {
		AttemptID string `json:"attempt_id"`
	}
	if err := ev.Decode(&ref); err != nil {
		return err
	}
	a := s.Attempts[ref.AttemptID]
	if a == nil || a.TaskID != t.ID {
		return fmt.Errorf("unknown attempt %q for task %s", ref.AttemptID, t.ID)
	}
	current := t.CurrentAttempt == a.ID

	switch ev.Kind {
	case domain.KindAttemptDispatched:
		a.State = domain.AttemptDispatched
		a.DispatchedAt = ev.TS
	case domain.KindAttemptStarted:
		var p domain.AttemptStartedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		a.State = domain.AttemptRunning
		a.Worktree = p.Worktree
		a.Branch = p.Branch
		a.Baseline = p.Baseline
		a.StartedAt = ev.TS
		if t.Baseline == "" {
			t.Baseline = p.Baseline
		}
	case domain.KindAttemptFinished:
		var p domain.AttemptFinishedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		a.State = domain.AttemptFinished
		a.Outcome = p.Outcome
		a.Invocation = p.Invocation
		a.ChangedFiles = p.ChangedFiles
		a.FailureCode = p.Code
		a.FailureReason = p.Reason
		a.FinishedAt = ev.TS
	case domain.KindAttemptAborted:
		var p domain.AttemptAbortedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		a.State = domain.AttemptAborted
		a.Outcome = domain.OutcomeAborted
		a.FailureReason = p.Reason
		a.FinishedAt = ev.TS
		if current {
			t.State = domain.TaskAborted
		}
	case domain.KindAttemptLateResult:
		var p domain.AttemptLateResultPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		a.LateResult = p.Invocation
		if a.LateResult == nil {
			a.LateResult = &domain.Invocation{}
		}
	case domain.KindCheckpointRecorded:
		var p domain.CheckpointRecordedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		a.Checkpoint = &domain.Checkpoint{
			Commit:         p.Commit,
			RequiredChecks: p.RequiredChecks,
			RecordedAt:     ev.TS,
		}
		if p.ChangedFiles != nil {
			a.ChangedFiles = p.ChangedFiles
		}
		if current {
			t.State = domain.TaskCheckpointed
		}
	case domain.KindVerificationStarted:
		if a.Checkpoint == nil {
			return fmt.Errorf("verification without checkpoint on attempt %s", a.ID)
		}
		if current {
			t.State = domain.TaskVerifying
		}
	case domain.KindVerificationRecorded:
		var p domain.VerificationRecordedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if a.Checkpoint == nil {
			return fmt.Errorf("verification without checkpoint on attempt %s", a.ID)
		}
		results := make(map[string]domain.CheckResult, len(p.Results))
		for _, r := range p.Results {
			results[r.Name] = r
		}
		a.Checkpoint.Results = results
		a.Checkpoint.Satisfied = p.Satisfied
		a.Checkpoint.VerificationSeq = ev.Seq
		a.Checkpoint.Runs++
	case domain.KindCheckpointOverridden:
		var p domain.CheckpointOverriddenPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if a.Checkpoint == nil {
			return fmt.Errorf("override without checkpoint on attempt %s", a.ID)
		}
		a.Checkpoint.Override = &domain.Override{
			ActorID:         ev.ActorID,
			Decision:        p.Decision,
			Justification:   p.Justification,
			VerificationSeq: p.VerificationSeq,
			Seq:             ev.Seq,
			TS:              ev.TS,
		}
	case domain.KindWorktreeArchived:
		var p domain.WorktreeArchivedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		a.ArchiveRef = p.Ref
		a.ArchiveCommit = p.Commit
	case domain.KindWorktreeReleased:
		a.Released = true
	default:
		return fmt.Errorf("unexpected task event")
	}
	return nil
}
