package domain

import (
	"encoding/json"
	"fmt"
)

// Kind tags an event; each kind has exactly one payload type.
type Kind string

const (
	KindProjectCreated      Kind = "project.created"
	KindProjectUpdated      Kind = "project.updated"
	KindProjectRuntimeSet   Kind = "project.runtime_set"
	KindProjectRepoAttached Kind = "project.repo_attached"
	KindProjectRepoDetached Kind = "project.repo_detached"

	KindTaskCreated        Kind = "task.created"
	KindTaskUpdated        Kind = "task.updated"
	KindTaskCompleted      Kind = "task.completed"
	KindTaskFailed         Kind = "task.failed"
	KindTaskClosed         Kind = "task.closed"
	KindTaskRetryExhausted Kind = "task.retry_exhausted"

	KindGraphCreated           Kind = "graph.created"
	KindGraphTaskAdded         Kind = "graph.task_added"
	KindGraphDependencyAdded   Kind = "graph.dependency_added"
	KindGraphDependencyRemoved Kind = "graph.dependency_removed"
	KindGraphLocked            Kind = "graph.locked"

	KindFlowCreated      Kind = "flow.created"
	KindFlowStarted      Kind = "flow.started"
	KindFlowPaused       Kind = "flow.paused"
	KindFlowResumed      Kind = "flow.resumed"
	KindFlowAborted      Kind = "flow.aborted"
	KindFlowCompleted    Kind = "flow.completed"
	KindFlowFailed       Kind = "flow.failed"
	KindFlowTickObserved Kind = "flow.tick_observed"

	KindAttemptCreated    Kind = "attempt.created"
	KindAttemptDispatched Kind = "attempt.dispatched"
	KindAttemptStarted    Kind = "attempt.started"
	KindAttemptFinished   Kind = "attempt.finished"
	KindAttemptAborted    Kind = "attempt.aborted"
	KindAttemptLateResult Kind = "attempt.late_result"

	KindCheckpointRecorded   Kind = "checkpoint.recorded"
	KindVerificationStarted  Kind = "verification.started"
	KindVerificationRecorded Kind = "verification.recorded"
	KindCheckpointOverridden Kind = "checkpoint.overridden"

	KindWorktreeArchived Kind = "worktree.archived"
	KindWorktreeReleased Kind = "worktree.released"

	KindMergePrepared Kind = "merge.prepared"
	KindMergeApproved Kind = "merge.approved"
	KindMergeExecuted Kind = "merge.executed"
	KindMergeRejected Kind = "merge.rejected"

	KindCommandRejected Kind = "command.rejected"
)

// Refs lists every aggregate an event touches.
type Refs struct {
	ProjectID string `json:"project_id,omitempty"`
	GraphID   string `json:"graph_id,omitempty"`
	FlowID    string `json:"flow_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
	MergeID   string `json:"merge_id,omitempty"`
}

// Event is an immutable entry of the log. Attempts, checkpoints and
// verification runs live inside the task stream, so their events carry
// AggregateKind task.
type Event struct {
	Seq           int64           `json:"seq"`
	TS            string          `json:"ts"`
	Kind          Kind            `json:"kind"`
	AggregateKind AggregateKind   `json:"aggregate_kind"`
	AggregateID   string          `json:"aggregate_id"`
	PrevSeq       int64           `json:"prev_seq"`
	Refs          Refs            `json:"refs"`
	ActorID       string          `json:"actor_id"`
	CausationSeq  int64           `json:"causation_seq,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", e.Kind, e.Seq, err)
	}
	return nil
}

type ProjectCreatedPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ProjectUpdatedPayload struct {
	Name           *string  `json:"name,omitempty"`
	Description    *string  `json:"description,omitempty"`
	RequiredChecks *[]Check `json:"required_checks,omitempty"`
}

type ProjectRuntimeSetPayload struct {
	Runtime Runtime `json:"runtime"`
}

type ProjectRepoAttachedPayload struct {
	Repo RepoRef `json:"repo"`
}

type ProjectRepoDetachedPayload struct {
	Name string `json:"name"`
}

type TaskCreatedPayload struct {
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Acceptance       []string `json:"acceptance,omitempty"`
	Scope            []string `json:"scope,omitempty"`
	Context          []string `json:"context,omitempty"`
	Checks           []Check  `json:"checks,omitempty"`
	CheckpointExempt bool     `json:"checkpoint_exempt,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
}

type TaskUpdatedPayload struct {
	Title            *string   `json:"title,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Acceptance       *[]string `json:"acceptance,omitempty"`
	Scope            *[]string `json:"scope,omitempty"`
	Context          *[]string `json:"context,omitempty"`
	Checks           *[]Check  `json:"checks,omitempty"`
	CheckpointExempt *bool     `json:"checkpoint_exempt,omitempty"`
	DependsOn        *[]string `json:"depends_on,omitempty"`
}

type TaskCompletedPayload struct {
	AttemptID string `json:"attempt_id,omitempty"`
	Via       string `json:"via"`
}

type TaskFailedPayload struct {
	AttemptID string `json:"attempt_id,omitempty"`
	Code      Code   `json:"code,omitempty"`
	Reason    string `json:"reason"`
}

type TaskClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type TaskRetryExhaustedPayload struct {
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`
}

type GraphCreatedPayload struct {
	Name  string   `json:"name"`
	Tasks []string `json:"tasks"`
	Edges []Edge   `json:"edges"`
}

type GraphTaskAddedPayload struct {
	TaskID string `json:"task_id"`
	Edges  []Edge `json:"edges,omitempty"`
}

type GraphDependencyPayload struct {
	Edge Edge `json:"edge"`
}

type GraphLockedPayload struct {
	FlowID string `json:"flow_id"`
}

type FlowCreatedPayload struct {
	GraphID      string    `json:"graph_id"`
	Repo         string    `json:"repo"`
	RepoPath     string    `json:"repo_path"`
	TargetBranch string    `json:"target_branch"`
	MaxAttempts  int       `json:"max_attempts"`
	MaxParallel  int       `json:"max_parallel"`
	AutoRetry    RetryMode `json:"auto_retry,omitempty"`
	WorktreeDir  string    `json:"worktree_dir"`
	Tasks        []string  `json:"tasks"`
	Edges        []Edge    `json:"edges"`
}

type FlowStartedPayload struct {
	BaseCommit string `json:"base_commit"`
}

type FlowPausedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type FlowResumedPayload struct{}

type FlowAbortedPayload struct {
	Reason   string   `json:"reason,omitempty"`
	Attempts []string `json:"attempts,omitempty"`
}

type FlowCompletedPayload struct{}

type FlowFailedPayload struct {
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason"`
}

type FlowTickObservedPayload struct {
	State    FlowState              `json:"state"`
	Statuses map[string]SchedStatus `json:"statuses"`
}

type AttemptCreatedPayload struct {
	AttemptID      string    `json:"attempt_id"`
	FlowID         string    `json:"flow_id"`
	Number         int       `json:"number"`
	Mode           RetryMode `json:"mode"`
	Auto           bool      `json:"auto,omitempty"`
	PriorAttemptID string    `json:"prior_attempt_id,omitempty"`
	Worktree       string    `json:"worktree,omitempty"`
	Branch         string    `json:"branch,omitempty"`
	Baseline       string    `json:"baseline,omitempty"`
}

type AttemptDispatchedPayload struct {
	AttemptID string `json:"attempt_id"`
}

type AttemptStartedPayload struct {
	AttemptID string `json:"attempt_id"`
	Worktree  string `json:"worktree"`
	Branch    string `json:"branch"`
	Baseline  string `json:"baseline"`
}

type AttemptFinishedPayload struct {
	AttemptID    string      `json:"attempt_id"`
	Outcome      Outcome     `json:"outcome"`
	Invocation   *Invocation `json:"invocation,omitempty"`
	ChangedFiles []string    `json:"changed_files,omitempty"`
	Code         Code        `json:"code,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

type AttemptAbortedPayload struct {
	AttemptID string `json:"attempt_id"`
	Reason    string `json:"reason,omitempty"`
}

type AttemptLateResultPayload struct {
	AttemptID  string      `json:"attempt_id"`
	Outcome    Outcome     `json:"outcome"`
	Invocation *Invocation `json:"invocation,omitempty"`
}

type CheckpointRecordedPayload struct {
	AttemptID      string   `json:"attempt_id"`
	Commit         string   `json:"commit"`
	ChangedFiles   []string `json:"changed_files,omitempty"`
	RequiredChecks []Check  `json:"required_checks"`
}

type VerificationStartedPayload struct {
	AttemptID string  `json:"attempt_id"`
	Checks    []Check `json:"checks"`
}

type VerificationRecordedPayload struct {
	AttemptID string        `json:"attempt_id"`
	Results   []CheckResult `json:"results"`
	Satisfied bool          `json:"satisfied"`
}

type CheckpointOverriddenPayload struct {
	AttemptID       string   `json:"attempt_id"`
	Decision        Decision `json:"decision"`
	Justification   string   `json:"justification"`
	VerificationSeq int64    `json:"verification_seq"`
}

type WorktreeArchivedPayload struct {
	AttemptID string `json:"attempt_id"`
	Ref       string `json:"ref"`
	Commit    string `json:"commit"`
}

type WorktreeReleasedPayload struct {
	AttemptID string `json:"attempt_id"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
}

type MergePreparedPayload struct {
	FlowID          string   `json:"flow_id"`
	RepoPath        string   `json:"repo_path"`
	TargetBranch    string   `json:"target_branch"`
	BaseCommit      string   `json:"base_commit"`
	CandidateCommit string   `json:"candidate_commit"`
	CandidateBranch string   `json:"candidate_branch"`
	Files           []string `json:"files,omitempty"`
	DiffStat        string   `json:"diff_stat,omitempty"`
}

type MergeApprovedPayload struct{}

type MergeExecutedPayload struct {
	ResultCommit string `json:"result_commit"`
	Method       string `json:"method"`
}

type MergeRejectedPayload struct {
	Reason   string         `json:"reason"`
	Conflict *MergeConflict `json:"conflict,omitempty"`
}

type CommandRejectedPayload struct {
	Command  string         `json:"command"`
	Category Category       `json:"category"`
	Code     Code           `json:"code"`
	Message  string         `json:"message"`
	Expected string         `json:"expected,omitempty"`
	Actual   string         `json:"actual,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}
