package domain

type AggregateKind string

const (
	AggProject AggregateKind = "project"
	AggTask    AggregateKind = "task"
	AggAttempt AggregateKind = "attempt"
	AggGraph   AggregateKind = "graph"
	AggFlow    AggregateKind = "flow"
	AggMerge   AggregateKind = "merge"
)

type Project struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	Repos          map[string]RepoRef `json:"repos"`
	Runtime        Runtime            `json:"runtime"`
	RequiredChecks []Check            `json:"required_checks,omitempty"`
	CreatedAt      string             `json:"created_at"`
	UpdatedAt      string             `json:"updated_at"`
	Version        int64              `json:"-"`
}

// RepoRef is a git repository attached to a project.
type RepoRef struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	TargetBranch string `json:"target_branch"`
}

// Runtime configures the adapter process a project dispatches attempts to.
type Runtime struct {
	Binary         string            `json:"binary,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Check is a shell command that must exit zero for a checkpoint to be satisfied.
type Check struct {
	Name           string `json:"name" yaml:"name"`
	Command        string `json:"command" yaml:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}

type Task struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Acceptance       []string  `json:"acceptance,omitempty"`
	Scope            []string  `json:"scope,omitempty"`
	Context          []string  `json:"context,omitempty"`
	Checks           []Check   `json:"checks,omitempty"`
	CheckpointExempt bool      `json:"checkpoint_exempt,omitempty"`
	DependsOn        []string  `json:"depends_on,omitempty"`
	State            TaskState `json:"state"`
	FlowID           string    `json:"flow_id,omitempty"`
	CurrentAttempt   string    `json:"current_attempt,omitempty"`
	Attempts         []string  `json:"attempts,omitempty"`
	Baseline         string    `json:"baseline,omitempty"`
	RetryExhausted   bool      `json:"retry_exhausted,omitempty"`
	CompletedVia     string    `json:"completed_via,omitempty"`
	FailureCode      Code      `json:"failure_code,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	CreatedAt        string    `json:"created_at"`
	UpdatedAt        string    `json:"updated_at"`
	CompletedAt      string    `json:"completed_at,omitempty"`
	ClosedAt         string    `json:"closed_at,omitempty"`
	Version          int64     `json:"-"`
}

// DoneEquivalent reports whether dependents may treat the task as finished.
func (t Task) DoneEquivalent() bool {
	return t.State == TaskCompleted || (t.State == TaskClosed && t.CompletedAt != "")
}

type Attempt struct {
	ID             string       `json:"id"`
	TaskID         string       `json:"task_id"`
	FlowID         string       `json:"flow_id"`
	ProjectID      string       `json:"project_id"`
	Number         int          `json:"number"`
	Mode           RetryMode    `json:"mode"`
	Auto           bool         `json:"auto,omitempty"`
	PriorAttemptID string       `json:"prior_attempt_id,omitempty"`
	State          AttemptState `json:"state"`
	Outcome        Outcome      `json:"outcome,omitempty"`
	Worktree       string       `json:"worktree,omitempty"`
	Branch         string       `json:"branch,omitempty"`
	Baseline       string       `json:"baseline,omitempty"`
	Invocation     *Invocation  `json:"invocation,omitempty"`
	ChangedFiles   []string     `json:"changed_files,omitempty"`
	Checkpoint     *Checkpoint  `json:"checkpoint,omitempty"`
	ArchiveRef     string       `json:"archive_ref,omitempty"`
	ArchiveCommit  string       `json:"archive_commit,omitempty"`
	Released       bool         `json:"released,omitempty"`
	LateResult     *Invocation  `json:"late_result,omitempty"`
	FailureCode    Code         `json:"failure_code,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	CreatedAt      string       `json:"created_at"`
	DispatchedAt   string       `json:"dispatched_at,omitempty"`
	StartedAt      string       `json:"started_at,omitempty"`
	FinishedAt     string       `json:"finished_at,omitempty"`
}

// Active reports whether the attempt still owns its worktree for writing.
func (a Attempt) Active() bool {
	return a.State == AttemptPending || a.State == AttemptDispatched || a.State == AttemptRunning
}

// Invocation records one runtime adapter call.
type Invocation struct {
	Binary     string         `json:"binary,omitempty"`
	StartedAt  string         `json:"started_at,omitempty"`
	FinishedAt string         `json:"finished_at,omitempty"`
	Exit       string         `json:"exit,omitempty"`
	ExitCode   int            `json:"exit_code"`
	ErrorCode  Code           `json:"error_code,omitempty"`
	Success    bool           `json:"success"`
	Output     string         `json:"output,omitempty"`
	Events     []AdapterEvent `json:"events,omitempty"`
}

// AdapterEvent is a tool-call, command or todo item reported by an adapter.
type AdapterEvent struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Checkpoint gates completion of the attempt it is attached to.
type Checkpoint struct {
	Commit          string                 `json:"commit"`
	RequiredChecks  []Check                `json:"required_checks"`
	Results         map[string]CheckResult `json:"results,omitempty"`
	VerificationSeq int64                  `json:"verification_seq,omitempty"`
	Runs            int                    `json:"runs,omitempty"`
	Satisfied       bool                   `json:"satisfied"`
	Override        *Override              `json:"override,omitempty"`
	RecordedAt      string                 `json:"recorded_at"`
}

// Passed reports whether completion is allowed by checks or a pass override.
func (c *Checkpoint) Passed() bool {
	if c == nil {
		return false
	}
	if c.Override != nil {
		return c.Override.Decision == DecisionPass
	}
	return c.Satisfied
}

type CheckResult struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type Decision string

const (
	DecisionPass Decision = "pass"
	DecisionFail Decision = "fail"
)

type Override struct {
	ActorID         string   `json:"actor_id"`
	Decision        Decision `json:"decision"`
	Justification   string   `json:"justification"`
	VerificationSeq int64    `json:"verification_seq"`
	Seq             int64    `json:"seq"`
	TS              string   `json:"ts"`
}

// Edge is a dependency: Task requires Prerequisite.
type Edge struct {
	Task         string `json:"task"`
	Prerequisite string `json:"prerequisite"`
}

type Graph struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Name      string   `json:"name"`
	Tasks     []string `json:"tasks"`
	Edges     []Edge   `json:"edges"`
	Locked    bool     `json:"locked"`
	LockedBy  string   `json:"locked_by,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
	Version   int64    `json:"-"`
}

type Flow struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	GraphID       string    `json:"graph_id"`
	State         FlowState `json:"state"`
	Repo          string    `json:"repo"`
	RepoPath      string    `json:"repo_path"`
	TargetBranch  string    `json:"target_branch"`
	BaseCommit    string    `json:"base_commit,omitempty"`
	MaxAttempts   int       `json:"max_attempts"`
	MaxParallel   int       `json:"max_parallel"`
	AutoRetry     RetryMode `json:"auto_retry,omitempty"`
	WorktreeDir   string    `json:"worktree_dir"`
	Tasks         []string  `json:"tasks"`
	Edges         []Edge    `json:"edges"`
	Ticks         int       `json:"ticks"`
	FailureReason string    `json:"failure_reason,omitempty"`
	MergeID       string    `json:"merge_id,omitempty"`
	CreatedAt     string    `json:"created_at"`
	StartedAt     string    `json:"started_at,omitempty"`
	EndedAt       string    `json:"ended_at,omitempty"`
	Version       int64     `json:"-"`
}

// Prerequisites returns the prerequisites of task within the flow's locked graph.
func (f Flow) Prerequisites(task string) []string {
	var out []string
	for _, e := range f.Edges {
		if e.Task == task {
			out = append(out, e.Prerequisite)
		}
	}
	return out
}

type Merge struct {
	ID              string         `json:"id"`
	FlowID          string         `json:"flow_id"`
	ProjectID       string         `json:"project_id"`
	State           MergeState     `json:"state"`
	RepoPath        string         `json:"repo_path"`
	TargetBranch    string         `json:"target_branch"`
	BaseCommit      string         `json:"base_commit"`
	CandidateCommit string         `json:"candidate_commit"`
	CandidateBranch string         `json:"candidate_branch"`
	Files           []string       `json:"files,omitempty"`
	DiffStat        string         `json:"diff_stat,omitempty"`
	ApprovedBy      string         `json:"approved_by,omitempty"`
	ExecutedBy      string         `json:"executed_by,omitempty"`
	ResultCommit    string         `json:"result_commit,omitempty"`
	Method          string         `json:"method,omitempty"`
	Conflict        *MergeConflict `json:"conflict,omitempty"`
	RejectReason    string         `json:"reject_reason,omitempty"`
	PreparedAt      string         `json:"prepared_at"`
	ApprovedAt      string         `json:"approved_at,omitempty"`
	ExecutedAt      string         `json:"executed_at,omitempty"`
	Version         int64          `json:"-"`
}

// MergeConflict is the evidence attached to a failed integration.
type MergeConflict struct {
	Paths   []string `json:"paths,omitempty"`
	Commits []string `json:"commits,omitempty"`
}
