package server

import (
	"flowline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	RequiredChecks *[]domain.Check `json:"required_checks,omitempty"`
	ExpectedSeq    *int64          `json:"expected_seq,omitempty"`
}

type SetRuntimeRequest struct {
	Binary         string            `json:"binary"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type AttachRepoRequest struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	TargetBranch string `json:"target_branch,omitempty"`
}

type CreateTaskRequest struct {
	ID               string         `json:"id,omitempty"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Acceptance       []string       `json:"acceptance,omitempty"`
	Scope            []string       `json:"scope,omitempty"`
	Context          []string       `json:"context,omitempty"`
	Checks           []domain.Check `json:"checks,omitempty"`
	CheckpointExempt bool           `json:"checkpoint_exempt,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
}

type UpdateTaskRequest struct {
	Title            *string         `json:"title,omitempty"`
	Description      *string         `json:"description,omitempty"`
	Acceptance       *[]string       `json:"acceptance,omitempty"`
	Scope            *[]string       `json:"scope,omitempty"`
	Context          *[]string       `json:"context,omitempty"`
	Checks           *[]domain.Check `json:"checks,omitempty"`
	CheckpointExempt *bool           `json:"checkpoint_exempt,omitempty"`
	DependsOn        *[]string       `json:"depends_on,omitempty"`
	ExpectedSeq      *int64          `json:"expected_seq,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RetryRequest struct {
	Mode string `json:"mode" enum:"continue,clean"`
}

type VerifyRequest struct {
	AutoComplete bool `json:"auto_complete,omitempty"`
}

type OverrideRequest struct {
	AttemptID     string `json:"attempt_id,omitempty"`
	Decision      string `json:"decision" enum:"pass,fail"`
	Justification string `json:"justification"`
}

type CreateGraphRequest struct {
	ID    string        `json:"id,omitempty"`
	Name  string        `json:"name"`
	Tasks []string      `json:"tasks,omitempty"`
	Edges []domain.Edge `json:"edges,omitempty"`
}

type AddGraphTaskRequest struct {
	TaskID string `json:"task_id"`
}

type CreateFlowRequest struct {
	ID           string  `json:"id,omitempty"`
	Repo         string  `json:"repo,omitempty"`
	TargetBranch string  `json:"target_branch,omitempty"`
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	MaxParallel  int     `json:"max_parallel,omitempty"`
	AutoRetry    *string `json:"auto_retry,omitempty"`
}

type TickRequest struct {
	ExpectedSeq *int64 `json:"expected_seq,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	TTL     string `json:"ttl,omitempty" example:"12h"`
}

// Response payloads

// StreamOpened is the first message of an event stream.
type StreamOpened struct {
	After int64 `json:"after"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type CheckpointResponse struct {
	TaskID     string             `json:"task_id"`
	AttemptID  string             `json:"attempt_id"`
	TaskState  domain.TaskState   `json:"task_state"`
	Checkpoint *domain.Checkpoint `json:"checkpoint"`
}

type CleanupResponse struct {
	Released []string `json:"released"`
}

type RebuildResponse struct {
	Watermark int64 `json:"watermark"`
}

type EventPage struct {
	Items     []domain.Event `json:"items"`
	NextAfter int64          `json:"next_after,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
