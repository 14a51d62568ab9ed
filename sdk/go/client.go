package flowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API prefix,
// e.g. http://localhost:8080/v1.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID               string   `json:"id"`
	ProjectID        string   `json:"project_id"`
	Title            string   `json:"title"`
	State            string   `json:"state"`
	FlowID           string   `json:"flow_id,omitempty"`
	CurrentAttempt   string   `json:"current_attempt,omitempty"`
	Scope            []string `json:"scope,omitempty"`
	CheckpointExempt bool     `json:"checkpoint_exempt,omitempty"`
}

// Edge is a dependency: Task waits for Prerequisite.
type Edge struct {
	Task         string `json:"task"`
	Prerequisite string `json:"prerequisite"`
}

// Graph represents a task graph.
type Graph struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Name      string   `json:"name"`
	Tasks     []string `json:"tasks"`
	Edges     []Edge   `json:"edges"`
	Locked    bool     `json:"locked"`
}

// Flow represents a flow (partial).
type Flow struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	GraphID      string `json:"graph_id"`
	State        string `json:"state"`
	Repo         string `json:"repo"`
	TargetBranch string `json:"target_branch"`
	MergeID      string `json:"merge_id,omitempty"`
}

// FlowView is a flow with its derived scheduling state.
type FlowView struct {
	Flow      Flow              `json:"flow"`
	Statuses  map[string]string `json:"statuses"`
	Ready     []string          `json:"ready"`
	InFlight  int               `json:"in_flight"`
	Order     []string          `json:"order"`
	Watermark int64             `json:"watermark"`
}

// TickResult reports what one scheduler tick did.
type TickResult struct {
	FlowID     string            `json:"flow_id"`
	State      string            `json:"state"`
	Statuses   map[string]string `json:"statuses"`
	Dispatched []string          `json:"dispatched"`
	Retried    []string          `json:"retried"`
	Observed   bool              `json:"observed"`
}

// Merge represents a merge record (partial).
type Merge struct {
	ID              string   `json:"id"`
	FlowID          string   `json:"flow_id"`
	State           string   `json:"state"`
	TargetBranch    string   `json:"target_branch"`
	BaseCommit      string   `json:"base_commit"`
	CandidateCommit string   `json:"candidate_commit"`
	Files           []string `json:"files,omitempty"`
	ResultCommit    string   `json:"result_commit,omitempty"`
}

// MergeResult is returned by ExecuteMerge.
type MergeResult struct {
	Merge           Merge    `json:"merge"`
	AlreadyExecuted bool     `json:"already_executed"`
	Released        []string `json:"released"`
}

// Event represents a log entry.
type Event struct {
	Seq           int64           `json:"seq"`
	TS            string          `json:"ts"`
	Kind          string          `json:"kind"`
	AggregateKind string          `json:"aggregate_kind"`
	AggregateID   string          `json:"aggregate_id"`
	ActorID       string          `json:"actor_id"`
	CausationSeq  int64           `json:"causation_seq,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventPage wraps event listings; NextAfter is zero on the last page.
type EventPage struct {
	Items     []Event `json:"items"`
	NextAfter int64   `json:"next_after"`
}

// ReplayReport summarizes a replay verification.
type ReplayReport struct {
	Events        int              `json:"events"`
	Watermark     int64            `json:"watermark"`
	Deterministic bool             `json:"deterministic"`
	Mismatches    []map[string]any `json:"mismatches"`
	OK            bool             `json:"ok"`
}

// APIError wraps non-2xx responses. Category and Code come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Category   string
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d %s/%s: %s", e.StatusCode, e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, title string, scope []string, checkpointExempt bool) (Task, error) {
	body := map[string]any{
		"title":             title,
		"scope":             scope,
		"checkpoint_exempt": checkpointExempt,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Attempt is one execution of a task (partial).
type Attempt struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	Number   int    `json:"number"`
	Mode     string `json:"mode"`
	State    string `json:"state"`
	Worktree string `json:"worktree,omitempty"`
}

// RetryTask starts a new attempt; mode is "continue" or "clean".
func (c *Client) RetryTask(ctx context.Context, id, mode string) (Attempt, error) {
	var resp Attempt
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/retry", map[string]any{"mode": mode}, &resp)
	return resp, err
}

// AbortAttempt stops the in-flight attempt of a task without ending its flow.
func (c *Client) AbortAttempt(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/abort", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// CreateGraph creates a graph from tasks and edges.
func (c *Client) CreateGraph(ctx context.Context, name string, tasks []string, edges []Edge) (Graph, error) {
	body := map[string]any{
		"name":  name,
		"tasks": tasks,
		"edges": edges,
	}
	var resp Graph
	err := c.do(ctx, http.MethodPost, c.projectPath("graphs"), body, &resp)
	return resp, err
}

// CreateFlow locks a graph into a new flow.
func (c *Client) CreateFlow(ctx context.Context, graphID string) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPost, "graphs/"+url.PathEscape(graphID)+"/flows", map[string]any{}, &resp)
	return resp, err
}

// StartFlow starts a created flow.
func (c *Client) StartFlow(ctx context.Context, id string) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPost, "flows/"+url.PathEscape(id)+"/start", nil, &resp)
	return resp, err
}

// Flow returns the flow view.
func (c *Client) Flow(ctx context.Context, id string) (FlowView, error) {
	var resp FlowView
	err := c.do(ctx, http.MethodGet, "flows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TickFlow runs one scheduler tick. A non-nil expectedSeq makes the tick
// fail with Conflict when the flow changed since it was read.
func (c *Client) TickFlow(ctx context.Context, id string, expectedSeq *int64) (TickResult, error) {
	var body any
	if expectedSeq != nil {
		body = map[string]any{"expected_seq": *expectedSeq}
	}
	var resp TickResult
	err := c.do(ctx, http.MethodPost, "flows/"+url.PathEscape(id)+"/tick", body, &resp)
	return resp, err
}

// PrepareMerge records the merge candidate for a completed flow.
func (c *Client) PrepareMerge(ctx context.Context, flowID string) (Merge, error) {
	var resp Merge
	err := c.do(ctx, http.MethodPost, "flows/"+url.PathEscape(flowID)+"/merge", nil, &resp)
	return resp, err
}

// ApproveMerge approves a prepared merge.
func (c *Client) ApproveMerge(ctx context.Context, id string) (Merge, error) {
	var resp Merge
	err := c.do(ctx, http.MethodPost, "merges/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

// ExecuteMerge integrates an approved merge into its target branch.
func (c *Client) ExecuteMerge(ctx context.Context, id string) (MergeResult, error) {
	var resp MergeResult
	err := c.do(ctx, http.MethodPost, "merges/"+url.PathEscape(id)+"/execute", nil, &resp)
	return resp, err
}

// Events returns one page of events after the given sequence.
func (c *Client) Events(ctx context.Context, after int64, limit int, kinds ...string) (EventPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	for _, k := range kinds {
		q.Add("kind", k)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReplayVerify re-projects the log on the server.
func (c *Client) ReplayVerify(ctx context.Context) (ReplayReport, error) {
	var resp ReplayReport
	err := c.do(ctx, http.MethodPost, "replay/verify", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Category string `json:"category"`
				Code     string `json:"code"`
				Message  string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Category = env.Error.Category
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
