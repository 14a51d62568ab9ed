package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"flowline/internal/app"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
)

type graphPath struct {
	GraphID string `path:"graph_id"`
}

type flowPath struct {
	FlowID string `path:"flow_id"`
}

type mergePath struct {
	MergeID string `path:"merge_id"`
}

func registerGraphs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-graph",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/graphs",
		Summary:       "Create a dependency graph over existing tasks",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      CreateGraphRequest
	}) (*body[domain.Graph], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGraph(ctx, engine.GraphCreateOptions{
			ID:        input.Body.ID,
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			Tasks:     input.Body.Tasks,
			Edges:     input.Body.Edges,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-graphs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/graphs",
		Summary:     "List graphs",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *projectPath) (*body[[]domain.Graph], error) {
		items, err := e.Repo.ListGraphs(ctx, repo.Query{ProjectID: input.ProjectID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-graph",
		Method:      http.MethodGet,
		Path:        "/graphs/{graph_id}",
		Summary:     "Get graph",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *graphPath) (*body[domain.Graph], error) {
		g, err := e.Repo.GetGraph(ctx, input.GraphID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-graph-task",
		Method:      http.MethodPost,
		Path:        "/graphs/{graph_id}/tasks",
		Summary:     "Add a task to an unlocked graph",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
		Body    AddGraphTaskRequest
	}) (*body[domain.Graph], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.AddTaskToGraph(ctx, input.GraphID, input.Body.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-graph-dependency",
		Method:      http.MethodPost,
		Path:        "/graphs/{graph_id}/dependencies",
		Summary:     "Add a dependency edge",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
		Body    domain.Edge
	}) (*body[domain.Graph], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.AddDependency(ctx, input.GraphID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-graph-dependency",
		Method:      http.MethodDelete,
		Path:        "/graphs/{graph_id}/dependencies",
		Summary:     "Remove a dependency edge",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		GraphID      string `path:"graph_id"`
		Task         string `query:"task" required:"true"`
		Prerequisite string `query:"prerequisite" required:"true"`
	}) (*body[domain.Graph], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.RemoveDependency(ctx, input.GraphID, domain.Edge{Task: input.Task, Prerequisite: input.Prerequisite}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-graph",
		Method:      http.MethodPost,
		Path:        "/graphs/{graph_id}/validate",
		Summary:     "Validate a graph without changing it",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *graphPath) (*body[domain.Graph], error) {
		g, err := e.ValidateGraph(ctx, input.GraphID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})
}

func registerFlows(api huma.API, e engine.Engine, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-flow",
		Method:        http.MethodPost,
		Path:          "/graphs/{graph_id}/flows",
		Summary:       "Lock a graph into a new flow",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		GraphID string `path:"graph_id"`
		Body    CreateFlowRequest
	}) (*body[domain.Flow], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		opts := engine.FlowCreateOptions{
			ID:           in.ID,
			GraphID:      input.GraphID,
			Repo:         in.Repo,
			TargetBranch: in.TargetBranch,
			MaxAttempts:  in.MaxAttempts,
			MaxParallel:  in.MaxParallel,
			ActorID:      actorID,
		}
		if in.AutoRetry != nil {
			mode := domain.RetryMode(*in.AutoRetry)
			opts.AutoRetry = &mode
		}
		f, err := e.CreateFlow(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(f), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-flows",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/flows",
		Summary:     "List flows",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		State     string `query:"state"`
	}) (*body[[]domain.Flow], error) {
		items, err := e.Repo.ListFlows(ctx, repo.Query{ProjectID: input.ProjectID, State: input.State})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}",
		Summary:     "Get flow with scheduling statuses",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *flowPath) (*body[engine.FlowView], error) {
		v, err := e.FlowView(ctx, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})

	transitions := []struct {
		id, verb, summary string
		apply             func(ctx context.Context, flowID, reason, actorID string) (domain.Flow, error)
	}{
		{"start-flow", "start", "Start a created flow", func(ctx context.Context, id, _, actor string) (domain.Flow, error) {
			return e.StartFlow(ctx, id, actor)
		}},
		{"pause-flow", "pause", "Pause dispatching", e.PauseFlow},
		{"resume-flow", "resume", "Resume a paused flow", func(ctx context.Context, id, _, actor string) (domain.Flow, error) {
			return e.ResumeFlow(ctx, id, actor)
		}},
		{"abort-flow", "abort", "Abort the flow and cancel running attempts", e.AbortFlow},
	}
	for _, tr := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: tr.id,
			Method:      http.MethodPost,
			Path:        "/flows/{flow_id}/" + tr.verb,
			Summary:     tr.summary,
			Errors:      standardErrors,
		}, func(ctx context.Context, input *struct {
			FlowID string         `path:"flow_id"`
			Body   *ReasonRequest `required:"false"`
		}) (*body[domain.Flow], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			f, err := tr.apply(ctx, input.FlowID, reasonOf(input.Body), actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(f), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "tick-flow",
		Method:      http.MethodPost,
		Path:        "/flows/{flow_id}/tick",
		Summary:     "Dispatch ready tasks and run their attempts",
		Description: "Without expected_seq a tick that lost a race is re-read and retried. With it, a stale read answers 409.",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string       `path:"flow_id"`
		Body   *TickRequest `required:"false"`
	}) (*body[engine.TickResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TickOptions{ActorID: actorID}
		if input.Body != nil {
			opts.ExpectedSeq = input.Body.ExpectedSeq
		}
		var (
			res engine.TickResult
			err error
		)
		if opts.ExpectedSeq != nil {
			res, err = e.TickFlow(ctx, input.FlowID, opts)
		} else {
			err = app.RetryConflicts(ctx, log, "tick", func() error {
				var tickErr error
				res, tickErr = e.TickFlow(ctx, input.FlowID, opts)
				return tickErr
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerVerification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-verification",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/verify",
		Summary:     "Run the checkpoint's required checks",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   *VerifyRequest `required:"false"`
	}) (*body[engine.VerifyResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.VerifyOptions{TaskID: input.TaskID, ActorID: actorID}
		if input.Body != nil {
			opts.AutoComplete = input.Body.AutoComplete
		}
		res, err := e.RunVerification(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/checkpoint",
		Summary:     "Show the current attempt's checkpoint and verification evidence",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *taskPath) (*body[CheckpointResponse], error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := CheckpointResponse{TaskID: t.ID, AttemptID: t.CurrentAttempt, TaskState: t.State}
		if t.CurrentAttempt != "" {
			a, err := e.Repo.GetAttempt(ctx, t.CurrentAttempt)
			if err != nil {
				return nil, handleError(err)
			}
			out.Checkpoint = a.Checkpoint
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-checkpoint",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/checkpoint/override",
		Summary:     "Record an operator pass/fail decision on a verifying task",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   OverrideRequest
	}) (*body[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.OverrideCheckpoint(ctx, engine.OverrideOptions{
			TaskID:        input.TaskID,
			AttemptID:     input.Body.AttemptID,
			Decision:      domain.Decision(input.Body.Decision),
			Justification: input.Body.Justification,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerMerges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "prepare-merge",
		Method:        http.MethodPost,
		Path:          "/flows/{flow_id}/merge",
		Summary:       "Prepare a merge candidate for a completed flow",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *flowPath) (*body[domain.Merge], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.PrepareMerge(ctx, input.FlowID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-merges",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/merges",
		Summary:     "List merges",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		FlowID    string `query:"flow_id"`
		State     string `query:"state"`
	}) (*body[[]domain.Merge], error) {
		items, err := e.Repo.ListMerges(ctx, repo.Query{ProjectID: input.ProjectID, FlowID: input.FlowID, State: input.State})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-merge",
		Method:      http.MethodGet,
		Path:        "/merges/{merge_id}",
		Summary:     "Get merge",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *mergePath) (*body[domain.Merge], error) {
		m, err := e.Repo.GetMerge(ctx, input.MergeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-merge",
		Method:      http.MethodPost,
		Path:        "/merges/{merge_id}/approve",
		Summary:     "Approve a prepared merge",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *mergePath) (*body[domain.Merge], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ApproveMerge(ctx, input.MergeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-merge",
		Method:      http.MethodPost,
		Path:        "/merges/{merge_id}/execute",
		Summary:     "Integrate an approved merge into its target branch",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *mergePath) (*body[engine.MergeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ExecuteMerge(ctx, input.MergeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-merge",
		Method:      http.MethodPost,
		Path:        "/merges/{merge_id}/reject",
		Summary:     "Reject a merge candidate",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		MergeID string         `path:"merge_id"`
		Body    *ReasonRequest `required:"false"`
	}) (*body[domain.Merge], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RejectMerge(ctx, input.MergeID, reasonOf(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})
}

func registerWorktrees(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-worktrees",
		Method:      http.MethodGet,
		Path:        "/worktrees",
		Summary:     "List attempt worktrees",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string `query:"flow_id"`
	}) (*body[[]engine.WorktreeInfo], error) {
		items, err := e.ListWorktrees(ctx, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-worktree",
		Method:      http.MethodDelete,
		Path:        "/worktrees/{attempt_id}",
		Summary:     "Remove an inactive attempt's worktree",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		AttemptID string `path:"attempt_id"`
	}) (*body[CleanupResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		released, err := e.CleanupWorktree(ctx, input.AttemptID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CleanupResponse{Released: nonNilSlice(released)}), nil
	})
}
