package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*body[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      standardErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[[]domain.Project], error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *projectPath) (*body[domain.Project], error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project name, description or required checks",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      UpdateProjectRequest
	}) (*body[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
			ID:             input.ProjectID,
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			RequiredChecks: input.Body.RequiredChecks,
			ExpectedSeq:    input.Body.ExpectedSeq,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-project-runtime",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/runtime",
		Summary:     "Set the runtime adapter attempts are dispatched to",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      SetRuntimeRequest
	}) (*body[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetRuntime(ctx, input.ProjectID, domain.Runtime{
			Binary:         input.Body.Binary,
			Args:           input.Body.Args,
			Env:            input.Body.Env,
			TimeoutSeconds: input.Body.TimeoutSeconds,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-repo",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/repos",
		Summary:     "Attach a git repository",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      AttachRepoRequest
	}) (*body[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AttachRepo(ctx, engine.AttachRepoOptions{
			ProjectID:    input.ProjectID,
			Name:         input.Body.Name,
			Path:         input.Body.Path,
			TargetBranch: input.Body.TargetBranch,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detach-repo",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/repos/{name}",
		Summary:     "Detach a git repository",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Name      string `path:"name"`
	}) (*body[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.DetachRepo(ctx, input.ProjectID, input.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      CreateTaskRequest
	}) (*body[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:               in.ID,
			ProjectID:        input.ProjectID,
			Title:            in.Title,
			Description:      in.Description,
			Acceptance:       in.Acceptance,
			Scope:            in.Scope,
			Context:          in.Context,
			Checks:           in.Checks,
			CheckpointExempt: in.CheckpointExempt,
			DependsOn:        in.DependsOn,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		State     string `query:"state"`
		FlowID    string `query:"flow_id"`
	}) (*body[[]domain.Task], error) {
		items, err := e.Repo.ListTasks(ctx, repo.Query{ProjectID: input.ProjectID, FlowID: input.FlowID, State: input.State})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *taskPath) (*body[domain.Task], error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task definition",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   UpdateTaskRequest
	}) (*body[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:               input.TaskID,
			Title:            in.Title,
			Description:      in.Description,
			Acceptance:       in.Acceptance,
			Scope:            in.Scope,
			Context:          in.Context,
			Checks:           in.Checks,
			CheckpointExempt: in.CheckpointExempt,
			DependsOn:        in.DependsOn,
			ExpectedSeq:      in.ExpectedSeq,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete a task whose checkpoint passed",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *taskPath) (*body[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/close",
		Summary:     "Close a task",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   *ReasonRequest `required:"false"`
	}) (*body[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CloseTask(ctx, input.TaskID, reasonOf(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-attempt",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/abort",
		Summary:     "Abort the in-flight attempt of a task",
		Description: "The flow keeps running; the task becomes Aborted and can be retried.",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   *ReasonRequest `required:"false"`
	}) (*body[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AbortAttempt(ctx, engine.AttemptAbortOptions{TaskID: input.TaskID, Reason: reasonOf(input.Body), ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/retry",
		Summary:     "Create a new attempt for a failed task",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   RetryRequest
	}) (*body[domain.Attempt], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RetryTask(ctx, engine.RetryOptions{TaskID: input.TaskID, Mode: domain.RetryMode(input.Body.Mode), ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-attempts",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/attempts",
		Summary:     "List a task's attempts",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *taskPath) (*body[[]domain.Attempt], error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAttempts(ctx, repo.Query{}, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attempt",
		Method:      http.MethodGet,
		Path:        "/attempts/{attempt_id}",
		Summary:     "Get attempt",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		AttemptID string `path:"attempt_id"`
	}) (*body[domain.Attempt], error) {
		a, err := e.Repo.GetAttempt(ctx, input.AttemptID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})
}

func reasonOf(r *ReasonRequest) string {
	if r == nil {
		return ""
	}
	return r.Reason
}
