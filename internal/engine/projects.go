package engine

import (
	"context"
	"path/filepath"
	"strings"

	"flowline/internal/domain"
	"flowline/internal/events"
)

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, domain.InvalidInput("project name is required")
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	var out domain.Project
	err := e.run(ctx, opts.ActorID, "project create", noTarget, func(t *txn) error {
		if _, exists := t.state.Projects[id]; exists {
			return domain.UserErr(domain.CodeInvalidInput, "project %s already exists", id).On(domain.AggProject, id)
		}
		if _, err := t.append(events.Draft{
			Kind:          domain.KindProjectCreated,
			AggregateKind: domain.AggProject,
			AggregateID:   id,
			Refs:          domain.Refs{ProjectID: id},
			Payload:       domain.ProjectCreatedPayload{Name: opts.Name, Description: opts.Description},
		}); err != nil {
			return err
		}
		out = *t.state.Projects[id]
		return nil
	})
	return out, err
}

// ProjectUpdateOptions carries the fields to change; nil leaves a field as is.
type ProjectUpdateOptions struct {
	ID             string
	Name           *string
	Description    *string
	RequiredChecks *[]domain.Check
	ActorID        string
	ExpectedSeq    *int64
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Project{}, domain.InvalidInput("project name cannot be empty")
	}
	if opts.RequiredChecks != nil {
		if err := validateChecks(*opts.RequiredChecks); err != nil {
			return domain.Project{}, err
		}
	}
	if opts.Name == nil && opts.Description == nil && opts.RequiredChecks == nil {
		return domain.Project{}, domain.InvalidInput("nothing to update")
	}
	var out domain.Project
	err := e.run(ctx, opts.ActorID, "project update", projectKey(opts.ID), func(t *txn) error {
		p, err := t.project(opts.ID)
		if err != nil {
			return err
		}
		if _, err := t.projectEvent(p, domain.KindProjectUpdated, opts.ExpectedSeq, domain.ProjectUpdatedPayload{
			Name: opts.Name, Description: opts.Description, RequiredChecks: opts.RequiredChecks,
		}); err != nil {
			return err
		}
		out = *p
		return nil
	})
	return out, err
}

// SetRuntime replaces the adapter configuration used for new attempts.
func (e Engine) SetRuntime(ctx context.Context, projectID string, rt domain.Runtime, actorID string) (domain.Project, error) {
	if strings.TrimSpace(rt.Binary) == "" {
		return domain.Project{}, domain.InvalidInput("runtime binary is required")
	}
	if rt.TimeoutSeconds < 0 {
		return domain.Project{}, domain.InvalidInput("runtime timeout must not be negative")
	}
	var out domain.Project
	err := e.run(ctx, actorID, "project runtime-set", projectKey(projectID), func(t *txn) error {
		p, err := t.project(projectID)
		if err != nil {
			return err
		}
		if _, err := t.projectEvent(p, domain.KindProjectRuntimeSet, nil, domain.ProjectRuntimeSetPayload{Runtime: rt}); err != nil {
			return err
		}
		out = *p
		return nil
	})
	return out, err
}

// AttachRepoOptions describe a repository to attach.
type AttachRepoOptions struct {
	ProjectID    string
	Name         string
	Path         string
	TargetBranch string
	ActorID      string
}

func (e Engine) AttachRepo(ctx context.Context, opts AttachRepoOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return domain.Project{}, domain.InvalidInput("repository path is required")
	}
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return domain.Project{}, domain.InvalidInput("repository path %s: %v", opts.Path, err)
	}
	if !e.Git.IsRepository(path) {
		return domain.Project{}, domain.InvalidInput("%s is not a git repository", path)
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	target := opts.TargetBranch
	if target == "" {
		target = e.config().Merge.TargetBranch
	}
	if _, err := e.Git.BranchHead(path, target); err != nil {
		return domain.Project{}, err
	}
	var out domain.Project
	err = e.run(ctx, opts.ActorID, "project attach-repo", projectKey(opts.ProjectID), func(t *txn) error {
		p, err := t.project(opts.ProjectID)
		if err != nil {
			return err
		}
		if _, exists := p.Repos[name]; exists {
			return domain.UserErr(domain.CodeInvalidInput, "repository %s already attached", name).On(domain.AggProject, p.ID)
		}
		if _, err := t.projectEvent(p, domain.KindProjectRepoAttached, nil, domain.ProjectRepoAttachedPayload{
			Repo: domain.RepoRef{Name: name, Path: path, TargetBranch: target},
		}); err != nil {
			return err
		}
		out = *p
		return nil
	})
	return out, err
}

// DetachRepo removes a repository that no live flow depends on.
func (e Engine) DetachRepo(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	var out domain.Project
	err := e.run(ctx, actorID, "project detach-repo", projectKey(projectID), func(t *txn) error {
		p, err := t.project(projectID)
		if err != nil {
			return err
		}
		if _, ok := p.Repos[name]; !ok {
			return domain.UserErr(domain.CodeNotFound, "repository %s is not attached to %s", name, p.ID)
		}
		for _, f := range t.state.Flows {
			if f.ProjectID == p.ID && f.Repo == name && !f.State.Terminal() {
				return domain.ConflictErr(domain.CodePreconditionFailed, "repository %s is used by flow %s", name, f.ID).
					On(domain.AggProject, p.ID).With("flow_id", f.ID)
			}
		}
		if _, err := t.projectEvent(p, domain.KindProjectRepoDetached, nil, domain.ProjectRepoDetachedPayload{Name: name}); err != nil {
			return err
		}
		out = *p
		return nil
	})
	return out, err
}

func (t *txn) projectEvent(p *domain.Project, kind domain.Kind, expected *int64, payload any) (domain.Event, error) {
	return t.append(events.Draft{
		Kind:          kind,
		AggregateKind: domain.AggProject,
		AggregateID:   p.ID,
		Refs:          domain.Refs{ProjectID: p.ID},
		ExpectedSeq:   expected,
		Payload:       payload,
	})
}

func validateChecks(list []domain.Check) error {
	seen := map[string]struct{}{}
	for _, c := range list {
		if strings.TrimSpace(c.Name) == "" {
			return domain.InvalidInput("check name is required")
		}
		if strings.TrimSpace(c.Command) == "" {
			return domain.InvalidInput("check %s has no command", c.Name)
		}
		if c.TimeoutSeconds < 0 {
			return domain.InvalidInput("check %s has a negative timeout", c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return domain.InvalidInput("check %s is listed twice", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// requiredChecks merges project-wide checks with a task's own; the task wins on name clashes.
func requiredChecks(p *domain.Project, tk *domain.Task) []domain.Check {
	byName := map[string]int{}
	var out []domain.Check
	add := func(c domain.Check) {
		if i, ok := byName[c.Name]; ok {
			out[i] = c
			return
		}
		byName[c.Name] = len(out)
		out = append(out, c)
	}
	if p != nil {
		for _, c := range p.RequiredChecks {
			add(c)
		}
	}
	for _, c := range tk.Checks {
		add(c)
	}
	return out
}
