package engine

import (
	"context"
	"strings"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/graph"
)

type GraphCreateOptions struct {
	ID        string
	ProjectID string
	Name      string
	Tasks     []string
	// Edges are added to those derived from the members' DependsOn lists.
	Edges   []domain.Edge
	ActorID string
}

// CreateGraph records a validated dependency graph over existing tasks.
func (e Engine) CreateGraph(ctx context.Context, opts GraphCreateOptions) (domain.Graph, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Graph{}, domain.InvalidInput("graph name is required")
	}
	if len(opts.Tasks) == 0 {
		return domain.Graph{}, domain.InvalidInput("a graph needs at least one task")
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	var out domain.Graph
	err := e.run(ctx, opts.ActorID, "graph create", noTarget, func(t *txn) error {
		p, err := t.project(opts.ProjectID)
		if err != nil {
			return err
		}
		if _, exists := t.state.Graphs[id]; exists {
			return domain.InvalidInput("graph %s already exists", id).On(domain.AggGraph, id)
		}
		deps := map[string][]string{}
		for _, tid := range opts.Tasks {
			tk, err := t.task(tid)
			if err != nil {
				return err
			}
			if tk.ProjectID != p.ID {
				return domain.InvalidInput("task %s belongs to another project", tid)
			}
			deps[tid] = tk.DependsOn
		}
		edges := append([]domain.Edge{}, opts.Edges...)
		explicit := make(map[domain.Edge]struct{}, len(opts.Edges))
		for _, ed := range opts.Edges {
			explicit[ed] = struct{}{}
		}
		for _, ed := range graph.EdgesAmong(opts.Tasks, deps) {
			if _, dup := explicit[ed]; !dup {
				edges = append(edges, ed)
			}
		}
		g := domain.Graph{ID: id, ProjectID: p.ID, Name: opts.Name, Tasks: opts.Tasks, Edges: edges}
		if err := graph.Validate(g); err != nil {
			return err
		}
		if _, err := t.append(events.Draft{
			Kind:          domain.KindGraphCreated,
			AggregateKind: domain.AggGraph,
			AggregateID:   id,
			Refs:          domain.Refs{ProjectID: p.ID, GraphID: id},
			Payload:       domain.GraphCreatedPayload{Name: opts.Name, Tasks: opts.Tasks, Edges: edges},
		}); err != nil {
			return err
		}
		out = *t.state.Graphs[id]
		return nil
	})
	return out, err
}

// AddTaskToGraph adds a member together with the edges its declared
// dependencies imply in both directions.
func (e Engine) AddTaskToGraph(ctx context.Context, graphID, taskID, actorID string) (domain.Graph, error) {
	var out domain.Graph
	err := e.run(ctx, actorID, "graph add-task", graphKey(graphID), func(t *txn) error {
		g, err := t.unlockedGraph(graphID)
		if err != nil {
			return err
		}
		tk, err := t.task(taskID)
		if err != nil {
			return err
		}
		if tk.ProjectID != g.ProjectID {
			return domain.InvalidInput("task %s belongs to another project", taskID)
		}
		for _, m := range g.Tasks {
			if m == taskID {
				return domain.InvalidInput("task %s is already in graph %s", taskID, g.ID).On(domain.AggGraph, g.ID)
			}
		}
		members := append(append([]string{}, g.Tasks...), taskID)
		deps := map[string][]string{}
		for _, m := range members {
			if mt := t.state.Tasks[m]; mt != nil {
				deps[m] = mt.DependsOn
			}
		}
		var added []domain.Edge
		for _, ed := range graph.EdgesAmong(members, deps) {
			if ed.Task == taskID || ed.Prerequisite == taskID {
				added = append(added, ed)
			}
		}
		next := domain.Graph{ID: g.ID, Tasks: members, Edges: append(append([]domain.Edge{}, g.Edges...), added...)}
		if err := graph.Validate(next); err != nil {
			return err
		}
		if _, err := t.graphEvent(g, domain.KindGraphTaskAdded, domain.GraphTaskAddedPayload{TaskID: taskID, Edges: added}); err != nil {
			return err
		}
		out = *g
		return nil
	})
	return out, err
}

func (e Engine) AddDependency(ctx context.Context, graphID string, edge domain.Edge, actorID string) (domain.Graph, error) {
	var out domain.Graph
	err := e.run(ctx, actorID, "graph add-dependency", graphKey(graphID), func(t *txn) error {
		g, err := t.unlockedGraph(graphID)
		if err != nil {
			return err
		}
		next := domain.Graph{ID: g.ID, Tasks: g.Tasks, Edges: append(append([]domain.Edge{}, g.Edges...), edge)}
		if err := graph.Validate(next); err != nil {
			return err
		}
		if _, err := t.graphEvent(g, domain.KindGraphDependencyAdded, domain.GraphDependencyPayload{Edge: edge}); err != nil {
			return err
		}
		out = *g
		return nil
	})
	return out, err
}

func (e Engine) RemoveDependency(ctx context.Context, graphID string, edge domain.Edge, actorID string) (domain.Graph, error) {
	var out domain.Graph
	err := e.run(ctx, actorID, "graph remove-dependency", graphKey(graphID), func(t *txn) error {
		g, err := t.unlockedGraph(graphID)
		if err != nil {
			return err
		}
		found := false
		for _, ed := range g.Edges {
			if ed == edge {
				found = true
				break
			}
		}
		if !found {
			return domain.UserErr(domain.CodeNotFound, "edge %s -> %s not in graph %s", edge.Task, edge.Prerequisite, g.ID).On(domain.AggGraph, g.ID)
		}
		if _, err := t.graphEvent(g, domain.KindGraphDependencyRemoved, domain.GraphDependencyPayload{Edge: edge}); err != nil {
			return err
		}
		out = *g
		return nil
	})
	return out, err
}

// ValidateGraph re-checks a stored graph. It appends nothing.
func (e Engine) ValidateGraph(ctx context.Context, graphID string) (domain.Graph, error) {
	st, err := e.State(ctx)
	if err != nil {
		return domain.Graph{}, err
	}
	g := st.Graphs[graphID]
	if g == nil {
		return domain.Graph{}, domain.NotFound(domain.AggGraph, graphID)
	}
	return *g, graph.Validate(*g)
}

func (t *txn) unlockedGraph(id string) (*domain.Graph, error) {
	g, err := t.graph(id)
	if err != nil {
		return nil, err
	}
	if g.Locked {
		return nil, domain.ConflictErr(domain.CodeGraphLocked, "graph %s is locked by flow %s", g.ID, g.LockedBy).
			On(domain.AggGraph, g.ID).With("flow_id", g.LockedBy)
	}
	return g, nil
}

func (t *txn) graphEvent(g *domain.Graph, kind domain.Kind, payload any) (domain.Event, error) {
	return t.append(events.Draft{
		Kind:          kind,
		AggregateKind: domain.AggGraph,
		AggregateID:   g.ID,
		Refs:          domain.Refs{ProjectID: g.ProjectID, GraphID: g.ID},
		Payload:       payload,
	})
}
