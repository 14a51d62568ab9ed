package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/domain"
)

func edge(task, prereq string) domain.Edge {
	return domain.Edge{Task: task, Prerequisite: prereq}
}

func TestValidateAcceptsDAG(t *testing.T) {
	g := domain.Graph{
		ID:    "g1",
		Tasks: []string{"a", "b", "c"},
		Edges: []domain.Edge{edge("b", "a"), edge("c", "b"), edge("c", "a")},
	}
	require.NoError(t, Validate(g))
	require.NoError(t, Validate(g), "validation must be repeatable")
	assert.Len(t, g.Edges, 3)
}

func TestValidateRejectsCycle(t *testing.T) {
	g := domain.Graph{
		ID:    "g1",
		Tasks: []string{"a", "b", "c"},
		Edges: []domain.Edge{edge("a", "b"), edge("b", "c"), edge("c", "a")},
	}
	err := Validate(g)
	require.Error(t, err)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeGraphCycle, de.Code)
	assert.Equal(t, domain.CategoryConflict, de.Category)
	cycle, _ := de.Details["cycle"].([]string)
	require.NotEmpty(t, cycle)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
}

func TestValidateRejectsSelfLoop(t *testing.T) {
	g := domain.Graph{ID: "g1", Tasks: []string{"a"}, Edges: []domain.Edge{edge("a", "a")}}
	assert.True(t, domain.IsCode(Validate(g), domain.CodeGraphCycle))
}

func TestValidateRejectsDuplicateEdge(t *testing.T) {
	g := domain.Graph{
		ID:    "g1",
		Tasks: []string{"a", "b"},
		Edges: []domain.Edge{edge("b", "a"), edge("b", "a")},
	}
	assert.True(t, domain.IsCode(Validate(g), domain.CodeDuplicateEdge))
}

func TestValidateRejectsUnknownMember(t *testing.T) {
	g := domain.Graph{ID: "g1", Tasks: []string{"a"}, Edges: []domain.Edge{edge("a", "zzz")}}
	err := Validate(g)
	assert.Equal(t, domain.CategoryUser, domain.CategoryOf(err))
}

func TestTopoOrderDeterministic(t *testing.T) {
	tasks := []string{"d", "c", "b", "a"}
	edges := []domain.Edge{edge("c", "a"), edge("d", "b"), edge("d", "c")}
	order, err := TopoOrder(tasks, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	for _, e := range edges {
		assert.Less(t, pos[e.Prerequisite], pos[e.Task])
	}
}

func TestTopoOrderCycle(t *testing.T) {
	_, err := TopoOrder([]string{"a", "b"}, []domain.Edge{edge("a", "b"), edge("b", "a")})
	assert.True(t, domain.IsCode(err, domain.CodeGraphCycle))
}

func TestDependentsDepth(t *testing.T) {
	depth := DependentsDepth([]string{"a", "b", "c", "x"}, []domain.Edge{edge("b", "a"), edge("c", "b")})
	assert.Equal(t, 2, depth["a"])
	assert.Equal(t, 1, depth["b"])
	assert.Equal(t, 0, depth["c"])
	assert.Equal(t, 0, depth["x"])
}

func TestEdgesAmong(t *testing.T) {
	edges := EdgesAmong([]string{"b", "a"}, map[string][]string{
		"b": {"a", "outside"},
	})
	assert.Equal(t, []domain.Edge{edge("b", "a")}, edges)
}
