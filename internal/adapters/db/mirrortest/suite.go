// Package mirrortest holds the behaviour every domain.GraphMirror must share.
// Adapter packages run it from their own tests.
package mirrortest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tahopetis/archzero/internal/domain"
)

// Run exercises a fresh mirror per subtest.
func Run(t *testing.T, newMirror func(t *testing.T) domain.GraphMirror) {
	t.Helper()

	t.Run("create node is create-if-absent", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		require.NoError(t, m.CreateNode(ctx, node("a", "Billing")))
		require.NoError(t, m.CreateNode(ctx, node("a", "Renamed")))

		nodes, err := m.ListNodes(ctx)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "Billing", nodes[0].Name)
		assert.Equal(t, domain.StatusActive, nodes[0].Status)
	})

	t.Run("update node replaces fields", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		require.NoError(t, m.CreateNode(ctx, node("a", "Billing")))

		updated := node("a", "Invoicing")
		updated.LifecyclePhase = domain.PhaseActive
		updated.Attributes = domain.Attributes{"tier": "gold"}
		require.NoError(t, m.UpdateNode(ctx, updated))

		nodes, err := m.ListNodes(ctx)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "Invoicing", nodes[0].Name)
		assert.Equal(t, domain.PhaseActive, nodes[0].LifecyclePhase)
		assert.Equal(t, "gold", nodes[0].Attributes["tier"])
	})

	t.Run("update unknown node is not found", func(t *testing.T) {
		m := newMirror(t)
		err := m.UpdateNode(context.Background(), node("ghost", "Ghost"))
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("delete node detaches edges", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		seed(t, m)

		require.NoError(t, m.DeleteNode(ctx, "c"))
		require.NoError(t, m.DeleteNode(ctx, "c"))

		edges, err := m.ListEdges(ctx)
		require.NoError(t, err)
		for _, e := range edges {
			assert.NotEqual(t, "c", e.FromID)
			assert.NotEqual(t, "c", e.ToID)
		}
		require.Len(t, edges, 1)
		assert.Equal(t, "ab", edges[0].ID)
	})

	t.Run("create edge requires both endpoints", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		require.NoError(t, m.CreateNode(ctx, node("a", "A")))

		err := m.CreateEdge(ctx, edge("e1", "a", "missing", domain.RelDependsOn))
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("create edge is create-if-absent", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		seed(t, m)

		require.NoError(t, m.CreateEdge(ctx, edge("ab", "a", "b", domain.RelImpacts)))
		edges, err := m.ListEdges(ctx)
		require.NoError(t, err)
		assert.Len(t, edges, 4)
		for _, e := range edges {
			if e.ID == "ab" {
				assert.Equal(t, domain.RelDependsOn, e.Kind)
			}
		}
	})

	t.Run("update edge keeps endpoints", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		seed(t, m)

		confidence := 0.4
		changed := edge("ab", "x", "y", domain.RelSupports)
		changed.Confidence = &confidence
		require.NoError(t, m.UpdateEdge(ctx, changed))

		edges, err := m.ListEdges(ctx)
		require.NoError(t, err)
		var got domain.Edge
		for _, e := range edges {
			if e.ID == "ab" {
				got = e
			}
		}
		assert.Equal(t, "a", got.FromID)
		assert.Equal(t, "b", got.ToID)
		assert.Equal(t, domain.RelSupports, got.Kind)
		require.NotNil(t, got.Confidence)
		assert.InDelta(t, 0.4, *got.Confidence, 1e-9)

		require.ErrorIs(t, m.UpdateEdge(ctx, edge("nope", "a", "b", domain.RelSupports)), domain.ErrNotFound)
		require.NoError(t, m.DeleteEdge(ctx, "nope"))
	})

	t.Run("traverse outgoing respects depth and kinds", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		seed(t, m)
		require.NoError(t, m.CreateNode(ctx, node("e", "E")))
		require.NoError(t, m.CreateEdge(ctx, edge("ae", "a", "e", domain.RelImpacts)))

		hops, err := m.Traverse(ctx, domain.TraversalQuery{
			StartID:   "a",
			Direction: domain.Outgoing,
			MaxDepth:  1,
			Kinds:     []domain.RelationshipKind{domain.RelDependsOn},
		})
		require.NoError(t, err)
		require.Len(t, hops, 2)
		assert.Equal(t, []string{"b", "c"}, []string{hops[0].ToID, hops[1].ToID})
		assert.Equal(t, "A", hops[0].FromName)
		assert.Equal(t, "B", hops[0].ToName)
		assert.Equal(t, ",a,b,", hops[0].Path)

		hops, err = m.Traverse(ctx, domain.TraversalQuery{StartID: "a", Direction: domain.Outgoing, MaxDepth: 8})
		require.NoError(t, err)
		targets := map[string]bool{}
		for _, h := range hops {
			targets[h.ToID] = true
		}
		assert.True(t, targets["e"])
		assert.True(t, targets["d"])
	})

	t.Run("traverse stops at cycles", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		seed(t, m)
		require.NoError(t, m.CreateEdge(ctx, edge("da", "d", "a", domain.RelDependsOn)))

		hops, err := m.Traverse(ctx, domain.TraversalQuery{StartID: "a", Direction: domain.Outgoing, MaxDepth: 8})
		require.NoError(t, err)
		for _, h := range hops {
			assert.NotEqual(t, "a", h.ToID)
			assert.LessOrEqual(t, h.Depth, 3)
		}
	})

	t.Run("traverse incoming follows edges backwards", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		seed(t, m)

		hops, err := m.Traverse(ctx, domain.TraversalQuery{StartID: "d", Direction: domain.Incoming, MaxDepth: 1})
		require.NoError(t, err)
		require.Len(t, hops, 1)
		assert.Equal(t, "d", hops[0].FromID)
		assert.Equal(t, "c", hops[0].ToID)
		assert.Equal(t, "cd", hops[0].EdgeID)
	})

	t.Run("traverse rejects bad queries", func(t *testing.T) {
		m := newMirror(t)
		_, err := m.Traverse(context.Background(), domain.TraversalQuery{StartID: "a", MaxDepth: 0})
		require.ErrorIs(t, err, domain.ErrInvalid)
		_, err = m.Traverse(context.Background(), domain.TraversalQuery{MaxDepth: 3})
		require.ErrorIs(t, err, domain.ErrInvalid)
	})

	t.Run("shortest path", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		seed(t, m)

		hops, err := m.ShortestPath(ctx, domain.PathQuery{FromID: "a", ToID: "d", MaxDepth: 8})
		require.NoError(t, err)
		require.Len(t, hops, 2)
		assert.Equal(t, "ac", hops[0].EdgeID)
		assert.Equal(t, "cd", hops[1].EdgeID)
		assert.Equal(t, 2, hops[1].Depth)
		assert.Equal(t, ",a,c,d,", hops[1].Path)
		assert.Equal(t, "D", hops[1].ToName)

		_, err = m.ShortestPath(ctx, domain.PathQuery{FromID: "d", ToID: "a", MaxDepth: 8})
		require.ErrorIs(t, err, domain.ErrNotFound)

		_, err = m.ShortestPath(ctx, domain.PathQuery{FromID: "a", ToID: "d", MaxDepth: 1})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("fan in counts incoming edges", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)
		seed(t, m)

		rows, err := m.FanIn(ctx, nil, 10)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, domain.FanIn{CardID: "c", Name: "C", Count: 2}, rows[0])
		assert.Equal(t, "b", rows[1].CardID)
		assert.Equal(t, "d", rows[2].CardID)

		rows, err = m.FanIn(ctx, []domain.RelationshipKind{domain.RelFlowsTo}, 10)
		require.NoError(t, err)
		assert.Empty(t, rows)

		rows, err = m.FanIn(ctx, nil, 1)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})
}

// seed builds a -> b -> c -> d with a shortcut a -> c, all depends_on.
func seed(t *testing.T, m domain.GraphMirror) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.CreateNode(ctx, node(id, string([]byte{id[0] - 'a' + 'A'}))))
	}
	for _, e := range []domain.Edge{
		edge("ab", "a", "b", domain.RelDependsOn),
		edge("bc", "b", "c", domain.RelDependsOn),
		edge("cd", "c", "d", domain.RelDependsOn),
		edge("ac", "a", "c", domain.RelDependsOn),
	} {
		require.NoError(t, m.CreateEdge(ctx, e))
	}
}

func node(id, name string) domain.Node {
	return domain.Node{
		ID:             id,
		Name:           name,
		Kind:           domain.CardKindApplication,
		LifecyclePhase: domain.PhaseDiscovery,
		Status:         domain.StatusActive,
		Attributes:     domain.Attributes{},
	}
}

func edge(id, from, to string, kind domain.RelationshipKind) domain.Edge {
	return domain.Edge{
		ID:        id,
		FromID:    from,
		ToID:      to,
		Kind:      kind,
		ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
