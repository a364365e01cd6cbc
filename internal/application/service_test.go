package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tahopetis/archzero/internal/adapters/db/memgraph"
	"github.com/tahopetis/archzero/internal/adapters/db/memory"
	"github.com/tahopetis/archzero/internal/domain"
	"github.com/tahopetis/archzero/internal/reconcile"
	"github.com/tahopetis/archzero/internal/saga"
)

type testCatalog struct {
	svc      *CatalogService
	entities *memory.EntityStore
	graph    *memgraph.Store
}

func newTestCatalog(t *testing.T) testCatalog {
	t.Helper()
	entities := memory.NewEntityStore()
	graph, err := memgraph.New()
	require.NoError(t, err)
	svc := NewCatalogService(
		saga.New(entities, graph),
		entities,
		graph,
		reconcile.New(entities, graph),
	)
	return testCatalog{svc: svc, entities: entities, graph: graph}
}

func TestCardCRUD(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	_, err := c.svc.CreateCard(ctx, domain.CreateCardRequest{Name: "   ", Kind: domain.CardKindApplication})
	require.ErrorIs(t, err, domain.ErrInvalid)

	card, err := c.svc.CreateCard(ctx, domain.CreateCardRequest{Name: " CRM ", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	assert.Equal(t, "CRM", card.Name)

	got, err := c.svc.GetCard(ctx, " "+card.ID+" ")
	require.NoError(t, err)
	assert.Equal(t, card.ID, got.ID)

	phase := domain.PhaseActive
	updated, err := c.svc.UpdateCard(ctx, card.ID, domain.CardPatch{LifecyclePhase: &phase})
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseActive, updated.LifecyclePhase)

	list, err := c.svc.ListCards(ctx, domain.CardFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, c.svc.DeleteCard(ctx, card.ID))
	_, err = c.svc.GetCard(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalid)
	require.ErrorIs(t, c.svc.DeleteCard(ctx, card.ID), domain.ErrNotFound)
}

func TestRelationshipDefaultsValidFrom(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	a, err := c.svc.CreateCard(ctx, domain.CreateCardRequest{Name: "A", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	b, err := c.svc.CreateCard(ctx, domain.CreateCardRequest{Name: "B", Kind: domain.CardKindInterface})
	require.NoError(t, err)

	rel, err := c.svc.CreateRelationship(ctx, domain.CreateRelationshipRequest{FromCardID: a.ID, ToCardID: b.ID, Kind: domain.RelFlowsTo})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), rel.ValidFrom, time.Minute)

	rels, err := c.svc.ListRelationships(ctx, domain.RelationshipFilter{CardID: a.ID})
	require.NoError(t, err)
	require.Len(t, rels, 1)

	require.NoError(t, c.svc.DeleteRelationship(ctx, rel.ID))
	_, err = c.svc.GetRelationship(ctx, " ")
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestTraversalQueries(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	res, err := c.svc.ProvisionChain(ctx, ChainInput{
		Cards: []ChainCard{
			{Name: "Web", Kind: domain.CardKindApplication},
			{Name: "Orders API", Kind: domain.CardKindInterface},
			{Name: "Orders DB", Kind: domain.CardKindTechnology},
		},
		Links: []ChainLink{{Kind: domain.RelDependsOn}, {Kind: domain.RelDependsOn}},
	})
	require.NoError(t, err)
	require.Len(t, res.CardIDs, 3)
	web, api, db := res.CardIDs[0], res.CardIDs[1], res.CardIDs[2]

	deps, err := c.svc.Dependencies(ctx, web, TraversalOptions{})
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "Orders DB", deps[1].ToName)

	shallow, err := c.svc.Dependencies(ctx, web, TraversalOptions{MaxDepth: 1})
	require.NoError(t, err)
	assert.Len(t, shallow, 1)

	dependents, err := c.svc.Dependents(ctx, db, TraversalOptions{})
	require.NoError(t, err)
	require.Len(t, dependents, 2)
	assert.Equal(t, api, dependents[0].ToID)

	other, err := c.svc.Dependencies(ctx, web, TraversalOptions{Kinds: []domain.RelationshipKind{domain.RelImpacts}})
	require.NoError(t, err)
	assert.Empty(t, other)

	path, err := c.svc.CriticalPath(ctx, web, db, TraversalOptions{})
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, ","+web+","+api+","+db+",", path[1].Path)

	_, err = c.svc.CriticalPath(ctx, db, web, TraversalOptions{})
	require.ErrorIs(t, err, domain.ErrNotFound)

	fan, err := c.svc.FanIn(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, fan, 2)

	_, err = c.svc.FanIn(ctx, []domain.RelationshipKind{"likes"}, 10)
	require.ErrorIs(t, err, domain.ErrInvalid)

	require.NoError(t, c.svc.DeleteCard(ctx, api))
	_, err = c.svc.Dependencies(ctx, api, TraversalOptions{})
	require.ErrorIs(t, err, domain.ErrNotFound)
	deps, err = c.svc.Dependencies(ctx, web, TraversalOptions{})
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestProvisionChainReusesExisting(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	in := ChainInput{
		Cards: []ChainCard{
			{Name: "Policy X", Kind: domain.CardKindPolicy},
			{Name: "Risk Y", Kind: domain.CardKindRisk},
		},
		Links: []ChainLink{{Kind: domain.RelMitigates}},
		Attrs: map[string]domain.Attributes{"Risk Y": {"likelihood": "high"}},
	}
	first, err := c.svc.ProvisionChain(ctx, in)
	require.NoError(t, err)
	second, err := c.svc.ProvisionChain(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	risk, err := c.svc.GetCard(ctx, first.CardIDs[1])
	require.NoError(t, err)
	assert.Equal(t, "high", risk.Attributes["likelihood"])

	_, err = c.svc.ProvisionChain(ctx, ChainInput{Cards: in.Cards})
	require.ErrorIs(t, err, domain.ErrInvalid)
	_, err = c.svc.ProvisionChain(ctx, ChainInput{Cards: in.Cards[:1]})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestSyncCheckAndRepair(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	card, err := c.svc.CreateCard(ctx, domain.CreateCardRequest{Name: "Lost", Kind: domain.CardKindObjective})
	require.NoError(t, err)
	require.NoError(t, c.graph.DeleteNode(ctx, card.ID))

	report, err := c.svc.CheckSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{card.ID}, report.MissingNodes)

	_, err = c.svc.RepairSync(ctx)
	require.NoError(t, err)
	report, err = c.svc.CheckSync(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestClampHelpers(t *testing.T) {
	assert.Equal(t, 100, clampLimit(0))
	assert.Equal(t, 1000, clampLimit(5000))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, 8, clampDepth(-1))
	assert.Equal(t, 32, clampDepth(99))
	assert.Equal(t, []domain.RelationshipKind{domain.RelDependsOn}, defaultKinds(nil))
}
