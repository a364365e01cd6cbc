package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tahopetis/archzero/internal/adapters/db/memgraph"
	"github.com/tahopetis/archzero/internal/adapters/db/memory"
	"github.com/tahopetis/archzero/internal/domain"
)

type fixture struct {
	entities *memory.EntityStore
	mirror   *memgraph.Store
	a, b, c  domain.Card
	ab, bc   domain.Relationship
}

// newFixture writes three cards and two relationships to both stores.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mirror, err := memgraph.New()
	require.NoError(t, err)
	f := &fixture{entities: memory.NewEntityStore(), mirror: mirror}

	for _, p := range []struct {
		dst  *domain.Card
		name string
	}{{&f.a, "A"}, {&f.b, "B"}, {&f.c, "C"}} {
		card, err := f.entities.CreateCard(ctx, domain.CreateCardRequest{Name: p.name, Kind: domain.CardKindApplication})
		require.NoError(t, err)
		require.NoError(t, f.mirror.CreateNode(ctx, domain.NodeFromCard(card)))
		*p.dst = card
	}
	for _, p := range []struct {
		dst      *domain.Relationship
		from, to string
	}{{&f.ab, f.a.ID, f.b.ID}, {&f.bc, f.b.ID, f.c.ID}} {
		rel, err := f.entities.CreateRelationship(ctx, domain.CreateRelationshipRequest{
			FromCardID: p.from, ToCardID: p.to, Kind: domain.RelDependsOn, ValidFrom: time.Now(),
		})
		require.NoError(t, err)
		require.NoError(t, f.mirror.CreateEdge(ctx, domain.EdgeFromRelationship(rel)))
		*p.dst = rel
	}
	return f
}

type recordedDrift struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *recordedDrift) ObserveDrift(category string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[category] = n
}

func TestCheckCleanStores(t *testing.T) {
	f := newFixture(t)
	rec := &recordedDrift{counts: map[string]int{}}

	report, err := New(f.entities, f.mirror, WithDriftRecorder(rec)).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Len(t, rec.counts, 6)
	assert.Equal(t, 0, rec.counts["missing_nodes"])
}

func TestCheckFindsEveryCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A card that never reached the mirror.
	d, err := f.entities.CreateCard(ctx, domain.CreateCardRequest{Name: "D", Kind: domain.CardKindRisk})
	require.NoError(t, err)
	// A node whose card was purged.
	require.NoError(t, f.mirror.CreateNode(ctx, domain.Node{ID: "ghost", Name: "Ghost", Kind: domain.CardKindRisk}))
	// A node with a stale name.
	stale := domain.NodeFromCard(f.a)
	stale.Name = "A (old)"
	require.NoError(t, f.mirror.UpdateNode(ctx, stale))
	// A relationship that never reached the mirror.
	cd, err := f.entities.CreateRelationship(ctx, domain.CreateRelationshipRequest{
		FromCardID: f.c.ID, ToCardID: d.ID, Kind: domain.RelMitigates, ValidFrom: time.Now(),
	})
	require.NoError(t, err)
	// An edge whose relationship was deleted.
	require.NoError(t, f.entities.DeleteRelationship(ctx, f.bc.ID))
	// An edge with stale confidence.
	confidence := 0.2
	changed := domain.EdgeFromRelationship(f.ab)
	changed.Confidence = &confidence
	require.NoError(t, f.mirror.UpdateEdge(ctx, changed))

	report, err := New(f.entities, f.mirror).Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, report.MissingNodes)
	assert.Equal(t, []string{"ghost"}, report.OrphanNodes)
	assert.Equal(t, []string{f.a.ID}, report.StaleNodes)
	assert.Equal(t, []string{cd.ID}, report.MissingEdges)
	assert.Equal(t, []string{f.bc.ID}, report.OrphanEdges)
	assert.Equal(t, []string{f.ab.ID}, report.StaleEdges)
	assert.Equal(t, 6, report.Total())
}

func TestRelationshipsOfDeletedCardsAreNotExpected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.entities.DeleteCard(ctx, f.c.ID))
	require.NoError(t, f.mirror.DeleteNode(ctx, f.c.ID))

	report, err := New(f.entities, f.mirror).Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report)
}

func TestRepairConverges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.entities.CreateCard(ctx, domain.CreateCardRequest{Name: "D", Kind: domain.CardKindPolicy})
	require.NoError(t, err)
	require.NoError(t, f.mirror.CreateNode(ctx, domain.Node{ID: "ghost", Name: "Ghost", Kind: domain.CardKindRisk}))
	require.NoError(t, f.mirror.DeleteEdge(ctx, f.ab.ID))
	require.NoError(t, f.mirror.DeleteNode(ctx, f.b.ID))

	r := New(f.entities, f.mirror)
	repaired, err := r.Repair(ctx)
	require.NoError(t, err)
	assert.Len(t, repaired.MissingNodes, 2)
	assert.Equal(t, []string{"ghost"}, repaired.OrphanNodes)
	assert.Len(t, repaired.MissingEdges, 2)

	after, err := r.Check(ctx)
	require.NoError(t, err)
	assert.True(t, after.Clean(), "%+v", after)
}

type failingMirror struct {
	domain.MirrorStore
	err error
}

func (m failingMirror) CreateNode(context.Context, domain.Node) error { return m.err }

func TestRepairReportsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.entities.CreateCard(ctx, domain.CreateCardRequest{Name: "D", Kind: domain.CardKindPolicy})
	require.NoError(t, err)

	injected := errors.New("mirror down")
	_, err = New(f.entities, failingMirror{MirrorStore: f.mirror, err: injected}).Repair(ctx)
	require.ErrorIs(t, err, injected)
}
