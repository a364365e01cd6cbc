package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tahopetis/archzero/internal/domain"
)

func newTestEntityRepository(t *testing.T) *EntityRepository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "catalog_test.db"))
	require.NoError(t, err)
	require.NoError(t, RunCatalogMigrations(context.Background(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewEntityRepository(db)
}

func TestCardLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestEntityRepository(t)

	owner := "team-payments"
	card, err := repo.CreateCard(ctx, domain.CreateCardRequest{
		Name:       "  Billing API ",
		Kind:       domain.CardKindApplication,
		Attributes: domain.Attributes{"criticality": "high"},
		Tags:       []string{"pci", "core", "pci"},
		OwnerID:    &owner,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, card.ID)
	assert.Equal(t, "Billing API", card.Name)
	assert.Equal(t, domain.PhaseDiscovery, card.LifecyclePhase)
	assert.Equal(t, []string{"core", "pci"}, card.Tags)
	assert.Equal(t, domain.StatusActive, card.Status)

	got, err := repo.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "high", got.Attributes["criticality"])
	require.NotNil(t, got.OwnerID)
	assert.Equal(t, owner, *got.OwnerID)

	name := "Billing Service"
	phase := domain.PhaseActive
	updated, err := repo.UpdateCard(ctx, card.ID, domain.CardPatch{Name: &name, LifecyclePhase: &phase, ClearOwner: true})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, domain.PhaseActive, updated.LifecyclePhase)
	assert.Nil(t, updated.OwnerID)

	reverted, err := repo.UpdateCard(ctx, card.ID, got.AsPatch())
	require.NoError(t, err)
	assert.Equal(t, "Billing API", reverted.Name)
	assert.Equal(t, domain.PhaseDiscovery, reverted.LifecyclePhase)
	require.NotNil(t, reverted.OwnerID)
	assert.Equal(t, owner, *reverted.OwnerID)

	require.NoError(t, repo.DeleteCard(ctx, card.ID))
	deleted, err := repo.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, deleted.Status)

	_, err = repo.UpdateCard(ctx, card.ID, domain.CardPatch{Name: &name})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, repo.DeleteCard(ctx, card.ID), domain.ErrNotFound)

	restored, err := repo.RestoreCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, card.ID, restored.ID)
	assert.Equal(t, domain.StatusActive, restored.Status)

	require.NoError(t, repo.PurgeCard(ctx, card.ID))
	_, err = repo.GetCard(ctx, card.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, repo.PurgeCard(ctx, card.ID), domain.ErrNotFound)
}

func TestCreateCardRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	repo := newTestEntityRepository(t)

	_, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: " ", Kind: domain.CardKindApplication})
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = repo.CreateCard(ctx, domain.CreateCardRequest{Name: "X", Kind: "spaceship"})
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = repo.UpdateCard(ctx, "missing", domain.CardPatch{})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestListCardsFilters(t *testing.T) {
	ctx := context.Background()
	repo := newTestEntityRepository(t)

	billing, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "Billing", Kind: domain.CardKindApplication, Tags: []string{"pci"}})
	require.NoError(t, err)
	_, err = repo.CreateCard(ctx, domain.CreateCardRequest{Name: "Ledger", Kind: domain.CardKindDataObject})
	require.NoError(t, err)
	gone, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "Legacy Billing", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteCard(ctx, gone.ID))

	apps, err := repo.ListCards(ctx, domain.CardFilter{Kind: domain.CardKindApplication})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, billing.ID, apps[0].ID)

	all, err := repo.ListCards(ctx, domain.CardFilter{Query: "Billing", IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tagged, err := repo.ListCards(ctx, domain.CardFilter{Tag: "pci"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, billing.ID, tagged[0].ID)

	limited, err := repo.ListCards(ctx, domain.CardFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRelationshipLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestEntityRepository(t)

	api, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "API", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	db, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "Orders DB", Kind: domain.CardKindTechnology})
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	confidence := 0.9
	rel, err := repo.CreateRelationship(ctx, domain.CreateRelationshipRequest{
		FromCardID: api.ID,
		ToCardID:   db.ID,
		Kind:       domain.RelDependsOn,
		ValidFrom:  from,
		Confidence: &confidence,
	})
	require.NoError(t, err)
	assert.True(t, rel.ValidFrom.Equal(from))

	to := from.Add(24 * time.Hour)
	updated, err := repo.UpdateRelationship(ctx, rel.ID, domain.RelationshipPatch{ValidTo: &to, ClearConfidence: true})
	require.NoError(t, err)
	require.NotNil(t, updated.ValidTo)
	assert.True(t, updated.ValidTo.Equal(to))
	assert.Nil(t, updated.Confidence)

	before := from.Add(-time.Hour)
	_, err = repo.UpdateRelationship(ctx, rel.ID, domain.RelationshipPatch{ValidTo: &before})
	require.ErrorIs(t, err, domain.ErrInvalid)

	reverted, err := repo.UpdateRelationship(ctx, rel.ID, rel.AsPatch())
	require.NoError(t, err)
	assert.Nil(t, reverted.ValidTo)
	require.NotNil(t, reverted.Confidence)
	assert.InDelta(t, 0.9, *reverted.Confidence, 1e-9)

	listed, err := repo.ListRelationships(ctx, domain.RelationshipFilter{CardID: db.ID})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, repo.DeleteRelationship(ctx, rel.ID))
	listed, err = repo.ListRelationships(ctx, domain.RelationshipFilter{CardID: db.ID})
	require.NoError(t, err)
	assert.Empty(t, listed)

	restored, err := repo.RestoreRelationship(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, rel.ID, restored.ID)

	require.NoError(t, repo.PurgeRelationship(ctx, rel.ID))
	_, err = repo.GetRelationship(ctx, rel.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateRelationshipRequiresActiveEndpoints(t *testing.T) {
	ctx := context.Background()
	repo := newTestEntityRepository(t)

	a, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "A", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	b, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "B", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteCard(ctx, b.ID))

	req := domain.CreateRelationshipRequest{FromCardID: a.ID, ToCardID: b.ID, Kind: domain.RelSupports, ValidFrom: time.Now()}
	_, err = repo.CreateRelationship(ctx, req)
	require.ErrorIs(t, err, domain.ErrInvalid)

	req.ToCardID = "does-not-exist"
	_, err = repo.CreateRelationship(ctx, req)
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestPurgeCardCascadesRelationships(t *testing.T) {
	ctx := context.Background()
	repo := newTestEntityRepository(t)

	a, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "A", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	b, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "B", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	rel, err := repo.CreateRelationship(ctx, domain.CreateRelationshipRequest{FromCardID: a.ID, ToCardID: b.ID, Kind: domain.RelFlowsTo, ValidFrom: time.Now()})
	require.NoError(t, err)

	require.NoError(t, repo.PurgeCard(ctx, b.ID))
	_, err = repo.GetRelationship(ctx, rel.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteCardSoftDeletesItsRelationships(t *testing.T) {
	ctx := context.Background()
	repo := newTestEntityRepository(t)

	a, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "A", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	b, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "B", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	c, err := repo.CreateCard(ctx, domain.CreateCardRequest{Name: "C", Kind: domain.CardKindApplication})
	require.NoError(t, err)
	ab, err := repo.CreateRelationship(ctx, domain.CreateRelationshipRequest{FromCardID: a.ID, ToCardID: b.ID, Kind: domain.RelDependsOn, ValidFrom: time.Now()})
	require.NoError(t, err)
	ac, err := repo.CreateRelationship(ctx, domain.CreateRelationshipRequest{FromCardID: a.ID, ToCardID: c.ID, Kind: domain.RelDependsOn, ValidFrom: time.Now()})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteCard(ctx, b.ID))

	got, err := repo.GetRelationship(ctx, ab.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, got.Status)
	got, err = repo.GetRelationship(ctx, ac.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	_, err = repo.RestoreCard(ctx, b.ID)
	require.NoError(t, err)
	got, err = repo.GetRelationship(ctx, ab.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, got.Status)
}
