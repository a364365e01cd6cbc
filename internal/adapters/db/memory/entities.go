// Package memory holds a map-backed entity store. It honours the same
// contract as the sqlite store and backs tests and throwaway servers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tahopetis/archzero/internal/domain"
)

type EntityStore struct {
	mu            sync.RWMutex
	cards         map[string]domain.Card
	relationships map[string]domain.Relationship
	now           func() time.Time
}

func NewEntityStore() *EntityStore {
	return &EntityStore{
		cards:         map[string]domain.Card{},
		relationships: map[string]domain.Relationship{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *EntityStore) CreateCard(ctx context.Context, req domain.CreateCardRequest) (domain.Card, error) {
	if err := ctx.Err(); err != nil {
		return domain.Card{}, err
	}
	req, err := domain.NormalizeCardRequest(req)
	if err != nil {
		return domain.Card{}, err
	}

	now := s.now()
	card := domain.Card{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Kind:           req.Kind,
		LifecyclePhase: req.LifecyclePhase,
		Attributes:     req.Attributes.Clone(),
		Tags:           req.Tags,
		OwnerID:        cloneString(req.OwnerID),
		Status:         domain.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.ID] = card
	return cloneCard(card), nil
}

func (s *EntityStore) GetCard(ctx context.Context, id string) (domain.Card, error) {
	if err := ctx.Err(); err != nil {
		return domain.Card{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[id]
	if !ok {
		return domain.Card{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	return cloneCard(card), nil
}

func (s *EntityStore) ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	tag := strings.TrimSpace(filter.Tag)

	s.mu.RLock()
	out := make([]domain.Card, 0, len(s.cards))
	for _, card := range s.cards {
		if filter.Kind != "" && card.Kind != filter.Kind {
			continue
		}
		if filter.LifecyclePhase != "" && card.LifecyclePhase != filter.LifecyclePhase {
			continue
		}
		if !filter.IncludeDeleted && card.Status != domain.StatusActive {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(card.Name), query) {
			continue
		}
		if tag != "" && !containsString(card.Tags, tag) {
			continue
		}
		out = append(out, cloneCard(card))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *EntityStore) UpdateCard(ctx context.Context, id string, patch domain.CardPatch) (domain.Card, error) {
	if err := ctx.Err(); err != nil {
		return domain.Card{}, err
	}
	patch, err := domain.ValidateCardPatch(patch)
	if err != nil {
		return domain.Card{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[id]
	if !ok || card.Status != domain.StatusActive {
		return domain.Card{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	if patch.Name != nil {
		card.Name = *patch.Name
	}
	if patch.LifecyclePhase != nil {
		card.LifecyclePhase = *patch.LifecyclePhase
	}
	if patch.Attributes != nil {
		card.Attributes = patch.Attributes.Clone()
	}
	if patch.Tags != nil {
		card.Tags = append([]string{}, (*patch.Tags)...)
	}
	if patch.OwnerID != nil {
		card.OwnerID = cloneString(patch.OwnerID)
	}
	if patch.ClearOwner {
		card.OwnerID = nil
	}
	card.UpdatedAt = s.now()
	s.cards[id] = card
	return cloneCard(card), nil
}

// DeleteCard soft-deletes the card together with its active relationships.
func (s *EntityStore) DeleteCard(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[id]
	if !ok || card.Status != domain.StatusActive {
		return fmt.Errorf("card %s (%s): %w", id, domain.StatusActive, domain.ErrNotFound)
	}
	now := s.now()
	card.Status = domain.StatusDeleted
	card.UpdatedAt = now
	s.cards[id] = card
	for relID, rel := range s.relationships {
		if rel.Status != domain.StatusActive || (rel.FromCardID != id && rel.ToCardID != id) {
			continue
		}
		rel.Status = domain.StatusDeleted
		rel.UpdatedAt = now
		s.relationships[relID] = rel
	}
	return nil
}

func (s *EntityStore) RestoreCard(ctx context.Context, id string) (domain.Card, error) {
	return s.setCardStatus(ctx, id, domain.StatusDeleted, domain.StatusActive)
}

func (s *EntityStore) PurgeCard(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[id]; !ok {
		return fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	delete(s.cards, id)
	for relID, rel := range s.relationships {
		if rel.FromCardID == id || rel.ToCardID == id {
			delete(s.relationships, relID)
		}
	}
	return nil
}

func (s *EntityStore) setCardStatus(ctx context.Context, id string, from, to domain.Status) (domain.Card, error) {
	if err := ctx.Err(); err != nil {
		return domain.Card{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[id]
	if !ok || card.Status != from {
		return domain.Card{}, fmt.Errorf("card %s (%s): %w", id, from, domain.ErrNotFound)
	}
	card.Status = to
	card.UpdatedAt = s.now()
	s.cards[id] = card
	return cloneCard(card), nil
}

func (s *EntityStore) CreateRelationship(ctx context.Context, req domain.CreateRelationshipRequest) (domain.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return domain.Relationship{}, err
	}
	req, err := domain.NormalizeRelationshipRequest(req)
	if err != nil {
		return domain.Relationship{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cardID := range []string{req.FromCardID, req.ToCardID} {
		card, ok := s.cards[cardID]
		if !ok || card.Status != domain.StatusActive {
			return domain.Relationship{}, fmt.Errorf("%w: card %s does not exist", domain.ErrInvalid, cardID)
		}
	}

	now := s.now()
	rel := domain.Relationship{
		ID:         uuid.NewString(),
		FromCardID: req.FromCardID,
		ToCardID:   req.ToCardID,
		Kind:       req.Kind,
		ValidFrom:  req.ValidFrom,
		ValidTo:    cloneTime(req.ValidTo),
		Attributes: req.Attributes.Clone(),
		Confidence: cloneFloat(req.Confidence),
		Status:     domain.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.relationships[rel.ID] = rel
	return cloneRelationship(rel), nil
}

func (s *EntityStore) GetRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return domain.Relationship{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relationships[id]
	if !ok {
		return domain.Relationship{}, fmt.Errorf("relationship %s: %w", id, domain.ErrNotFound)
	}
	return cloneRelationship(rel), nil
}

func (s *EntityStore) ListRelationships(ctx context.Context, filter domain.RelationshipFilter) ([]domain.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.Relationship, 0, len(s.relationships))
	for _, rel := range s.relationships {
		if filter.CardID != "" && rel.FromCardID != filter.CardID && rel.ToCardID != filter.CardID {
			continue
		}
		if filter.Kind != "" && rel.Kind != filter.Kind {
			continue
		}
		if !filter.IncludeDeleted && rel.Status != domain.StatusActive {
			continue
		}
		out = append(out, cloneRelationship(rel))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *EntityStore) UpdateRelationship(ctx context.Context, id string, patch domain.RelationshipPatch) (domain.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return domain.Relationship{}, err
	}
	patch, err := domain.ValidateRelationshipPatch(patch)
	if err != nil {
		return domain.Relationship{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[id]
	if !ok || rel.Status != domain.StatusActive {
		return domain.Relationship{}, fmt.Errorf("relationship %s: %w", id, domain.ErrNotFound)
	}
	if patch.ValidFrom != nil {
		rel.ValidFrom = patch.ValidFrom.UTC()
	}
	if patch.ValidTo != nil {
		to := patch.ValidTo.UTC()
		rel.ValidTo = &to
	}
	if patch.ClearValidTo {
		rel.ValidTo = nil
	}
	if err := domain.ValidateWindow(rel.ValidFrom, rel.ValidTo); err != nil {
		return domain.Relationship{}, err
	}
	if patch.Attributes != nil {
		rel.Attributes = patch.Attributes.Clone()
	}
	if patch.Confidence != nil {
		rel.Confidence = cloneFloat(patch.Confidence)
	}
	if patch.ClearConfidence {
		rel.Confidence = nil
	}
	rel.UpdatedAt = s.now()
	s.relationships[id] = rel
	return cloneRelationship(rel), nil
}

func (s *EntityStore) DeleteRelationship(ctx context.Context, id string) error {
	_, err := s.setRelationshipStatus(ctx, id, domain.StatusActive, domain.StatusDeleted)
	return err
}

func (s *EntityStore) RestoreRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	return s.setRelationshipStatus(ctx, id, domain.StatusDeleted, domain.StatusActive)
}

func (s *EntityStore) PurgeRelationship(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.relationships[id]; !ok {
		return fmt.Errorf("relationship %s: %w", id, domain.ErrNotFound)
	}
	delete(s.relationships, id)
	return nil
}

func (s *EntityStore) setRelationshipStatus(ctx context.Context, id string, from, to domain.Status) (domain.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return domain.Relationship{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[id]
	if !ok || rel.Status != from {
		return domain.Relationship{}, fmt.Errorf("relationship %s (%s): %w", id, from, domain.ErrNotFound)
	}
	rel.Status = to
	rel.UpdatedAt = s.now()
	s.relationships[id] = rel
	return cloneRelationship(rel), nil
}

func cloneCard(c domain.Card) domain.Card {
	c.Attributes = c.Attributes.Clone()
	c.Tags = append([]string(nil), c.Tags...)
	c.OwnerID = cloneString(c.OwnerID)
	return c
}

func cloneRelationship(r domain.Relationship) domain.Relationship {
	r.Attributes = r.Attributes.Clone()
	r.ValidTo = cloneTime(r.ValidTo)
	r.Confidence = cloneFloat(r.Confidence)
	return r
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
