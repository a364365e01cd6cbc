package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tahopetis/archzero/internal/domain"
	"github.com/tahopetis/archzero/internal/reconcile"
)

// CatalogWriter is the dual-write path. *saga.Orchestrator implements it.
type CatalogWriter interface {
	CreateCard(ctx context.Context, req domain.CreateCardRequest) (domain.Card, error)
	UpdateCard(ctx context.Context, id string, patch domain.CardPatch) (domain.Card, error)
	DeleteCard(ctx context.Context, id string) error
	CreateRelationship(ctx context.Context, req domain.CreateRelationshipRequest) (domain.Relationship, error)
	UpdateRelationship(ctx context.Context, id string, patch domain.RelationshipPatch) (domain.Relationship, error)
	DeleteRelationship(ctx context.Context, id string) error
}

// SyncChecker is implemented by *reconcile.Reconciler.
type SyncChecker interface {
	Check(ctx context.Context) (reconcile.Report, error)
	Repair(ctx context.Context) (reconcile.Report, error)
}

type CatalogService struct {
	writer   CatalogWriter
	entities domain.EntityStore
	graph    domain.GraphQuerier
	sync     SyncChecker
}

type ChainCard struct {
	Name string          `json:"name"`
	Kind domain.CardKind `json:"kind"`
}

type ChainLink struct {
	Kind domain.RelationshipKind `json:"kind"`
}

// ChainInput describes cards[0] -links[0]-> cards[1] -links[1]-> ...
type ChainInput struct {
	Cards     []ChainCard                  `json:"cards"`
	Links     []ChainLink                  `json:"links"`
	Phase     domain.LifecyclePhase        `json:"lifecycle_phase"`
	ValidFrom time.Time                    `json:"valid_from"`
	Attrs     map[string]domain.Attributes `json:"attributes"`
}

type ChainResult struct {
	CardIDs         []string `json:"card_ids"`
	RelationshipIDs []string `json:"relationship_ids"`
}

type TraversalOptions struct {
	MaxDepth int
	Kinds    []domain.RelationshipKind
}

func NewCatalogService(writer CatalogWriter, entities domain.EntityStore, graph domain.GraphQuerier, sync SyncChecker) *CatalogService {
	return &CatalogService{writer: writer, entities: entities, graph: graph, sync: sync}
}

func (s *CatalogService) CreateCard(ctx context.Context, req domain.CreateCardRequest) (domain.Card, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Kind == "" {
		return domain.Card{}, fmt.Errorf("%w: name and kind are required", domain.ErrInvalid)
	}
	return s.writer.CreateCard(ctx, req)
}

func (s *CatalogService) GetCard(ctx context.Context, id string) (domain.Card, error) {
	id, err := requireID(id, "card id")
	if err != nil {
		return domain.Card{}, err
	}
	return s.entities.GetCard(ctx, id)
}

func (s *CatalogService) ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Card, error) {
	filter.Limit = clampLimit(filter.Limit)
	filter.Query = strings.TrimSpace(filter.Query)
	return s.entities.ListCards(ctx, filter)
}

func (s *CatalogService) UpdateCard(ctx context.Context, id string, patch domain.CardPatch) (domain.Card, error) {
	id, err := requireID(id, "card id")
	if err != nil {
		return domain.Card{}, err
	}
	return s.writer.UpdateCard(ctx, id, patch)
}

func (s *CatalogService) DeleteCard(ctx context.Context, id string) error {
	id, err := requireID(id, "card id")
	if err != nil {
		return err
	}
	return s.writer.DeleteCard(ctx, id)
}

func (s *CatalogService) CreateRelationship(ctx context.Context, req domain.CreateRelationshipRequest) (domain.Relationship, error) {
	if req.ValidFrom.IsZero() {
		req.ValidFrom = time.Now().UTC()
	}
	return s.writer.CreateRelationship(ctx, req)
}

func (s *CatalogService) GetRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	id, err := requireID(id, "relationship id")
	if err != nil {
		return domain.Relationship{}, err
	}
	return s.entities.GetRelationship(ctx, id)
}

func (s *CatalogService) ListRelationships(ctx context.Context, filter domain.RelationshipFilter) ([]domain.Relationship, error) {
	filter.Limit = clampLimit(filter.Limit)
	filter.CardID = strings.TrimSpace(filter.CardID)
	return s.entities.ListRelationships(ctx, filter)
}

func (s *CatalogService) UpdateRelationship(ctx context.Context, id string, patch domain.RelationshipPatch) (domain.Relationship, error) {
	id, err := requireID(id, "relationship id")
	if err != nil {
		return domain.Relationship{}, err
	}
	return s.writer.UpdateRelationship(ctx, id, patch)
}

func (s *CatalogService) DeleteRelationship(ctx context.Context, id string) error {
	id, err := requireID(id, "relationship id")
	if err != nil {
		return err
	}
	return s.writer.DeleteRelationship(ctx, id)
}

// Dependencies walks outgoing edges from a card, depends_on by default.
func (s *CatalogService) Dependencies(ctx context.Context, cardID string, opts TraversalOptions) ([]domain.TraversalHop, error) {
	return s.traverse(ctx, cardID, domain.Outgoing, opts)
}

// Dependents walks the same edges backwards: who depends on this card.
func (s *CatalogService) Dependents(ctx context.Context, cardID string, opts TraversalOptions) ([]domain.TraversalHop, error) {
	return s.traverse(ctx, cardID, domain.Incoming, opts)
}

func (s *CatalogService) traverse(ctx context.Context, cardID string, direction domain.Direction, opts TraversalOptions) ([]domain.TraversalHop, error) {
	card, err := s.activeCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return s.graph.Traverse(ctx, domain.TraversalQuery{
		StartID:   card.ID,
		Direction: direction,
		MaxDepth:  clampDepth(opts.MaxDepth),
		Kinds:     defaultKinds(opts.Kinds),
	})
}

func (s *CatalogService) FanIn(ctx context.Context, kinds []domain.RelationshipKind, limit int) ([]domain.FanIn, error) {
	for _, kind := range kinds {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unknown relationship kind %q", domain.ErrInvalid, kind)
		}
	}
	return s.graph.FanIn(ctx, kinds, clampLimit(limit))
}

// CriticalPath is the shortest chain of dependencies from one card to
// another.
func (s *CatalogService) CriticalPath(ctx context.Context, fromID, toID string, opts TraversalOptions) ([]domain.TraversalHop, error) {
	from, err := s.activeCard(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.activeCard(ctx, toID)
	if err != nil {
		return nil, err
	}
	return s.graph.ShortestPath(ctx, domain.PathQuery{
		FromID:   from.ID,
		ToID:     to.ID,
		MaxDepth: clampDepth(opts.MaxDepth),
		Kinds:    defaultKinds(opts.Kinds),
	})
}

func (s *CatalogService) CheckSync(ctx context.Context) (reconcile.Report, error) {
	return s.sync.Check(ctx)
}

func (s *CatalogService) RepairSync(ctx context.Context) (reconcile.Report, error) {
	return s.sync.Repair(ctx)
}

// ProvisionChain creates a linear chain of cards joined by relationships,
// reusing cards and relationships that already exist. Every write goes
// through the dual-write path, so a failure part way leaves the completed
// links in both stores.
func (s *CatalogService) ProvisionChain(ctx context.Context, in ChainInput) (ChainResult, error) {
	if len(in.Cards) < 2 {
		return ChainResult{}, fmt.Errorf("%w: at least two cards are required", domain.ErrInvalid)
	}
	if len(in.Links) != len(in.Cards)-1 {
		return ChainResult{}, fmt.Errorf("%w: links count must be cards count minus one", domain.ErrInvalid)
	}
	validFrom := in.ValidFrom
	if validFrom.IsZero() {
		validFrom = time.Now().UTC()
	}

	cardIDs := make([]string, 0, len(in.Cards))
	relIDs := make([]string, 0, len(in.Links))

	for _, c := range in.Cards {
		name := strings.TrimSpace(c.Name)
		if name == "" || c.Kind == "" {
			return ChainResult{}, fmt.Errorf("%w: every card must include name and kind", domain.ErrInvalid)
		}
		card, err := s.ensureCard(ctx, domain.CreateCardRequest{
			Name:           name,
			Kind:           c.Kind,
			LifecyclePhase: in.Phase,
			Attributes:     in.Attrs[name],
		})
		if err != nil {
			return ChainResult{CardIDs: cardIDs}, err
		}
		cardIDs = append(cardIDs, card.ID)
	}

	for idx, link := range in.Links {
		if link.Kind == "" {
			return ChainResult{CardIDs: cardIDs, RelationshipIDs: relIDs}, fmt.Errorf("%w: every link must include kind", domain.ErrInvalid)
		}
		rel, err := s.ensureRelationship(ctx, domain.CreateRelationshipRequest{
			FromCardID: cardIDs[idx],
			ToCardID:   cardIDs[idx+1],
			Kind:       link.Kind,
			ValidFrom:  validFrom,
		})
		if err != nil {
			return ChainResult{CardIDs: cardIDs, RelationshipIDs: relIDs}, err
		}
		relIDs = append(relIDs, rel.ID)
	}

	return ChainResult{CardIDs: cardIDs, RelationshipIDs: relIDs}, nil
}

func (s *CatalogService) ensureCard(ctx context.Context, req domain.CreateCardRequest) (domain.Card, error) {
	items, err := s.entities.ListCards(ctx, domain.CardFilter{Kind: req.Kind, Query: req.Name, Limit: 200})
	if err != nil {
		return domain.Card{}, err
	}
	for _, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.Name), req.Name) {
			return item, nil
		}
	}
	return s.writer.CreateCard(ctx, req)
}

func (s *CatalogService) ensureRelationship(ctx context.Context, req domain.CreateRelationshipRequest) (domain.Relationship, error) {
	items, err := s.entities.ListRelationships(ctx, domain.RelationshipFilter{CardID: req.FromCardID, Kind: req.Kind, Limit: 1000})
	if err != nil {
		return domain.Relationship{}, err
	}
	for _, item := range items {
		if item.FromCardID == req.FromCardID && item.ToCardID == req.ToCardID {
			return item, nil
		}
	}
	return s.writer.CreateRelationship(ctx, req)
}

func (s *CatalogService) activeCard(ctx context.Context, id string) (domain.Card, error) {
	id, err := requireID(id, "card id")
	if err != nil {
		return domain.Card{}, err
	}
	card, err := s.entities.GetCard(ctx, id)
	if err != nil {
		return domain.Card{}, err
	}
	if card.Status != domain.StatusActive {
		return domain.Card{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	return card, nil
}

func requireID(id, what string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", domain.ErrInvalid, what)
	}
	return id, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}

func clampDepth(depth int) int {
	if depth <= 0 {
		depth = 8
	}
	if depth > 32 {
		depth = 32
	}
	return depth
}

func defaultKinds(kinds []domain.RelationshipKind) []domain.RelationshipKind {
	if len(kinds) == 0 {
		return []domain.RelationshipKind{domain.RelDependsOn}
	}
	return kinds
}
