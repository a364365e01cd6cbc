package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tahopetis/archzero/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// EntityRepository is the relational system of record for cards and
// relationships.
type EntityRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens a sqlite database through the pure-Go driver with foreign keys
// and a busy timeout enabled. A single connection serializes writers.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func NewEntityRepository(db *gorm.DB) *EntityRepository {
	return &EntityRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *EntityRepository) CreateCard(ctx context.Context, req domain.CreateCardRequest) (domain.Card, error) {
	req, err := domain.NormalizeCardRequest(req)
	if err != nil {
		return domain.Card{}, err
	}
	attrs, err := encodeJSON(defaultAttributes(req.Attributes))
	if err != nil {
		return domain.Card{}, err
	}
	tags, err := encodeJSON(req.Tags)
	if err != nil {
		return domain.Card{}, err
	}

	now := r.now()
	m := CardModel{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Kind:           string(req.Kind),
		LifecyclePhase: string(req.LifecyclePhase),
		Attributes:     attrs,
		Tags:           tags,
		OwnerID:        req.OwnerID,
		Status:         string(domain.StatusActive),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Card{}, translate(err, "card")
	}
	return cardFromModel(m)
}

func (r *EntityRepository) GetCard(ctx context.Context, id string) (domain.Card, error) {
	var m CardModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return domain.Card{}, translate(err, "card "+id)
	}
	return cardFromModel(m)
}

func (r *EntityRepository) ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Card, error) {
	q := r.db.WithContext(ctx).Model(&CardModel{})
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.LifecyclePhase != "" {
		q = q.Where("lifecycle_phase = ?", string(filter.LifecyclePhase))
	}
	if !filter.IncludeDeleted {
		q = q.Where("status = ?", string(domain.StatusActive))
	}
	if strings.TrimSpace(filter.Query) != "" {
		like := "%" + strings.TrimSpace(filter.Query) + "%"
		q = q.Where("name LIKE ?", like)
	}
	if strings.TrimSpace(filter.Tag) != "" {
		q = q.Where("EXISTS (SELECT 1 FROM json_each(cards.tags) WHERE json_each.value = ?)", strings.TrimSpace(filter.Tag))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	rows := make([]CardModel, 0)
	if err := q.Order("created_at DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Card, 0, len(rows))
	for _, m := range rows {
		card, err := cardFromModel(m)
		if err != nil {
			return nil, err
		}
		result = append(result, card)
	}
	return result, nil
}

func (r *EntityRepository) UpdateCard(ctx context.Context, id string, patch domain.CardPatch) (domain.Card, error) {
	patch, err := domain.ValidateCardPatch(patch)
	if err != nil {
		return domain.Card{}, err
	}

	updates := map[string]any{"updated_at": r.now()}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.LifecyclePhase != nil {
		updates["lifecycle_phase"] = string(*patch.LifecyclePhase)
	}
	if patch.Attributes != nil {
		raw, err := encodeJSON(defaultAttributes(*patch.Attributes))
		if err != nil {
			return domain.Card{}, err
		}
		updates["attributes"] = raw
	}
	if patch.Tags != nil {
		raw, err := encodeJSON(*patch.Tags)
		if err != nil {
			return domain.Card{}, err
		}
		updates["tags"] = raw
	}
	if patch.OwnerID != nil {
		updates["owner_id"] = *patch.OwnerID
	}
	if patch.ClearOwner {
		updates["owner_id"] = nil
	}

	res := r.db.WithContext(ctx).Model(&CardModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusActive)).
		Updates(updates)
	if res.Error != nil {
		return domain.Card{}, translate(res.Error, "card "+id)
	}
	if res.RowsAffected == 0 {
		return domain.Card{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	return r.GetCard(ctx, id)
}

// DeleteCard soft-deletes the card together with its active relationships.
func (r *EntityRepository) DeleteCard(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		res := tx.Model(&CardModel{}).
			Where("id = ? AND status = ?", id, string(domain.StatusActive)).
			Updates(map[string]any{"status": string(domain.StatusDeleted), "updated_at": now})
		if res.Error != nil {
			return translate(res.Error, "card "+id)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("card %s (%s): %w", id, domain.StatusActive, domain.ErrNotFound)
		}
		err := tx.Model(&RelationshipModel{}).
			Where("(from_card_id = ? OR to_card_id = ?) AND status = ?", id, id, string(domain.StatusActive)).
			Updates(map[string]any{"status": string(domain.StatusDeleted), "updated_at": now}).Error
		return translate(err, "relationships of card "+id)
	})
}

func (r *EntityRepository) RestoreCard(ctx context.Context, id string) (domain.Card, error) {
	if err := r.setCardStatus(ctx, id, domain.StatusDeleted, domain.StatusActive); err != nil {
		return domain.Card{}, err
	}
	return r.GetCard(ctx, id)
}

func (r *EntityRepository) PurgeCard(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&CardModel{})
	if res.Error != nil {
		return translate(res.Error, "card "+id)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *EntityRepository) setCardStatus(ctx context.Context, id string, from, to domain.Status) error {
	res := r.db.WithContext(ctx).Model(&CardModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": r.now()})
	if res.Error != nil {
		return translate(res.Error, "card "+id)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("card %s (%s): %w", id, from, domain.ErrNotFound)
	}
	return nil
}

func (r *EntityRepository) CreateRelationship(ctx context.Context, req domain.CreateRelationshipRequest) (domain.Relationship, error) {
	req, err := domain.NormalizeRelationshipRequest(req)
	if err != nil {
		return domain.Relationship{}, err
	}
	for _, cardID := range []string{req.FromCardID, req.ToCardID} {
		if err := r.requireActiveCard(ctx, cardID); err != nil {
			return domain.Relationship{}, err
		}
	}
	attrs, err := encodeJSON(defaultAttributes(req.Attributes))
	if err != nil {
		return domain.Relationship{}, err
	}

	now := r.now()
	m := RelationshipModel{
		ID:         uuid.NewString(),
		FromCardID: req.FromCardID,
		ToCardID:   req.ToCardID,
		Kind:       string(req.Kind),
		ValidFrom:  req.ValidFrom,
		ValidTo:    req.ValidTo,
		Attributes: attrs,
		Confidence: req.Confidence,
		Status:     string(domain.StatusActive),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Relationship{}, translate(err, "relationship")
	}
	return relationshipFromModel(m)
}

func (r *EntityRepository) GetRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	var m RelationshipModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return domain.Relationship{}, translate(err, "relationship "+id)
	}
	return relationshipFromModel(m)
}

func (r *EntityRepository) ListRelationships(ctx context.Context, filter domain.RelationshipFilter) ([]domain.Relationship, error) {
	q := r.db.WithContext(ctx).Model(&RelationshipModel{})
	if filter.CardID != "" {
		q = q.Where("from_card_id = ? OR to_card_id = ?", filter.CardID, filter.CardID)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if !filter.IncludeDeleted {
		q = q.Where("status = ?", string(domain.StatusActive))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	rows := make([]RelationshipModel, 0)
	if err := q.Order("created_at DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Relationship, 0, len(rows))
	for _, m := range rows {
		rel, err := relationshipFromModel(m)
		if err != nil {
			return nil, err
		}
		result = append(result, rel)
	}
	return result, nil
}

func (r *EntityRepository) UpdateRelationship(ctx context.Context, id string, patch domain.RelationshipPatch) (domain.Relationship, error) {
	patch, err := domain.ValidateRelationshipPatch(patch)
	if err != nil {
		return domain.Relationship{}, err
	}

	var out domain.Relationship
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m RelationshipModel
		if err := tx.First(&m, "id = ? AND status = ?", id, string(domain.StatusActive)).Error; err != nil {
			return translate(err, "relationship "+id)
		}
		if patch.ValidFrom != nil {
			m.ValidFrom = patch.ValidFrom.UTC()
		}
		if patch.ValidTo != nil {
			to := patch.ValidTo.UTC()
			m.ValidTo = &to
		}
		if patch.ClearValidTo {
			m.ValidTo = nil
		}
		if err := domain.ValidateWindow(m.ValidFrom, m.ValidTo); err != nil {
			return err
		}
		if patch.Attributes != nil {
			raw, err := encodeJSON(defaultAttributes(*patch.Attributes))
			if err != nil {
				return err
			}
			m.Attributes = raw
		}
		if patch.Confidence != nil {
			c := *patch.Confidence
			m.Confidence = &c
		}
		if patch.ClearConfidence {
			m.Confidence = nil
		}
		m.UpdatedAt = r.now()
		if err := tx.Save(&m).Error; err != nil {
			return translate(err, "relationship "+id)
		}
		rel, err := relationshipFromModel(m)
		if err != nil {
			return err
		}
		out = rel
		return nil
	})
	if err != nil {
		return domain.Relationship{}, err
	}
	return out, nil
}

func (r *EntityRepository) DeleteRelationship(ctx context.Context, id string) error {
	return r.setRelationshipStatus(ctx, id, domain.StatusActive, domain.StatusDeleted)
}

func (r *EntityRepository) RestoreRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	if err := r.setRelationshipStatus(ctx, id, domain.StatusDeleted, domain.StatusActive); err != nil {
		return domain.Relationship{}, err
	}
	return r.GetRelationship(ctx, id)
}

func (r *EntityRepository) PurgeRelationship(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&RelationshipModel{})
	if res.Error != nil {
		return translate(res.Error, "relationship "+id)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("relationship %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *EntityRepository) setRelationshipStatus(ctx context.Context, id string, from, to domain.Status) error {
	res := r.db.WithContext(ctx).Model(&RelationshipModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": r.now()})
	if res.Error != nil {
		return translate(res.Error, "relationship "+id)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("relationship %s (%s): %w", id, from, domain.ErrNotFound)
	}
	return nil
}

func (r *EntityRepository) requireActiveCard(ctx context.Context, id string) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&CardModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusActive)).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: card %s does not exist", domain.ErrInvalid, id)
	}
	return nil
}

func cardFromModel(m CardModel) (domain.Card, error) {
	card := domain.Card{
		ID:             m.ID,
		Name:           m.Name,
		Kind:           domain.CardKind(m.Kind),
		LifecyclePhase: domain.LifecyclePhase(m.LifecyclePhase),
		OwnerID:        m.OwnerID,
		Status:         domain.Status(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if err := decodeJSON(m.Attributes, &card.Attributes); err != nil {
		return domain.Card{}, fmt.Errorf("card %s attributes: %w", m.ID, err)
	}
	if err := decodeJSON(m.Tags, &card.Tags); err != nil {
		return domain.Card{}, fmt.Errorf("card %s tags: %w", m.ID, err)
	}
	return card, nil
}

func relationshipFromModel(m RelationshipModel) (domain.Relationship, error) {
	rel := domain.Relationship{
		ID:         m.ID,
		FromCardID: m.FromCardID,
		ToCardID:   m.ToCardID,
		Kind:       domain.RelationshipKind(m.Kind),
		ValidFrom:  m.ValidFrom.UTC(),
		Confidence: m.Confidence,
		Status:     domain.Status(m.Status),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.ValidTo != nil {
		to := m.ValidTo.UTC()
		rel.ValidTo = &to
	}
	if err := decodeJSON(m.Attributes, &rel.Attributes); err != nil {
		return domain.Relationship{}, fmt.Errorf("relationship %s attributes: %w", m.ID, err)
	}
	return rel, nil
}

func defaultAttributes(a domain.Attributes) domain.Attributes {
	if a == nil {
		return domain.Attributes{}
	}
	return a
}

func encodeJSON(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalid, err)
	}
	return datatypes.JSON(raw), nil
}

func decodeJSON(raw datatypes.JSON, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// translate maps driver errors onto the domain sentinels.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
		return err
	case strings.Contains(err.Error(), "UNIQUE constraint failed"),
		strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%s: %w: %v", what, domain.ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
