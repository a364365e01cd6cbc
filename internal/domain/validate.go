package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const maxNameLength = 255

// NormalizeCardRequest trims and defaults req, and rejects what the entity
// stores would refuse to persist.
func NormalizeCardRequest(req CreateCardRequest) (CreateCardRequest, error) {
	name, err := normalizeName(req.Name)
	if err != nil {
		return CreateCardRequest{}, err
	}
	req.Name = name
	if !req.Kind.Valid() {
		return CreateCardRequest{}, fmt.Errorf("%w: unknown card kind %q", ErrInvalid, req.Kind)
	}
	if req.LifecyclePhase == "" {
		req.LifecyclePhase = PhaseDiscovery
	}
	if !req.LifecyclePhase.Valid() {
		return CreateCardRequest{}, fmt.Errorf("%w: unknown lifecycle phase %q", ErrInvalid, req.LifecyclePhase)
	}
	req.Tags = NormalizeTags(req.Tags)
	if req.OwnerID != nil && strings.TrimSpace(*req.OwnerID) == "" {
		req.OwnerID = nil
	}
	return req, nil
}

func ValidateCardPatch(patch CardPatch) (CardPatch, error) {
	if patch.Empty() {
		return CardPatch{}, fmt.Errorf("%w: empty patch", ErrInvalid)
	}
	if patch.Name != nil {
		name, err := normalizeName(*patch.Name)
		if err != nil {
			return CardPatch{}, err
		}
		patch.Name = &name
	}
	if patch.LifecyclePhase != nil && !patch.LifecyclePhase.Valid() {
		return CardPatch{}, fmt.Errorf("%w: unknown lifecycle phase %q", ErrInvalid, *patch.LifecyclePhase)
	}
	if patch.Tags != nil {
		tags := NormalizeTags(*patch.Tags)
		patch.Tags = &tags
	}
	if patch.OwnerID != nil && patch.ClearOwner {
		return CardPatch{}, fmt.Errorf("%w: owner_id and clear_owner are exclusive", ErrInvalid)
	}
	return patch, nil
}

func NormalizeRelationshipRequest(req CreateRelationshipRequest) (CreateRelationshipRequest, error) {
	req.FromCardID = strings.TrimSpace(req.FromCardID)
	req.ToCardID = strings.TrimSpace(req.ToCardID)
	if req.FromCardID == "" || req.ToCardID == "" {
		return CreateRelationshipRequest{}, fmt.Errorf("%w: from_card_id and to_card_id are required", ErrInvalid)
	}
	if req.FromCardID == req.ToCardID {
		return CreateRelationshipRequest{}, fmt.Errorf("%w: relationship cannot point at its own card", ErrInvalid)
	}
	if !req.Kind.Valid() {
		return CreateRelationshipRequest{}, fmt.Errorf("%w: unknown relationship kind %q", ErrInvalid, req.Kind)
	}
	if req.ValidFrom.IsZero() {
		return CreateRelationshipRequest{}, fmt.Errorf("%w: valid_from is required", ErrInvalid)
	}
	req.ValidFrom = req.ValidFrom.UTC()
	if req.ValidTo != nil {
		to := req.ValidTo.UTC()
		if !to.After(req.ValidFrom) {
			return CreateRelationshipRequest{}, fmt.Errorf("%w: valid_to must be after valid_from", ErrInvalid)
		}
		req.ValidTo = &to
	}
	if err := validateConfidence(req.Confidence); err != nil {
		return CreateRelationshipRequest{}, err
	}
	return req, nil
}

func ValidateRelationshipPatch(patch RelationshipPatch) (RelationshipPatch, error) {
	if patch.Empty() {
		return RelationshipPatch{}, fmt.Errorf("%w: empty patch", ErrInvalid)
	}
	if patch.ValidTo != nil && patch.ClearValidTo {
		return RelationshipPatch{}, fmt.Errorf("%w: valid_to and clear_valid_to are exclusive", ErrInvalid)
	}
	if patch.Confidence != nil && patch.ClearConfidence {
		return RelationshipPatch{}, fmt.Errorf("%w: confidence and clear_confidence are exclusive", ErrInvalid)
	}
	if err := validateConfidence(patch.Confidence); err != nil {
		return RelationshipPatch{}, err
	}
	return patch, nil
}

// ValidateWindow checks a relationship's validity window after a patch has
// been applied.
func ValidateWindow(from time.Time, to *time.Time) error {
	if from.IsZero() {
		return fmt.Errorf("%w: valid_from is required", ErrInvalid)
	}
	if to != nil && !to.After(from) {
		return fmt.Errorf("%w: valid_to must be after valid_from", ErrInvalid)
	}
	return nil
}

// NormalizeTags trims, drops empties, dedupes and sorts.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, maxNameLength)
	}
	return name, nil
}

func validateConfidence(c *float64) error {
	if c == nil {
		return nil
	}
	if *c < 0 || *c > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalid)
	}
	return nil
}
