package domain

import (
	"encoding/json"
	"time"
)

type CardKind string

const (
	CardKindApplication        CardKind = "application"
	CardKindBusinessCapability CardKind = "business_capability"
	CardKindDataObject         CardKind = "data_object"
	CardKindInterface          CardKind = "interface"
	CardKindTechnology         CardKind = "technology"
	CardKindPolicy             CardKind = "policy"
	CardKindRisk               CardKind = "risk"
	CardKindPrinciple          CardKind = "principle"
	CardKindStandard           CardKind = "standard"
	CardKindInitiative         CardKind = "initiative"
	CardKindObjective          CardKind = "objective"
)

var cardKinds = map[CardKind]struct{}{
	CardKindApplication:        {},
	CardKindBusinessCapability: {},
	CardKindDataObject:         {},
	CardKindInterface:          {},
	CardKindTechnology:         {},
	CardKindPolicy:             {},
	CardKindRisk:               {},
	CardKindPrinciple:          {},
	CardKindStandard:           {},
	CardKindInitiative:         {},
	CardKindObjective:          {},
}

func (k CardKind) Valid() bool {
	_, ok := cardKinds[k]
	return ok
}

type LifecyclePhase string

const (
	PhaseDiscovery      LifecyclePhase = "discovery"
	PhaseStrategy       LifecyclePhase = "strategy"
	PhasePlanning       LifecyclePhase = "planning"
	PhaseDevelopment    LifecyclePhase = "development"
	PhaseTesting        LifecyclePhase = "testing"
	PhaseActive         LifecyclePhase = "active"
	PhaseDecommissioned LifecyclePhase = "decommissioned"
	PhaseRetired        LifecyclePhase = "retired"
)

var lifecyclePhases = map[LifecyclePhase]struct{}{
	PhaseDiscovery:      {},
	PhaseStrategy:       {},
	PhasePlanning:       {},
	PhaseDevelopment:    {},
	PhaseTesting:        {},
	PhaseActive:         {},
	PhaseDecommissioned: {},
	PhaseRetired:        {},
}

func (p LifecyclePhase) Valid() bool {
	_, ok := lifecyclePhases[p]
	return ok
}

type RelationshipKind string

const (
	RelDependsOn RelationshipKind = "depends_on"
	RelImpacts   RelationshipKind = "impacts"
	RelEnforces  RelationshipKind = "enforces"
	RelMitigates RelationshipKind = "mitigates"
	RelSupports  RelationshipKind = "supports"
	RelRealizes  RelationshipKind = "realizes"
	RelFlowsTo   RelationshipKind = "flows_to"
	RelOwnedBy   RelationshipKind = "owned_by"
)

var relationshipKinds = map[RelationshipKind]struct{}{
	RelDependsOn: {},
	RelImpacts:   {},
	RelEnforces:  {},
	RelMitigates: {},
	RelSupports:  {},
	RelRealizes:  {},
	RelFlowsTo:   {},
	RelOwnedBy:   {},
}

func (k RelationshipKind) Valid() bool {
	_, ok := relationshipKinds[k]
	return ok
}

type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Attributes is the open, per-kind document carried by cards and
// relationships. The core copies it between stores without interpreting it.
type Attributes map[string]any

// Clone returns a deep copy made through a JSON round trip, which is also
// the shape both stores persist.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return a
	}
	out := Attributes{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return a
	}
	return out
}

type Card struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Kind           CardKind       `json:"kind"`
	LifecyclePhase LifecyclePhase `json:"lifecycle_phase"`
	Attributes     Attributes     `json:"attributes,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	OwnerID        *string        `json:"owner_id,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AsPatch returns a patch that restores every mutable field of c.
func (c Card) AsPatch() CardPatch {
	name := c.Name
	phase := c.LifecyclePhase
	attrs := c.Attributes.Clone()
	if attrs == nil {
		attrs = Attributes{}
	}
	tags := append([]string{}, c.Tags...)
	patch := CardPatch{
		Name:           &name,
		LifecyclePhase: &phase,
		Attributes:     &attrs,
		Tags:           &tags,
	}
	if c.OwnerID != nil {
		owner := *c.OwnerID
		patch.OwnerID = &owner
	} else {
		patch.ClearOwner = true
	}
	return patch
}

type Relationship struct {
	ID         string           `json:"id"`
	FromCardID string           `json:"from_card_id"`
	ToCardID   string           `json:"to_card_id"`
	Kind       RelationshipKind `json:"kind"`
	ValidFrom  time.Time        `json:"valid_from"`
	ValidTo    *time.Time       `json:"valid_to,omitempty"`
	Attributes Attributes       `json:"attributes,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (r Relationship) AsPatch() RelationshipPatch {
	from := r.ValidFrom
	attrs := r.Attributes.Clone()
	if attrs == nil {
		attrs = Attributes{}
	}
	patch := RelationshipPatch{ValidFrom: &from, Attributes: &attrs}
	if r.ValidTo != nil {
		to := *r.ValidTo
		patch.ValidTo = &to
	} else {
		patch.ClearValidTo = true
	}
	if r.Confidence != nil {
		c := *r.Confidence
		patch.Confidence = &c
	} else {
		patch.ClearConfidence = true
	}
	return patch
}

type CreateCardRequest struct {
	Name           string         `json:"name"`
	Kind           CardKind       `json:"kind"`
	LifecyclePhase LifecyclePhase `json:"lifecycle_phase"`
	Attributes     Attributes     `json:"attributes"`
	Tags           []string       `json:"tags"`
	OwnerID        *string        `json:"owner_id"`
}

type CardPatch struct {
	Name           *string         `json:"name,omitempty"`
	LifecyclePhase *LifecyclePhase `json:"lifecycle_phase,omitempty"`
	Attributes     *Attributes     `json:"attributes,omitempty"`
	Tags           *[]string       `json:"tags,omitempty"`
	OwnerID        *string         `json:"owner_id,omitempty"`
	ClearOwner     bool            `json:"clear_owner,omitempty"`
}

func (p CardPatch) Empty() bool {
	return p.Name == nil && p.LifecyclePhase == nil && p.Attributes == nil && p.Tags == nil && p.OwnerID == nil && !p.ClearOwner
}

type CreateRelationshipRequest struct {
	FromCardID string           `json:"from_card_id"`
	ToCardID   string           `json:"to_card_id"`
	Kind       RelationshipKind `json:"kind"`
	ValidFrom  time.Time        `json:"valid_from"`
	ValidTo    *time.Time       `json:"valid_to"`
	Attributes Attributes       `json:"attributes"`
	Confidence *float64         `json:"confidence"`
}

type RelationshipPatch struct {
	ValidFrom       *time.Time  `json:"valid_from,omitempty"`
	ValidTo         *time.Time  `json:"valid_to,omitempty"`
	ClearValidTo    bool        `json:"clear_valid_to,omitempty"`
	Attributes      *Attributes `json:"attributes,omitempty"`
	Confidence      *float64    `json:"confidence,omitempty"`
	ClearConfidence bool        `json:"clear_confidence,omitempty"`
}

func (p RelationshipPatch) Empty() bool {
	return p.ValidFrom == nil && p.ValidTo == nil && !p.ClearValidTo && p.Attributes == nil && p.Confidence == nil && !p.ClearConfidence
}

type CardFilter struct {
	Kind           CardKind
	LifecyclePhase LifecyclePhase
	Query          string
	Tag            string
	IncludeDeleted bool
	Limit          int
}

type RelationshipFilter struct {
	CardID         string
	Kind           RelationshipKind
	IncludeDeleted bool
	Limit          int
}

// Node is the mirror projection of a card.
type Node struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Kind           CardKind       `json:"kind"`
	LifecyclePhase LifecyclePhase `json:"lifecycle_phase"`
	Status         Status         `json:"status"`
	Attributes     Attributes     `json:"attributes,omitempty"`
}

func NodeFromCard(c Card) Node {
	return Node{
		ID:             c.ID,
		Name:           c.Name,
		Kind:           c.Kind,
		LifecyclePhase: c.LifecyclePhase,
		Status:         c.Status,
		Attributes:     c.Attributes.Clone(),
	}
}

// Edge is the mirror projection of a relationship.
type Edge struct {
	ID         string           `json:"id"`
	FromID     string           `json:"from_id"`
	ToID       string           `json:"to_id"`
	Kind       RelationshipKind `json:"kind"`
	ValidFrom  time.Time        `json:"valid_from"`
	ValidTo    *time.Time       `json:"valid_to,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
}

func EdgeFromRelationship(r Relationship) Edge {
	e := Edge{
		ID:         r.ID,
		FromID:     r.FromCardID,
		ToID:       r.ToCardID,
		Kind:       r.Kind,
		ValidFrom:  r.ValidFrom,
		ValidTo:    r.ValidTo,
		Confidence: r.Confidence,
	}
	return e.Clone()
}

// Clone returns a copy that shares no pointers with e.
func (e Edge) Clone() Edge {
	if e.ValidTo != nil {
		to := *e.ValidTo
		e.ValidTo = &to
	}
	if e.Confidence != nil {
		c := *e.Confidence
		e.Confidence = &c
	}
	return e
}

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type TraversalQuery struct {
	StartID   string
	Direction Direction
	MaxDepth  int
	Kinds     []RelationshipKind
}

type PathQuery struct {
	FromID   string
	ToID     string
	MaxDepth int
	Kinds    []RelationshipKind
}

type TraversalHop struct {
	Depth    int              `json:"depth"`
	FromID   string           `json:"from_id"`
	FromName string           `json:"from_name"`
	EdgeID   string           `json:"edge_id"`
	Kind     RelationshipKind `json:"kind"`
	ToID     string           `json:"to_id"`
	ToName   string           `json:"to_name"`
	Path     string           `json:"path"`
}

type FanIn struct {
	CardID string `json:"card_id"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
}
