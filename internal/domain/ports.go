package domain

import "context"

// EntityStore is the system of record. Writes are synchronous and visible to
// the next Get once they return.
type EntityStore interface {
	CreateCard(ctx context.Context, req CreateCardRequest) (Card, error)
	GetCard(ctx context.Context, id string) (Card, error)
	ListCards(ctx context.Context, filter CardFilter) ([]Card, error)
	UpdateCard(ctx context.Context, id string, patch CardPatch) (Card, error)
	// DeleteCard is the user-facing soft delete. The card's active
	// relationships are soft-deleted with it.
	DeleteCard(ctx context.Context, id string) error
	// RestoreCard flips the card back to active. Relationships stay deleted
	// until restored one by one.
	RestoreCard(ctx context.Context, id string) (Card, error)
	// PurgeCard removes the row; used only to undo a create.
	PurgeCard(ctx context.Context, id string) error

	CreateRelationship(ctx context.Context, req CreateRelationshipRequest) (Relationship, error)
	GetRelationship(ctx context.Context, id string) (Relationship, error)
	ListRelationships(ctx context.Context, filter RelationshipFilter) ([]Relationship, error)
	UpdateRelationship(ctx context.Context, id string, patch RelationshipPatch) (Relationship, error)
	DeleteRelationship(ctx context.Context, id string) error
	RestoreRelationship(ctx context.Context, id string) (Relationship, error)
	PurgeRelationship(ctx context.Context, id string) error
}

// MirrorStore is the graph projection. Each call is idempotent on its own:
// create-if-absent, update-by-id, delete-by-id.
type MirrorStore interface {
	CreateNode(ctx context.Context, node Node) error
	UpdateNode(ctx context.Context, node Node) error
	// DeleteNode removes the node and detaches its edges.
	DeleteNode(ctx context.Context, id string) error
	CreateEdge(ctx context.Context, edge Edge) error
	UpdateEdge(ctx context.Context, edge Edge) error
	DeleteEdge(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]Node, error)
	ListEdges(ctx context.Context) ([]Edge, error)
}

type GraphQuerier interface {
	Traverse(ctx context.Context, query TraversalQuery) ([]TraversalHop, error)
	FanIn(ctx context.Context, kinds []RelationshipKind, limit int) ([]FanIn, error)
	ShortestPath(ctx context.Context, query PathQuery) ([]TraversalHop, error)
}

// GraphMirror is what the mirror adapters provide.
type GraphMirror interface {
	MirrorStore
	GraphQuerier
}
