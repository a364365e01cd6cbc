// Package saga keeps the entity store and the graph mirror from diverging.
//
// Every write goes to the entity store first. If the mirror write that follows
// fails, the entity store write is undone and the caller gets a *SyncFailure
// saying whether the undo worked. A call never reports success unless both
// stores were written.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tahopetis/archzero/internal/domain"
)

const DefaultCompensationTimeout = 10 * time.Second

// State is a step of the per-call state machine. It is logged, never
// persisted.
type State string

const (
	StateNotStarted      State = "not_started"
	StatePrimaryWritten  State = "primary_written"
	StateMirrorAttempted State = "mirror_attempted"
	StateCommitted       State = "committed"
	StateCompensating    State = "compensating"
	StateCompensated     State = "compensated"
	StateInconsistent    State = "inconsistent"

	// StatePrimaryFailed is recorded when the entity store rejects the
	// write; nothing was changed.
	StatePrimaryFailed State = "primary_failed"
)

// Recorder receives the outcome of every call and the duration of each step.
type Recorder interface {
	ObserveOperation(op, entity, outcome string)
	ObserveStep(op, step string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, string) {}
func (nopRecorder) ObserveStep(string, string, time.Duration) {}

type Option func(*Orchestrator)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = logger }
}

func WithRecorder(rec Recorder) Option {
	return func(o *Orchestrator) {
		if rec != nil {
			o.rec = rec
		}
	}
}

// WithKeyedLocking serializes calls that touch the same id. Calls for
// different ids still run in parallel.
func WithKeyedLocking() Option {
	return func(o *Orchestrator) { o.locks = newKeyLock() }
}

// WithCompensationTimeout bounds the undo step, which runs even when the
// caller's context is already done.
func WithCompensationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.compensationTimeout = d
		}
	}
}

// Orchestrator is stateless apart from the optional lock table and is safe
// for concurrent use.
type Orchestrator struct {
	entities            domain.EntityStore
	mirror              domain.MirrorStore
	log                 zerolog.Logger
	rec                 Recorder
	locks               *keyLock
	compensationTimeout time.Duration
}

func New(entities domain.EntityStore, mirror domain.MirrorStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		entities:            entities,
		mirror:              mirror,
		log:                 zerolog.Nop(),
		rec:                 nopRecorder{},
		compensationTimeout: DefaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) CreateCard(ctx context.Context, req domain.CreateCardRequest) (domain.Card, error) {
	return execute(ctx, o, o.begin(OpCreate, EntityCard, ""), steps[domain.Card]{
		primary: func(ctx context.Context) (domain.Card, error) {
			return o.entities.CreateCard(ctx, req)
		},
		id: func(c domain.Card) string { return c.ID },
		mirror: func(ctx context.Context, c domain.Card) error {
			return o.mirror.CreateNode(ctx, domain.NodeFromCard(c))
		},
		compensate: func(ctx context.Context, c domain.Card) error {
			return o.entities.PurgeCard(ctx, c.ID)
		},
	})
}

func (o *Orchestrator) UpdateCard(ctx context.Context, id string, patch domain.CardPatch) (domain.Card, error) {
	defer o.lock(id)()

	var snapshot domain.Card
	return execute(ctx, o, o.begin(OpUpdate, EntityCard, id), steps[domain.Card]{
		primary: func(ctx context.Context) (domain.Card, error) {
			var err error
			snapshot, err = o.activeCard(ctx, id)
			if err != nil {
				return domain.Card{}, err
			}
			return o.entities.UpdateCard(ctx, id, patch)
		},
		id: func(c domain.Card) string { return c.ID },
		mirror: func(ctx context.Context, c domain.Card) error {
			return o.mirror.UpdateNode(ctx, domain.NodeFromCard(c))
		},
		compensate: func(ctx context.Context, _ domain.Card) error {
			_, err := o.entities.UpdateCard(ctx, id, snapshot.AsPatch())
			return err
		},
	})
}

// cardDeletion is the pre-image of a card delete: the card and the
// relationships that went down with it.
type cardDeletion struct {
	card          domain.Card
	relationships []string
}

func (o *Orchestrator) DeleteCard(ctx context.Context, id string) error {
	defer o.lock(id)()

	_, err := execute(ctx, o, o.begin(OpDelete, EntityCard, id), steps[cardDeletion]{
		primary: func(ctx context.Context) (cardDeletion, error) {
			card, err := o.activeCard(ctx, id)
			if err != nil {
				return cardDeletion{}, err
			}
			rels, err := o.entities.ListRelationships(ctx, domain.RelationshipFilter{CardID: id})
			if err != nil {
				return cardDeletion{}, err
			}
			snapshot := cardDeletion{card: card, relationships: make([]string, 0, len(rels))}
			for _, rel := range rels {
				snapshot.relationships = append(snapshot.relationships, rel.ID)
			}
			if err := o.entities.DeleteCard(ctx, id); err != nil {
				return cardDeletion{}, err
			}
			return snapshot, nil
		},
		id: func(d cardDeletion) string { return d.card.ID },
		mirror: func(ctx context.Context, d cardDeletion) error {
			return o.mirror.DeleteNode(ctx, d.card.ID)
		},
		compensate: func(ctx context.Context, d cardDeletion) error {
			restored, err := o.entities.RestoreCard(ctx, d.card.ID)
			if err != nil {
				return err
			}
			if restored.ID != d.card.ID {
				return fmt.Errorf("restored card %s does not match deleted card %s", restored.ID, d.card.ID)
			}
			var errs []error
			for _, relID := range d.relationships {
				if _, err := o.entities.RestoreRelationship(ctx, relID); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	})
	return err
}

func (o *Orchestrator) CreateRelationship(ctx context.Context, req domain.CreateRelationshipRequest) (domain.Relationship, error) {
	return execute(ctx, o, o.begin(OpCreate, EntityRelationship, ""), steps[domain.Relationship]{
		primary: func(ctx context.Context) (domain.Relationship, error) {
			return o.entities.CreateRelationship(ctx, req)
		},
		id: func(r domain.Relationship) string { return r.ID },
		mirror: func(ctx context.Context, r domain.Relationship) error {
			return o.mirror.CreateEdge(ctx, domain.EdgeFromRelationship(r))
		},
		compensate: func(ctx context.Context, r domain.Relationship) error {
			return o.entities.PurgeRelationship(ctx, r.ID)
		},
	})
}

func (o *Orchestrator) UpdateRelationship(ctx context.Context, id string, patch domain.RelationshipPatch) (domain.Relationship, error) {
	defer o.lock(id)()

	var snapshot domain.Relationship
	return execute(ctx, o, o.begin(OpUpdate, EntityRelationship, id), steps[domain.Relationship]{
		primary: func(ctx context.Context) (domain.Relationship, error) {
			var err error
			snapshot, err = o.activeRelationship(ctx, id)
			if err != nil {
				return domain.Relationship{}, err
			}
			return o.entities.UpdateRelationship(ctx, id, patch)
		},
		id: func(r domain.Relationship) string { return r.ID },
		mirror: func(ctx context.Context, r domain.Relationship) error {
			return o.mirror.UpdateEdge(ctx, domain.EdgeFromRelationship(r))
		},
		compensate: func(ctx context.Context, _ domain.Relationship) error {
			_, err := o.entities.UpdateRelationship(ctx, id, snapshot.AsPatch())
			return err
		},
	})
}

func (o *Orchestrator) DeleteRelationship(ctx context.Context, id string) error {
	defer o.lock(id)()

	_, err := execute(ctx, o, o.begin(OpDelete, EntityRelationship, id), steps[domain.Relationship]{
		primary: func(ctx context.Context) (domain.Relationship, error) {
			snapshot, err := o.activeRelationship(ctx, id)
			if err != nil {
				return domain.Relationship{}, err
			}
			if err := o.entities.DeleteRelationship(ctx, id); err != nil {
				return domain.Relationship{}, err
			}
			return snapshot, nil
		},
		id: func(r domain.Relationship) string { return r.ID },
		mirror: func(ctx context.Context, r domain.Relationship) error {
			return o.mirror.DeleteEdge(ctx, r.ID)
		},
		compensate: func(ctx context.Context, snapshot domain.Relationship) error {
			restored, err := o.entities.RestoreRelationship(ctx, snapshot.ID)
			if err != nil {
				return err
			}
			if restored.ID != snapshot.ID {
				return fmt.Errorf("restored relationship %s does not match deleted relationship %s", restored.ID, snapshot.ID)
			}
			return nil
		},
	})
	return err
}

// activeCard reads the pre-image for an update or delete. A soft-deleted
// card is not found as far as writes are concerned.
func (o *Orchestrator) activeCard(ctx context.Context, id string) (domain.Card, error) {
	card, err := o.entities.GetCard(ctx, id)
	if err != nil {
		return domain.Card{}, err
	}
	if card.Status != domain.StatusActive {
		return domain.Card{}, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
	}
	return card, nil
}

func (o *Orchestrator) activeRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	rel, err := o.entities.GetRelationship(ctx, id)
	if err != nil {
		return domain.Relationship{}, err
	}
	if rel.Status != domain.StatusActive {
		return domain.Relationship{}, fmt.Errorf("relationship %s: %w", id, domain.ErrNotFound)
	}
	return rel, nil
}

func (o *Orchestrator) lock(id string) func() {
	if o.locks == nil {
		return func() {}
	}
	return o.locks.Lock(id)
}

type steps[T any] struct {
	primary    func(context.Context) (T, error)
	id         func(T) string
	mirror     func(context.Context, T) error
	compensate func(context.Context, T) error
}

// execute drives one call through the state machine. Steps run strictly in
// order on the caller's goroutine.
func execute[T any](ctx context.Context, o *Orchestrator, c *call, s steps[T]) (T, error) {
	var zero T

	start := time.Now()
	result, err := s.primary(ctx)
	o.rec.ObserveStep(c.label(), "primary", time.Since(start))
	if err != nil {
		c.log.Debug().Err(err).Msg("primary write rejected")
		c.finish(StatePrimaryFailed)
		return zero, err
	}
	if c.id == "" {
		c.setID(s.id(result))
	}
	c.enter(StatePrimaryWritten)

	c.enter(StateMirrorAttempted)
	start = time.Now()
	mirrorErr := s.mirror(ctx, result)
	o.rec.ObserveStep(c.label(), "mirror", time.Since(start))
	if mirrorErr == nil {
		c.log.Debug().Msg("committed")
		c.finish(StateCommitted)
		return result, nil
	}

	c.enter(StateCompensating)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compensationTimeout)
	defer cancel()
	start = time.Now()
	compErr := s.compensate(cctx, result)
	o.rec.ObserveStep(c.label(), "compensation", time.Since(start))

	failure := &SyncFailure{
		Op:        c.op,
		Entity:    c.entity,
		ID:        c.id,
		MirrorErr: mirrorErr,
		Outcome:   CompensatedOK,
	}
	if compErr != nil {
		failure.Outcome = CompensationFailed
		failure.CompensationErr = compErr
		c.log.Error().
			AnErr("mirror_error", mirrorErr).
			AnErr("compensation_error", compErr).
			Msg("stores inconsistent: compensation failed")
		c.finish(StateInconsistent)
		return zero, failure
	}

	c.log.Warn().AnErr("mirror_error", mirrorErr).Msg("mirror write failed; primary write compensated")
	c.finish(StateCompensated)
	return zero, failure
}

type call struct {
	o      *Orchestrator
	op     Op
	entity Entity
	id     string
	state  State
	log    zerolog.Logger
}

func (o *Orchestrator) begin(op Op, entity Entity, id string) *call {
	c := &call{o: o, op: op, entity: entity, state: StateNotStarted}
	c.log = o.log.With().Str("op", string(op)).Str("entity", string(entity)).Logger()
	if id != "" {
		c.setID(id)
	}
	return c
}

func (c *call) setID(id string) {
	c.id = id
	c.log = c.log.With().Str("id", id).Logger()
}

func (c *call) label() string {
	return string(c.op) + "_" + string(c.entity)
}

func (c *call) enter(next State) {
	c.log.Trace().Str("from", string(c.state)).Str("to", string(next)).Msg("saga transition")
	c.state = next
}

func (c *call) finish(terminal State) {
	c.enter(terminal)
	c.o.rec.ObserveOperation(string(c.op), string(c.entity), string(terminal))
}
