package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tahopetis/archzero/internal/domain"
)

var (
	ErrMockMirror  = errors.New("mock mirror unavailable")
	ErrMockEntity  = errors.New("mock entity store unavailable")
	ErrMockTimeout = errors.New("mock mirror timeout")
)

// fault describes when a wrapped method fails.
type fault struct {
	Err        error
	FailOnCall int // fail from the Nth call on (0 = every call)
	Hook       func(ctx context.Context)
}

type faults struct {
	mu     sync.Mutex
	byName map[string]fault
	calls  map[string]int
}

func newFaults() *faults {
	return &faults{byName: map[string]fault{}, calls: map[string]int{}}
}

func (f *faults) Set(method string, ft fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byName[method] = ft
}

func (f *faults) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *faults) check(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	n := f.calls[method]
	ft, ok := f.byName[method]
	f.mu.Unlock()

	if !ok {
		return nil
	}
	if ft.Hook != nil {
		ft.Hook(ctx)
	}
	if ft.Err == nil {
		return nil
	}
	if ft.FailOnCall == 0 || n >= ft.FailOnCall {
		return ft.Err
	}
	return nil
}

// MockMirror wraps a working mirror and injects faults per method.
type MockMirror struct {
	domain.MirrorStore
	*faults
}

func NewMockMirror(inner domain.MirrorStore) *MockMirror {
	return &MockMirror{MirrorStore: inner, faults: newFaults()}
}

func (m *MockMirror) CreateNode(ctx context.Context, node domain.Node) error {
	if err := m.check(ctx, "CreateNode"); err != nil {
		return err
	}
	return m.MirrorStore.CreateNode(ctx, node)
}

func (m *MockMirror) UpdateNode(ctx context.Context, node domain.Node) error {
	if err := m.check(ctx, "UpdateNode"); err != nil {
		return err
	}
	return m.MirrorStore.UpdateNode(ctx, node)
}

func (m *MockMirror) DeleteNode(ctx context.Context, id string) error {
	if err := m.check(ctx, "DeleteNode"); err != nil {
		return err
	}
	return m.MirrorStore.DeleteNode(ctx, id)
}

func (m *MockMirror) CreateEdge(ctx context.Context, edge domain.Edge) error {
	if err := m.check(ctx, "CreateEdge"); err != nil {
		return err
	}
	return m.MirrorStore.CreateEdge(ctx, edge)
}

func (m *MockMirror) UpdateEdge(ctx context.Context, edge domain.Edge) error {
	if err := m.check(ctx, "UpdateEdge"); err != nil {
		return err
	}
	return m.MirrorStore.UpdateEdge(ctx, edge)
}

func (m *MockMirror) DeleteEdge(ctx context.Context, id string) error {
	if err := m.check(ctx, "DeleteEdge"); err != nil {
		return err
	}
	return m.MirrorStore.DeleteEdge(ctx, id)
}

// MockEntities wraps a working entity store. Only the methods the
// orchestrator writes through are instrumented.
type MockEntities struct {
	domain.EntityStore
	*faults
}

func NewMockEntities(inner domain.EntityStore) *MockEntities {
	return &MockEntities{EntityStore: inner, faults: newFaults()}
}

func (m *MockEntities) CreateCard(ctx context.Context, req domain.CreateCardRequest) (domain.Card, error) {
	if err := m.check(ctx, "CreateCard"); err != nil {
		return domain.Card{}, err
	}
	return m.EntityStore.CreateCard(ctx, req)
}

func (m *MockEntities) UpdateCard(ctx context.Context, id string, patch domain.CardPatch) (domain.Card, error) {
	if err := m.check(ctx, "UpdateCard"); err != nil {
		return domain.Card{}, err
	}
	return m.EntityStore.UpdateCard(ctx, id, patch)
}

func (m *MockEntities) RestoreCard(ctx context.Context, id string) (domain.Card, error) {
	if err := m.check(ctx, "RestoreCard"); err != nil {
		return domain.Card{}, err
	}
	return m.EntityStore.RestoreCard(ctx, id)
}

func (m *MockEntities) PurgeCard(ctx context.Context, id string) error {
	if err := m.check(ctx, "PurgeCard"); err != nil {
		return err
	}
	return m.EntityStore.PurgeCard(ctx, id)
}

func (m *MockEntities) UpdateRelationship(ctx context.Context, id string, patch domain.RelationshipPatch) (domain.Relationship, error) {
	if err := m.check(ctx, "UpdateRelationship"); err != nil {
		return domain.Relationship{}, err
	}
	return m.EntityStore.UpdateRelationship(ctx, id, patch)
}

func (m *MockEntities) RestoreRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	if err := m.check(ctx, "RestoreRelationship"); err != nil {
		return domain.Relationship{}, err
	}
	return m.EntityStore.RestoreRelationship(ctx, id)
}

func (m *MockEntities) PurgeRelationship(ctx context.Context, id string) error {
	if err := m.check(ctx, "PurgeRelationship"); err != nil {
		return err
	}
	return m.EntityStore.PurgeRelationship(ctx, id)
}

// MockRecorder captures what the orchestrator reports.
type MockRecorder struct {
	mu       sync.Mutex
	Outcomes []string
	Steps    map[string]int
}

func NewMockRecorder() *MockRecorder {
	return &MockRecorder{Steps: map[string]int{}}
}

func (r *MockRecorder) ObserveOperation(op, entity, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes = append(r.Outcomes, op+"/"+entity+"/"+outcome)
}

func (r *MockRecorder) ObserveStep(op, step string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps[op+"/"+step]++
}
