// Package reconcile finds and repairs drift between the entity store and the
// graph mirror, such as the divergence left behind by a crash between the two
// writes or by a failed compensation.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/tahopetis/archzero/internal/domain"
)

// Report lists ids per drift category.
type Report struct {
	MissingNodes []string `json:"missing_nodes"`
	OrphanNodes  []string `json:"orphan_nodes"`
	StaleNodes   []string `json:"stale_nodes"`
	MissingEdges []string `json:"missing_edges"`
	OrphanEdges  []string `json:"orphan_edges"`
	StaleEdges   []string `json:"stale_edges"`
}

func (r Report) Total() int {
	return len(r.MissingNodes) + len(r.OrphanNodes) + len(r.StaleNodes) +
		len(r.MissingEdges) + len(r.OrphanEdges) + len(r.StaleEdges)
}

func (r Report) Clean() bool { return r.Total() == 0 }

// Counts is keyed by metric category.
func (r Report) Counts() map[string]int {
	return map[string]int{
		"missing_nodes": len(r.MissingNodes),
		"orphan_nodes":  len(r.OrphanNodes),
		"stale_nodes":   len(r.StaleNodes),
		"missing_edges": len(r.MissingEdges),
		"orphan_edges":  len(r.OrphanEdges),
		"stale_edges":   len(r.StaleEdges),
	}
}

// DriftRecorder receives the size of each drift category after a check.
type DriftRecorder interface {
	ObserveDrift(category string, n int)
}

type Option func(*Reconciler)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = logger }
}

func WithDriftRecorder(rec DriftRecorder) Option {
	return func(r *Reconciler) { r.rec = rec }
}

// Reconciler treats the entity store as authoritative.
type Reconciler struct {
	entities domain.EntityStore
	mirror   domain.MirrorStore
	log      zerolog.Logger
	rec      DriftRecorder
}

func New(entities domain.EntityStore, mirror domain.MirrorStore, opts ...Option) *Reconciler {
	r := &Reconciler{entities: entities, mirror: mirror, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type plan struct {
	report      Report
	createNodes []domain.Node
	updateNodes []domain.Node
	deleteNodes []string
	createEdges []domain.Edge
	updateEdges []domain.Edge
	deleteEdges []string
}

func (r *Reconciler) Check(ctx context.Context) (Report, error) {
	p, err := r.plan(ctx)
	if err != nil {
		return Report{}, err
	}
	r.observe(p.report)
	return p.report, nil
}

// Repair brings the mirror in line with the entity store and returns what it
// changed. It keeps going after a failed item and reports every failure.
func (r *Reconciler) Repair(ctx context.Context) (Report, error) {
	p, err := r.plan(ctx)
	if err != nil {
		return Report{}, err
	}
	r.observe(p.report)

	var errs []error
	apply := func(action, id string, err error) {
		if err != nil {
			r.log.Error().Err(err).Str("action", action).Str("id", id).Msg("repair failed")
			errs = append(errs, fmt.Errorf("%s %s: %w", action, id, err))
			return
		}
		r.log.Info().Str("action", action).Str("id", id).Msg("repaired drift")
	}

	// Edges go before nodes are removed and after nodes are created so
	// endpoints always exist.
	for _, id := range p.deleteEdges {
		apply("delete_edge", id, r.mirror.DeleteEdge(ctx, id))
	}
	for _, id := range p.deleteNodes {
		apply("delete_node", id, r.mirror.DeleteNode(ctx, id))
	}
	for _, n := range p.createNodes {
		apply("create_node", n.ID, r.mirror.CreateNode(ctx, n))
	}
	for _, n := range p.updateNodes {
		apply("update_node", n.ID, r.mirror.UpdateNode(ctx, n))
	}
	for _, e := range p.createEdges {
		apply("create_edge", e.ID, r.mirror.CreateEdge(ctx, e))
	}
	for _, e := range p.updateEdges {
		apply("update_edge", e.ID, r.mirror.UpdateEdge(ctx, e))
	}

	return p.report, errors.Join(errs...)
}

func (r *Reconciler) plan(ctx context.Context) (plan, error) {
	cards, err := r.entities.ListCards(ctx, domain.CardFilter{})
	if err != nil {
		return plan{}, fmt.Errorf("list cards: %w", err)
	}
	rels, err := r.entities.ListRelationships(ctx, domain.RelationshipFilter{})
	if err != nil {
		return plan{}, fmt.Errorf("list relationships: %w", err)
	}
	nodes, err := r.mirror.ListNodes(ctx)
	if err != nil {
		return plan{}, fmt.Errorf("list nodes: %w", err)
	}
	edges, err := r.mirror.ListEdges(ctx)
	if err != nil {
		return plan{}, fmt.Errorf("list edges: %w", err)
	}

	var p plan

	wantNodes := make(map[string]domain.Node, len(cards))
	for _, c := range cards {
		wantNodes[c.ID] = domain.NodeFromCard(c)
	}
	haveNodes := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		haveNodes[n.ID] = n
	}
	for id, want := range wantNodes {
		have, ok := haveNodes[id]
		switch {
		case !ok:
			p.report.MissingNodes = append(p.report.MissingNodes, id)
			p.createNodes = append(p.createNodes, want)
		case !sameNode(want, have):
			p.report.StaleNodes = append(p.report.StaleNodes, id)
			p.updateNodes = append(p.updateNodes, want)
		}
	}
	for id := range haveNodes {
		if _, ok := wantNodes[id]; !ok {
			p.report.OrphanNodes = append(p.report.OrphanNodes, id)
			p.deleteNodes = append(p.deleteNodes, id)
		}
	}

	// An edge needs both endpoint nodes, so a relationship left active on a
	// deleted card is never expected in the mirror.
	wantEdges := make(map[string]domain.Edge, len(rels))
	for _, rel := range rels {
		if _, ok := wantNodes[rel.FromCardID]; !ok {
			continue
		}
		if _, ok := wantNodes[rel.ToCardID]; !ok {
			continue
		}
		wantEdges[rel.ID] = domain.EdgeFromRelationship(rel)
	}
	haveEdges := make(map[string]domain.Edge, len(edges))
	for _, e := range edges {
		haveEdges[e.ID] = e
	}
	for id, want := range wantEdges {
		have, ok := haveEdges[id]
		switch {
		case !ok:
			p.report.MissingEdges = append(p.report.MissingEdges, id)
			p.createEdges = append(p.createEdges, want)
		case have.FromID != want.FromID || have.ToID != want.ToID:
			// Endpoints never change through an update, so rebuild the edge.
			p.report.StaleEdges = append(p.report.StaleEdges, id)
			p.deleteEdges = append(p.deleteEdges, id)
			p.createEdges = append(p.createEdges, want)
		case !sameEdge(want, have):
			p.report.StaleEdges = append(p.report.StaleEdges, id)
			p.updateEdges = append(p.updateEdges, want)
		}
	}
	for id := range haveEdges {
		if _, ok := wantEdges[id]; !ok {
			p.report.OrphanEdges = append(p.report.OrphanEdges, id)
			p.deleteEdges = append(p.deleteEdges, id)
		}
	}

	for _, ids := range [][]string{
		p.report.MissingNodes, p.report.OrphanNodes, p.report.StaleNodes,
		p.report.MissingEdges, p.report.OrphanEdges, p.report.StaleEdges,
		p.deleteNodes, p.deleteEdges,
	} {
		sort.Strings(ids)
	}
	sortNodes(p.createNodes)
	sortNodes(p.updateNodes)
	sortEdges(p.createEdges)
	sortEdges(p.updateEdges)
	return p, nil
}

func (r *Reconciler) observe(report Report) {
	if r.rec == nil {
		return
	}
	for category, n := range report.Counts() {
		r.rec.ObserveDrift(category, n)
	}
}

func sameNode(a, b domain.Node) bool {
	return a.Name == b.Name && a.Kind == b.Kind && a.LifecyclePhase == b.LifecyclePhase && a.Status == b.Status
}

func sameEdge(a, b domain.Edge) bool {
	if a.Kind != b.Kind || !a.ValidFrom.Equal(b.ValidFrom) {
		return false
	}
	if (a.ValidTo == nil) != (b.ValidTo == nil) || (a.ValidTo != nil && !a.ValidTo.Equal(*b.ValidTo)) {
		return false
	}
	if (a.Confidence == nil) != (b.Confidence == nil) || (a.Confidence != nil && *a.Confidence != *b.Confidence) {
		return false
	}
	return true
}

func sortNodes(nodes []domain.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortEdges(edges []domain.Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}
