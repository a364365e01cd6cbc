// Package memgraph is an in-process mirror backed by go-memdb. It serves the
// same contract as the sqlite mirror and is what tests and single-binary
// deployments run against.
package memgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-memdb"
	"github.com/tahopetis/archzero/internal/domain"
)

type Store struct {
	db *memdb.MemDB
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("memgraph schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Stored objects are never mutated after insert; every write inserts a fresh
// copy.

func (s *Store) CreateNode(ctx context.Context, node domain.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(nodeTable, idIndex, node.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if node.Status == "" {
		node.Status = domain.StatusActive
	}
	node.Attributes = node.Attributes.Clone()
	if err := txn.Insert(nodeTable, &node); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) UpdateNode(ctx context.Context, node domain.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(nodeTable, idIndex, node.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("node %s: %w", node.ID, domain.ErrNotFound)
	}
	node.Attributes = node.Attributes.Clone()
	if err := txn.Insert(nodeTable, &node); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, index := range []string{fromIndex, toIndex} {
		if _, err := txn.DeleteAll(edgeTable, index, id); err != nil {
			return err
		}
	}
	if _, err := txn.DeleteAll(nodeTable, idIndex, id); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) CreateEdge(ctx context.Context, edge domain.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(edgeTable, idIndex, edge.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	for _, endpoint := range []string{edge.FromID, edge.ToID} {
		node, err := txn.First(nodeTable, idIndex, endpoint)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("edge %s endpoint %s: %w", edge.ID, endpoint, domain.ErrNotFound)
		}
	}
	edge = edge.Clone()
	if err := txn.Insert(edgeTable, &edge); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) UpdateEdge(ctx context.Context, edge domain.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(edgeTable, idIndex, edge.ID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("edge %s: %w", edge.ID, domain.ErrNotFound)
	}
	current := raw.(*domain.Edge)
	edge = edge.Clone()
	edge.FromID, edge.ToID = current.FromID, current.ToID
	if err := txn.Insert(edgeTable, &edge); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(edgeTable, idIndex, id); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]domain.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	it, err := txn.Get(nodeTable, idIndex)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Node, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		node := *obj.(*domain.Node)
		node.Attributes = node.Attributes.Clone()
		out = append(out, node)
	}
	return out, nil
}

func (s *Store) ListEdges(ctx context.Context) ([]domain.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	it, err := txn.Get(edgeTable, idIndex)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Edge, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*domain.Edge).Clone())
	}
	return out, nil
}

// Traverse enumerates every cycle-free path of up to MaxDepth hops, depth
// first, and returns the hops ordered by depth then path.
func (s *Store) Traverse(ctx context.Context, query domain.TraversalQuery) ([]domain.TraversalHop, error) {
	if err := checkWalk(query.StartID, query.MaxDepth); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	w := walker{txn: txn, direction: query.Direction, kinds: kindSet(query.Kinds), names: map[string]string{}}

	hops := make([]domain.TraversalHop, 0)
	var visit func(current, path string, depth int) error
	visit = func(current, path string, depth int) error {
		if depth >= query.MaxDepth {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		steps, err := w.steps(current)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if strings.Contains(path, ","+st.next+",") {
				continue
			}
			nextPath := path + st.next + ","
			fromName, err := w.name(current)
			if err != nil {
				return err
			}
			toName, err := w.name(st.next)
			if err != nil {
				return err
			}
			hops = append(hops, domain.TraversalHop{
				Depth:    depth + 1,
				FromID:   current,
				FromName: fromName,
				EdgeID:   st.edge.ID,
				Kind:     st.edge.Kind,
				ToID:     st.next,
				ToName:   toName,
				Path:     nextPath,
			})
			if err := visit(st.next, nextPath, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(query.StartID, ","+query.StartID+",", 0); err != nil {
		return nil, err
	}

	sort.SliceStable(hops, func(i, j int) bool {
		if hops[i].Depth != hops[j].Depth {
			return hops[i].Depth < hops[j].Depth
		}
		return hops[i].Path < hops[j].Path
	})
	return hops, nil
}

// ShortestPath runs a breadth-first search along outgoing edges.
func (s *Store) ShortestPath(ctx context.Context, query domain.PathQuery) ([]domain.TraversalHop, error) {
	if err := checkWalk(query.FromID, query.MaxDepth); err != nil {
		return nil, err
	}
	if query.FromID == query.ToID {
		return []domain.TraversalHop{}, nil
	}
	txn := s.db.Txn(false)
	w := walker{txn: txn, direction: domain.Outgoing, kinds: kindSet(query.Kinds), names: map[string]string{}}

	type visit struct {
		prev string
		edge *domain.Edge
	}
	seen := map[string]visit{query.FromID: {}}
	frontier := []string{query.FromID}
	found := false
	for depth := 0; depth < query.MaxDepth && len(frontier) > 0 && !found; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []string
		for _, current := range frontier {
			steps, err := w.steps(current)
			if err != nil {
				return nil, err
			}
			for _, st := range steps {
				if _, ok := seen[st.next]; ok {
					continue
				}
				seen[st.next] = visit{prev: current, edge: st.edge}
				if st.next == query.ToID {
					found = true
					break
				}
				next = append(next, st.next)
			}
			if found {
				break
			}
		}
		frontier = next
	}
	if !found {
		return nil, fmt.Errorf("path %s -> %s: %w", query.FromID, query.ToID, domain.ErrNotFound)
	}

	var chain []visit
	for at := query.ToID; at != query.FromID; at = seen[at].prev {
		chain = append(chain, seen[at])
	}
	hops := make([]domain.TraversalHop, 0, len(chain))
	path := "," + query.FromID + ","
	for i := len(chain) - 1; i >= 0; i-- {
		e := chain[i].edge
		path += e.ToID + ","
		fromName, err := w.name(e.FromID)
		if err != nil {
			return nil, err
		}
		toName, err := w.name(e.ToID)
		if err != nil {
			return nil, err
		}
		hops = append(hops, domain.TraversalHop{
			Depth:    len(hops) + 1,
			FromID:   e.FromID,
			FromName: fromName,
			EdgeID:   e.ID,
			Kind:     e.Kind,
			ToID:     e.ToID,
			ToName:   toName,
			Path:     path,
		})
	}
	return hops, nil
}

func (s *Store) FanIn(ctx context.Context, kinds []domain.RelationshipKind, limit int) ([]domain.FanIn, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrInvalid)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	filter := kindSet(kinds)

	counts := map[string]int{}
	it, err := txn.Get(edgeTable, idIndex)
	if err != nil {
		return nil, err
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*domain.Edge)
		if filter != nil {
			if _, ok := filter[e.Kind]; !ok {
				continue
			}
		}
		counts[e.ToID]++
	}

	w := walker{txn: txn, names: map[string]string{}}
	out := make([]domain.FanIn, 0, len(counts))
	for id, count := range counts {
		name, err := w.name(id)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.FanIn{CardID: id, Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CardID < out[j].CardID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type step struct {
	edge *domain.Edge
	next string
}

type walker struct {
	txn       *memdb.Txn
	direction domain.Direction
	kinds     map[domain.RelationshipKind]struct{}
	names     map[string]string
}

func (w walker) steps(current string) ([]step, error) {
	index := fromIndex
	if w.direction == domain.Incoming {
		index = toIndex
	}
	it, err := w.txn.Get(edgeTable, index, current)
	if err != nil {
		return nil, err
	}
	var out []step
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*domain.Edge)
		if w.kinds != nil {
			if _, ok := w.kinds[e.Kind]; !ok {
				continue
			}
		}
		next := e.ToID
		if w.direction == domain.Incoming {
			next = e.FromID
		}
		out = append(out, step{edge: e, next: next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].edge.ID < out[j].edge.ID })
	return out, nil
}

func (w walker) name(id string) (string, error) {
	if name, ok := w.names[id]; ok {
		return name, nil
	}
	obj, err := w.txn.First(nodeTable, idIndex, id)
	if err != nil {
		return "", err
	}
	name := ""
	if obj != nil {
		name = obj.(*domain.Node).Name
	}
	w.names[id] = name
	return name, nil
}

func kindSet(kinds []domain.RelationshipKind) map[domain.RelationshipKind]struct{} {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[domain.RelationshipKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

func checkWalk(start string, maxDepth int) error {
	if strings.TrimSpace(start) == "" {
		return fmt.Errorf("%w: start node is required", domain.ErrInvalid)
	}
	if maxDepth < 1 {
		return fmt.Errorf("%w: max depth must be at least 1", domain.ErrInvalid)
	}
	return nil
}
