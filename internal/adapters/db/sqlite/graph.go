package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/tahopetis/archzero/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GraphRepository is the sqlite mirror: a nodes/edges projection of the
// catalog in its own database, queried with recursive CTEs.
type GraphRepository struct {
	db *gorm.DB
}

func NewGraphRepository(db *gorm.DB) *GraphRepository {
	return &GraphRepository{db: db}
}

func (r *GraphRepository) CreateNode(ctx context.Context, node domain.Node) error {
	m, err := nodeModel(node)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	return translate(err, "create node "+node.ID)
}

func (r *GraphRepository) UpdateNode(ctx context.Context, node domain.Node) error {
	attrs, err := encodeJSON(defaultAttributes(node.Attributes))
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&NodeModel{}).Where("id = ?", node.ID).Updates(map[string]any{
		"name":            node.Name,
		"kind":            string(node.Kind),
		"lifecycle_phase": string(node.LifecyclePhase),
		"status":          string(node.Status),
		"attributes":      attrs,
	})
	if res.Error != nil {
		return translate(res.Error, "update node "+node.ID)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("node %s: %w", node.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *GraphRepository) DeleteNode(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("from_id = ? OR to_id = ?", id, id).Delete(&EdgeModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&NodeModel{}).Error
	})
	return translate(err, "delete node "+id)
}

func (r *GraphRepository) CreateEdge(ctx context.Context, edge domain.Edge) error {
	m := edgeModel(edge)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&NodeModel{}).Where("id IN ?", []string{edge.FromID, edge.ToID}).Count(&count).Error; err != nil {
			return err
		}
		if count != 2 {
			return fmt.Errorf("edge %s endpoints: %w", edge.ID, domain.ErrNotFound)
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	})
	return translate(err, "create edge "+edge.ID)
}

func (r *GraphRepository) UpdateEdge(ctx context.Context, edge domain.Edge) error {
	res := r.db.WithContext(ctx).Model(&EdgeModel{}).Where("id = ?", edge.ID).Updates(map[string]any{
		"kind":       string(edge.Kind),
		"valid_from": edge.ValidFrom.UTC(),
		"valid_to":   edge.ValidTo,
		"confidence": edge.Confidence,
	})
	if res.Error != nil {
		return translate(res.Error, "update edge "+edge.ID)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("edge %s: %w", edge.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *GraphRepository) DeleteEdge(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&EdgeModel{}).Error
	return translate(err, "delete edge "+id)
}

func (r *GraphRepository) ListNodes(ctx context.Context) ([]domain.Node, error) {
	var rows []NodeModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Node, 0, len(rows))
	for _, m := range rows {
		node := domain.Node{
			ID:             m.ID,
			Name:           m.Name,
			Kind:           domain.CardKind(m.Kind),
			LifecyclePhase: domain.LifecyclePhase(m.LifecyclePhase),
			Status:         domain.Status(m.Status),
		}
		if err := decodeJSON(m.Attributes, &node.Attributes); err != nil {
			return nil, fmt.Errorf("node %s attributes: %w", m.ID, err)
		}
		out = append(out, node)
	}
	return out, nil
}

func (r *GraphRepository) ListEdges(ctx context.Context) ([]domain.Edge, error) {
	var rows []EdgeModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Edge, 0, len(rows))
	for _, m := range rows {
		out = append(out, edgeFromModel(m))
	}
	return out, nil
}

type walkRow struct {
	Depth    int
	FromID   string
	FromName string
	EdgeID   string
	Kind     string
	ToID     string
	ToName   string
	Path     string
	EdgePath string
}

// walkCTE enumerates every cycle-free path of up to maxDepth hops from the
// start node. Incoming walks follow edges backwards.
func walkCTE(direction domain.Direction, kinds []domain.RelationshipKind) (string, []any) {
	next, src := "to_id", "from_id"
	if direction == domain.Incoming {
		next, src = "from_id", "to_id"
	}

	kindClause := ""
	var kindArgs []any
	if len(kinds) > 0 {
		placeholders := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			placeholders = append(placeholders, "?")
			kindArgs = append(kindArgs, string(kind))
		}
		kindClause = " AND e.kind IN (" + strings.Join(placeholders, ",") + ")"
	}

	cte := fmt.Sprintf(`
WITH RECURSIVE walk(depth, current_id, from_id, edge_id, kind, to_id, path, edge_path) AS (
    SELECT
        0 AS depth,
        ? AS current_id,
        ? AS from_id,
        '' AS edge_id,
        '' AS kind,
        ? AS to_id,
        ',' || ? || ',' AS path,
        ',' AS edge_path
    UNION ALL
    SELECT
        walk.depth + 1,
        e.%[1]s,
        walk.current_id,
        e.id,
        e.kind,
        e.%[1]s,
        walk.path || e.%[1]s || ',',
        walk.edge_path || e.id || ','
    FROM walk
    JOIN edges e ON e.%[2]s = walk.current_id
    WHERE walk.depth < ?%[3]s
      AND instr(walk.path, ',' || e.%[1]s || ',') = 0
)`, next, src, kindClause)

	return cte, kindArgs
}

func (r *GraphRepository) Traverse(ctx context.Context, query domain.TraversalQuery) ([]domain.TraversalHop, error) {
	if err := checkWalk(query.StartID, query.MaxDepth); err != nil {
		return nil, err
	}
	cte, kindArgs := walkCTE(query.Direction, query.Kinds)
	args := []any{query.StartID, query.StartID, query.StartID, query.StartID, query.MaxDepth}
	args = append(args, kindArgs...)

	q := cte + `
SELECT
    walk.depth,
    walk.from_id,
    fn.name AS from_name,
    walk.edge_id,
    walk.kind,
    walk.to_id,
    tn.name AS to_name,
    walk.path,
    walk.edge_path
FROM walk
LEFT JOIN nodes fn ON fn.id = walk.from_id
LEFT JOIN nodes tn ON tn.id = walk.to_id
WHERE walk.edge_id <> ''
ORDER BY walk.depth ASC, walk.path ASC;
`
	rows := make([]walkRow, 0)
	if err := r.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]domain.TraversalHop, 0, len(rows))
	for _, row := range rows {
		result = append(result, domain.TraversalHop{
			Depth:    row.Depth,
			FromID:   row.FromID,
			FromName: row.FromName,
			EdgeID:   row.EdgeID,
			Kind:     domain.RelationshipKind(row.Kind),
			ToID:     row.ToID,
			ToName:   row.ToName,
			Path:     row.Path,
		})
	}
	return result, nil
}

// ShortestPath returns the hops of the shortest directed path between two
// nodes, following edges forwards.
func (r *GraphRepository) ShortestPath(ctx context.Context, query domain.PathQuery) ([]domain.TraversalHop, error) {
	if err := checkWalk(query.FromID, query.MaxDepth); err != nil {
		return nil, err
	}
	if query.FromID == query.ToID {
		return []domain.TraversalHop{}, nil
	}
	cte, kindArgs := walkCTE(domain.Outgoing, query.Kinds)
	args := []any{query.FromID, query.FromID, query.FromID, query.FromID, query.MaxDepth}
	args = append(args, kindArgs...)
	args = append(args, query.ToID)

	q := cte + `
SELECT walk.depth, walk.path, walk.edge_path
FROM walk
WHERE walk.edge_id <> '' AND walk.to_id = ?
ORDER BY walk.depth ASC, walk.path ASC
LIMIT 1;
`
	var rows []walkRow
	if err := r.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("path %s -> %s: %w", query.FromID, query.ToID, domain.ErrNotFound)
	}

	edgeIDs := splitPath(rows[0].EdgePath)
	nodeIDs := splitPath(rows[0].Path)

	var edges []EdgeModel
	if err := r.db.WithContext(ctx).Where("id IN ?", edgeIDs).Find(&edges).Error; err != nil {
		return nil, err
	}
	var nodes []NodeModel
	if err := r.db.WithContext(ctx).Select("id", "name").Where("id IN ?", nodeIDs).Find(&nodes).Error; err != nil {
		return nil, err
	}
	edgeByID := make(map[string]EdgeModel, len(edges))
	for _, e := range edges {
		edgeByID[e.ID] = e
	}
	names := make(map[string]string, len(nodes))
	for _, n := range nodes {
		names[n.ID] = n.Name
	}

	return buildHops(nodeIDs, edgeIDs, func(id string) domain.RelationshipKind {
		return domain.RelationshipKind(edgeByID[id].Kind)
	}, names), nil
}

type fanInRow struct {
	CardID string
	Name   string
	Total  int
}

func (r *GraphRepository) FanIn(ctx context.Context, kinds []domain.RelationshipKind, limit int) ([]domain.FanIn, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrInvalid)
	}
	kindClause := ""
	args := make([]any, 0, len(kinds)+1)
	if len(kinds) > 0 {
		placeholders := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			placeholders = append(placeholders, "?")
			args = append(args, string(kind))
		}
		kindClause = "WHERE e.kind IN (" + strings.Join(placeholders, ",") + ")"
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT n.id AS card_id, n.name AS name, COUNT(e.id) AS total
FROM edges e
JOIN nodes n ON n.id = e.to_id
%s
GROUP BY n.id, n.name
ORDER BY total DESC, n.name ASC, n.id ASC
LIMIT ?;
`, kindClause)

	rows := make([]fanInRow, 0)
	if err := r.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.FanIn, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.FanIn{CardID: row.CardID, Name: row.Name, Count: row.Total})
	}
	return out, nil
}

func nodeModel(node domain.Node) (NodeModel, error) {
	attrs, err := encodeJSON(defaultAttributes(node.Attributes))
	if err != nil {
		return NodeModel{}, err
	}
	status := node.Status
	if status == "" {
		status = domain.StatusActive
	}
	return NodeModel{
		ID:             node.ID,
		Name:           node.Name,
		Kind:           string(node.Kind),
		LifecyclePhase: string(node.LifecyclePhase),
		Status:         string(status),
		Attributes:     attrs,
	}, nil
}

func edgeModel(edge domain.Edge) EdgeModel {
	return EdgeModel{
		ID:         edge.ID,
		FromID:     edge.FromID,
		ToID:       edge.ToID,
		Kind:       string(edge.Kind),
		ValidFrom:  edge.ValidFrom.UTC(),
		ValidTo:    edge.ValidTo,
		Confidence: edge.Confidence,
	}
}

func edgeFromModel(m EdgeModel) domain.Edge {
	edge := domain.Edge{
		ID:         m.ID,
		FromID:     m.FromID,
		ToID:       m.ToID,
		Kind:       domain.RelationshipKind(m.Kind),
		ValidFrom:  m.ValidFrom.UTC(),
		Confidence: m.Confidence,
	}
	if m.ValidTo != nil {
		to := m.ValidTo.UTC()
		edge.ValidTo = &to
	}
	return edge
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

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == ',' })
}

// buildHops turns the node and edge ids of a single path into hops.
func buildHops(nodeIDs, edgeIDs []string, kindOf func(string) domain.RelationshipKind, names map[string]string) []domain.TraversalHop {
	hops := make([]domain.TraversalHop, 0, len(edgeIDs))
	path := "," + nodeIDs[0] + ","
	for i, edgeID := range edgeIDs {
		from, to := nodeIDs[i], nodeIDs[i+1]
		path += to + ","
		hops = append(hops, domain.TraversalHop{
			Depth:    i + 1,
			FromID:   from,
			FromName: names[from],
			EdgeID:   edgeID,
			Kind:     kindOf(edgeID),
			ToID:     to,
			ToName:   names[to],
			Path:     path,
		})
	}
	return hops
}
