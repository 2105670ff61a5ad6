package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/types"
)

// querier is the shared statement surface of *Store (autocommit) and *Tx
// (inside a transaction). Graph helpers take it so the same code serves
// both paths.
type querier interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Run(ctx context.Context, query string, args ...any) (storage.RunResult, error)
}

// descendantsContain reports whether target is reachable from root by
// following parent→child edges. The walk is done in SQL with a recursive
// CTE bounded by the traversal cap.
func descendantsContain(ctx context.Context, q querier, root, target string) (bool, error) {
	var n int
	err := q.QueryRow(ctx, `
		WITH RECURSIVE descendants(id, depth) AS (
			SELECT child_id, 1 FROM hierarchy_edges WHERE parent_id = ?
			UNION
			SELECT h.child_id, d.depth + 1 FROM hierarchy_edges h
			JOIN descendants d ON h.parent_id = d.id
			WHERE d.depth < ?
		)
		SELECT COUNT(*) FROM descendants WHERE id = ?`,
		root, types.MaxTraversalDepth, target).Scan(&n)
	if err != nil {
		return false, mapError("descendant walk", "hierarchy_edges", err)
	}
	return n > 0, nil
}

// WouldCreateCycle reports whether inserting the edge (parent, child)
// would close a directed cycle.
func (s *Store) WouldCreateCycle(ctx context.Context, parentID, childID string) (bool, error) {
	if parentID == childID {
		return true, nil
	}
	return descendantsContain(ctx, s, childID, parentID)
}

func edgeExists(ctx context.Context, q querier, parentID, childID string) (bool, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM hierarchy_edges WHERE parent_id = ? AND child_id = ?`,
		parentID, childID).Scan(&n)
	if err != nil {
		return false, mapError("edge exists", "hierarchy_edges", err)
	}
	return n > 0, nil
}

func nodeExistsQ(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM nodes WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, mapError("node exists", "nodes", err)
	}
	return n > 0, nil
}

// insertEdge resolves the position and inserts the edge. Callers have
// already ruled out self-edges, duplicates, and cycles.
func insertEdge(ctx context.Context, q querier, parentID, childID string, position *int) (*types.HierarchyEdge, error) {
	var pos int
	if position == nil {
		// Append: max+1, or 0 for the first child.
		err := q.QueryRow(ctx,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM hierarchy_edges WHERE parent_id = ?`,
			parentID).Scan(&pos)
		if err != nil {
			return nil, mapError("resolve position", "hierarchy_edges", err)
		}
	} else {
		pos = *position
		if pos < 0 {
			pos = 0
		}
		var count int
		if err := q.QueryRow(ctx,
			`SELECT COUNT(*) FROM hierarchy_edges WHERE parent_id = ?`, parentID).Scan(&count); err != nil {
			return nil, mapError("count children", "hierarchy_edges", err)
		}
		if pos > count {
			pos = count
		}
		// Make room: shift every sibling at or after the slot up by one.
		if _, err := q.Run(ctx,
			`UPDATE hierarchy_edges SET position = position + 1 WHERE parent_id = ? AND position >= ?`,
			parentID, pos); err != nil {
			return nil, err
		}
	}

	edge := &types.HierarchyEdge{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		ChildID:   childID,
		Position:  pos,
		CreatedAt: time.Now().UTC(),
	}
	_, err := q.Run(ctx,
		`INSERT INTO hierarchy_edges (id, parent_id, child_id, position, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		edge.ID, edge.ParentID, edge.ChildID, edge.Position, edge.CreatedAt)
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// createEdgeChecks runs the semantic pre-checks shared by CreateEdge and
// MoveNode so callers get a constraint error, not a trigger abort.
func createEdgeChecks(ctx context.Context, q querier, parentID, childID string) error {
	if parentID == childID {
		return storage.ConstraintError("create edge", "node cannot be its own parent")
	}
	for _, id := range []string{parentID, childID} {
		exists, err := nodeExistsQ(ctx, q, id)
		if err != nil {
			return err
		}
		if !exists {
			return storage.ConstraintError("create edge", fmt.Sprintf("node %s does not exist", id))
		}
	}
	dup, err := edgeExists(ctx, q, parentID, childID)
	if err != nil {
		return err
	}
	if dup {
		return storage.ConstraintError("create edge",
			fmt.Sprintf("edge (%s, %s) already exists", parentID, childID))
	}
	cyclic, err := descendantsContain(ctx, q, childID, parentID)
	if err != nil {
		return err
	}
	if cyclic {
		return storage.ConstraintError("create edge",
			fmt.Sprintf("edge (%s, %s) would create a cycle", parentID, childID))
	}
	return nil
}

// CreateEdge inserts an ordered parent→child edge. With no position the
// child is appended; with one, siblings at or after it shift up first.
func (s *Store) CreateEdge(ctx context.Context, parentID, childID string, position *int) (*types.HierarchyEdge, error) {
	var edge *types.HierarchyEdge
	err := s.Transaction(ctx, func(tx storage.Tx) error {
		q := tx.(*Tx)
		if err := createEdgeChecks(ctx, q, parentID, childID); err != nil {
			return err
		}
		var err error
		edge, err = insertEdge(ctx, q, parentID, childID, position)
		return err
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// compactSiblings closes the hole left at position after removing one of
// parent's edges.
func compactSiblings(ctx context.Context, q querier, parentID string, removedPos int) error {
	_, err := q.Run(ctx,
		`UPDATE hierarchy_edges SET position = position - 1 WHERE parent_id = ? AND position > ?`,
		parentID, removedPos)
	return err
}

// RemoveEdge deletes the (parent, child) edge and compacts the remaining
// sibling positions. Removing a non-existent edge returns false, not an
// error.
func (s *Store) RemoveEdge(ctx context.Context, parentID, childID string) (bool, error) {
	removed := false
	err := s.Transaction(ctx, func(tx storage.Tx) error {
		q := tx.(*Tx)
		var pos int
		err := q.QueryRow(ctx,
			`SELECT position FROM hierarchy_edges WHERE parent_id = ? AND child_id = ?`,
			parentID, childID).Scan(&pos)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return mapError("remove edge", "hierarchy_edges", err)
		}
		if _, err := q.Run(ctx,
			`DELETE FROM hierarchy_edges WHERE parent_id = ? AND child_id = ?`,
			parentID, childID); err != nil {
			return err
		}
		if err := compactSiblings(ctx, q, parentID, pos); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// RemoveAllEdges deletes every edge touching the node in either role and
// compacts the affected sibling lists. Returns counts per direction.
func (s *Store) RemoveAllEdges(ctx context.Context, nodeID string) (asParent, asChild int, err error) {
	err = s.Transaction(ctx, func(tx storage.Tx) error {
		q := tx.(*Tx)

		// As child: each removal leaves a hole in that parent's ordering.
		rows, err := q.Query(ctx,
			`SELECT parent_id, position FROM hierarchy_edges WHERE child_id = ? ORDER BY parent_id`,
			nodeID)
		if err != nil {
			return err
		}
		type slot struct {
			parent string
			pos    int
		}
		var slots []slot
		for rows.Next() {
			var sl slot
			if err := rows.Scan(&sl.parent, &sl.pos); err != nil {
				_ = rows.Close()
				return mapError("remove all edges", "hierarchy_edges", err)
			}
			slots = append(slots, sl)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return mapError("remove all edges", "hierarchy_edges", err)
		}
		_ = rows.Close()

		for _, sl := range slots {
			if _, err := q.Run(ctx,
				`DELETE FROM hierarchy_edges WHERE parent_id = ? AND child_id = ?`,
				sl.parent, nodeID); err != nil {
				return err
			}
			if err := compactSiblings(ctx, q, sl.parent, sl.pos); err != nil {
				return err
			}
		}
		asChild = len(slots)

		// As parent: the whole child list goes at once, nothing to compact.
		res, err := q.Run(ctx, `DELETE FROM hierarchy_edges WHERE parent_id = ?`, nodeID)
		if err != nil {
			return err
		}
		asParent = int(res.Changes)
		return nil
	})
	return asParent, asChild, err
}

// ReorderChildren sets positions so that order[i] sits at position i.
// The order must be a permutation of the parent's current children.
func (s *Store) ReorderChildren(ctx context.Context, parentID string, order []string) error {
	return s.Transaction(ctx, func(tx storage.Tx) error {
		q := tx.(*Tx)

		rows, err := q.Query(ctx,
			`SELECT child_id FROM hierarchy_edges WHERE parent_id = ?`, parentID)
		if err != nil {
			return err
		}
		current := make(map[string]bool)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return mapError("reorder children", "hierarchy_edges", err)
			}
			current[id] = true
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return mapError("reorder children", "hierarchy_edges", err)
		}
		_ = rows.Close()

		if len(order) != len(current) {
			return storage.ConstraintError("reorder children",
				fmt.Sprintf("order lists %d children, parent has %d", len(order), len(current)))
		}
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			if !current[id] {
				return storage.ConstraintError("reorder children",
					fmt.Sprintf("%s is not a child of %s", id, parentID))
			}
			if seen[id] {
				return storage.ConstraintError("reorder children",
					fmt.Sprintf("%s appears twice in order", id))
			}
			seen[id] = true
		}

		for i, id := range order {
			if _, err := q.Run(ctx,
				`UPDATE hierarchy_edges SET position = ? WHERE parent_id = ? AND child_id = ?`,
				i, parentID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// MoveNode detaches the child from every current parent (compacting each)
// and attaches it under the new parent with CreateEdge position semantics.
func (s *Store) MoveNode(ctx context.Context, childID, newParentID string, position *int) error {
	return s.Transaction(ctx, func(tx storage.Tx) error {
		q := tx.(*Tx)

		if childID == newParentID {
			return storage.ConstraintError("move node", "node cannot be its own parent")
		}
		for _, id := range []string{childID, newParentID} {
			exists, err := nodeExistsQ(ctx, q, id)
			if err != nil {
				return err
			}
			if !exists {
				return storage.ConstraintError("move node", fmt.Sprintf("node %s does not exist", id))
			}
		}
		cyclic, err := descendantsContain(ctx, q, childID, newParentID)
		if err != nil {
			return err
		}
		if cyclic {
			return storage.ConstraintError("move node",
				fmt.Sprintf("moving %s under %s would create a cycle", childID, newParentID))
		}

		rows, err := q.Query(ctx,
			`SELECT parent_id, position FROM hierarchy_edges WHERE child_id = ? ORDER BY parent_id`,
			childID)
		if err != nil {
			return err
		}
		type slot struct {
			parent string
			pos    int
		}
		var slots []slot
		for rows.Next() {
			var sl slot
			if err := rows.Scan(&sl.parent, &sl.pos); err != nil {
				_ = rows.Close()
				return mapError("move node", "hierarchy_edges", err)
			}
			slots = append(slots, sl)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return mapError("move node", "hierarchy_edges", err)
		}
		_ = rows.Close()

		for _, sl := range slots {
			if _, err := q.Run(ctx,
				`DELETE FROM hierarchy_edges WHERE parent_id = ? AND child_id = ?`,
				sl.parent, childID); err != nil {
				return err
			}
			if err := compactSiblings(ctx, q, sl.parent, sl.pos); err != nil {
				return err
			}
		}

		_, err = insertEdge(ctx, q, newParentID, childID, position)
		return err
	})
}

// Children returns the parent's children ordered by position.
func (s *Store) Children(ctx context.Context, parentID string, includeSystem bool) ([]*types.Node, error) {
	query := `SELECT ` + nodeColumnsPrefixed("n") + `
		FROM hierarchy_edges h
		JOIN nodes n ON n.id = h.child_id
		WHERE h.parent_id = ?`
	if !includeSystem {
		query += ` AND n.is_system_node = 0`
	}
	query += ` ORDER BY h.position`
	return s.queryNodes(ctx, query, parentID)
}

// Parents returns every parent of the child.
func (s *Store) Parents(ctx context.Context, childID string) ([]*types.Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumnsPrefixed("n")+`
		FROM hierarchy_edges h
		JOIN nodes n ON n.id = h.parent_id
		WHERE h.child_id = ?
		ORDER BY n.id`, childID)
}

// Roots returns nodes with no incoming hierarchy edge.
func (s *Store) Roots(ctx context.Context, includeSystem bool) ([]*types.Node, error) {
	query := `SELECT ` + nodeColumnsPrefixed("n") + `
		FROM nodes n
		WHERE NOT EXISTS (SELECT 1 FROM hierarchy_edges h WHERE h.child_id = n.id)`
	if !includeSystem {
		query += ` AND n.is_system_node = 0`
	}
	query += ` ORDER BY n.id`
	return s.queryNodes(ctx, query)
}

// Leaves returns nodes with no outgoing hierarchy edge.
func (s *Store) Leaves(ctx context.Context, includeSystem bool) ([]*types.Node, error) {
	query := `SELECT ` + nodeColumnsPrefixed("n") + `
		FROM nodes n
		WHERE NOT EXISTS (SELECT 1 FROM hierarchy_edges h WHERE h.parent_id = n.id)`
	if !includeSystem {
		query += ` AND n.is_system_node = 0`
	}
	query += ` ORDER BY n.id`
	return s.queryNodes(ctx, query)
}

// Depth returns the length of the longest ancestor chain above the node,
// capped at the traversal limit. Roots have depth 0.
func (s *Store) Depth(ctx context.Context, id string) (int, error) {
	exists, err := s.nodeExists(ctx, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}

	var depth int
	err = s.QueryRow(ctx, `
		WITH RECURSIVE ancestors(id, depth) AS (
			SELECT ?, 0
			UNION
			SELECT h.parent_id, a.depth + 1 FROM hierarchy_edges h
			JOIN ancestors a ON h.child_id = a.id
			WHERE a.depth < ?
		)
		SELECT MAX(depth) FROM ancestors`,
		id, types.MaxTraversalDepth).Scan(&depth)
	if err != nil {
		return 0, mapError("depth", "hierarchy_edges", err)
	}
	return depth, nil
}

// AncestorPath returns the chain from a root down to the node, following
// the oldest parent edge at each step. The walk stops at the traversal
// cap, so pathological chains return a truncated path instead of
// recursing without bound.
func (s *Store) AncestorPath(ctx context.Context, id string) ([]*types.Node, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := []*types.Node{node}
	seen := map[string]bool{id: true}
	current := id
	for i := 0; i < types.MaxTraversalDepth; i++ {
		var parentID string
		err := s.QueryRow(ctx, `
			SELECT parent_id FROM hierarchy_edges
			WHERE child_id = ?
			ORDER BY created_at, id
			LIMIT 1`, current).Scan(&parentID)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, mapError("path", "hierarchy_edges", err)
		}
		if seen[parentID] {
			break
		}
		seen[parentID] = true
		parent, err := s.GetNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		current = parentID
	}

	// Reverse: root first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func nodeColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.name, ` + alias + `.content, ` + alias + `.doc_type, ` +
		alias + `.owner_id, ` + alias + `.created_at, ` + alias + `.updated_at, ` +
		alias + `.node_type, ` + alias + `.is_system_node, ` + alias + `.fields_json, ` +
		alias + `.metadata_json`
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]*types.Node, error) {
	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []*types.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, mapError("scan node", "nodes", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("scan nodes", "nodes", err)
	}
	return nodes, nil
}
