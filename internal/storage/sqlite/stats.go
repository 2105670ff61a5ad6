package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/types"
)

// NodeStats returns the derived counters for a node. Counters are
// maintained by triggers; a node that never gained a stats row reports
// zeroes.
func (s *Store) NodeStats(ctx context.Context, id string) (*types.NodeStats, error) {
	exists, err := s.nodeExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}

	st := &types.NodeStats{NodeID: id}
	err = s.QueryRow(ctx, `
		SELECT access_count, reference_count, child_count, depth_level, last_accessed, computed_at
		FROM node_stats WHERE node_id = ?`, id).
		Scan(&st.AccessCount, &st.ReferenceCount, &st.ChildCount,
			&st.DepthLevel, &st.LastAccessed, &st.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		st.ComputedAt = time.Now().UTC()
		return st, nil
	}
	if err != nil {
		return nil, mapError("node stats", "node_stats", err)
	}
	return st, nil
}

// TouchNode records one access: bumps access_count and last_accessed.
func (s *Store) TouchNode(ctx context.Context, id string) error {
	exists, err := s.nodeExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}
	_, err = s.Run(ctx, `
		INSERT INTO node_stats (node_id, access_count, last_accessed, computed_at)
		VALUES (?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(node_id) DO UPDATE SET
			access_count = access_count + 1,
			last_accessed = CURRENT_TIMESTAMP`, id)
	return err
}

// RecomputeDepths refreshes depth_level for every node reachable from a
// root, walking the hierarchy top-down with the usual traversal cap.
func (s *Store) RecomputeDepths(ctx context.Context) error {
	_, err := s.Run(ctx, `
		WITH RECURSIVE depths(id, lvl) AS (
			SELECT n.id, 0 FROM nodes n
			WHERE NOT EXISTS (SELECT 1 FROM hierarchy_edges h WHERE h.child_id = n.id)
			UNION
			SELECT h.child_id, d.lvl + 1 FROM hierarchy_edges h
			JOIN depths d ON h.parent_id = d.id
			WHERE d.lvl < ?
		)
		INSERT INTO node_stats (node_id, depth_level, computed_at)
		SELECT id, MAX(lvl), CURRENT_TIMESTAMP FROM depths GROUP BY id
		ON CONFLICT(node_id) DO UPDATE SET
			depth_level = excluded.depth_level,
			computed_at = excluded.computed_at`,
		types.MaxTraversalDepth)
	return err
}
