package sqlite

import (
	"context"

	"github.com/nodeloom/nodeloom/internal/storage"
)

// ValidateAndFixHierarchy repairs structural damage foreign-key
// enforcement cannot reach: edges left dangling by an import that ran
// with foreign keys off, and duplicate (parent, child) rows in a
// hand-edited database. Duplicates collapse to the oldest edge. Affected
// sibling lists are recompacted so positions stay hole-free.
//
// Cycles are not repaired here. They are prevented at insert time; one
// that exists anyway (hand-edited database) surfaces through
// VerifyIntegrity and needs manual resolution.
func (s *Store) ValidateAndFixHierarchy(ctx context.Context) (orphaned, duplicates int, err error) {
	err = s.Transaction(ctx, func(tx storage.Tx) error {
		q := tx.(*Tx)

		res, err := q.Run(ctx, `
			DELETE FROM hierarchy_edges
			WHERE parent_id NOT IN (SELECT id FROM nodes)
			   OR child_id NOT IN (SELECT id FROM nodes)`)
		if err != nil {
			return err
		}
		orphaned = int(res.Changes)

		res, err = q.Run(ctx, `
			DELETE FROM hierarchy_edges
			WHERE rowid NOT IN (
				SELECT MIN(rowid) FROM hierarchy_edges GROUP BY parent_id, child_id
			)`)
		if err != nil {
			return err
		}
		duplicates = int(res.Changes)

		if orphaned == 0 && duplicates == 0 {
			return nil
		}
		return recompactAllPositions(ctx, q)
	})
	return orphaned, duplicates, err
}

// recompactAllPositions rewrites every parent's child positions to the
// contiguous 0..k-1 sequence, preserving relative order.
func recompactAllPositions(ctx context.Context, q querier) error {
	_, err := q.Run(ctx, `
		UPDATE hierarchy_edges SET position = (
			SELECT COUNT(*) FROM hierarchy_edges sib
			WHERE sib.parent_id = hierarchy_edges.parent_id
			  AND (sib.position < hierarchy_edges.position
			       OR (sib.position = hierarchy_edges.position AND sib.rowid < hierarchy_edges.rowid))
		)`)
	return err
}
