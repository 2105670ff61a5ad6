package sqlite

import (
	"context"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/types"
)

// Search runs a full-text query over the search index and returns the
// matching nodes, best match first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*types.Node, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.queryNodes(ctx, `
		SELECT `+nodeColumnsPrefixed("n")+`
		FROM nodes_fts f
		JOIN nodes n ON n.id = f.id
		WHERE nodes_fts MATCH ?
		ORDER BY bm25(nodes_fts)
		LIMIT ?`, query, limit)
}

// RebuildSearchIndex repopulates the search index from the nodes table.
// The index is standalone, so a rebuild is a wipe plus reinsert rather
// than the external-content rebuild command.
func (s *Store) RebuildSearchIndex(ctx context.Context) error {
	return s.Transaction(ctx, func(tx storage.Tx) error {
		if _, err := tx.Run(ctx, `DELETE FROM nodes_fts`); err != nil {
			return err
		}
		_, err := tx.Run(ctx, `
			INSERT INTO nodes_fts (id, name, content, tags)
			SELECT id, name, content, COALESCE(json_extract(fields_json, '$.tags'), '')
			FROM nodes`)
		return err
	})
}
