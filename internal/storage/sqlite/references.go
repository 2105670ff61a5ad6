package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/types"
)

const referenceColumns = `id, source_id, target_id, reference_type, context, created_at`

func scanReference(scan func(dest ...any) error) (*types.Reference, error) {
	var r types.Reference
	if err := scan(&r.ID, &r.SourceID, &r.TargetID, &r.ReferenceType, &r.Context, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateReference inserts a typed cross-link. The (source, target, type)
// triple is unique; the type defaults to "reference".
func (s *Store) CreateReference(ctx context.Context, ref *types.Reference) (*types.Reference, error) {
	if ref.ReferenceType == "" {
		ref.ReferenceType = "reference"
	}
	if err := ref.Validate(); err != nil {
		return nil, storage.NewError(storage.CodeConstraint, "create reference", err)
	}

	for _, id := range []string{ref.SourceID, ref.TargetID} {
		exists, err := s.nodeExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, storage.ConstraintError("create reference",
				fmt.Sprintf("node %s does not exist", id))
		}
	}

	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}

	_, err := s.Run(ctx, `
		INSERT INTO node_references (id, source_id, target_id, reference_type, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.SourceID, ref.TargetID, ref.ReferenceType, ref.Context, ref.CreatedAt)
	if err != nil {
		if storage.IsConstraint(err) && strings.Contains(err.Error(), "UNIQUE") {
			return nil, storage.ConstraintError("create reference",
				fmt.Sprintf("reference (%s, %s, %s) already exists",
					ref.SourceID, ref.TargetID, ref.ReferenceType))
		}
		return nil, err
	}
	return ref, nil
}

// GetReference fetches one reference by id.
func (s *Store) GetReference(ctx context.Context, id string) (*types.Reference, error) {
	row := s.QueryRow(ctx,
		`SELECT `+referenceColumns+` FROM node_references WHERE id = ?`, id)
	ref, err := scanReference(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reference %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("get reference", "node_references", err)
	}
	return ref, nil
}

// DeleteReference removes a reference by id, reporting whether a row
// existed.
func (s *Store) DeleteReference(ctx context.Context, id string) (bool, error) {
	res, err := s.Run(ctx, `DELETE FROM node_references WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	return res.Changes > 0, nil
}

// ListReferences returns references matching the filter, newest first.
func (s *Store) ListReferences(ctx context.Context, filter types.ReferenceFilter) ([]*types.Reference, error) {
	var where []string
	var args []any

	if filter.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, filter.SourceID)
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.ReferenceType != "" {
		where = append(where, "reference_type = ?")
		args = append(args, filter.ReferenceType)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + referenceColumns + ` FROM node_references`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []*types.Reference
	for rows.Next() {
		r, err := scanReference(rows.Scan)
		if err != nil {
			return nil, mapError("list references", "node_references", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list references", "node_references", err)
	}
	return refs, nil
}
