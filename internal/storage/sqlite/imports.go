package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/types"
)

const importColumns = `id, filename, file_hash, node_count, started_at, completed_at,
	status, error_message, metadata_json`

func scanImport(scan func(dest ...any) error) (*types.Import, error) {
	var imp types.Import
	var errMsg sql.NullString
	err := scan(&imp.ID, &imp.Filename, &imp.FileHash, &imp.NodeCount,
		&imp.StartedAt, &imp.CompletedAt, &imp.Status, &errMsg, &imp.MetadataJSON)
	if err != nil {
		return nil, err
	}
	imp.ErrorMessage = errMsg.String
	return &imp, nil
}

// CreateImport inserts a new import record.
func (s *Store) CreateImport(ctx context.Context, imp *types.Import) error {
	if imp.Status == "" {
		imp.Status = types.ImportPending
	}
	if imp.MetadataJSON == "" {
		imp.MetadataJSON = "{}"
	}
	_, err := s.Run(ctx, `
		INSERT INTO imports (id, filename, file_hash, node_count, started_at, completed_at,
			status, error_message, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		imp.ID, imp.Filename, imp.FileHash, imp.NodeCount, imp.StartedAt,
		imp.CompletedAt, string(imp.Status), nullIfEmpty(imp.ErrorMessage), imp.MetadataJSON)
	return err
}

// UpdateImport rewrites the mutable fields of an import record.
func (s *Store) UpdateImport(ctx context.Context, imp *types.Import) error {
	res, err := s.Run(ctx, `
		UPDATE imports SET node_count = ?, completed_at = ?, status = ?, error_message = ?
		WHERE id = ?`,
		imp.NodeCount, imp.CompletedAt, string(imp.Status),
		nullIfEmpty(imp.ErrorMessage), imp.ID)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return fmt.Errorf("import %s: %w", imp.ID, storage.ErrNotFound)
	}
	return nil
}

// GetImportByHash finds the import record for a source file hash.
func (s *Store) GetImportByHash(ctx context.Context, fileHash string) (*types.Import, error) {
	row := s.QueryRow(ctx,
		`SELECT `+importColumns+` FROM imports WHERE file_hash = ?`, fileHash)
	imp, err := scanImport(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("import with hash %s: %w", fileHash, storage.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("get import", "imports", err)
	}
	return imp, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
