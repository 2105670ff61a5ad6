package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/storage/sqlite/migrations"
)

// Migrator applies and reverts the versioned migration set against one
// store. Each apply/rollback runs in its own write transaction.
type Migrator struct {
	store *Store
	defs  []migrations.Migration
}

// NewMigrator creates a migrator over the registered migration set.
func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store, defs: migrations.All()}
}

// MigrationResult reports one apply or rollback.
type MigrationResult struct {
	Version     int
	Description string
	Duration    time.Duration
	Applied     bool
}

// IntegrityReport is the outcome of VerifyIntegrity.
type IntegrityReport struct {
	OK     bool
	Errors []string
	Checks map[string]bool
}

// CurrentVersion returns the max applied version. A missing
// schema_versions table defines version 0.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	exists, err := m.tableExists(ctx, "schema_versions")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var version int
	err = m.store.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&version)
	if err != nil {
		return 0, mapError("current version", "schema_versions", err)
	}
	return version, nil
}

func (m *Migrator) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := m.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, mapError("table exists", name, err)
	}
	return n > 0, nil
}

func (m *Migrator) triggerExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := m.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, mapError("trigger exists", name, err)
	}
	return n > 0, nil
}

// Pending returns migrations with version greater than current, ascending.
func (m *Migrator) Pending(ctx context.Context) ([]migrations.Migration, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	var pending []migrations.Migration
	for _, def := range m.defs {
		if def.Version > current {
			pending = append(pending, def)
		}
	}
	return pending, nil
}

// checkStoredChecksum aborts when the definition's checksum differs from a
// stored row for the same version. Drifted definitions are never
// reconciled automatically.
func (m *Migrator) checkStoredChecksum(ctx context.Context, def migrations.Migration) error {
	exists, err := m.tableExists(ctx, "schema_versions")
	if err != nil || !exists {
		return err
	}
	var stored string
	err = m.store.db.QueryRowContext(ctx,
		`SELECT checksum FROM schema_versions WHERE version = ?`, def.Version).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return mapError("read stored checksum", "schema_versions", err)
	}
	if stored != def.Checksum() {
		return storage.NewError(storage.CodeSchemaVersion, "apply migration",
			fmt.Errorf("migration %d checksum mismatch: definition %s, applied %s",
				def.Version, def.Checksum(), stored))
	}
	return nil
}

// Apply executes a migration's up statements and records it, all in one
// transaction.
func (m *Migrator) Apply(ctx context.Context, def migrations.Migration) (*MigrationResult, error) {
	if err := m.checkStoredChecksum(ctx, def); err != nil {
		return nil, err
	}

	start := time.Now()
	err := m.store.Transaction(ctx, func(tx storage.Tx) error {
		for _, stmt := range def.Up {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.Run(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d (%s): %w", def.Version, def.Description, err)
			}
		}
		_, err := tx.Run(ctx,
			`INSERT OR REPLACE INTO schema_versions (version, description, applied_at, checksum)
			 VALUES (?, ?, ?, ?)`,
			def.Version, def.Description, time.Now().UTC(), def.Checksum())
		return err
	})
	if err != nil {
		return &MigrationResult{Version: def.Version, Description: def.Description,
			Duration: time.Since(start)}, err
	}

	m.store.log.Info().
		Int("version", def.Version).
		Str("description", def.Description).
		Dur("duration", time.Since(start)).
		Msg("migration applied")
	return &MigrationResult{Version: def.Version, Description: def.Description,
		Duration: time.Since(start), Applied: true}, nil
}

// Rollback executes a migration's down statements and deletes its version
// row, all in one transaction.
func (m *Migrator) Rollback(ctx context.Context, def migrations.Migration) (*MigrationResult, error) {
	start := time.Now()
	err := m.store.Transaction(ctx, func(tx storage.Tx) error {
		for _, stmt := range def.Down {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.Run(ctx, stmt); err != nil {
				return fmt.Errorf("rollback %d (%s): %w", def.Version, def.Description, err)
			}
		}
		// Migration 1 drops schema_versions itself; the row goes with it.
		var exists int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_versions'`,
		).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			if _, err := tx.Run(ctx,
				`DELETE FROM schema_versions WHERE version = ?`, def.Version); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &MigrationResult{Version: def.Version, Description: def.Description,
			Duration: time.Since(start)}, err
	}

	m.store.log.Info().
		Int("version", def.Version).
		Str("description", def.Description).
		Msg("migration rolled back")
	return &MigrationResult{Version: def.Version, Description: def.Description,
		Duration: time.Since(start), Applied: true}, nil
}

// Migrate applies all pending migrations in order, stopping on the first
// failure and leaving the last successful version applied.
func (m *Migrator) Migrate(ctx context.Context) ([]*MigrationResult, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var results []*MigrationResult
	for _, def := range pending {
		res, err := m.Apply(ctx, def)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RollbackTo reverts migrations in descending order until the schema is
// at target. Target must be strictly below the current version.
func (m *Migrator) RollbackTo(ctx context.Context, target int) ([]*MigrationResult, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if target < 0 {
		return nil, storage.NewError(storage.CodeSchemaVersion, "rollback",
			fmt.Errorf("target version %d is negative", target))
	}
	if target >= current {
		return nil, storage.NewError(storage.CodeSchemaVersion, "rollback",
			fmt.Errorf("target version %d is not below current version %d", target, current))
	}

	var results []*MigrationResult
	for i := len(m.defs) - 1; i >= 0; i-- {
		def := m.defs[i]
		if def.Version <= target || def.Version > current {
			continue
		}
		res, err := m.Rollback(ctx, def)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// VerifyIntegrity runs the store-level integrity check, the foreign-key
// audit, and asserts presence of every required table and trigger plus
// checksum agreement for every applied version.
func (m *Migrator) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{OK: true, Checks: make(map[string]bool)}
	fail := func(name, msg string) {
		report.OK = false
		report.Checks[name] = false
		report.Errors = append(report.Errors, msg)
	}

	var check string
	if err := m.store.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&check); err != nil {
		fail("integrity_check", fmt.Sprintf("integrity_check: %v", err))
	} else if check != "ok" {
		fail("integrity_check", "integrity_check: "+check)
	} else {
		report.Checks["integrity_check"] = true
	}

	rows, err := m.store.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		fail("foreign_keys", fmt.Sprintf("foreign_key_check: %v", err))
	} else {
		violations := 0
		for rows.Next() {
			violations++
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, mapError("foreign key check", "PRAGMA foreign_key_check", err)
		}
		_ = rows.Close()
		if violations > 0 {
			fail("foreign_keys", fmt.Sprintf("%d foreign key violations", violations))
		} else {
			report.Checks["foreign_keys"] = true
		}
	}

	for _, table := range migrations.RequiredTables {
		ok, err := m.tableExists(ctx, table)
		if err != nil {
			return nil, err
		}
		name := "table:" + table
		if !ok {
			fail(name, "missing table "+table)
		} else {
			report.Checks[name] = true
		}
	}

	for _, trigger := range migrations.RequiredTriggers {
		ok, err := m.triggerExists(ctx, trigger)
		if err != nil {
			return nil, err
		}
		name := "trigger:" + trigger
		if !ok {
			fail(name, "missing trigger "+trigger)
		} else {
			report.Checks[name] = true
		}
	}

	for _, def := range m.defs {
		var stored string
		err := m.store.db.QueryRowContext(ctx,
			`SELECT checksum FROM schema_versions WHERE version = ?`, def.Version).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, mapError("verify checksums", "schema_versions", err)
		}
		name := fmt.Sprintf("checksum:%d", def.Version)
		if stored != def.Checksum() {
			fail(name, fmt.Sprintf("migration %d checksum drift", def.Version))
		} else {
			report.Checks[name] = true
		}
	}

	return report, nil
}
