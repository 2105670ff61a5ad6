package sqlite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/storage/sqlite/migrations"
)

func TestEmptyBootstrap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	m := NewMigrator(store)

	version, err := m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion on fresh database failed: %v", err)
	}
	if version != 0 {
		t.Fatalf("fresh database version = %d, want 0", version)
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending migrations = %d, want 2", len(pending))
	}

	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	version, err = m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 2 {
		t.Fatalf("migrated version = %d, want 2", version)
	}

	report, err := m.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("integrity not ok: %v", report.Errors)
	}
	for _, table := range migrations.RequiredTables {
		if !report.Checks["table:"+table] {
			t.Errorf("table %s missing after bootstrap", table)
		}
	}
	for _, trigger := range migrations.RequiredTriggers {
		if !report.Checks["trigger:"+trigger] {
			t.Errorf("trigger %s missing after bootstrap", trigger)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	m := NewMigrator(env.Store)

	results, err := m.Migrate(env.Ctx)
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("second Migrate applied %d migrations, want 0", len(results))
	}
}

func TestRollbackToVersionOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx
	m := NewMigrator(env.Store)

	countIndexes := func() int {
		var n int
		err := env.Store.QueryRow(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_nodes_%'`).Scan(&n)
		if err != nil {
			t.Fatalf("count indexes failed: %v", err)
		}
		return n
	}
	countTables := func() int {
		var n int
		err := env.Store.QueryRow(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE 'nodes_fts_%'`).Scan(&n)
		if err != nil {
			t.Fatalf("count tables failed: %v", err)
		}
		return n
	}

	tablesBefore := countTables()
	if countIndexes() == 0 {
		t.Fatal("expected node indexes at version 2")
	}

	var checksumBefore string
	if err := env.Store.QueryRow(ctx,
		`SELECT checksum FROM schema_versions WHERE version = 2`).Scan(&checksumBefore); err != nil {
		t.Fatalf("read version 2 checksum: %v", err)
	}

	if _, err := m.RollbackTo(ctx, 1); err != nil {
		t.Fatalf("RollbackTo(1) failed: %v", err)
	}

	if n := countIndexes(); n != 0 {
		t.Fatalf("node indexes after rollback = %d, want 0", n)
	}
	if n := countTables(); n != tablesBefore {
		t.Fatalf("table count changed by rollback: %d -> %d", tablesBefore, n)
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("version after rollback = %d, want 1", version)
	}

	// Re-running migrate restores version 2 with the original checksum.
	if _, err := m.Migrate(ctx); err != nil {
		t.Fatalf("re-Migrate failed: %v", err)
	}
	var checksumAfter string
	if err := env.Store.QueryRow(ctx,
		`SELECT checksum FROM schema_versions WHERE version = 2`).Scan(&checksumAfter); err != nil {
		t.Fatalf("read restored checksum: %v", err)
	}
	if checksumAfter != checksumBefore {
		t.Fatalf("checksum changed across rollback/reapply: %s != %s", checksumAfter, checksumBefore)
	}
}

func TestRollbackToInvalidTarget(t *testing.T) {
	env := newTestEnv(t)
	m := NewMigrator(env.Store)

	for _, target := range []int{2, 3, -1} {
		_, err := m.RollbackTo(env.Ctx, target)
		if err == nil {
			t.Fatalf("RollbackTo(%d) succeeded, want schema-version error", target)
		}
		if !storage.IsSchemaVersion(err) {
			t.Fatalf("RollbackTo(%d) error = %v, want schema-version error", target, err)
		}
	}
}

func TestApplyRollbackApplyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	m := NewMigrator(store)
	defs := migrations.All()

	if _, err := m.Apply(ctx, defs[0]); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	var first string
	if err := store.QueryRow(ctx,
		`SELECT checksum FROM schema_versions WHERE version = 1`).Scan(&first); err != nil {
		t.Fatalf("read checksum: %v", err)
	}

	if _, err := m.Rollback(ctx, defs[0]); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 0 {
		t.Fatalf("version after rollback = %d, want 0", version)
	}

	if _, err := m.Apply(ctx, defs[0]); err != nil {
		t.Fatalf("re-Apply failed: %v", err)
	}
	var second string
	if err := store.QueryRow(ctx,
		`SELECT checksum FROM schema_versions WHERE version = 1`).Scan(&second); err != nil {
		t.Fatalf("read checksum: %v", err)
	}
	if first != second {
		t.Fatalf("checksum differs across apply/rollback/apply: %s != %s", first, second)
	}
}

func TestChecksumMismatchAborts(t *testing.T) {
	env := newTestEnv(t)
	m := NewMigrator(env.Store)

	drifted := migrations.Migration{
		Version:     2,
		Description: "drifted definition",
		Up:          []string{`CREATE INDEX IF NOT EXISTS idx_drift ON nodes(name)`},
		Down:        []string{`DROP INDEX IF EXISTS idx_drift`},
	}
	_, err := m.Apply(env.Ctx, drifted)
	if err == nil {
		t.Fatal("Apply with drifted checksum succeeded, want schema-version error")
	}
	if !storage.IsSchemaVersion(err) {
		t.Fatalf("error = %v, want schema-version error", err)
	}

	// The drifted statements must not have run.
	var n int
	if err := env.Store.QueryRow(env.Ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE name = 'idx_drift'`).Scan(&n); err != nil {
		t.Fatalf("check drift index: %v", err)
	}
	if n != 0 {
		t.Fatal("drifted migration executed despite checksum mismatch")
	}
}

func TestChecksumIsSHA256OfUpStatements(t *testing.T) {
	def := migrations.All()[0]
	sum := def.Checksum()
	if len(sum) != 64 {
		t.Fatalf("checksum length = %d, want 64 hex chars", len(sum))
	}
	want := sha256.Sum256([]byte(strings.Join(def.Up, "\n")))
	if sum != hex.EncodeToString(want[:]) {
		t.Fatalf("checksum = %s, want SHA-256 of Up joined by newline (%x)", sum, want)
	}
	if sum != def.Checksum() {
		t.Fatal("checksum is not deterministic")
	}

	other := migrations.Migration{Version: def.Version, Up: append([]string{"SELECT 1"}, def.Up...)}
	if other.Checksum() == sum {
		t.Fatal("different up statements produced the same checksum")
	}
}

func TestMigrationFailureStopsChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	m := NewMigrator(store)
	m.defs = []migrations.Migration{
		migrations.All()[0],
		{
			Version:     2,
			Description: "broken migration",
			Up:          []string{`CREATE BOGUS SYNTAX`},
		},
	}

	_, err := m.Migrate(ctx)
	if err == nil {
		t.Fatal("Migrate with broken migration succeeded")
	}

	// The last successful version stays applied.
	version, verr := m.CurrentVersion(ctx)
	if verr != nil {
		t.Fatalf("CurrentVersion failed: %v", verr)
	}
	if version != 1 {
		t.Fatalf("version after failed chain = %d, want 1", version)
	}
}

func TestVerifyIntegrityDetectsMissingTrigger(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Store.Run(env.Ctx, `DROP TRIGGER fts_update`); err != nil {
		t.Fatalf("drop trigger failed: %v", err)
	}
	report, err := NewMigrator(env.Store).VerifyIntegrity(env.Ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity failed: %v", err)
	}
	if report.OK {
		t.Fatal("integrity reported ok with a missing trigger")
	}
	if report.Checks["trigger:fts_update"] {
		t.Fatal("missing trigger passed its check")
	}
}

func TestCurrentVersionMissingTableIsZero(t *testing.T) {
	store := newTestStore(t)
	version, err := NewMigrator(store).CurrentVersion(context.Background())
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 0 {
		t.Fatalf("version = %d, want 0", version)
	}
}

func TestErrNotFoundIsDistinct(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.GetNode(env.Ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetNode(missing) error = %v, want ErrNotFound", err)
	}
}
