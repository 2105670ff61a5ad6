package sqlite

import (
	"testing"
)

// breakForeignKeys turns enforcement off on the pool so tests can inject
// the damage an interrupted FK-off import would leave behind.
func breakForeignKeys(t *testing.T, env *testEnv) {
	t.Helper()
	env.Store.DB().SetMaxOpenConns(1)
	if _, err := env.Store.DB().Exec("PRAGMA foreign_keys = OFF"); err != nil {
		t.Fatalf("disable foreign keys: %v", err)
	}
	t.Cleanup(func() {
		_, _ = env.Store.DB().Exec("PRAGMA foreign_keys = ON")
	})
}

func TestValidateAndFixHierarchyRemovesOrphans(t *testing.T) {
	env := newTestEnv(t)
	env.CreateNode("p")
	env.CreateNode("c")
	env.AddEdge("p", "c")

	breakForeignKeys(t, env)
	if _, err := env.Store.DB().Exec(`
		INSERT INTO hierarchy_edges (id, parent_id, child_id, position)
		VALUES ('orphan-1', 'p', 'ghost-child', 1),
		       ('orphan-2', 'ghost-parent', 'c', 0)`); err != nil {
		t.Fatalf("inject orphans: %v", err)
	}

	orphaned, duplicates, err := env.Store.ValidateAndFixHierarchy(env.Ctx)
	if err != nil {
		t.Fatalf("ValidateAndFixHierarchy failed: %v", err)
	}
	if orphaned != 2 {
		t.Fatalf("orphaned = %d, want 2", orphaned)
	}
	if duplicates != 0 {
		t.Fatalf("duplicates = %d, want 0", duplicates)
	}

	// The valid edge survived and its ordering is intact.
	env.AssertOrder("p", "c")
	env.AssertPositionsContiguous("p")
}

func TestValidateAndFixHierarchyCollapsesDuplicates(t *testing.T) {
	env := newTestEnv(t)
	env.CreateNode("p")
	env.CreateNode("c")
	edge := env.AddEdge("p", "c")

	// A duplicate (parent, child) row can only exist in a hand-edited
	// database; bypass the UNIQUE constraint via a different edge id and
	// a direct insert with the unique index dropped.
	if _, err := env.Store.DB().Exec(`DROP INDEX IF EXISTS sqlite_autoindex_hierarchy_edges_2`); err != nil {
		// The autoindex cannot be dropped on this build, so the duplicate
		// cannot be injected and the test is skipped.
		t.Skipf("cannot drop unique autoindex on this build: %v", err)
	}
	if _, err := env.Store.DB().Exec(`
		INSERT INTO hierarchy_edges (id, parent_id, child_id, position)
		VALUES ('dup-edge', 'p', 'c', 5)`); err != nil {
		t.Skipf("cannot inject duplicate edge: %v", err)
	}

	_, duplicates, err := env.Store.ValidateAndFixHierarchy(env.Ctx)
	if err != nil {
		t.Fatalf("ValidateAndFixHierarchy failed: %v", err)
	}
	if duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", duplicates)
	}

	// The oldest edge wins.
	var id string
	if err := env.Store.QueryRow(env.Ctx,
		`SELECT id FROM hierarchy_edges WHERE parent_id = 'p' AND child_id = 'c'`).Scan(&id); err != nil {
		t.Fatalf("read surviving edge: %v", err)
	}
	if id != edge.ID {
		t.Fatalf("surviving edge = %s, want the original %s", id, edge.ID)
	}
	env.AssertPositionsContiguous("p")
}

func TestValidateAndFixHierarchyCleanDatabase(t *testing.T) {
	env := newTestEnv(t)
	env.CreateNode("p")
	env.CreateNode("c")
	env.AddEdge("p", "c")

	orphaned, duplicates, err := env.Store.ValidateAndFixHierarchy(env.Ctx)
	if err != nil {
		t.Fatalf("ValidateAndFixHierarchy failed: %v", err)
	}
	if orphaned != 0 || duplicates != 0 {
		t.Fatalf("clean database repaired (%d, %d), want (0, 0)", orphaned, duplicates)
	}
}
