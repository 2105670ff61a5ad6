package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nodeloom/nodeloom/internal/config"
	"github.com/nodeloom/nodeloom/internal/types"
)

// testEnv provides a migrated store with common helpers. Use newTestEnv(t)
// to create one with automatic cleanup.
type testEnv struct {
	t     *testing.T
	Store *Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := NewMigrator(store).Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return &testEnv{t: t, Store: store, Ctx: ctx}
}

// newTestStore creates an unmigrated store on a temp file.
//
// File-based databases are more reliable than in-memory for connection
// pool scenarios, so tests default to t.TempDir().
func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg, err := config.Preset(config.PresetTesting)
	if err != nil {
		t.Fatalf("Preset failed: %v", err)
	}
	cfg.Path = t.TempDir() + "/test.db"
	cfg.Memory = false

	store, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	return store
}

// CreateNode creates a node with the given id and name as its content.
func (e *testEnv) CreateNode(id string) *types.Node {
	e.t.Helper()
	node, err := e.Store.CreateNode(e.Ctx, &types.Node{
		ID:      id,
		Name:    "node " + id,
		Content: "content of " + id,
	})
	if err != nil {
		e.t.Fatalf("CreateNode(%q) failed: %v", id, err)
	}
	return node
}

// CreateNodes creates n nodes with ids prefix0..prefix(n-1).
func (e *testEnv) CreateNodes(prefix string, n int) []*types.Node {
	e.t.Helper()
	nodes := make([]*types.Node, n)
	for i := 0; i < n; i++ {
		nodes[i] = e.CreateNode(fmt.Sprintf("%s%d", prefix, i))
	}
	return nodes
}

// AddEdge creates a parent→child edge at the append position.
func (e *testEnv) AddEdge(parentID, childID string) *types.HierarchyEdge {
	e.t.Helper()
	edge, err := e.Store.CreateEdge(e.Ctx, parentID, childID, nil)
	if err != nil {
		e.t.Fatalf("CreateEdge(%s -> %s) failed: %v", parentID, childID, err)
	}
	return edge
}

// AddReference creates a typed reference between two nodes.
func (e *testEnv) AddReference(sourceID, targetID, refType string) *types.Reference {
	e.t.Helper()
	ref, err := e.Store.CreateReference(e.Ctx, &types.Reference{
		SourceID:      sourceID,
		TargetID:      targetID,
		ReferenceType: refType,
	})
	if err != nil {
		e.t.Fatalf("CreateReference(%s -> %s) failed: %v", sourceID, targetID, err)
	}
	return ref
}

// ChildOrder returns the parent's children ids ordered by position.
func (e *testEnv) ChildOrder(parentID string) []string {
	e.t.Helper()
	children, err := e.Store.Children(e.Ctx, parentID, true)
	if err != nil {
		e.t.Fatalf("Children(%s) failed: %v", parentID, err)
	}
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	return ids
}

// AssertOrder asserts the parent's children match want exactly, in order.
func (e *testEnv) AssertOrder(parentID string, want ...string) {
	e.t.Helper()
	got := e.ChildOrder(parentID)
	if len(got) != len(want) {
		e.t.Fatalf("children of %s = %v, want %v", parentID, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			e.t.Fatalf("children of %s = %v, want %v", parentID, got, want)
		}
	}
}

// AssertPositionsContiguous asserts the parent's child positions are
// exactly 0..k-1 with no holes.
func (e *testEnv) AssertPositionsContiguous(parentID string) {
	e.t.Helper()
	rows, err := e.Store.Query(e.Ctx,
		`SELECT position FROM hierarchy_edges WHERE parent_id = ? ORDER BY position`, parentID)
	if err != nil {
		e.t.Fatalf("query positions failed: %v", err)
	}
	defer func() { _ = rows.Close() }()

	want := 0
	for rows.Next() {
		var pos int
		if err := rows.Scan(&pos); err != nil {
			e.t.Fatalf("scan position failed: %v", err)
		}
		if pos != want {
			e.t.Fatalf("positions of %s have a hole: got %d, want %d", parentID, pos, want)
		}
		want++
	}
	if err := rows.Err(); err != nil {
		e.t.Fatalf("iterate positions failed: %v", err)
	}
}

// CountRows counts rows in a table.
func (e *testEnv) CountRows(table string) int {
	e.t.Helper()
	var n int
	if err := e.Store.QueryRow(e.Ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		e.t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}
