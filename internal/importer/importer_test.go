package importer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nodeloom/nodeloom/internal/config"
	"github.com/nodeloom/nodeloom/internal/storage/sqlite"
	"github.com/nodeloom/nodeloom/internal/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	cfg, err := config.Preset(config.PresetTesting)
	if err != nil {
		t.Fatalf("Preset failed: %v", err)
	}
	cfg.Path = t.TempDir() + "/import.db"
	cfg.Memory = false

	store, err := sqlite.New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := sqlite.NewMigrator(store).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return store
}

// makeRecords builds n records; record i has records 2i+1 and 2i+2 as
// children (where they exist) and references record i+1; the last record
// references nothing.
func makeRecords(n int) []types.SourceNode {
	records := make([]types.SourceNode, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("rec%05d", i)
		records[i] = types.SourceNode{
			ID:      id,
			Name:    "record " + id,
			Content: "imported content for " + id,
			Fields:  `{"tags": ["imported"]}`,
		}
	}
	// Children and references point at later records only, so the
	// hierarchy stays acyclic: a binary-tree shape.
	for i := 0; i < n; i++ {
		left, right := 2*i+1, 2*i+2
		if left < n {
			records[i].Children = append(records[i].Children, records[left].ID)
		}
		if right < n {
			records[i].Children = append(records[i].Children, records[right].ID)
		}
		if i+1 < n {
			records[i].References = append(records[i].References, records[i+1].ID)
		}
	}
	return records
}

const testHash1 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const testHash2 = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func TestImportFourPhases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	records := makeRecords(250)

	var progressPhases []string
	opts := DefaultOptions()
	opts.BatchSize = 100
	opts.Progress = func(p Progress) {
		progressPhases = append(progressPhases, p.Phase)
		if p.CurrentBatch < 1 || p.CurrentBatch > p.TotalBatches {
			t.Errorf("batch %d/%d out of range", p.CurrentBatch, p.TotalBatches)
		}
		if p.ElapsedMS < 0 || p.ETAMS < -1 {
			t.Errorf("implausible timing: elapsed %d, eta %d", p.ElapsedMS, p.ETAMS)
		}
	}

	imp := New(store, opts, zerolog.Nop())
	result, err := imp.Run(ctx, "dataset.jsonl", testHash1, records)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Nodes.Imported != 250 {
		t.Errorf("nodes imported = %d, want 250", result.Nodes.Imported)
	}
	if result.Hierarchy.Imported != 249 {
		t.Errorf("edges imported = %d, want 249", result.Hierarchy.Imported)
	}
	if result.References.Imported != 249 {
		t.Errorf("references imported = %d, want 249", result.References.Imported)
	}
	if !result.IndexRebuilt {
		t.Error("search index was not rebuilt")
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected record errors: %v", result.Errors[0])
	}
	if result.PeakMemoryMB <= 0 {
		t.Error("peak memory not sampled")
	}

	// Every phase reported progress.
	joined := strings.Join(progressPhases, ",")
	for _, phase := range []string{"nodes", "hierarchy", "references"} {
		if !strings.Contains(joined, phase) {
			t.Errorf("no progress reported for phase %s", phase)
		}
	}

	// The import record is completed.
	rec, err := store.GetImportByHash(ctx, testHash1)
	if err != nil {
		t.Fatalf("GetImportByHash failed: %v", err)
	}
	if rec.Status != types.ImportCompleted {
		t.Fatalf("import status = %s, want completed", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	// Join rows tie every node to the run.
	var joins int
	if err := store.QueryRow(ctx,
		`SELECT COUNT(*) FROM node_imports WHERE import_id = ?`, rec.ID).Scan(&joins); err != nil {
		t.Fatalf("count join rows: %v", err)
	}
	if joins != 250 {
		t.Fatalf("node_imports rows = %d, want 250", joins)
	}

	// Search works over the imported content.
	hits, err := store.Search(ctx, "imported", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("imported nodes not searchable")
	}
}

func TestImportIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	records := makeRecords(120)

	imp := New(store, DefaultOptions(), zerolog.Nop())
	if _, err := imp.Run(ctx, "dataset.jsonl", testHash1, records); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	countAll := func() (int, int, int) {
		var nodes, edges, refs int
		if err := store.QueryRow(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
			t.Fatalf("count nodes: %v", err)
		}
		if err := store.QueryRow(ctx, `SELECT COUNT(*) FROM hierarchy_edges`).Scan(&edges); err != nil {
			t.Fatalf("count edges: %v", err)
		}
		if err := store.QueryRow(ctx, `SELECT COUNT(*) FROM node_references`).Scan(&refs); err != nil {
			t.Fatalf("count references: %v", err)
		}
		return nodes, edges, refs
	}

	n1, e1, r1 := countAll()
	result, err := imp.Run(ctx, "dataset.jsonl", testHash1, records)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	n2, e2, r2 := countAll()

	if n1 != n2 || e1 != e2 || r1 != r2 {
		t.Fatalf("second run changed row counts: (%d,%d,%d) -> (%d,%d,%d)", n1, e1, r1, n2, e2, r2)
	}
	// Duplicate skips still count as successes.
	if result.Nodes.Imported != 120 {
		t.Fatalf("second run nodes imported = %d, want 120", result.Nodes.Imported)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("second run recorded errors: %v", result.Errors[0])
	}
}

func TestImportContinueOnErrorRecordsFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := makeRecords(10)
	records[3].ID = "" // invalid: empty id
	records[7].ID = strings.Repeat("x", 150)

	imp := New(store, DefaultOptions(), zerolog.Nop())
	result, err := imp.Run(ctx, "dataset.jsonl", testHash1, records)
	if err != nil {
		t.Fatalf("Run with continue_on_error failed: %v", err)
	}
	if result.Nodes.Imported != 8 {
		t.Fatalf("nodes imported = %d, want 8", result.Nodes.Imported)
	}
	if result.Nodes.Errors != 2 || len(result.Errors) < 2 {
		t.Fatalf("record errors = %d (%d detailed), want 2", result.Nodes.Errors, len(result.Errors))
	}
	for _, re := range result.Errors[:2] {
		if re.Phase != "nodes" {
			t.Errorf("error phase = %s, want nodes", re.Phase)
		}
		if re.Index != 3 && re.Index != 7 {
			t.Errorf("error index = %d, want 3 or 7", re.Index)
		}
	}
}

func TestImportAbortsWhenContinueOnErrorOff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := makeRecords(10)
	records[4].ID = ""

	opts := DefaultOptions()
	opts.AbortOnError = true
	imp := New(store, opts, zerolog.Nop())

	_, err := imp.Run(ctx, "dataset.jsonl", testHash1, records)
	if err == nil {
		t.Fatal("Run succeeded with a bad record and continue_on_error off")
	}
	if !strings.Contains(err.Error(), "record 4") {
		t.Fatalf("error %q does not carry the record index", err)
	}

	// The whole batch rolled back.
	var nodes int
	if err := store.QueryRow(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		t.Fatalf("count nodes: %v", err)
	}
	if nodes != 0 {
		t.Fatalf("failed batch left %d nodes", nodes)
	}

	// The import record is marked failed with a message.
	rec, err := store.GetImportByHash(ctx, testHash1)
	if err != nil {
		t.Fatalf("GetImportByHash failed: %v", err)
	}
	if rec.Status != types.ImportFailed {
		t.Fatalf("import status = %s, want failed", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Fatal("failed import has no error message")
	}
}

func TestImportRestoresTuning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	imp := New(store, DefaultOptions(), zerolog.Nop())
	if _, err := imp.Run(ctx, "a.jsonl", testHash1, makeRecords(5)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var fk int
	if err := store.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("read foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatal("foreign keys left off after import")
	}

	// A second import can run (import mode fully released).
	if _, err := imp.Run(ctx, "b.jsonl", testHash2, makeRecords(5)); err != nil {
		t.Fatalf("follow-up Run failed: %v", err)
	}
}

func TestImportHierarchyOrderingMatchesChildLists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []types.SourceNode{
		{ID: "root", Name: "root", Children: []string{"b", "a", "c"}},
		{ID: "a", Name: "a"},
		{ID: "b", Name: "b"},
		{ID: "c", Name: "c"},
	}
	imp := New(store, DefaultOptions(), zerolog.Nop())
	if _, err := imp.Run(ctx, "order.jsonl", testHash1, records); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	children, err := store.Children(ctx, "root", true)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	got := make([]string, len(children))
	for i, c := range children {
		got[i] = c.ID
	}
	want := []string{"b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("imported order = %v, want %v", got, want)
		}
	}
}

func TestImportCancellationAtBatchBoundary(t *testing.T) {
	store := newTestStore(t)
	records := makeRecords(300)

	ctx, cancel := context.WithCancel(context.Background())
	opts := DefaultOptions()
	opts.BatchSize = 50
	batches := 0
	opts.Progress = func(p Progress) {
		batches++
		if batches == 2 {
			cancel()
		}
	}

	imp := New(store, opts, zerolog.Nop())
	_, err := imp.Run(ctx, "cancel.jsonl", testHash1, records)
	if err == nil {
		t.Fatal("cancelled import succeeded")
	}

	// Completed batches persist; the record is marked failed.
	var nodes int
	if qerr := store.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM nodes`).Scan(&nodes); qerr != nil {
		t.Fatalf("count nodes: %v", qerr)
	}
	if nodes == 0 || nodes == 300 {
		t.Fatalf("nodes after cancellation = %d, want a partial batch multiple", nodes)
	}

	rec, err := store.GetImportByHash(context.Background(), testHash1)
	if err != nil {
		t.Fatalf("GetImportByHash failed: %v", err)
	}
	if rec.Status != types.ImportFailed {
		t.Fatalf("import status = %s, want failed", rec.Status)
	}
}
