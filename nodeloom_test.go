package nodeloom

import (
	"context"
	"testing"
)

func TestOpenMigratesAndServes(t *testing.T) {
	cfg, err := PresetConfig(PresetTesting)
	if err != nil {
		t.Fatalf("PresetConfig failed: %v", err)
	}
	cfg.Path = t.TempDir() + "/facade.db"
	cfg.Memory = false

	ctx := context.Background()
	store, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.CreateNode(ctx, &Node{ID: "hello", Name: "Hello"}); err != nil {
		t.Fatalf("CreateNode through facade failed: %v", err)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.SchemaVersion != 2 {
		t.Fatalf("schema version = %d, want 2", health.SchemaVersion)
	}
}

func TestRunImportThroughFacade(t *testing.T) {
	cfg, err := PresetConfig(PresetTesting)
	if err != nil {
		t.Fatalf("PresetConfig failed: %v", err)
	}
	cfg.Path = t.TempDir() + "/facade-import.db"
	cfg.Memory = false

	ctx := context.Background()
	store, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	records := []SourceNode{
		{ID: "p", Name: "parent", Children: []string{"c"}},
		{ID: "c", Name: "child", References: []string{"p"}},
	}
	hash := "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	result, err := RunImport(ctx, store, "tiny.jsonl", hash, records, ImportOptions{})
	if err != nil {
		t.Fatalf("RunImport failed: %v", err)
	}
	if result.Nodes.Imported != 2 || result.Hierarchy.Imported != 1 || result.References.Imported != 1 {
		t.Fatalf("import counts = %+v", result)
	}
}
