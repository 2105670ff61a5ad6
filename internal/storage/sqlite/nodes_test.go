package sqlite

import (
	"errors"
	"strings"
	"testing"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/types"
)

func TestCreateAndGetNode(t *testing.T) {
	env := newTestEnv(t)

	docType := "article"
	created, err := env.Store.CreateNode(env.Ctx, &types.Node{
		ID:         "n1",
		Name:       "First node",
		Content:    "Some content",
		DocType:    &docType,
		FieldsJSON: `{"tags": ["alpha", "beta"]}`,
	})
	if err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	if created.NodeType != types.NodeTypeNode {
		t.Fatalf("default node_type = %s, want node", created.NodeType)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatal("timestamps were not set")
	}

	got, err := env.Store.GetNode(env.Ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got.Name != "First node" || got.DocType == nil || *got.DocType != "article" {
		t.Fatalf("GetNode returned %+v", got)
	}
}

func TestCreateNodeDuplicateID(t *testing.T) {
	env := newTestEnv(t)
	env.CreateNode("dup")

	_, err := env.Store.CreateNode(env.Ctx, &types.Node{ID: "dup", Name: "again"})
	if !storage.IsConstraint(err) {
		t.Fatalf("duplicate id error = %v, want constraint violation", err)
	}
}

func TestCreateNodeBoundaryLengths(t *testing.T) {
	env := newTestEnv(t)

	// id length 1 succeeds; 0 and 101 fail.
	if _, err := env.Store.CreateNode(env.Ctx, &types.Node{ID: "x"}); err != nil {
		t.Fatalf("id length 1 rejected: %v", err)
	}
	if _, err := env.Store.CreateNode(env.Ctx, &types.Node{ID: ""}); !storage.IsConstraint(err) {
		t.Fatalf("empty id error = %v, want constraint violation", err)
	}
	if _, err := env.Store.CreateNode(env.Ctx, &types.Node{ID: strings.Repeat("a", 101)}); !storage.IsConstraint(err) {
		t.Fatalf("101-char id error = %v, want constraint violation", err)
	}

	// content of exactly 1,000,000 chars succeeds; one more fails.
	if _, err := env.Store.CreateNode(env.Ctx, &types.Node{
		ID: "big", Content: strings.Repeat("c", types.MaxContentLen),
	}); err != nil {
		t.Fatalf("max content rejected: %v", err)
	}
	if _, err := env.Store.CreateNode(env.Ctx, &types.Node{
		ID: "toobig", Content: strings.Repeat("c", types.MaxContentLen+1),
	}); !storage.IsConstraint(err) {
		t.Fatalf("oversize content error = %v, want constraint violation", err)
	}
}

func TestCreateNodeRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.CreateNode(env.Ctx, &types.Node{ID: "j", FieldsJSON: "{not json"})
	if !storage.IsConstraint(err) {
		t.Fatalf("invalid json error = %v, want constraint violation", err)
	}
}

func TestCreateNodeRejectsMissingOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := "ghost"
	_, err := env.Store.CreateNode(env.Ctx, &types.Node{ID: "n", OwnerID: &owner})
	if !storage.IsConstraint(err) {
		t.Fatalf("missing owner error = %v, want constraint violation", err)
	}
}

func TestUpdateNodePatchesOnlyProvidedFields(t *testing.T) {
	env := newTestEnv(t)
	node := env.CreateNode("u1")

	newName := "renamed"
	updated, err := env.Store.UpdateNode(env.Ctx, "u1", &types.NodePatch{Name: &newName})
	if err != nil {
		t.Fatalf("UpdateNode failed: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("name = %q, want renamed", updated.Name)
	}
	if updated.Content != node.Content {
		t.Fatalf("content changed by unrelated patch: %q", updated.Content)
	}
	if updated.CreatedAt != node.CreatedAt {
		t.Fatal("created_at changed by update")
	}
	if updated.UpdatedAt.Before(node.UpdatedAt) {
		t.Fatal("updated_at moved backwards")
	}
}

func TestUpdateNodeMissing(t *testing.T) {
	env := newTestEnv(t)
	name := "x"
	_, err := env.Store.UpdateNode(env.Ctx, "missing", &types.NodePatch{Name: &name})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("update missing node error = %v, want ErrNotFound", err)
	}
}

func TestDeleteNodeCascades(t *testing.T) {
	env := newTestEnv(t)

	// Node N with 3 children and 5 incoming references.
	env.CreateNode("N")
	for _, c := range []string{"c1", "c2", "c3"} {
		env.CreateNode(c)
		env.AddEdge("N", c)
	}
	sources := []string{"s1", "s2", "s3", "s4", "s5"}
	for _, s := range sources {
		env.CreateNode(s)
		env.AddReference(s, "N", "reference")
	}
	// One outgoing reference too, to check the source side cascades.
	env.AddReference("N", "c1", "reference")

	statsBefore, err := env.Store.NodeStats(env.Ctx, "c1")
	if err != nil {
		t.Fatalf("NodeStats failed: %v", err)
	}
	if statsBefore.ReferenceCount != 1 {
		t.Fatalf("c1 reference_count = %d, want 1", statsBefore.ReferenceCount)
	}

	if err := env.Store.DeleteNode(env.Ctx, "N"); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}

	var n int
	if err := env.Store.QueryRow(env.Ctx,
		`SELECT COUNT(*) FROM hierarchy_edges WHERE parent_id = 'N' OR child_id = 'N'`).Scan(&n); err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if n != 0 {
		t.Fatalf("edges involving N after delete = %d, want 0", n)
	}
	if err := env.Store.QueryRow(env.Ctx,
		`SELECT COUNT(*) FROM node_references WHERE source_id = 'N' OR target_id = 'N'`).Scan(&n); err != nil {
		t.Fatalf("count references: %v", err)
	}
	if n != 0 {
		t.Fatalf("references involving N after delete = %d, want 0", n)
	}
	if err := env.Store.QueryRow(env.Ctx,
		`SELECT COUNT(*) FROM node_stats WHERE node_id = 'N'`).Scan(&n); err != nil {
		t.Fatalf("count stats: %v", err)
	}
	if n != 0 {
		t.Fatal("stats row for N survived delete")
	}
	if err := env.Store.QueryRow(env.Ctx,
		`SELECT COUNT(*) FROM nodes_fts WHERE id = 'N'`).Scan(&n); err != nil {
		t.Fatalf("count fts: %v", err)
	}
	if n != 0 {
		t.Fatal("search index entry for N survived delete")
	}

	// c1 lost its incoming reference from N; the counter decremented.
	statsAfter, err := env.Store.NodeStats(env.Ctx, "c1")
	if err != nil {
		t.Fatalf("NodeStats failed: %v", err)
	}
	if statsAfter.ReferenceCount != 0 {
		t.Fatalf("c1 reference_count after cascade = %d, want 0", statsAfter.ReferenceCount)
	}
}

func TestDeleteNodeNullsOwner(t *testing.T) {
	env := newTestEnv(t)
	env.CreateNode("owner")
	owner := "owner"
	if _, err := env.Store.CreateNode(env.Ctx, &types.Node{ID: "owned", OwnerID: &owner}); err != nil {
		t.Fatalf("CreateNode with owner failed: %v", err)
	}

	if err := env.Store.DeleteNode(env.Ctx, "owner"); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	got, err := env.Store.GetNode(env.Ctx, "owned")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got.OwnerID != nil {
		t.Fatalf("owner_id after owner delete = %v, want nil", *got.OwnerID)
	}
}

func TestListNodesFiltersAndPagination(t *testing.T) {
	env := newTestEnv(t)
	env.CreateNodes("n", 5)
	if _, err := env.Store.CreateNode(env.Ctx, &types.Node{
		ID: "sys", NodeType: types.NodeTypeField, IsSystemNode: true,
	}); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}

	// System nodes are excluded by default.
	nodes, err := env.Store.ListNodes(env.Ctx, types.NodeFilter{SortBy: "id"})
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(nodes) != 5 {
		t.Fatalf("ListNodes = %d nodes, want 5", len(nodes))
	}

	nodes, err = env.Store.ListNodes(env.Ctx, types.NodeFilter{IncludeSystem: true, NodeType: types.NodeTypeField})
	if err != nil {
		t.Fatalf("ListNodes by type failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "sys" {
		t.Fatalf("type filter returned %v", nodeIDs(nodes))
	}

	page, err := env.Store.ListNodes(env.Ctx, types.NodeFilter{SortBy: "id", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListNodes page failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "n2" || page[1].ID != "n3" {
		t.Fatalf("page = %v, want [n2 n3]", nodeIDs(page))
	}

	if _, err := env.Store.ListNodes(env.Ctx, types.NodeFilter{SortBy: "evil; DROP"}); err == nil {
		t.Fatal("invalid sort column accepted")
	}
}
