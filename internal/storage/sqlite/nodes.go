package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/types"
)

const nodeColumns = `id, name, content, doc_type, owner_id, created_at, updated_at,
	node_type, is_system_node, fields_json, metadata_json`

// scanNode scans one node row from either *sql.Row or *sql.Rows.
func scanNode(scan func(dest ...any) error) (*types.Node, error) {
	var n types.Node
	var isSystem int
	err := scan(&n.ID, &n.Name, &n.Content, &n.DocType, &n.OwnerID,
		&n.CreatedAt, &n.UpdatedAt, &n.NodeType, &isSystem,
		&n.FieldsJSON, &n.MetadataJSON)
	if err != nil {
		return nil, err
	}
	n.IsSystemNode = isSystem != 0
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateNode validates and inserts a node, returning the stored row.
// Defaults: node_type "node", empty JSON objects for fields and metadata,
// timestamps set to now when zero.
func (s *Store) CreateNode(ctx context.Context, node *types.Node) (*types.Node, error) {
	if node.NodeType == "" {
		node.NodeType = types.NodeTypeNode
	}
	if node.FieldsJSON == "" {
		node.FieldsJSON = "{}"
	}
	if node.MetadataJSON == "" {
		node.MetadataJSON = "{}"
	}
	if err := node.Validate(); err != nil {
		return nil, storage.NewError(storage.CodeConstraint, "create node", err)
	}

	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = node.CreatedAt
	}

	if node.OwnerID != nil {
		exists, err := s.nodeExists(ctx, *node.OwnerID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, storage.ConstraintError("create node",
				fmt.Sprintf("owner node %s does not exist", *node.OwnerID))
		}
	}

	_, err := s.Run(ctx, `
		INSERT INTO nodes (id, name, content, doc_type, owner_id, created_at, updated_at,
			node_type, is_system_node, fields_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.Name, node.Content, node.DocType, node.OwnerID,
		node.CreatedAt, node.UpdatedAt, string(node.NodeType),
		boolToInt(node.IsSystemNode), node.FieldsJSON, node.MetadataJSON)
	if err != nil {
		if storage.IsConstraint(err) && strings.Contains(err.Error(), "UNIQUE") {
			return nil, storage.ConstraintError("create node",
				fmt.Sprintf("node %s already exists", node.ID))
		}
		return nil, err
	}

	return s.GetNode(ctx, node.ID)
}

func (s *Store) nodeExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.QueryRow(ctx, `SELECT COUNT(*) FROM nodes WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, mapError("node exists", "nodes", err)
	}
	return n > 0, nil
}

// GetNode fetches one node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*types.Node, error) {
	row := s.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("get node", "nodes", err)
	}
	return node, nil
}

// UpdateNode applies a partial update. Only provided fields change; id and
// created_at never do. updated_at is always refreshed.
func (s *Store) UpdateNode(ctx context.Context, id string, patch *types.NodePatch) (*types.Node, error) {
	if patch == nil {
		return s.GetNode(ctx, id)
	}
	if err := patch.Validate(); err != nil {
		return nil, storage.NewError(storage.CodeConstraint, "update node", err)
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.DocType != nil {
		add("doc_type", *patch.DocType)
	}
	if patch.OwnerID != nil {
		if *patch.OwnerID == "" {
			add("owner_id", nil)
		} else {
			exists, err := s.nodeExists(ctx, *patch.OwnerID)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, storage.ConstraintError("update node",
					fmt.Sprintf("owner node %s does not exist", *patch.OwnerID))
			}
			add("owner_id", *patch.OwnerID)
		}
	}
	if patch.NodeType != nil {
		add("node_type", string(*patch.NodeType))
	}
	if patch.IsSystemNode != nil {
		add("is_system_node", boolToInt(*patch.IsSystemNode))
	}
	if patch.FieldsJSON != nil {
		add("fields_json", *patch.FieldsJSON)
	}
	if patch.MetadataJSON != nil {
		add("metadata_json", *patch.MetadataJSON)
	}

	args = append(args, id)
	res, err := s.Run(ctx, `UPDATE nodes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if res.Changes == 0 {
		return nil, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}
	return s.GetNode(ctx, id)
}

// DeleteNode removes a node. Hierarchy edges, references, stats, and
// import join rows cascade; owned nodes get a null owner.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.Run(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// listNodesSortColumns whitelists ORDER BY targets.
var listNodesSortColumns = map[string]string{
	"":           "id",
	"id":         "id",
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ListNodes returns nodes matching the filter with bounded pagination.
func (s *Store) ListNodes(ctx context.Context, filter types.NodeFilter) ([]*types.Node, error) {
	var where []string
	var args []any

	if filter.OwnerID != nil {
		where = append(where, "owner_id = ?")
		args = append(args, *filter.OwnerID)
	}
	if filter.NodeType != "" {
		where = append(where, "node_type = ?")
		args = append(args, string(filter.NodeType))
	}
	if filter.DocType != "" {
		where = append(where, "doc_type = ?")
		args = append(args, filter.DocType)
	}
	if !filter.IncludeSystem {
		where = append(where, "is_system_node = 0")
	}

	sortCol, ok := listNodesSortColumns[filter.SortBy]
	if !ok {
		return nil, storage.NewError(storage.CodeQuery, "list nodes",
			fmt.Errorf("invalid sort column %q", filter.SortBy))
	}
	dir := "ASC"
	if filter.SortDesc {
		dir = "DESC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY %s %s LIMIT ? OFFSET ?`, sortCol, dir)
	args = append(args, limit, offset)

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []*types.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, mapError("list nodes", "nodes", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list nodes", "nodes", err)
	}
	return nodes, nil
}
