package migrations

// performanceIndexes adds the composite and filter indexes the graph and
// import paths lean on once datasets grow past toy size. Rolling back to
// version 1 drops only indexes; the table set is unchanged.
func performanceIndexes() Migration {
	return Migration{
		Version:     2,
		Description: "performance indexes for graph traversal and import lookups",
		Up: []string{
			`CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(owner_id)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(node_type)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_system ON nodes(is_system_node)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_created_at ON nodes(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_updated_at ON nodes(updated_at)`,
			`CREATE INDEX IF NOT EXISTS idx_hierarchy_parent_position ON hierarchy_edges(parent_id, position)`,
			`CREATE INDEX IF NOT EXISTS idx_hierarchy_child_parent ON hierarchy_edges(child_id, parent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_references_source_type ON node_references(source_id, reference_type)`,
			`CREATE INDEX IF NOT EXISTS idx_references_target_type ON node_references(target_id, reference_type)`,
			`CREATE INDEX IF NOT EXISTS idx_imports_status ON imports(status)`,
			`CREATE INDEX IF NOT EXISTS idx_node_imports_import ON node_imports(import_id)`,
		},
		Down: []string{
			`DROP INDEX IF EXISTS idx_node_imports_import`,
			`DROP INDEX IF EXISTS idx_imports_status`,
			`DROP INDEX IF EXISTS idx_references_target_type`,
			`DROP INDEX IF EXISTS idx_references_source_type`,
			`DROP INDEX IF EXISTS idx_hierarchy_child_parent`,
			`DROP INDEX IF EXISTS idx_hierarchy_parent_position`,
			`DROP INDEX IF EXISTS idx_nodes_updated_at`,
			`DROP INDEX IF EXISTS idx_nodes_created_at`,
			`DROP INDEX IF EXISTS idx_nodes_system`,
			`DROP INDEX IF EXISTS idx_nodes_type`,
			`DROP INDEX IF EXISTS idx_nodes_owner`,
		},
	}
}
