package migrations

// initialSchema creates the full table, trigger, and core index set.
// schema_versions is created here too: its absence defines version 0.
func initialSchema() Migration {
	up := []string{
		createSchemaVersionsTable,
		createNodesTable,
		createHierarchyEdgesTable,
		createNodeReferencesTable,
		createNodesFTSTable,
		createNodeStatsTable,
		createImportsTable,
		createNodeImportsTable,
		triggerNodesUpdateTimestamp,
		triggerHierarchyInsertStats,
		triggerHierarchyDeleteStats,
		triggerReferencesInsertStats,
		triggerReferencesDeleteStats,
		triggerFTSInsert,
		triggerFTSUpdate,
		triggerFTSDelete,
		triggerHierarchyCircularCheck,
	}
	up = append(up, coreIndexes...)

	down := []string{
		`DROP TRIGGER IF EXISTS hierarchy_circular_check`,
		`DROP TRIGGER IF EXISTS fts_delete`,
		`DROP TRIGGER IF EXISTS fts_update`,
		`DROP TRIGGER IF EXISTS fts_insert`,
		`DROP TRIGGER IF EXISTS references_delete_stats`,
		`DROP TRIGGER IF EXISTS references_insert_stats`,
		`DROP TRIGGER IF EXISTS hierarchy_delete_stats`,
		`DROP TRIGGER IF EXISTS hierarchy_insert_stats`,
		`DROP TRIGGER IF EXISTS nodes_update_timestamp`,
		`DROP INDEX IF EXISTS idx_references_target`,
		`DROP INDEX IF EXISTS idx_references_source`,
		`DROP INDEX IF EXISTS idx_hierarchy_child`,
		`DROP INDEX IF EXISTS idx_hierarchy_parent`,
		`DROP TABLE IF EXISTS node_imports`,
		`DROP TABLE IF EXISTS imports`,
		`DROP TABLE IF EXISTS node_stats`,
		`DROP TABLE IF EXISTS nodes_fts`,
		`DROP TABLE IF EXISTS node_references`,
		`DROP TABLE IF EXISTS hierarchy_edges`,
		`DROP TABLE IF EXISTS nodes`,
		`DROP TABLE IF EXISTS schema_versions`,
	}

	return Migration{
		Version:     1,
		Description: "initial schema: nodes, hierarchy, references, search index, stats, imports",
		Up:          up,
		Down:        down,
	}
}
