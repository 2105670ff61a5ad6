// Package migrations holds the declarative schema and the versioned
// migration definitions that create and evolve it.
package migrations

// RequiredTables is the complete table set a healthy database carries.
// Integrity verification asserts presence of every entry.
var RequiredTables = []string{
	"nodes",
	"hierarchy_edges",
	"node_references",
	"nodes_fts",
	"node_stats",
	"imports",
	"node_imports",
	"schema_versions",
}

// RequiredTriggers is the complete trigger set a healthy database carries.
var RequiredTriggers = []string{
	"nodes_update_timestamp",
	"hierarchy_insert_stats",
	"hierarchy_delete_stats",
	"references_insert_stats",
	"references_delete_stats",
	"fts_insert",
	"fts_update",
	"fts_delete",
	"hierarchy_circular_check",
}

// Table definitions. CHECK constraints encode the field limits so the
// database rejects what Go-side validation missed.

const createNodesTable = `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY CHECK(length(id) >= 1 AND length(id) <= 100),
    name TEXT NOT NULL DEFAULT '' CHECK(length(name) <= 1000),
    content TEXT NOT NULL DEFAULT '' CHECK(length(content) <= 1000000),
    doc_type TEXT CHECK(doc_type IS NULL OR length(doc_type) <= 100),
    owner_id TEXT REFERENCES nodes(id) ON DELETE SET NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    node_type TEXT NOT NULL DEFAULT 'node' CHECK(node_type IN ('node', 'field', 'reference')),
    is_system_node INTEGER NOT NULL DEFAULT 0,
    fields_json TEXT NOT NULL DEFAULT '{}' CHECK(json_valid(fields_json) AND length(fields_json) <= 100000),
    metadata_json TEXT NOT NULL DEFAULT '{}' CHECK(json_valid(metadata_json) AND length(metadata_json) <= 100000)
)`

const createHierarchyEdgesTable = `
CREATE TABLE IF NOT EXISTS hierarchy_edges (
    id TEXT PRIMARY KEY,
    parent_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    child_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    position INTEGER NOT NULL DEFAULT 0 CHECK(position >= 0),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(parent_id, child_id),
    CHECK(parent_id != child_id)
)`

const createNodeReferencesTable = `
CREATE TABLE IF NOT EXISTS node_references (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    target_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    reference_type TEXT NOT NULL DEFAULT 'reference' CHECK(length(reference_type) <= 50),
    context TEXT CHECK(context IS NULL OR length(context) <= 1000),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source_id, target_id, reference_type),
    CHECK(source_id != target_id)
)`

// Standalone FTS5 table kept in sync by triggers. Standalone (rather than
// external-content) keeps the sync triggers reliable across deletes.
const createNodesFTSTable = `
CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
    id UNINDEXED,
    name,
    content,
    tags
)`

const createNodeStatsTable = `
CREATE TABLE IF NOT EXISTS node_stats (
    node_id TEXT PRIMARY KEY REFERENCES nodes(id) ON DELETE CASCADE,
    access_count INTEGER NOT NULL DEFAULT 0 CHECK(access_count >= 0),
    reference_count INTEGER NOT NULL DEFAULT 0 CHECK(reference_count >= 0),
    child_count INTEGER NOT NULL DEFAULT 0 CHECK(child_count >= 0),
    depth_level INTEGER NOT NULL DEFAULT 0 CHECK(depth_level >= 0),
    last_accessed DATETIME,
    computed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const createImportsTable = `
CREATE TABLE IF NOT EXISTS imports (
    id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    file_hash TEXT NOT NULL UNIQUE CHECK(length(file_hash) = 64),
    node_count INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processing', 'completed', 'failed')),
    error_message TEXT,
    metadata_json TEXT NOT NULL DEFAULT '{}' CHECK(json_valid(metadata_json))
)`

const createNodeImportsTable = `
CREATE TABLE IF NOT EXISTS node_imports (
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    import_id TEXT NOT NULL REFERENCES imports(id) ON DELETE CASCADE,
    PRIMARY KEY (node_id, import_id)
)`

const createSchemaVersionsTable = `
CREATE TABLE IF NOT EXISTS schema_versions (
    version INTEGER PRIMARY KEY CHECK(version > 0),
    description TEXT NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    checksum TEXT NOT NULL CHECK(length(checksum) = 64)
)`

// Trigger definitions.

const triggerNodesUpdateTimestamp = `
CREATE TRIGGER IF NOT EXISTS nodes_update_timestamp
AFTER UPDATE ON nodes
WHEN NEW.updated_at = OLD.updated_at
BEGIN
    UPDATE nodes SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END`

const triggerHierarchyInsertStats = `
CREATE TRIGGER IF NOT EXISTS hierarchy_insert_stats
AFTER INSERT ON hierarchy_edges
BEGIN
    INSERT INTO node_stats (node_id, child_count, computed_at)
    VALUES (NEW.parent_id, 1, CURRENT_TIMESTAMP)
    ON CONFLICT(node_id) DO UPDATE SET
        child_count = child_count + 1,
        computed_at = CURRENT_TIMESTAMP;
END`

const triggerHierarchyDeleteStats = `
CREATE TRIGGER IF NOT EXISTS hierarchy_delete_stats
AFTER DELETE ON hierarchy_edges
BEGIN
    UPDATE node_stats SET
        child_count = MAX(child_count - 1, 0),
        computed_at = CURRENT_TIMESTAMP
    WHERE node_id = OLD.parent_id;
END`

const triggerReferencesInsertStats = `
CREATE TRIGGER IF NOT EXISTS references_insert_stats
AFTER INSERT ON node_references
BEGIN
    INSERT INTO node_stats (node_id, reference_count, computed_at)
    VALUES (NEW.target_id, 1, CURRENT_TIMESTAMP)
    ON CONFLICT(node_id) DO UPDATE SET
        reference_count = reference_count + 1,
        computed_at = CURRENT_TIMESTAMP;
END`

const triggerReferencesDeleteStats = `
CREATE TRIGGER IF NOT EXISTS references_delete_stats
AFTER DELETE ON node_references
BEGIN
    UPDATE node_stats SET
        reference_count = MAX(reference_count - 1, 0),
        computed_at = CURRENT_TIMESTAMP
    WHERE node_id = OLD.target_id;
END`

const triggerFTSInsert = `
CREATE TRIGGER IF NOT EXISTS fts_insert
AFTER INSERT ON nodes
BEGIN
    INSERT INTO nodes_fts (id, name, content, tags)
    VALUES (NEW.id, NEW.name, NEW.content, COALESCE(json_extract(NEW.fields_json, '$.tags'), ''));
END`

const triggerFTSUpdate = `
CREATE TRIGGER IF NOT EXISTS fts_update
AFTER UPDATE ON nodes
BEGIN
    UPDATE nodes_fts SET
        name = NEW.name,
        content = NEW.content,
        tags = COALESCE(json_extract(NEW.fields_json, '$.tags'), '')
    WHERE id = OLD.id;
END`

const triggerFTSDelete = `
CREATE TRIGGER IF NOT EXISTS fts_delete
AFTER DELETE ON nodes
BEGIN
    DELETE FROM nodes_fts WHERE id = OLD.id;
END`

// hierarchy_circular_check is the last line of defense against cycles.
// Graph ops detect cycles in user code first so callers get a semantic
// error; this trigger guards paths that bypass them.
const triggerHierarchyCircularCheck = `
CREATE TRIGGER IF NOT EXISTS hierarchy_circular_check
BEFORE INSERT ON hierarchy_edges
BEGIN
    SELECT CASE WHEN EXISTS (
        WITH RECURSIVE ancestors(id) AS (
            SELECT NEW.parent_id
            UNION
            SELECT h.parent_id FROM hierarchy_edges h
            JOIN ancestors a ON h.child_id = a.id
        )
        SELECT 1 FROM ancestors WHERE id = NEW.child_id
    ) THEN RAISE(ABORT, 'circular hierarchy') END;
END`

// Core indexes that ship with the initial schema. The heavier composite
// indexes arrive in migration 2.
var coreIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_hierarchy_parent ON hierarchy_edges(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_hierarchy_child ON hierarchy_edges(child_id)`,
	`CREATE INDEX IF NOT EXISTS idx_references_source ON node_references(source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_references_target ON node_references(target_id)`,
}
