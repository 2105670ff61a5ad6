// Package storage defines the interface for node-graph storage backends
// and the error taxonomy they surface.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/nodeloom/nodeloom/internal/types"
)

// RunResult reports the outcome of a write statement.
type RunResult struct {
	Changes      int64
	LastInsertID int64
}

// Tx is the handle passed to a Transaction body. All operations issued
// through it share one database transaction.
//
// Transaction semantics:
//   - Begins with BEGIN IMMEDIATE to acquire the write lock on entry
//   - Commits when the body returns nil, rolls back on error or panic
//   - Nested Transaction calls fail fast with a transaction-state error
//   - Query and Run issued after rollback fail with a transaction-state
//     error; QueryRow is not checked and its Scan reports sql.ErrTxDone
type Tx interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Run(ctx context.Context, query string, args ...any) (RunResult, error)
}

// HealthReport summarizes the state of a store handle.
type HealthReport struct {
	Active        bool
	SchemaVersion int
	Issues        []string
	AverageQuery  time.Duration
	SlowQueries   int
}

// DBStats reports physical storage statistics.
type DBStats struct {
	SizeBytes int64
	PageCount int64
	FreePages int64
	TableRows map[string]int64
}

// Storage is the interface for node-graph storage backends.
type Storage interface {
	// Nodes
	CreateNode(ctx context.Context, node *types.Node) (*types.Node, error)
	GetNode(ctx context.Context, id string) (*types.Node, error)
	UpdateNode(ctx context.Context, id string, patch *types.NodePatch) (*types.Node, error)
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context, filter types.NodeFilter) ([]*types.Node, error)

	// Hierarchy edges
	CreateEdge(ctx context.Context, parentID, childID string, position *int) (*types.HierarchyEdge, error)
	RemoveEdge(ctx context.Context, parentID, childID string) (bool, error)
	RemoveAllEdges(ctx context.Context, nodeID string) (asParent, asChild int, err error)
	ReorderChildren(ctx context.Context, parentID string, order []string) error
	MoveNode(ctx context.Context, childID, newParentID string, position *int) error
	Children(ctx context.Context, parentID string, includeSystem bool) ([]*types.Node, error)
	Parents(ctx context.Context, childID string) ([]*types.Node, error)
	Roots(ctx context.Context, includeSystem bool) ([]*types.Node, error)
	Leaves(ctx context.Context, includeSystem bool) ([]*types.Node, error)
	Depth(ctx context.Context, id string) (int, error)
	AncestorPath(ctx context.Context, id string) ([]*types.Node, error)
	WouldCreateCycle(ctx context.Context, parentID, childID string) (bool, error)
	ValidateAndFixHierarchy(ctx context.Context) (orphaned, duplicates int, err error)

	// References
	CreateReference(ctx context.Context, ref *types.Reference) (*types.Reference, error)
	GetReference(ctx context.Context, id string) (*types.Reference, error)
	DeleteReference(ctx context.Context, id string) (bool, error)
	ListReferences(ctx context.Context, filter types.ReferenceFilter) ([]*types.Reference, error)

	// Search
	Search(ctx context.Context, query string, limit int) ([]*types.Node, error)
	RebuildSearchIndex(ctx context.Context) error

	// Stats
	NodeStats(ctx context.Context, id string) (*types.NodeStats, error)
	TouchNode(ctx context.Context, id string) error

	// Imports
	CreateImport(ctx context.Context, imp *types.Import) error
	UpdateImport(ctx context.Context, imp *types.Import) error
	GetImportByHash(ctx context.Context, fileHash string) (*types.Import, error)

	// Transactions and raw statement surface (used by the bulk importer)
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Run(ctx context.Context, query string, args ...any) (RunResult, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// Import-mode tuning: relaxes durability pragmas for bulk loads and
	// restores the configured ones afterwards.
	EnterImportMode(ctx context.Context) error
	LeaveImportMode(ctx context.Context) error

	// Lifecycle
	Health(ctx context.Context) (*HealthReport, error)
	Stats(ctx context.Context) (*DBStats, error)
	Backup(ctx context.Context, destPath string) error
	Optimize(ctx context.Context) error
	Close() error
	Path() string
}
