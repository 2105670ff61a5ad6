// Package nodeloom provides the public API of the node-graph storage
// engine: an embedded SQLite store for outliner-style knowledge bases
// with ordered hierarchy, typed references, full-text search, and bulk
// import.
//
// Most callers open a store with Open, which also migrates its schema, and
// work through the Storage interface:
//
//	cfg, _ := nodeloom.PresetConfig(nodeloom.PresetTesting)
//	store, err := nodeloom.Open(ctx, cfg)
//	if err != nil { ... }
//	defer store.Close()
package nodeloom

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nodeloom/nodeloom/internal/config"
	"github.com/nodeloom/nodeloom/internal/importer"
	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/storage/sqlite"
	"github.com/nodeloom/nodeloom/internal/types"
)

// Core entity types.
type (
	Node          = types.Node
	NodePatch     = types.NodePatch
	HierarchyEdge = types.HierarchyEdge
	Reference     = types.Reference
	NodeStats     = types.NodeStats
	Import        = types.Import
	SourceNode    = types.SourceNode
	NodeFilter    = types.NodeFilter
)

// Storage is the interface for node-graph storage operations.
type Storage = storage.Storage

// Config is the effective database configuration.
type Config = config.Config

// Preset names for PresetConfig.
const (
	PresetDevelopment     = config.PresetDevelopment
	PresetProduction      = config.PresetProduction
	PresetTesting         = config.PresetTesting
	PresetHighPerformance = config.PresetHighPerformance
)

// PresetConfig returns the named preset's configuration.
func PresetConfig(name string) (*Config, error) {
	return config.Preset(name)
}

// ConfigFromEnv resolves the effective configuration from the environment
// (DATABASE_* variables over the NODE_ENV-selected preset).
func ConfigFromEnv() (*Config, error) {
	return config.FromEnv()
}

// Open opens a store and migrates its schema to the latest version.
func Open(ctx context.Context, cfg *Config) (Storage, error) {
	return OpenWithLogger(ctx, cfg, zerolog.Nop())
}

// OpenWithLogger is Open with an injected logger.
func OpenWithLogger(ctx context.Context, cfg *Config, logger zerolog.Logger) (Storage, error) {
	store, err := sqlite.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if _, err := sqlite.NewMigrator(store).Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// ImportOptions tunes a bulk import run.
type ImportOptions = importer.Options

// ImportResult aggregates a bulk import run.
type ImportResult = importer.Result

// ImportProgress is the per-batch progress snapshot.
type ImportProgress = importer.Progress

// RunImport executes the four-phase bulk import of records against store.
func RunImport(ctx context.Context, store Storage, filename, fileHash string, records []SourceNode, opts ImportOptions) (*ImportResult, error) {
	return importer.New(store, opts, zerolog.Nop()).Run(ctx, filename, fileHash, records)
}
