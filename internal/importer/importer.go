// Package importer drives the four-phase bulk ingestion of source-node
// records: nodes, hierarchy edges, references, then a search index
// rebuild.
package importer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/types"
)

// Options tunes one import run.
type Options struct {
	// BatchSize is the number of rows per transaction. Default 1000.
	BatchSize int
	// AbortOnError fails the batch on the first bad record. The default
	// (false) records per-record failures and proceeds.
	AbortOnError bool
	// MemoryLimitMB triggers a GC hint when the sampled heap exceeds it.
	// Default 100. The gate is advisory: it never fails the import.
	MemoryLimitMB int
	// Progress, when set, is called after every batch.
	Progress func(Progress)
}

// DefaultOptions are the documented defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:     1000,
		MemoryLimitMB: 100,
	}
}

// RecordError is one failed record, retained when the run continues past
// failures.
type RecordError struct {
	Phase   string
	Index   int
	NodeID  string
	Message string
}

// PhaseCounts aggregates one phase's outcome. Imported counts successful
// inserts and duplicate skips alike.
type PhaseCounts struct {
	Imported int
	Errors   int
}

// Result aggregates a whole run.
type Result struct {
	ImportID     string
	Nodes        PhaseCounts
	Hierarchy    PhaseCounts
	References   PhaseCounts
	IndexRebuilt bool
	Duration     time.Duration
	PeakMemoryMB float64
	Errors       []RecordError
}

// Importer runs bulk imports against one store.
type Importer struct {
	store storage.Storage
	opts  Options
	log   zerolog.Logger
}

// New creates an importer. Zero option fields fall back to defaults.
func New(store storage.Storage, opts Options, logger zerolog.Logger) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.MemoryLimitMB <= 0 {
		opts.MemoryLimitMB = 100
	}
	return &Importer{store: store, opts: opts, log: logger}
}

// Run ingests the record stream under the given source identity. Re-runs
// on the same file hash are safe: every phase inserts with ignore-on-
// conflict, so duplicates count as successes and change nothing.
//
// Cancellation is honored at batch boundaries; completed batches persist
// and the import record is marked failed.
func (imp *Importer) Run(ctx context.Context, filename, fileHash string, records []types.SourceNode) (*Result, error) {
	start := time.Now()
	result := &Result{}

	rec, err := imp.ensureImportRecord(ctx, filename, fileHash, len(records))
	if err != nil {
		return nil, err
	}
	result.ImportID = rec.ID

	if err := imp.store.EnterImportMode(ctx); err != nil {
		return nil, err
	}
	defer func() {
		// Restore normal tuning even on failure; losing the relaxed
		// pragmas matters more than the extra ANALYZE.
		if err := imp.store.LeaveImportMode(context.WithoutCancel(ctx)); err != nil {
			imp.log.Warn().Err(err).Msg("failed to restore tuning after import")
		}
	}()

	runErr := imp.runPhases(ctx, rec, records, result, start)

	result.Duration = time.Since(start)
	now := time.Now().UTC()
	rec.CompletedAt = &now
	rec.NodeCount = result.Nodes.Imported
	if runErr != nil {
		rec.Status = types.ImportFailed
		rec.ErrorMessage = runErr.Error()
	} else {
		rec.Status = types.ImportCompleted
	}
	if err := imp.store.UpdateImport(context.WithoutCancel(ctx), rec); err != nil {
		imp.log.Warn().Err(err).Str("import_id", rec.ID).Msg("failed to update import record")
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (imp *Importer) runPhases(ctx context.Context, rec *types.Import, records []types.SourceNode, result *Result, start time.Time) error {
	if err := imp.phaseNodes(ctx, rec.ID, records, result, start); err != nil {
		return fmt.Errorf("phase nodes: %w", err)
	}
	if err := imp.phaseHierarchy(ctx, records, result, start); err != nil {
		return fmt.Errorf("phase hierarchy: %w", err)
	}
	if err := imp.phaseReferences(ctx, records, result, start); err != nil {
		return fmt.Errorf("phase references: %w", err)
	}

	// Phase 4: the index is optional; a rebuild failure is logged, not
	// surfaced.
	if err := imp.store.RebuildSearchIndex(ctx); err != nil {
		imp.log.Warn().Err(err).Msg("search index rebuild failed")
	} else {
		result.IndexRebuilt = true
	}
	return nil
}

// ensureImportRecord creates the imports row, or reuses the existing one
// when the same file hash was imported before.
func (imp *Importer) ensureImportRecord(ctx context.Context, filename, fileHash string, count int) (*types.Import, error) {
	existing, err := imp.store.GetImportByHash(ctx, fileHash)
	if err == nil {
		existing.Status = types.ImportProcessing
		existing.CompletedAt = nil
		existing.ErrorMessage = ""
		if err := imp.store.UpdateImport(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rec := &types.Import{
		ID:        uuid.NewString(),
		Filename:  filename,
		FileHash:  fileHash,
		NodeCount: count,
		StartedAt: time.Now().UTC(),
		Status:    types.ImportProcessing,
	}
	if err := imp.store.CreateImport(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Phase 1: insert the nodes themselves, plus the node_imports join rows.
func (imp *Importer) phaseNodes(ctx context.Context, importID string, records []types.SourceNode, result *Result, start time.Time) error {
	total := len(records)
	counts := &result.Nodes
	return imp.runBatches(ctx, "nodes", total, start, result, counts, func(ctx context.Context, tx storage.Tx, lo, hi int) error {
		now := time.Now().UTC()
		for i := lo; i < hi; i++ {
			r := records[i]
			node := types.Node{
				ID:           r.ID,
				Name:         r.Name,
				Content:      r.Content,
				NodeType:     r.NodeType,
				IsSystemNode: r.IsSystem,
				FieldsJSON:   r.Fields,
				MetadataJSON: r.Metadata,
			}
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
				if recErr := imp.recordError(result, counts, "nodes", i, r.ID, err); recErr != nil {
					return recErr
				}
				continue
			}

			var docType any
			if r.DocType != "" {
				docType = r.DocType
			}
			isSystem := 0
			if node.IsSystemNode {
				isSystem = 1
			}
			// Duplicate ids are no-op skips: both count as success.
			_, err := tx.Run(ctx, `
				INSERT INTO nodes (id, name, content, doc_type, created_at, updated_at,
					node_type, is_system_node, fields_json, metadata_json)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`,
				node.ID, node.Name, node.Content, docType, now, now,
				string(node.NodeType), isSystem,
				node.FieldsJSON, node.MetadataJSON)
			if err != nil {
				if recErr := imp.recordError(result, counts, "nodes", i, r.ID, err); recErr != nil {
					return recErr
				}
				continue
			}
			if _, err := tx.Run(ctx, `
				INSERT INTO node_imports (node_id, import_id)
				VALUES (?, ?)
				ON CONFLICT(node_id, import_id) DO NOTHING`,
				node.ID, importID); err != nil {
				if recErr := imp.recordError(result, counts, "nodes", i, r.ID, err); recErr != nil {
					return recErr
				}
				continue
			}
			counts.Imported++
		}
		return nil
	})
}

// Phase 2: hierarchy edges from each record's children, positioned by
// list index. The circular-check trigger guards against bad input.
func (imp *Importer) phaseHierarchy(ctx context.Context, records []types.SourceNode, result *Result, start time.Time) error {
	type edge struct {
		parent string
		child  string
		pos    int
		index  int
	}
	var edges []edge
	for i, r := range records {
		for pos, child := range r.Children {
			edges = append(edges, edge{parent: r.ID, child: child, pos: pos, index: i})
		}
	}

	counts := &result.Hierarchy
	return imp.runBatches(ctx, "hierarchy", len(edges), start, result, counts, func(ctx context.Context, tx storage.Tx, lo, hi int) error {
		now := time.Now().UTC()
		for i := lo; i < hi; i++ {
			e := edges[i]
			_, err := tx.Run(ctx, `
				INSERT INTO hierarchy_edges (id, parent_id, child_id, position, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(parent_id, child_id) DO NOTHING`,
				uuid.NewString(), e.parent, e.child, e.pos, now)
			if err != nil {
				if recErr := imp.recordError(result, counts, "hierarchy", e.index, e.parent, err); recErr != nil {
					return recErr
				}
				continue
			}
			counts.Imported++
		}
		return nil
	})
}

// Phase 3: references from each record's reference list, typed "mention".
func (imp *Importer) phaseReferences(ctx context.Context, records []types.SourceNode, result *Result, start time.Time) error {
	type ref struct {
		source string
		target string
		index  int
	}
	var refs []ref
	for i, r := range records {
		for _, target := range r.References {
			refs = append(refs, ref{source: r.ID, target: target, index: i})
		}
	}

	counts := &result.References
	return imp.runBatches(ctx, "references", len(refs), start, result, counts, func(ctx context.Context, tx storage.Tx, lo, hi int) error {
		now := time.Now().UTC()
		for i := lo; i < hi; i++ {
			r := refs[i]
			if r.source == r.target {
				if recErr := imp.recordError(result, counts, "references", r.index, r.source,
					errors.New("reference cannot link a node to itself")); recErr != nil {
					return recErr
				}
				continue
			}
			_, err := tx.Run(ctx, `
				INSERT INTO node_references (id, source_id, target_id, reference_type, created_at)
				VALUES (?, ?, ?, 'mention', ?)
				ON CONFLICT(source_id, target_id, reference_type) DO NOTHING`,
				uuid.NewString(), r.source, r.target, now)
			if err != nil {
				if recErr := imp.recordError(result, counts, "references", r.index, r.source, err); recErr != nil {
					return recErr
				}
				continue
			}
			counts.Imported++
		}
		return nil
	})
}

// recordError applies the error policy: retain and continue, or abort the
// batch by propagating.
func (imp *Importer) recordError(result *Result, counts *PhaseCounts, phase string, index int, nodeID string, err error) error {
	if imp.opts.AbortOnError {
		return fmt.Errorf("record %d (%s): %w", index, nodeID, err)
	}
	counts.Errors++
	result.Errors = append(result.Errors, RecordError{
		Phase:   phase,
		Index:   index,
		NodeID:  nodeID,
		Message: err.Error(),
	})
	return nil
}

// runBatches chunks [0, total) into batches, runs each as one transaction,
// then samples memory and reports progress. Batch boundaries are the
// cancellation points.
func (imp *Importer) runBatches(ctx context.Context, phase string, total int, start time.Time, result *Result, counts *PhaseCounts, body func(ctx context.Context, tx storage.Tx, lo, hi int) error) error {
	if total == 0 {
		imp.report(phase, 0, 0, 0, 1, 0, start, result)
		return nil
	}

	batches := (total + imp.opts.BatchSize - 1) / imp.opts.BatchSize
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("import cancelled at batch %d/%d: %w", b+1, batches, err)
		}

		lo := b * imp.opts.BatchSize
		hi := lo + imp.opts.BatchSize
		if hi > total {
			hi = total
		}

		err := imp.store.Transaction(ctx, func(tx storage.Tx) error {
			return body(ctx, tx, lo, hi)
		})
		if err != nil {
			return err
		}

		mem := imp.sampleMemory(result)
		imp.report(phase, total, hi, b, batches, mem, start, result)
	}
	return nil
}

// sampleMemory reads the heap, tracks the peak, and hints the collector
// when the gate trips. Hosts without heap stats would report 0 and turn
// the gate into a no-op; the Go runtime always reports.
func (imp *Importer) sampleMemory(result *Result) float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	mb := float64(ms.HeapAlloc) / (1024 * 1024)
	if mb > result.PeakMemoryMB {
		result.PeakMemoryMB = mb
	}
	if mb > float64(imp.opts.MemoryLimitMB) {
		runtime.GC()
	}
	return mb
}

func (imp *Importer) report(phase string, total, processed, batchIndex, totalBatches int, memMB float64, start time.Time, result *Result) {
	if imp.opts.Progress == nil {
		return
	}
	elapsed := time.Since(start)
	eta := time.Duration(0)
	if totalBatches > 0 {
		eta = elapsed/time.Duration(batchIndex+1)*time.Duration(totalBatches) - elapsed
	}
	imp.opts.Progress(Progress{
		Phase:        phase,
		Total:        total,
		Processed:    processed,
		Errors:       len(result.Errors),
		CurrentBatch: batchIndex + 1,
		TotalBatches: totalBatches,
		MemMB:        memMB,
		ElapsedMS:    elapsed.Milliseconds(),
		ETAMS:        eta.Milliseconds(),
	})
}
