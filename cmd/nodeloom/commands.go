package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeloom/nodeloom/internal/importer"
	"github.com/nodeloom/nodeloom/internal/log"
	"github.com/nodeloom/nodeloom/internal/storage/sqlite"
	"github.com/nodeloom/nodeloom/internal/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and migrate it to the latest schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		results, err := sqlite.NewMigrator(store).Migrate(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("applied migration %d: %s (%s)\n", r.Version, r.Description, r.Duration)
		}
		version, err := sqlite.NewMigrator(store).CurrentVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("database %s at schema version %d\n", store.Path(), version)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		m := sqlite.NewMigrator(store)
		results, err := m.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("schema is up to date")
			return nil
		}
		for _, r := range results {
			fmt.Printf("applied migration %d: %s\n", r.Version, r.Description)
		}
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll the schema back to a target version",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetInt("to")
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		results, err := sqlite.NewMigrator(store).RollbackTo(cmd.Context(), target)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("rolled back migration %d: %s\n", r.Version, r.Description)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bulk-import a JSONL file of source nodes",
	Long: `Bulk-import runs the four-phase pipeline: nodes, hierarchy edges,
references, search index rebuild. Each input line is one JSON source
node record:

  {"id":"n1","name":"Inbox","content":"...","children":["n2"],"references":["n3"]}

Re-importing the same file is safe: duplicates are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		memLimit, _ := cmd.Flags().GetInt("memory-limit")
		continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
		quiet, _ := cmd.Flags().GetBool("quiet")

		records, fileHash, err := readSourceNodes(args[0])
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if _, err := sqlite.NewMigrator(store).Migrate(cmd.Context()); err != nil {
			return err
		}

		opts := importer.Options{
			BatchSize:     batchSize,
			AbortOnError:  !continueOnError,
			MemoryLimitMB: memLimit,
		}
		if !quiet {
			opts.Progress = func(p importer.Progress) {
				fmt.Printf("\r%s: %d/%d (batch %d/%d, %.1f MB, eta %s)   ",
					p.Phase, p.Processed, p.Total, p.CurrentBatch, p.TotalBatches,
					p.MemMB, time.Duration(p.ETAMS)*time.Millisecond)
			}
		}

		imp := importer.New(store, opts, log.WithComponent("importer"))
		result, err := imp.Run(cmd.Context(), args[0], fileHash, records)
		if !quiet {
			fmt.Println()
		}
		if err != nil {
			return err
		}

		fmt.Printf("imported %d nodes, %d edges, %d references in %s (peak %.1f MB, %d errors)\n",
			result.Nodes.Imported, result.Hierarchy.Imported, result.References.Imported,
			result.Duration.Round(time.Millisecond), result.PeakMemoryMB, len(result.Errors))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over node names, content, and tags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		nodes, err := store.Search(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			fmt.Printf("%-20s  %s\n", n.ID, n.Name)
		}
		fmt.Printf("%d matches\n", len(nodes))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		st, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("size: %d bytes (%d pages, %d free)\n", st.SizeBytes, st.PageCount, st.FreePages)
		for table, rows := range st.TableRows {
			fmt.Printf("%-18s %d rows\n", table, rows)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check handle liveness, schema version, and integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		report, err := store.Health(cmd.Context())
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))

		integrity, err := sqlite.NewMigrator(store).VerifyIntegrity(cmd.Context())
		if err != nil {
			return err
		}
		if integrity.OK {
			fmt.Println("integrity: ok")
			return nil
		}
		for _, e := range integrity.Errors {
			fmt.Printf("integrity: %s\n", e)
		}
		return fmt.Errorf("integrity verification failed")
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Refresh planner statistics and reclaim free pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		if err := store.Optimize(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("optimized")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <dest>",
	Short: "Write a consistent snapshot of the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		if err := store.Backup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("backup written to %s\n", args[0])
		return nil
	},
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Repair orphaned and duplicate hierarchy edges",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		orphaned, duplicates, err := store.ValidateAndFixHierarchy(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d orphaned and %d duplicate edges\n", orphaned, duplicates)
		return nil
	},
}

func init() {
	rollbackCmd.Flags().Int("to", 0, "target schema version")
	importCmd.Flags().Int("batch-size", 1000, "records per transaction")
	importCmd.Flags().Int("memory-limit", 100, "heap gate in MB")
	importCmd.Flags().Bool("continue-on-error", true, "record per-record errors and continue")
	importCmd.Flags().Bool("quiet", false, "suppress progress output")
	searchCmd.Flags().Int("limit", 20, "max results")
}

// readSourceNodes parses a JSONL file into source records and computes
// the file's SHA-256 for import identity.
func readSourceNodes(path string) ([]types.SourceNode, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	scanner := bufio.NewScanner(io.TeeReader(f, hasher))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var records []types.SourceNode
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec types.SourceNode
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, "", fmt.Errorf("parse %s line %d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return records, hex.EncodeToString(hasher.Sum(nil)), nil
}
