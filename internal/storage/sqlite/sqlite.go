// Package sqlite implements the node-graph storage engine on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/nodeloom/nodeloom/internal/config"
	"github.com/nodeloom/nodeloom/internal/storage"
	"github.com/nodeloom/nodeloom/internal/storage/sqlite/migrations"
)

// Store is the SQLite storage engine handle. One Store owns one database
// file (or one private in-memory database) and serializes writes through
// the transaction manager.
type Store struct {
	db   *sql.DB
	cfg  *config.Config
	path string
	log  zerolog.Logger
	rec  *Recorder

	// flock guards file-backed databases against a second process-level
	// writer handle. In-memory databases are private per Store.
	flk *flock.Flock

	stmtMu sync.RWMutex
	stmts  map[string]*sql.Stmt

	txMu     sync.Mutex
	txActive bool

	importMu     sync.Mutex
	importActive bool

	closeMu sync.Mutex
	closed  bool
}

var _ storage.Storage = (*Store)(nil)

// New opens a store for the given configuration. Tuning pragmas are
// encoded into the DSN so every pooled connection carries them before any
// transaction begins. The schema is NOT migrated here; call
// NewMigrator(store).Migrate to advance it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, storage.NewError(storage.CodeConnection, "validate config", err)
	}

	s := &Store{
		cfg:   cfg,
		path:  cfg.Path,
		log:   logger,
		rec:   NewRecorder(logger),
		stmts: make(map[string]*sql.Stmt),
	}

	if !cfg.IsMemory() {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, storage.NewError(storage.CodeConnection, "create database directory", err)
			}
		}
		if !cfg.ReadOnly {
			s.flk = flock.New(cfg.Path + ".lock")
			locked, err := s.flk.TryLock()
			if err != nil {
				return nil, storage.NewError(storage.CodeConnection, "acquire database lock", err)
			}
			if !locked {
				return nil, storage.NewError(storage.CodeConnection, "acquire database lock",
					fmt.Errorf("database %s is locked by another process", cfg.Path))
			}
		}
	}

	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		s.releaseLock()
		return nil, storage.NewError(storage.CodeConnection, "open database", err)
	}

	if cfg.IsMemory() {
		// A pooled second connection would see its own empty private
		// memory database, so the pool is pinned to one connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		s.releaseLock()
		return nil, storage.NewError(storage.CodeConnection, "ping database", err)
	}

	s.db = db
	return s, nil
}

// dsn builds the driver DSN: path plus tuning pragmas as _pragma query
// parameters, applied by the driver on every new connection.
func (s *Store) dsn() string {
	var b strings.Builder
	if s.cfg.IsMemory() {
		b.WriteString("file::memory:?mode=memory")
	} else {
		b.WriteString("file:")
		b.WriteString(s.cfg.Path)
		if s.cfg.ReadOnly {
			b.WriteString("?mode=ro")
		} else {
			b.WriteString("?mode=rwc")
		}
	}

	// BEGIN IMMEDIATE on every write transaction: fail fast on contention
	// instead of upgrading a read lock mid-transaction.
	b.WriteString("&_txlock=immediate")

	if s.cfg.TimeoutMS > 0 {
		fmt.Fprintf(&b, "&_pragma=busy_timeout(%d)", s.cfg.TimeoutMS)
	}

	// Deterministic pragma order keeps DSNs stable across opens.
	keys := make([]string, 0, len(s.cfg.Pragmas))
	for k := range s.cfg.Pragmas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "&_pragma=%s(%s)", k, url.QueryEscape(fmt.Sprintf("%v", s.cfg.Pragmas[k])))
	}
	return b.String()
}

func (s *Store) releaseLock() {
	if s.flk != nil {
		_ = s.flk.Unlock()
	}
}

// prepare returns a cached prepared statement for the SQL text, preparing
// it once per Store. The bulk paths rely on this amortization.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	stmt, ok := s.stmts[query]
	s.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// Query executes a read statement through the pool (autocommit) and
// records its timing.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, mapError("prepare", query, err)
	}
	start := time.Now()
	rows, err := stmt.QueryContext(ctx, args...)
	s.observe(query, time.Since(start), 0, err)
	if err != nil {
		return nil, mapError("query", query, err)
	}
	return rows, nil
}

// QueryRow executes a single-row read statement.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		// Fall back to the unprepared path; Scan will surface the error.
		return s.db.QueryRowContext(ctx, query, args...)
	}
	start := time.Now()
	row := stmt.QueryRowContext(ctx, args...)
	s.observe(query, time.Since(start), 0, nil)
	return row
}

// Run executes a write statement through the pool (autocommit) and
// records its timing and affected rows.
func (s *Store) Run(ctx context.Context, query string, args ...any) (storage.RunResult, error) {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return storage.RunResult{}, mapError("prepare", query, err)
	}
	start := time.Now()
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		s.observe(query, time.Since(start), 0, err)
		return storage.RunResult{}, mapError("run", query, err)
	}
	changes, _ := res.RowsAffected()
	last, _ := res.LastInsertId()
	s.observe(query, time.Since(start), changes, nil)
	return storage.RunResult{Changes: changes, LastInsertID: last}, nil
}

// observe feeds the recorder with one executed statement.
func (s *Store) observe(query string, d time.Duration, rows int64, err error) {
	op, table := classifyStatement(query)
	s.rec.Record(QueryRecord{SQL: query, Duration: d, Rows: rows, At: time.Now(), Failed: err != nil})
	s.rec.Notify(QueryEvent{Type: op, Table: table, AffectedRows: rows, Duration: d})
}

// Recorder exposes the query recorder for subscriptions and metrics.
func (s *Store) Recorder() *Recorder { return s.rec }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Config returns the frozen configuration the store was opened with.
func (s *Store) Config() *config.Config { return s.cfg }

// DB exposes the underlying pool for extensions and tests. Direct access
// bypasses instrumentation; use with caution.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases prepared statements, the pool, and the process lock.
// Close is idempotent.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.stmtMu.Lock()
	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	s.stmts = map[string]*sql.Stmt{}
	s.stmtMu.Unlock()

	err := s.db.Close()
	s.releaseLock()
	if err != nil {
		return storage.NewError(storage.CodeConnection, "close database", err)
	}
	return nil
}

// Health reports handle liveness, schema version, integrity issues, and
// recorder metrics.
func (s *Store) Health(ctx context.Context) (*storage.HealthReport, error) {
	report := &storage.HealthReport{}
	if err := s.db.PingContext(ctx); err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("ping: %v", err))
		return report, nil
	}
	report.Active = true

	version, err := NewMigrator(s).CurrentVersion(ctx)
	if err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("schema version: %v", err))
	}
	report.SchemaVersion = version

	var check string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("quick_check: %v", err))
	} else if check != "ok" {
		report.Issues = append(report.Issues, "quick_check: "+check)
	}

	m := s.rec.Metrics()
	report.AverageQuery = m.AverageDuration
	report.SlowQueries = len(m.Slowest)
	return report, nil
}

// Stats reports physical database statistics: file size, page counts, and
// per-table row counts.
func (s *Store) Stats(ctx context.Context) (*storage.DBStats, error) {
	st := &storage.DBStats{TableRows: make(map[string]int64)}

	var pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, mapError("stats", "PRAGMA page_size", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&st.PageCount); err != nil {
		return nil, mapError("stats", "PRAGMA page_count", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&st.FreePages); err != nil {
		return nil, mapError("stats", "PRAGMA freelist_count", err)
	}
	st.SizeBytes = pageSize * st.PageCount

	for _, table := range migrations.RequiredTables {
		if table == "nodes_fts" {
			continue // virtual table; row count is not meaningful
		}
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, mapError("stats", table, err)
		}
		st.TableRows[table] = n
	}
	return st, nil
}

// Backup writes a consistent snapshot of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if s.cfg.IsMemory() && destPath == "" {
		return storage.NewError(storage.CodeQuery, "backup", fmt.Errorf("destination path required"))
	}
	if dir := filepath.Dir(destPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storage.NewError(storage.CodeQuery, "backup", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return mapError("backup", "VACUUM INTO", err)
	}
	return nil
}

// Optimize refreshes planner statistics and reclaims free pages when
// incremental vacuum is configured.
func (s *Store) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return mapError("optimize", "ANALYZE", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return mapError("optimize", "PRAGMA optimize", err)
	}
	if s.cfg.AutoVacuum {
		if _, err := s.db.ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
			return mapError("optimize", "PRAGMA incremental_vacuum", err)
		}
	}
	return nil
}

// importModePragmas relax durability for bulk loads. Foreign keys go off
// too: the import phases order nodes before edges and references, so
// referential validity holds by construction.
var importModePragmas = []string{
	"PRAGMA synchronous = OFF",
	"PRAGMA journal_mode = MEMORY",
	"PRAGMA cache_size = -64000",
	"PRAGMA foreign_keys = OFF",
}

// EnterImportMode applies the bulk-load pragmas and pins the pool to one
// connection so they take effect on the connection doing the work.
func (s *Store) EnterImportMode(ctx context.Context) error {
	s.importMu.Lock()
	defer s.importMu.Unlock()
	if s.importActive {
		return storage.NewError(storage.CodeTxState, "enter import mode",
			fmt.Errorf("import mode already active"))
	}

	s.db.SetMaxOpenConns(1)
	for _, p := range importModePragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return mapError("enter import mode", p, err)
		}
	}
	s.importActive = true
	s.log.Debug().Msg("import mode enabled")
	return nil
}

// LeaveImportMode restores the configured pragmas, refreshes planner
// statistics, and restores the pool size.
func (s *Store) LeaveImportMode(ctx context.Context) error {
	s.importMu.Lock()
	defer s.importMu.Unlock()
	if !s.importActive {
		return nil
	}

	restore := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA synchronous = %s", s.pragmaOr("synchronous", "NORMAL")),
		fmt.Sprintf("PRAGMA journal_mode = %s", s.pragmaOr("journal_mode", "WAL")),
		fmt.Sprintf("PRAGMA cache_size = %s", s.pragmaOr("cache_size", "-2000")),
	}
	for _, p := range restore {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return mapError("leave import mode", p, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return mapError("leave import mode", "ANALYZE", err)
	}

	if !s.cfg.IsMemory() {
		s.db.SetMaxOpenConns(s.cfg.MaxConnections)
	}
	s.importActive = false
	s.log.Debug().Msg("import mode disabled")
	return nil
}

func (s *Store) pragmaOr(key, fallback string) string {
	if v, ok := s.cfg.Pragmas[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

// classifyStatement derives the operation type and target table from the
// leading clauses of a statement.
func classifyStatement(query string) (op, table string) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "query", ""
	}

	switch strings.ToUpper(fields[0]) {
	case "INSERT":
		op = "insert"
	case "UPDATE":
		op = "update"
	case "DELETE":
		op = "delete"
	default:
		op = "query"
	}

	for i, f := range fields {
		if i+1 >= len(fields) {
			break
		}
		switch strings.ToUpper(f) {
		case "FROM", "INTO", "UPDATE", "JOIN":
			return op, cleanTableName(fields[i+1])
		case "TABLE":
			if i > 0 && strings.ToUpper(fields[i-1]) == "CREATE" {
				next := fields[i+1]
				// Skip IF NOT EXISTS.
				if strings.ToUpper(next) == "IF" && i+4 < len(fields) {
					next = fields[i+4]
				}
				return op, cleanTableName(next)
			}
		}
	}
	return op, ""
}

func cleanTableName(tok string) string {
	tok = strings.TrimLeft(tok, "\"'`(")
	tok = strings.TrimRight(tok, "\"'`),;")
	if i := strings.IndexByte(tok, '('); i >= 0 {
		tok = tok[:i]
	}
	return tok
}

// mapError wraps a driver error into the closed taxonomy, preserving the
// original message.
func mapError(op, query string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"),
		strings.Contains(msg, "NOT NULL constraint failed"),
		strings.Contains(msg, "constraint failed"),
		strings.Contains(msg, "circular hierarchy"):
		return &storage.Error{Code: storage.CodeConstraint, Op: op, SQL: query, Err: err}
	case strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "unable to open"),
		strings.Contains(msg, "disk I/O error"):
		return &storage.Error{Code: storage.CodeConnection, Op: op, Err: err}
	default:
		return &storage.Error{Code: storage.CodeQuery, Op: op, SQL: query, Err: err}
	}
}
