package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nodeloom/nodeloom/internal/storage"
)

// Tx state machine. A transaction is active until committed or rolled
// back; operations against a finished transaction fail fast.
type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

// Tx is one write transaction. It is created by Store.Transaction and
// must not outlive the body it was passed to.
type Tx struct {
	tx    *sql.Tx
	store *Store
	state txState
}

var _ storage.Tx = (*Tx)(nil)

func (t *Tx) guard(op string) error {
	switch t.state {
	case txCommitted:
		return storage.NewError(storage.CodeTxState, op, fmt.Errorf("transaction already committed"))
	case txRolledBack:
		return storage.NewError(storage.CodeTxState, op, fmt.Errorf("transaction already rolled back"))
	}
	return nil
}

// Query executes a read statement inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := t.guard("query in transaction"); err != nil {
		return nil, err
	}
	stmt, err := t.store.prepare(ctx, query)
	if err != nil {
		return nil, mapError("prepare", query, err)
	}
	start := time.Now()
	rows, err := t.tx.StmtContext(ctx, stmt).QueryContext(ctx, args...)
	t.store.observe(query, time.Since(start), 0, err)
	if err != nil {
		return nil, mapError("query", query, err)
	}
	return rows, nil
}

// QueryRow executes a single-row read statement inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := t.store.prepare(ctx, query)
	if err != nil {
		return t.tx.QueryRowContext(ctx, query, args...)
	}
	start := time.Now()
	row := t.tx.StmtContext(ctx, stmt).QueryRowContext(ctx, args...)
	t.store.observe(query, time.Since(start), 0, nil)
	return row
}

// Run executes a write statement inside the transaction. Statements reuse
// the store's prepared-statement cache, so bulk loops do not re-parse SQL
// per row.
func (t *Tx) Run(ctx context.Context, query string, args ...any) (storage.RunResult, error) {
	if err := t.guard("run in transaction"); err != nil {
		return storage.RunResult{}, err
	}
	stmt, err := t.store.prepare(ctx, query)
	if err != nil {
		return storage.RunResult{}, mapError("prepare", query, err)
	}
	start := time.Now()
	res, err := t.tx.StmtContext(ctx, stmt).ExecContext(ctx, args...)
	if err != nil {
		t.store.observe(query, time.Since(start), 0, err)
		return storage.RunResult{}, mapError("run", query, err)
	}
	changes, _ := res.RowsAffected()
	last, _ := res.LastInsertId()
	t.store.observe(query, time.Since(start), changes, nil)
	return storage.RunResult{Changes: changes, LastInsertID: last}, nil
}

// Commit commits the transaction. Committing a finished transaction is a
// transaction-state error.
func (t *Tx) Commit() error {
	if err := t.guard("commit"); err != nil {
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return mapError("commit", "", err)
	}
	t.state = txCommitted
	return nil
}

// Rollback rolls the transaction back. Rolling back twice is a
// transaction-state error.
func (t *Tx) Rollback() error {
	if err := t.guard("rollback"); err != nil {
		return err
	}
	if err := t.tx.Rollback(); err != nil {
		return mapError("rollback", "", err)
	}
	t.state = txRolledBack
	return nil
}

// isBusy reports whether the error is SQLite lock contention worth
// retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// beginImmediate starts a write transaction, retrying SQLITE_BUSY with
// exponential backoff. The DSN's _txlock=immediate makes BeginTx take the
// write lock on entry.
func (s *Store) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	var tx *sql.Tx
	operation := func() error {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(10*time.Millisecond),
		), 5),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return tx, nil
}

// Transaction runs fn inside a single write transaction.
//
// Semantics:
//   - The write lock is acquired on entry (BEGIN IMMEDIATE)
//   - fn returning nil commits; an error or panic rolls back
//   - Nested Transaction calls on the same Store fail fast
//   - If fn finished the transaction itself (explicit Commit/Rollback),
//     the wrapper leaves that outcome alone
func (s *Store) Transaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.txMu.Lock()
	if s.txActive {
		s.txMu.Unlock()
		return storage.NewError(storage.CodeTxState, "begin transaction",
			fmt.Errorf("nested transactions are not supported"))
	}
	s.txActive = true
	s.txMu.Unlock()

	defer func() {
		s.txMu.Lock()
		s.txActive = false
		s.txMu.Unlock()
	}()

	raw, err := s.beginImmediate(ctx)
	if err != nil {
		return mapError("begin transaction", "", err)
	}
	tx := &Tx{tx: raw, store: s}

	defer func() {
		if p := recover(); p != nil {
			if tx.state == txActive {
				_ = tx.Rollback()
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if tx.state == txActive {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
			}
		}
		return err
	}

	if tx.state == txActive {
		return tx.Commit()
	}
	return nil
}
