package storage

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed error taxonomy for the storage engine. Every
// error surfaced by the driver or graph ops carries exactly one code.
type ErrorCode string

const (
	// CodeConnection: the store could not be opened or the handle is gone.
	CodeConnection ErrorCode = "connection"
	// CodeQuery: malformed SQL or a runtime failure that is not a
	// constraint, schema, or transaction-state problem.
	CodeQuery ErrorCode = "query"
	// CodeConstraint: uniqueness, foreign-key, CHECK, or a semantic
	// invariant (cycle, self-parent, duplicate edge, unknown child).
	CodeConstraint ErrorCode = "constraint"
	// CodeSchemaVersion: migration checksum mismatch or an invalid
	// rollback target.
	CodeSchemaVersion ErrorCode = "schema_version"
	// CodeTxState: nested begin, commit on inactive, rollback twice, or
	// operations after rollback.
	CodeTxState ErrorCode = "transaction_state"
)

// Error is the typed error wrapper for the taxonomy. The original driver
// error is preserved via Unwrap.
type Error struct {
	Code ErrorCode
	Op   string // operation that failed, e.g. "create edge"
	SQL  string // offending statement, when applicable
	Err  error  // underlying cause
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.SQL != "":
		return fmt.Sprintf("%s: %s: %v (sql: %s)", e.Code, e.Op, e.Err, e.SQL)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// NewQueryError builds a query error that retains the offending SQL.
func NewQueryError(op, sql string, err error) *Error {
	return &Error{Code: CodeQuery, Op: op, SQL: sql, Err: err}
}

// ConstraintError builds a constraint violation with a semantic reason.
func ConstraintError(op, reason string) *Error {
	return &Error{Code: CodeConstraint, Op: op, Err: errors.New(reason)}
}

// CodeOf extracts the taxonomy code from err, or "" if err is not a
// storage error.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool { return CodeOf(err) == CodeConstraint }

// IsTxState reports whether err is a transaction-state error.
func IsTxState(err error) bool { return CodeOf(err) == CodeTxState }

// IsSchemaVersion reports whether err is a schema-version error.
func IsSchemaVersion(err error) bool { return CodeOf(err) == CodeSchemaVersion }

// ErrNotFound is returned by lookups for ids that do not exist.
var ErrNotFound = errors.New("not found")
