// Package executor bridges the engine to a database transaction API.
// Storage implementations issue every statement through an Executor so
// they never depend on a concrete driver.
package executor

import (
	"context"
	"fmt"
)

// TxFunc is the body of a transaction
type TxFunc[Tx any] func(ctx context.Context, tx Tx) error

// Executor runs statements inside transactions of type Tx.
//
// Transaction begins a transaction, calls fn, and commits when fn returns nil.
// It rolls back when fn returns an error or panics; a panic is re-raised after
// the rollback.
type Executor[Tx any] interface {
	Transaction(ctx context.Context, fn TxFunc[Tx]) error
	// Run executes a single statement and returns the number of affected rows
	Run(ctx context.Context, tx Tx, query string, params ...any) (int64, error)
	// Query executes a statement that returns rows
	Query(ctx context.Context, tx Tx, query string, params ...any) (Rows, error)
	// QueryPlaceholder returns the positional parameter for the zero-based index
	QueryPlaceholder(index int) string
}

// Rows is the cursor returned by Query. Callers must Close it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// TransactionError wraps a failure to begin, commit or roll back
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Transaction ops
const (
	OpBegin    = "begin"
	OpCommit   = "commit"
	OpRollback = "rollback"
)

// Placeholders returns count consecutive placeholders starting at offset,
// joined with commas.
func Placeholders[Tx any](e Executor[Tx], offset, count int) string {
	buf := make([]byte, 0, count*4)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, e.QueryPlaceholder(offset+i)...)
	}
	return string(buf)
}
