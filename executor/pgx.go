package executor

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGX runs transactions on a pgx connection pool
type PGX struct {
	pool *pgxpool.Pool
}

var _ Executor[pgx.Tx] = (*PGX)(nil)

// NewPGX creates an executor for pool
func NewPGX(pool *pgxpool.Pool) *PGX {
	return &PGX{pool: pool}
}

func (e *PGX) Transaction(ctx context.Context, fn TxFunc[pgx.Tx]) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return &TransactionError{Op: OpBegin, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, &TransactionError{Op: OpRollback, Err: rbErr})
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &TransactionError{Op: OpCommit, Err: err}
	}
	return nil
}

func (e *PGX) Run(ctx context.Context, tx pgx.Tx, query string, params ...any) (int64, error) {
	tag, err := tx.Exec(ctx, query, params...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (e *PGX) Query(ctx context.Context, tx pgx.Tx, query string, params ...any) (Rows, error) {
	rows, err := tx.Query(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (e *PGX) QueryPlaceholder(index int) string {
	return "$" + strconv.Itoa(index+1)
}

// pgxRows adapts pgx.Rows, whose Close reports nothing, to Rows
type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *pgxRows) Err() error             { return r.rows.Err() }

func (r *pgxRows) Close() error {
	r.rows.Close()
	return r.rows.Err()
}
