package executor

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// SQLX runs transactions on a *sqlx.DB. It serves lib/pq and sqlite3 alike;
// the placeholder style follows the driver name the DB was opened with.
type SQLX struct {
	db       *sqlx.DB
	bindType int
}

var _ Executor[*sqlx.Tx] = (*SQLX)(nil)

// NewSQLX creates an executor for db
func NewSQLX(db *sqlx.DB) *SQLX {
	return &SQLX{
		db:       db,
		bindType: sqlx.BindType(db.DriverName()),
	}
}

// DB returns the underlying handle
func (e *SQLX) DB() *sqlx.DB {
	return e.db
}

func (e *SQLX) Transaction(ctx context.Context, fn TxFunc[*sqlx.Tx]) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return &TransactionError{Op: OpBegin, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, &TransactionError{Op: OpRollback, Err: rbErr})
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return &TransactionError{Op: OpCommit, Err: err}
	}
	return nil
}

func (e *SQLX) Run(ctx context.Context, tx *sqlx.Tx, query string, params ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e *SQLX) Query(ctx context.Context, tx *sqlx.Tx, query string, params ...any) (Rows, error) {
	rows, err := tx.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *SQLX) QueryPlaceholder(index int) string {
	switch e.bindType {
	case sqlx.DOLLAR:
		return "$" + strconv.Itoa(index+1)
	case sqlx.NAMED:
		return ":arg" + strconv.Itoa(index+1)
	case sqlx.AT:
		return "@p" + strconv.Itoa(index+1)
	default:
		return "?"
	}
}
