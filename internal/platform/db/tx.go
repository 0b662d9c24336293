package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPoolExhausted is returned when no connection could be acquired within
// the configured acquire timeout. The whole operation is safe to retry.
var ErrPoolExhausted = errors.New("database connection pool exhausted")

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxManager runs a function inside one database transaction. Repositories
// called with the ctx handed to fn join that transaction.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// TxFromContext returns the transaction bound to ctx by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// QuerierFrom returns the transaction bound to ctx, or pool when there is none.
func QuerierFrom(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// PGTxManager is the Postgres TxManager.
type PGTxManager struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

func NewTxManager(pool *pgxpool.Pool, acquireTimeout time.Duration) *PGTxManager {
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	return &PGTxManager{pool: pool, acquireTimeout: acquireTimeout}
}

// WithTx begins a transaction, runs fn and commits. Any error from fn, or a
// panic, rolls the transaction back. Nested calls join the outer transaction.
func (m *PGTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		// Roll back on a detached context so a cancelled request still
		// releases its row locks immediately.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (m *PGTxManager) begin(ctx context.Context) (pgx.Tx, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	tx, err := m.pool.Begin(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// Postgres SQLSTATE codes the repositories translate into domain errors.
const (
	UniqueViolation     = "23505"
	ForeignKeyViolation = "23503"
)

// IsPgError reports whether err carries the given SQLSTATE code.
func IsPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
