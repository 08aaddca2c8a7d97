package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 15 * time.Second
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// TxOption customises transaction behaviour.
type TxOption func(*UnitOfWork)

// WithTxAttempts overrides how often a transaction is retried after a serialization failure or deadlock.
func WithTxAttempts(attempts int) TxOption {
	return func(u *UnitOfWork) {
		if attempts > 0 {
			u.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(u *UnitOfWork) {
		if timeout > 0 {
			u.timeout = timeout
		}
	}
}

// WithIsolation sets the isolation level used for new transactions.
func WithIsolation(level pgx.TxIsoLevel) TxOption {
	return func(u *UnitOfWork) {
		u.txOptions.IsoLevel = level
	}
}

// UnitOfWork runs callbacks in a pgx transaction carried through the context.
type UnitOfWork struct {
	pool      *pgxpool.Pool
	attempts  int
	timeout   time.Duration
	txOptions pgx.TxOptions
}

// NewUnitOfWork constructs a unit of work over the pool.
func NewUnitOfWork(pool *pgxpool.Pool, opts ...TxOption) *UnitOfWork {
	u := &UnitOfWork{
		pool:      pool,
		attempts:  defaultTxAttempts,
		timeout:   defaultTxTimeout,
		txOptions: pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// RunInTx executes fn inside a transaction. A context already carrying a transaction joins it
// so callers can compose operations; only the outermost call commits.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	if u == nil || u.pool == nil {
		return WrapError("transaction", errors.New("postgres: pool is nil"))
	}

	txnCtx := ctx
	var cancel context.CancelFunc
	if u.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > u.timeout {
			txnCtx, cancel = context.WithTimeout(ctx, u.timeout)
		}
	}
	if cancel != nil {
		defer cancel()
	}

	var err error
	for attempt := 0; attempt < u.attempts; attempt++ {
		var fnErr error
		err = pgx.BeginTxFunc(txnCtx, u.pool, u.txOptions, func(tx pgx.Tx) error {
			fnErr = fn(context.WithValue(txnCtx, txKey{}, tx))
			return fnErr
		})
		if fnErr != nil {
			// callback errors keep their type so services can match business failures
			err = fnErr
		} else {
			err = WrapError("transaction", err)
		}
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

// Conn returns the transaction carried by ctx, falling back to the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// InTx reports whether ctx carries a transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}
