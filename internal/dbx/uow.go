package dbx

import (
	"context"
	"database/sql"
)

// UnitOfWork is handed to the body of a transaction. Besides the
// transactional handle it collects two hook queues:
//
//   - BeforeCommit hooks run inside the transaction right before COMMIT.
//     A failing hook rolls the whole unit back. Side effects already made
//     by earlier hooks (a broker send, say) cannot be undone, so anything
//     published from here is at-least-once and may be spurious.
//   - AfterCommit hooks run only once COMMIT succeeded. They cannot fail the
//     unit; they receive a context detached from the caller's cancellation.
type UnitOfWork struct {
	Tx DBTX

	before []func(ctx context.Context) error
	after  []func(ctx context.Context)
}

// BeforeCommit enqueues fn on the flush-with-write queue.
func (u *UnitOfWork) BeforeCommit(fn func(ctx context.Context) error) {
	u.before = append(u.before, fn)
}

// AfterCommit enqueues fn on the after-write queue.
func (u *UnitOfWork) AfterCommit(fn func(ctx context.Context)) {
	u.after = append(u.after, fn)
}

// flushBeforeCommit drains the pre-commit queue in FIFO order. Hooks may
// enqueue further hooks; those run in the same flush.
func (u *UnitOfWork) flushBeforeCommit(ctx context.Context) error {
	for len(u.before) > 0 {
		fn := u.before[0]
		u.before = u.before[1:]
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) flushAfterCommit(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, fn := range u.after {
		fn(ctx)
	}
	u.after = nil
}

// Transactor runs a unit of work.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) error
}

// SQLTransactor runs units of work in database/sql transactions.
type SQLTransactor struct {
	db   *sql.DB
	opts *sql.TxOptions
}

func NewSQLTransactor(db *sql.DB, opts *sql.TxOptions) *SQLTransactor {
	return &SQLTransactor{db: db, opts: opts}
}

func (t *SQLTransactor) InTx(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) error {
	uow := &UnitOfWork{}
	err := WithTx(ctx, t.db, t.opts, func(ctx context.Context, tx DBTX) error {
		uow.Tx = tx
		if err := fn(ctx, uow); err != nil {
			return err
		}
		return uow.flushBeforeCommit(ctx)
	})
	if err != nil {
		return err
	}
	uow.flushAfterCommit(ctx)
	return nil
}

// NopTransactor runs units of work without a database transaction, for
// storage backends that apply every write atomically on their own.
type NopTransactor struct {
	DB DBTX
}

func (t NopTransactor) InTx(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error) error {
	uow := &UnitOfWork{Tx: t.DB}
	if err := fn(ctx, uow); err != nil {
		return err
	}
	if err := uow.flushBeforeCommit(ctx); err != nil {
		return err
	}
	uow.flushAfterCommit(ctx)
	return nil
}
