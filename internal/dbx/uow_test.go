package dbx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLTransactor_HookOrdering(t *testing.T) {
	db := setupDB(t)
	tr := NewSQLTransactor(db, nil)

	var calls []string
	err := tr.InTx(context.Background(), func(ctx context.Context, uow *UnitOfWork) error {
		_, err := uow.Tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('x')`)
		require.NoError(t, err)

		uow.BeforeCommit(func(ctx context.Context) error {
			// still inside the transaction: the row is visible through Tx
			calls = append(calls, "before")
			assert.Equal(t, 1, countRows(t, uow.Tx))
			return nil
		})
		uow.AfterCommit(func(ctx context.Context) {
			calls = append(calls, "after")
			assert.Equal(t, 1, countRows(t, db))
		})
		calls = append(calls, "body")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "before", "after"}, calls)
}

func TestSQLTransactor_BeforeCommitErrorRollsBack(t *testing.T) {
	db := setupDB(t)
	tr := NewSQLTransactor(db, nil)

	afterCalled := false
	err := tr.InTx(context.Background(), func(ctx context.Context, uow *UnitOfWork) error {
		_, err := uow.Tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('x')`)
		require.NoError(t, err)
		uow.BeforeCommit(func(ctx context.Context) error { return errors.New("broker down") })
		uow.AfterCommit(func(ctx context.Context) { afterCalled = true })
		return nil
	})
	require.EqualError(t, err, "broker down")
	assert.False(t, afterCalled, "after-commit hooks must not run on rollback")
	assert.Equal(t, 0, countRows(t, db))
}

func TestSQLTransactor_BodyErrorSkipsHooks(t *testing.T) {
	db := setupDB(t)
	tr := NewSQLTransactor(db, nil)

	var ran bool
	err := tr.InTx(context.Background(), func(ctx context.Context, uow *UnitOfWork) error {
		uow.BeforeCommit(func(ctx context.Context) error { ran = true; return nil })
		uow.AfterCommit(func(ctx context.Context) { ran = true })
		return errors.New("validation")
	})
	require.Error(t, err)
	assert.False(t, ran)
}

func TestSQLTransactor_AfterCommitContextNotCancelled(t *testing.T) {
	db := setupDB(t)
	tr := NewSQLTransactor(db, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var hookCtx context.Context
	err := tr.InTx(ctx, func(ctx context.Context, uow *UnitOfWork) error {
		uow.AfterCommit(func(ctx context.Context) { hookCtx = ctx })
		return nil
	})
	require.NoError(t, err)
	cancel()
	require.NotNil(t, hookCtx)
	assert.NoError(t, hookCtx.Err())
}

func TestNopTransactor(t *testing.T) {
	var calls []string
	err := NopTransactor{}.InTx(context.Background(), func(ctx context.Context, uow *UnitOfWork) error {
		uow.BeforeCommit(func(ctx context.Context) error {
			calls = append(calls, "before")
			uow.BeforeCommit(func(ctx context.Context) error {
				calls = append(calls, "nested")
				return nil
			})
			return nil
		})
		uow.AfterCommit(func(ctx context.Context) { calls = append(calls, "after") })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "nested", "after"}, calls)

	err = NopTransactor{}.InTx(context.Background(), func(ctx context.Context, uow *UnitOfWork) error {
		uow.BeforeCommit(func(ctx context.Context) error { return errors.New("x") })
		uow.AfterCommit(func(ctx context.Context) { t.Fatal("must not run") })
		return nil
	})
	require.Error(t, err)
}
