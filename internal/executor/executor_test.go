package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/sqlcheck"
	"github.com/querygate/querygate/pkg/logger"
)

func newTestStack(t *testing.T) (*Executor, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(registry.Config{
		Logger: logger.New(false),
		Descriptors: []registry.Descriptor{{
			Name:     "mem",
			Engine:   registry.EngineDuckDB,
			Database: ":memory:",
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reg.Close()) })

	e, err := New(Config{
		Logger:   logger.New(false),
		Registry: reg,
	})
	require.NoError(t, err)
	return e, reg
}

func seed(t *testing.T, reg *registry.Registry, statements ...string) {
	t.Helper()
	pool, err := reg.Resolve("mem")
	require.NoError(t, err)
	conn, err := pool.Acquire(t.Context())
	require.NoError(t, err)
	defer conn.Close()
	for _, stmt := range statements {
		_, err := conn.ExecContext(t.Context(), stmt)
		require.NoError(t, err)
	}
}

func mustStatement(t *testing.T, sql string) *sqlcheck.Statement {
	t.Helper()
	v, err := sqlcheck.New(sqlcheck.Config{})
	require.NoError(t, err)
	stmt, err := v.Validate(sql, &registry.Descriptor{Name: "mem", Engine: registry.EngineDuckDB})
	require.NoError(t, err)
	return stmt
}

func TestExecutor_Execute_AppliesDefaultLimit(t *testing.T) {
	t.Parallel()

	e, reg := newTestStack(t)
	seed(t, reg, "CREATE TABLE passengers AS SELECT i AS id FROM range(418) t(i)")

	result, err := e.Execute(t.Context(), mustStatement(t, "SELECT id FROM passengers ORDER BY id"), "mem", Options{})
	require.NoError(t, err)
	require.Equal(t, 100, result.RowCount)
	require.True(t, result.Truncated)
	require.Equal(t, "mem", result.Connection)
	require.Equal(t, []Column{{Name: "id", Type: TypeInteger}}, result.Columns)
}

func TestExecutor_Execute_RespectsExplicitLimit(t *testing.T) {
	t.Parallel()

	e, reg := newTestStack(t)
	seed(t, reg, "CREATE TABLE items AS SELECT i FROM range(50) t(i)")

	result, err := e.Execute(t.Context(), mustStatement(t, "SELECT i FROM items LIMIT 10"), "mem", Options{})
	require.NoError(t, err)
	require.Equal(t, 10, result.RowCount)
	require.True(t, result.Truncated, "row count equal to the limit flags truncation")
}

func TestExecutor_Execute_UnderLimitNotTruncated(t *testing.T) {
	t.Parallel()

	e, reg := newTestStack(t)
	seed(t, reg, "CREATE TABLE small AS SELECT i FROM range(7) t(i)")

	result, err := e.Execute(t.Context(), mustStatement(t, "SELECT i FROM small"), "mem", Options{})
	require.NoError(t, err)
	require.Equal(t, 7, result.RowCount)
	require.False(t, result.Truncated)
}

func TestExecutor_Execute_Aggregate(t *testing.T) {
	t.Parallel()

	e, reg := newTestStack(t)
	seed(t, reg, "CREATE TABLE iris AS SELECT i FROM range(150) t(i)")

	result, err := e.Execute(t.Context(), mustStatement(t, "SELECT COUNT(*) AS n FROM iris"), "mem", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	require.False(t, result.Truncated)
	require.Equal(t, int64(150), result.Rows[0][0])
}

func TestExecutor_Execute_DriverError(t *testing.T) {
	t.Parallel()

	e, reg := newTestStack(t)
	seed(t, reg, "CREATE TABLE t (a INTEGER)")

	_, err := e.Execute(t.Context(), mustStatement(t, "SELECT missing_column FROM t"), "mem", Options{})
	require.Error(t, err)
	var driverErr *DriverError
	require.ErrorAs(t, err, &driverErr)
}

func TestExecutor_Execute_UnknownConnection(t *testing.T) {
	t.Parallel()

	e, _ := newTestStack(t)
	stmt := mustStatement(t, "SELECT 1")
	stmt.Connection = "ghost"

	_, err := e.Execute(t.Context(), stmt, "ghost", Options{})
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestExecutor_Execute_ConnectionMismatch(t *testing.T) {
	t.Parallel()

	e, _ := newTestStack(t)
	_, err := e.Execute(t.Context(), mustStatement(t, "SELECT 1"), "other", Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "validated for connection")
}

func TestExecutor_ApplyLimit(t *testing.T) {
	t.Parallel()

	e, _ := newTestStack(t)

	t.Run("appends when absent", func(t *testing.T) {
		t.Parallel()
		sql, applied := e.applyLimit(&sqlcheck.Statement{SQL: "SELECT 1", Limit: -1}, Options{})
		require.Equal(t, "SELECT 1 LIMIT 100", sql)
		require.Equal(t, 100, applied)
	})

	t.Run("request above ceiling clamped", func(t *testing.T) {
		t.Parallel()
		sql, applied := e.applyLimit(&sqlcheck.Statement{SQL: "SELECT 1", Limit: -1}, Options{RowLimit: 50000})
		require.Equal(t, "SELECT 1 LIMIT 10000", sql)
		require.Equal(t, 10000, applied)
	})

	t.Run("existing limit kept", func(t *testing.T) {
		t.Parallel()
		sql, applied := e.applyLimit(&sqlcheck.Statement{SQL: "SELECT 1 LIMIT 5", HasLimit: true, Limit: 5}, Options{})
		require.Equal(t, "SELECT 1 LIMIT 5", sql)
		require.Equal(t, 5, applied)
	})

	t.Run("existing limit above ceiling rewritten", func(t *testing.T) {
		t.Parallel()
		sql, applied := e.applyLimit(&sqlcheck.Statement{SQL: "SELECT 1 LIMIT 99999", HasLimit: true, Limit: 99999}, Options{})
		require.Equal(t, "SELECT 1 LIMIT 10000", sql)
		require.Equal(t, 10000, applied)
	})

	t.Run("expression limit capped by scan", func(t *testing.T) {
		t.Parallel()
		sql, applied := e.applyLimit(&sqlcheck.Statement{SQL: "SELECT 1 LIMIT n", HasLimit: true, Limit: -1}, Options{})
		require.Equal(t, "SELECT 1 LIMIT n", sql)
		require.Equal(t, 10000, applied)
	})
}

func TestExecutor_Execute_TimeoutCancelsStatement(t *testing.T) {
	t.Parallel()

	e, reg := newTestStack(t)
	seed(t, reg, "CREATE TABLE big AS SELECT i FROM range(200000) t(i)")

	// The predicate keeps the planner from collapsing the cross join into a
	// count shortcut.
	stmt := mustStatement(t, "SELECT COUNT(*) AS n FROM big a, big b, big c WHERE a.i + b.i + c.i > 0")
	start := time.Now()
	_, err := e.Execute(t.Context(), stmt, "mem", Options{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second, "deadline must cancel the running statement, not wait for it")
}

func TestExecutor_RetryQuery(t *testing.T) {
	t.Parallel()

	e, _ := newTestStack(t)

	t.Run("transient transport failure retried once", func(t *testing.T) {
		t.Parallel()
		calls := 0
		result, err := e.retryQuery(t.Context(), func() (*Result, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("dial tcp: connection refused")
			}
			return &Result{RowCount: 1}, nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, calls)
		require.Equal(t, 1, result.RowCount)
	})

	t.Run("engine error not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := e.retryQuery(t.Context(), func() (*Result, error) {
			calls++
			return nil, errors.New("syntax error at position 3")
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("persistent transport failure gives up after second try", func(t *testing.T) {
		t.Parallel()
		calls := 0
		boom := errors.New("write: broken pipe")
		_, err := e.retryQuery(t.Context(), func() (*Result, error) {
			calls++
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
		require.Equal(t, 2, calls)
	})
}

func TestExecutor_MapError(t *testing.T) {
	t.Parallel()

	e, reg := newTestStack(t)
	pool, err := reg.Resolve("mem")
	require.NoError(t, err)
	desc := pool.Descriptor()
	desc.Password = registry.Secret("hunter2")

	t.Run("statement deadline becomes timeout", func(t *testing.T) {
		t.Parallel()
		mapped := e.mapError(t.Context(), desc, context.DeadlineExceeded, time.Second)
		require.ErrorIs(t, mapped, ErrTimeout)
	})

	t.Run("caller cancellation passes through", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		mapped := e.mapError(ctx, desc, context.Canceled, time.Second)
		require.ErrorIs(t, mapped, context.Canceled)
	})

	t.Run("pool exhaustion passes through", func(t *testing.T) {
		t.Parallel()
		mapped := e.mapError(t.Context(), desc, registry.ErrPoolExhausted, time.Second)
		require.ErrorIs(t, mapped, registry.ErrPoolExhausted)
	})

	t.Run("connection failure scrubbed", func(t *testing.T) {
		t.Parallel()
		raw := errors.New(`failed to connect: password "hunter2" rejected`)
		mapped := e.mapError(t.Context(), desc, raw, time.Second)
		require.ErrorIs(t, mapped, ErrConnectionFailed)
		require.NotContains(t, mapped.Error(), "hunter2")
	})

	t.Run("driver error scrubbed", func(t *testing.T) {
		t.Parallel()
		raw := errors.New(`syntax error near "hunter2"`)
		mapped := e.mapError(t.Context(), desc, raw, time.Second)
		var driverErr *DriverError
		require.ErrorAs(t, mapped, &driverErr)
		require.NotContains(t, mapped.Error(), "hunter2")
	})
}

func TestExecutor_IsConnectionFailure(t *testing.T) {
	t.Parallel()

	require.True(t, isConnectionFailure(errors.New("dial tcp: connection refused")))
	require.True(t, isConnectionFailure(errors.New("write: broken pipe")))
	require.False(t, isConnectionFailure(context.DeadlineExceeded))
	require.False(t, isConnectionFailure(errors.New("syntax error at position 3")))
}
