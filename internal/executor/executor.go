package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/sqlcheck"
)

const (
	defaultRowLimit = 100
	maxRowLimit     = 10000
)

// Options bound one execution. Zero values fall back to the configured
// defaults, then to the descriptor's statement timeout.
type Options struct {
	RowLimit int
	Timeout  time.Duration
}

type Config struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	Clock    clockwork.Clock

	// DefaultRowLimit is appended to statements that carry no LIMIT clause.
	DefaultRowLimit int

	// MaxRowLimit is the hard ceiling; caller-specified limits above it are
	// clamped.
	MaxRowLimit int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DefaultRowLimit <= 0 {
		cfg.DefaultRowLimit = defaultRowLimit
	}
	if cfg.MaxRowLimit <= 0 {
		cfg.MaxRowLimit = maxRowLimit
	}
	return nil
}

// Executor runs validated statements against pooled connections under
// timeout and row-limit policy.
type Executor struct {
	log *slog.Logger
	cfg Config

	limitRe *regexp.Regexp
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate executor config: %w", err)
	}
	return &Executor{
		log:     cfg.Logger,
		cfg:     cfg,
		limitRe: regexp.MustCompile(`(?i)\bLIMIT\s+\d+`),
	}, nil
}

// Execute runs a validated statement against its connection. The statement
// must have been validated for connName; executing it elsewhere would bypass
// schema qualification.
func (e *Executor) Execute(ctx context.Context, stmt *sqlcheck.Statement, connName string, opts Options) (*Result, error) {
	if stmt.Connection != connName {
		return nil, fmt.Errorf("statement was validated for connection %q, not %q", stmt.Connection, connName)
	}

	pool, err := e.cfg.Registry.Resolve(connName)
	if err != nil {
		return nil, err
	}
	desc := pool.Descriptor()

	sqlText, applied := e.applyLimit(stmt, opts)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = desc.StatementTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.retryQuery(qctx, func() (*Result, error) {
		return e.runOnce(qctx, pool, desc.Engine, sqlText, applied)
	})
	if err != nil {
		return nil, e.mapError(ctx, desc, err, timeout)
	}

	result.Connection = connName
	e.log.Debug("executed statement",
		"connection", connName,
		"rows", result.RowCount,
		"truncated", result.Truncated,
		"elapsed_ms", result.ElapsedMs,
	)
	return result, nil
}

// retryQuery runs the attempt with one retry under exponential backoff, for
// pool and transport failures only; engine errors and timeouts are permanent.
// Read-only statements make the second attempt safe.
func (e *Executor) retryQuery(ctx context.Context, attempt func() (*Result, error)) (*Result, error) {
	return backoff.Retry(ctx, func() (*Result, error) {
		res, err := attempt()
		if err != nil {
			if errors.Is(err, registry.ErrPoolExhausted) || isConnectionFailure(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return res, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(2))
}

// applyLimit appends the effective row limit when the statement has none and
// clamps an existing integer limit to the ceiling. It returns the SQL to send
// and the limit actually in force.
func (e *Executor) applyLimit(stmt *sqlcheck.Statement, opts Options) (string, int) {
	requested := opts.RowLimit
	if requested <= 0 {
		requested = e.cfg.DefaultRowLimit
	}
	if requested > e.cfg.MaxRowLimit {
		requested = e.cfg.MaxRowLimit
	}

	if !stmt.HasLimit {
		return fmt.Sprintf("%s LIMIT %d", stmt.SQL, requested), requested
	}

	// Statement carries its own LIMIT. Clamp a known integer value above the
	// ceiling; a non-integer limit expression is left alone and the scan is
	// capped at the ceiling instead.
	if stmt.Limit >= 0 {
		if stmt.Limit > e.cfg.MaxRowLimit {
			return e.replaceLastLimit(stmt.SQL, e.cfg.MaxRowLimit), e.cfg.MaxRowLimit
		}
		return stmt.SQL, stmt.Limit
	}
	return stmt.SQL, e.cfg.MaxRowLimit
}

func (e *Executor) replaceLastLimit(sqlText string, limit int) string {
	locs := e.limitRe.FindAllStringIndex(sqlText, -1)
	if len(locs) == 0 {
		return sqlText
	}
	last := locs[len(locs)-1]
	return sqlText[:last[0]] + fmt.Sprintf("LIMIT %d", limit) + sqlText[last[1]:]
}

// runOnce acquires a pooled connection, dispatches the statement, and drains
// the result. Latency is measured from dispatch to first response.
func (e *Executor) runOnce(ctx context.Context, pool *registry.Pool, engine registry.EngineKind, sqlText string, limit int) (*Result, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	start := e.cfg.Clock.Now()
	rows, err := conn.QueryContext(ctx, sqlText)
	elapsed := e.cfg.Clock.Since(start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, data, err := normalizeRows(rows, engine, limit)
	if err != nil {
		return nil, err
	}

	return &Result{
		Columns:   columns,
		Rows:      data,
		RowCount:  len(data),
		Truncated: limit > 0 && len(data) == limit,
		ElapsedMs: elapsed.Milliseconds(),
	}, nil
}

// mapError folds a raw failure into the executor's taxonomy, with driver
// error text scrubbed of credentials.
func (e *Executor) mapError(ctx context.Context, desc registry.Descriptor, err error, timeout time.Duration) error {
	switch {
	case errors.Is(err, registry.ErrPoolExhausted):
		return err
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%w after %s on %q", ErrTimeout, timeout, desc.Name)
	case ctx.Err() != nil:
		return ctx.Err()
	case isConnectionFailure(err):
		return fmt.Errorf("%w: %s", ErrConnectionFailed, desc.Password.Redact(err.Error()))
	default:
		return &DriverError{Err: errors.New(desc.Password.Redact(err.Error()))}
	}
}
