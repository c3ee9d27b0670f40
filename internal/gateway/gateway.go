// Package gateway is the single entry point callers use to run statements. It
// chains validation, caching, bounded execution, and fan-out, and folds every
// failure into a stable error taxonomy with credential-free reasons.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/querygate/querygate/internal/executor"
	"github.com/querygate/querygate/internal/fanout"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/internal/querycache"
	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/sqlcheck"
)

// ErrorKind labels the failure classes surfaced to callers.
type ErrorKind string

const (
	KindValidationRejected ErrorKind = "validation_rejected"
	KindPoolExhausted      ErrorKind = "pool_exhausted"
	KindTimeout            ErrorKind = "timeout"
	KindConnectionFailed   ErrorKind = "connection_failed"
	KindDriverError        ErrorKind = "driver_error"
	KindNotFound           ErrorKind = "not_found"
)

// Failure is the caller-facing form of an error. Reason never contains
// credentials; upstream layers scrub driver text before it reaches here.
type Failure struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Kind, f.Reason) }

// Outcome is the per-connection result of a cross-database execution.
type Outcome struct {
	Connection string           `json:"connection_name"`
	Result     *executor.Result `json:"result,omitempty"`
	Failure    *Failure         `json:"failure,omitempty"`
	Cached     bool             `json:"cached,omitempty"`
}

// QueryOptions tune one execution.
type QueryOptions struct {
	RowLimit    int
	Timeout     time.Duration
	BypassCache bool
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Registry    *registry.Registry
	Validator   *sqlcheck.Validator
	Executor    *executor.Executor
	Cache       *querycache.Cache
	Coordinator *fanout.Coordinator
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Cache == nil {
		return errors.New("cache is required")
	}
	if cfg.Coordinator == nil {
		return errors.New("coordinator is required")
	}
	return nil
}

type Gateway struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate gateway config: %w", err)
	}
	return &Gateway{log: cfg.Logger, cfg: cfg}, nil
}

// Execute validates and runs one statement against one connection. The
// returned bool reports whether the result was served from cache.
func (g *Gateway) Execute(ctx context.Context, connection, sqlText string, opts QueryOptions) (*executor.Result, bool, *Failure) {
	start := g.cfg.Clock.Now()
	result, cached, failure := g.execute(ctx, connection, sqlText, opts)
	status := "ok"
	if failure != nil {
		status = string(failure.Kind)
	}
	metrics.QueriesTotal.WithLabelValues(connection, status).Inc()
	if failure == nil {
		metrics.QueryDuration.WithLabelValues(connection).Observe(g.cfg.Clock.Since(start).Seconds())
	}
	return result, cached, failure
}

func (g *Gateway) execute(ctx context.Context, connection, sqlText string, opts QueryOptions) (*executor.Result, bool, *Failure) {
	desc, err := g.cfg.Registry.Descriptor(connection)
	if err != nil {
		return nil, false, g.classify(err)
	}

	stmt, err := g.cfg.Validator.Validate(sqlText, desc)
	if err != nil {
		if reject, ok := sqlcheck.AsReject(err); ok {
			metrics.ValidationRejectionsTotal.WithLabelValues(reject.Rule).Inc()
		}
		return nil, false, g.classify(err)
	}

	run := func(ctx context.Context) (*executor.Result, error) {
		return g.cfg.Executor.Execute(ctx, stmt, connection, executor.Options{
			RowLimit: opts.RowLimit,
			Timeout:  opts.Timeout,
		})
	}

	if opts.BypassCache {
		result, err := run(ctx)
		if err != nil {
			return nil, false, g.classify(err)
		}
		return result, false, nil
	}

	result, cached, err := g.cfg.Cache.GetOrCompute(ctx, connection, stmt.SQL, run)
	if err != nil {
		return nil, false, g.classify(err)
	}
	return result, cached, nil
}

// ExecuteAcross runs one statement on several connections concurrently.
// Validation happens per connection, so a statement may be rejected on one
// backend and run on another. The response carries one outcome per requested
// connection, in request order.
func (g *Gateway) ExecuteAcross(ctx context.Context, connections []string, sqlText string, opts QueryOptions) []Outcome {
	// Outcomes come back in submission order, so the cache flag is tracked by
	// slot; a connection requested twice keeps two separate flags.
	cached := make([]bool, len(connections))
	outcomes := g.cfg.Coordinator.Run(ctx, connections, func(ctx context.Context, index int, connection string) (*executor.Result, error) {
		result, hit, failure := g.Execute(ctx, connection, sqlText, opts)
		if failure != nil {
			return nil, failure
		}
		cached[index] = hit
		return result, nil
	})

	out := make([]Outcome, len(outcomes))
	for i, o := range outcomes {
		if o.Err != nil {
			out[i] = Outcome{Connection: o.Connection, Failure: g.classify(o.Err)}
			continue
		}
		out[i] = Outcome{Connection: o.Connection, Result: o.Result, Cached: cached[i]}
	}
	return out
}

// TestConnection probes one backend and reports latency. The report's reason
// is already scrubbed by the registry.
func (g *Gateway) TestConnection(ctx context.Context, connection string) registry.TestReport {
	return g.cfg.Registry.TestConnection(ctx, connection)
}

// ListConnections returns the credential-free connection listing.
func (g *Gateway) ListConnections() []registry.ConnectionInfo {
	return g.cfg.Registry.List()
}

// Invalidate drops cached results for one connection, typically after its
// descriptor was reloaded.
func (g *Gateway) Invalidate(connection string) {
	g.cfg.Cache.Invalidate(connection)
}

// classify folds any error from the lower layers into the taxonomy. Unknown
// errors are reported as driver errors rather than leaked as internals.
func (g *Gateway) classify(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	if reject, ok := sqlcheck.AsReject(err); ok {
		return &Failure{Kind: KindValidationRejected, Reason: reject.Reason}
	}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return &Failure{Kind: KindNotFound, Reason: err.Error()}
	case errors.Is(err, registry.ErrPoolExhausted):
		return &Failure{Kind: KindPoolExhausted, Reason: err.Error()}
	case errors.Is(err, executor.ErrTimeout):
		return &Failure{Kind: KindTimeout, Reason: err.Error()}
	case errors.Is(err, executor.ErrConnectionFailed):
		return &Failure{Kind: KindConnectionFailed, Reason: err.Error()}
	default:
		return &Failure{Kind: KindDriverError, Reason: err.Error()}
	}
}
