package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/querygate/querygate/internal/metrics"
)

var (
	// ErrNotFound is returned when no connection with the requested name is
	// configured.
	ErrNotFound = errors.New("connection not found")

	// ErrPoolExhausted is returned when acquiring a pooled connection did not
	// succeed within the configured wait timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

const defaultAcquireTimeout = 5 * time.Second

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Descriptors []Descriptor

	// AcquireTimeout bounds how long a caller blocks waiting for a pooled
	// connection before failing with ErrPoolExhausted.
	AcquireTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	seen := make(map[string]struct{}, len(cfg.Descriptors))
	for i := range cfg.Descriptors {
		if err := cfg.Descriptors[i].Validate(); err != nil {
			return err
		}
		if _, ok := seen[cfg.Descriptors[i].Name]; ok {
			return fmt.Errorf("duplicate connection name %q", cfg.Descriptors[i].Name)
		}
		seen[cfg.Descriptors[i].Name] = struct{}{}
	}
	return nil
}

// Registry holds validated connection descriptors and lazily opened pooled
// handles per named backend. The registry map is guarded separately from each
// pool so that unrelated connections never serialize on one lock.
type Registry struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   Config

	mu    sync.RWMutex
	pools map[string]*Pool
}

func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate registry config: %w", err)
	}
	r := &Registry{
		log:   cfg.Logger,
		clock: cfg.Clock,
		cfg:   cfg,
		pools: make(map[string]*Pool, len(cfg.Descriptors)),
	}
	for i := range cfg.Descriptors {
		d := cfg.Descriptors[i]
		r.pools[d.Name] = newPool(d, cfg.AcquireTimeout, cfg.Clock)
	}
	return r, nil
}

// Resolve returns the pool for a named connection, or ErrNotFound.
func (r *Registry) Resolve(name string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

// Descriptor returns a copy of the descriptor for a named connection.
func (r *Registry) Descriptor(name string) (*Descriptor, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	d := p.desc
	return &d, nil
}

// ConnectionInfo is the credential-free listing entry for one connection.
type ConnectionInfo struct {
	Name   string     `json:"connection_name"`
	Engine EngineKind `json:"engine_kind"`
}

// List returns name and engine kind for every configured connection. Never
// includes credentials.
func (r *Registry) List() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, ConnectionInfo{Name: p.desc.Name, Engine: p.desc.Engine})
	}
	return out
}

// TestReport is the outcome of probing one connection.
type TestReport struct {
	Connection string `json:"connection_name"`
	OK         bool   `json:"ok"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TestConnection pings the named backend and reports round-trip latency. Any
// failure reason is scrubbed of credentials before it leaves the registry.
func (r *Registry) TestConnection(ctx context.Context, name string) TestReport {
	p, err := r.Resolve(name)
	if err != nil {
		return TestReport{Connection: name, OK: false, Reason: err.Error()}
	}
	start := r.clock.Now()
	db, err := p.handle()
	if err == nil {
		err = db.PingContext(ctx)
	}
	latency := r.clock.Since(start)
	if err != nil {
		return TestReport{Connection: name, OK: false, Reason: p.desc.Password.Redact(err.Error())}
	}
	return TestReport{Connection: name, OK: true, LatencyMs: latency.Milliseconds()}
}

// Reload replaces the descriptor for one connection name and rebuilds its
// pool. Other connections are untouched; in-flight requests on the old pool
// finish against the old handle, which is closed once they release it.
func (r *Registry) Reload(name string, desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.Name != name {
		return fmt.Errorf("descriptor name %q does not match connection %q", desc.Name, name)
	}

	r.mu.Lock()
	old, ok := r.pools[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.pools[name] = newPool(desc, r.cfg.AcquireTimeout, r.clock)
	r.mu.Unlock()

	if err := old.Close(); err != nil {
		r.log.Warn("failed to close replaced pool", "connection", name, "error", err)
	}
	r.log.Info("reloaded connection", "connection", name, "engine", desc.Engine)
	return nil
}

// Close closes every pool. In-flight connections are released by their
// owners; database/sql finishes them before tearing down.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, p := range r.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close pool %q: %w", name, err)
		}
	}
	return firstErr
}

// Pool is the lazily opened, shared handle for one connection name.
type Pool struct {
	desc           Descriptor
	acquireTimeout time.Duration
	clock          clockwork.Clock

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func newPool(desc Descriptor, acquireTimeout time.Duration, clock clockwork.Clock) *Pool {
	return &Pool{desc: desc, acquireTimeout: acquireTimeout, clock: clock}
}

// Descriptor returns a copy of the pool's descriptor.
func (p *Pool) Descriptor() Descriptor { return p.desc }

// handle opens the underlying database handle on first use.
func (p *Pool) handle() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("pool %q is closed", p.desc.Name)
	}
	if p.db != nil {
		return p.db, nil
	}
	db, err := p.desc.open()
	if err != nil {
		return nil, err
	}
	p.db = db
	return db, nil
}

// Acquire blocks until a pooled connection is free, up to the pool's wait
// timeout, then fails with ErrPoolExhausted. The caller must Close the
// returned connection to release it back to the pool.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	db, err := p.handle()
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	start := p.clock.Now()
	conn, err := db.Conn(waitCtx)
	metrics.PoolWaitDuration.WithLabelValues(p.desc.Name).Observe(p.clock.Since(start).Seconds())
	if err != nil {
		// Distinguish our wait deadline from the caller's own cancellation.
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %q after %s", ErrPoolExhausted, p.desc.Name, p.acquireTimeout)
		}
		return nil, err
	}
	return conn, nil
}

// Close closes the pool's handle if it was ever opened.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.db == nil {
		return nil
	}
	db := p.db
	p.db = nil
	return db.Close()
}
