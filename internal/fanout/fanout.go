// Package fanout runs one statement across several connections concurrently,
// isolating each connection's failure from the others.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"

	"github.com/querygate/querygate/internal/executor"
)

const defaultMaxParallel = 4

// Outcome is the per-connection result of a fan-out. Exactly one of Result
// and Err is set.
type Outcome struct {
	Connection string
	Result     *executor.Result
	Err        error
}

// Runner executes the statement against one named connection. It is invoked
// once per requested connection, possibly concurrently. The index identifies
// the occurrence within the request, so the same name appearing twice gets
// two distinct calls.
type Runner func(ctx context.Context, index int, connection string) (*executor.Result, error)

type Config struct {
	Logger *slog.Logger

	// MaxParallel caps how many connections are queried at once.
	MaxParallel int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	return nil
}

// Coordinator owns a bounded worker pool shared across fan-out requests.
type Coordinator struct {
	log  *slog.Logger
	pool pond.ResultPool[Outcome]
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate fanout config: %w", err)
	}
	return &Coordinator{
		log:  cfg.Logger,
		pool: pond.NewResultPool[Outcome](cfg.MaxParallel),
	}, nil
}

// Run fans the statement out to every named connection and returns one
// outcome per connection, in request order. A failure on one connection never
// aborts the others; each task captures its own error inside the outcome, so
// the group always waits for every connection.
func (c *Coordinator) Run(ctx context.Context, connections []string, run Runner) []Outcome {
	group := c.pool.NewGroupContext(ctx)
	for i, name := range connections {
		i, name := i, name
		group.SubmitErr(func() (Outcome, error) {
			result, err := run(ctx, i, name)
			if err != nil {
				c.log.Debug("fanout target failed", "connection", name, "error", err)
				return Outcome{Connection: name, Err: err}, nil
			}
			return Outcome{Connection: name, Result: result}, nil
		})
	}
	outcomes, err := group.Wait()
	if err != nil {
		// Only context cancellation can surface here; mark every missing
		// outcome rather than dropping connections from the response.
		for len(outcomes) < len(connections) {
			outcomes = append(outcomes, Outcome{
				Connection: connections[len(outcomes)],
				Err:        err,
			})
		}
		for i := range outcomes {
			if outcomes[i].Connection == "" {
				outcomes[i] = Outcome{Connection: connections[i], Err: err}
			}
		}
	}
	return outcomes
}

// Stop releases the worker pool. Pending tasks are completed first.
func (c *Coordinator) Stop() {
	c.pool.StopAndWait()
}
