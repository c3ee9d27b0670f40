package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/querygate/querygate/internal/executor"
	"github.com/querygate/querygate/internal/fanout"
	"github.com/querygate/querygate/internal/gateway"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/internal/querycache"
	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/server"
	"github.com/querygate/querygate/internal/sqlcheck"
	"github.com/querygate/querygate/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8010"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")

	connectionsFileFlag := flag.String("connections-file", "", "Path to YAML connections file (DB_<NAME>_<SETTING> env vars overlay it)")

	cacheTTLFlag := flag.Duration("cache-ttl", 60*time.Second, "query cache TTL duration")
	cacheCapacityFlag := flag.Uint64("cache-capacity", 1024, "maximum number of cached query results")
	maxParallelFlag := flag.Int("max-parallel", 4, "maximum concurrent connections for cross-database queries")
	acquireTimeoutFlag := flag.Duration("acquire-timeout", 5*time.Second, "how long to wait for a pooled connection before failing")
	defaultRowLimitFlag := flag.Int("default-row-limit", 100, "row limit applied to statements without a LIMIT clause")
	maxRowLimitFlag := flag.Int("max-row-limit", 10000, "hard ceiling on returned rows per statement")

	flag.Parse()

	// Optional .env for local development; descriptors come from the
	// environment, so load it before reading them.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	// Parse allowed tokens from environment variable (comma-separated)
	// Auth can be explicitly disabled with MCP_AUTH_DISABLED=true
	var allowedTokens []string
	authDisabled := os.Getenv("MCP_AUTH_DISABLED") == "true"

	if authDisabled {
		log.Info("mcp server: authentication explicitly disabled")
	} else if tokensEnv := os.Getenv("MCP_ALLOWED_TOKENS"); tokensEnv != "" {
		for _, token := range strings.Split(tokensEnv, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				allowedTokens = append(allowedTokens, token)
			}
		}
		if len(allowedTokens) > 0 {
			log.Info("mcp server: token authentication enabled", "token_count", len(allowedTokens))
		}
	} else {
		log.Info("mcp server: authentication disabled (no tokens configured)")
	}

	descriptors, err := registry.LoadDescriptors(*connectionsFileFlag)
	if err != nil {
		return fmt.Errorf("failed to load connection descriptors: %w", err)
	}
	if len(descriptors) == 0 {
		return fmt.Errorf("no connections configured (set --connections-file or DB_<NAME>_<SETTING> env vars)")
	}

	clock := clockwork.NewRealClock()

	reg, err := registry.New(registry.Config{
		Logger:         log,
		Clock:          clock,
		Descriptors:    descriptors,
		AcquireTimeout: *acquireTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error("failed to close registry", "error", err)
		}
	}()

	validator, err := sqlcheck.New(sqlcheck.Config{})
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	exec, err := executor.New(executor.Config{
		Logger:          log,
		Registry:        reg,
		Clock:           clock,
		DefaultRowLimit: *defaultRowLimitFlag,
		MaxRowLimit:     *maxRowLimitFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	cache, err := querycache.New(querycache.Config{
		Logger:   log,
		TTL:      *cacheTTLFlag,
		Capacity: *cacheCapacityFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create query cache: %w", err)
	}
	defer cache.Stop()

	coordinator, err := fanout.New(fanout.Config{
		Logger:      log,
		MaxParallel: *maxParallelFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create fanout coordinator: %w", err)
	}
	defer coordinator.Stop()

	gw, err := gateway.New(gateway.Config{
		Logger:      log,
		Clock:       clock,
		Registry:    reg,
		Validator:   validator,
		Executor:    exec,
		Cache:       cache,
		Coordinator: coordinator,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	srv, err := server.New(server.Config{
		Version:       version,
		ListenAddr:    *listenAddrFlag,
		Logger:        log,
		Gateway:       gw,
		Registry:      reg,
		AllowedTokens: allowedTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("mcp server: configured connections", "count", len(descriptors))

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.Run(ctx)
		if err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
