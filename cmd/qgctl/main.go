package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/querygate/querygate/internal/executor"
	"github.com/querygate/querygate/internal/fanout"
	"github.com/querygate/querygate/internal/format"
	"github.com/querygate/querygate/internal/gateway"
	"github.com/querygate/querygate/internal/querycache"
	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/sqlcheck"
	"github.com/querygate/querygate/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "qgctl",
		Short:         "Query configured database connections from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("verbose", false, "enable verbose (debug) logging")
	root.PersistentFlags().String("connections-file", "", "path to YAML connections file")

	root.AddCommand(
		newListCmd(),
		newTestCmd(),
		newQueryCmd(),
		newQueryAcrossCmd(),
		newTablesCmd(),
		newDescribeCmd(),
	)

	return root.ExecuteContext(ctx)
}

// buildGateway assembles the full stack from the CLI's persistent flags. The
// returned closer releases pools and workers.
func buildGateway(cmd *cobra.Command) (*gateway.Gateway, func(), error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	connectionsFile, err := cmd.Root().PersistentFlags().GetString("connections-file")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connections-file flag: %w", err)
	}

	log := logger.New(verbose)

	descriptors, err := registry.LoadDescriptors(connectionsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load connection descriptors: %w", err)
	}
	if len(descriptors) == 0 {
		return nil, nil, fmt.Errorf("no connections configured (set --connections-file or DB_<NAME>_<SETTING> env vars)")
	}

	clock := clockwork.NewRealClock()
	reg, err := registry.New(registry.Config{
		Logger:      log,
		Clock:       clock,
		Descriptors: descriptors,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create registry: %w", err)
	}

	validator, err := sqlcheck.New(sqlcheck.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create validator: %w", err)
	}
	exec, err := executor.New(executor.Config{Logger: log, Registry: reg, Clock: clock})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create executor: %w", err)
	}
	cache, err := querycache.New(querycache.Config{Logger: log})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	coordinator, err := fanout.New(fanout.Config{Logger: log})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create fanout coordinator: %w", err)
	}

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
		return nil, nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	closer := func() {
		coordinator.Stop()
		cache.Stop()
		if err := reg.Close(); err != nil {
			log.Error("failed to close registry", "error", err)
		}
	}
	return gw, closer, nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, closer, err := buildGateway(cmd)
			if err != nil {
				return err
			}
			defer closer()

			for _, info := range gw.ListConnections() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", info.Name, info.Engine)
			}
			return nil
		},
	}
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <connection>",
		Short: "Probe a connection and report latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, closer, err := buildGateway(cmd)
			if err != nil {
				return err
			}
			defer closer()

			report := gw.TestConnection(cmd.Context(), args[0])
			if !report.OK {
				return fmt.Errorf("connection %s failed: %s", report.Connection, report.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok (%dms)\n", report.Connection, report.LatencyMs)
			return nil
		},
	}
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <connection> <sql>",
		Short: "Run a read-only query against one connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return fmt.Errorf("failed to get timeout flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			gw, closer, err := buildGateway(cmd)
			if err != nil {
				return err
			}
			defer closer()

			result, _, failure := gw.Execute(cmd.Context(), args[0], args[1], gateway.QueryOptions{
				RowLimit: limit,
				Timeout:  timeout,
			})
			if failure != nil {
				return failure
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			format.Table(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "row limit (0 uses the default)")
	cmd.Flags().Duration("timeout", 0, "statement timeout (0 uses the connection default)")
	cmd.Flags().Bool("json", false, "print the result as JSON")
	return cmd
}

func newQueryAcrossCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query-across <sql>",
		Short: "Run one read-only query against several connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := cmd.Flags().GetString("connections")
			if err != nil {
				return fmt.Errorf("failed to get connections flag: %w", err)
			}
			var connections []string
			for _, name := range strings.Split(names, ",") {
				if name = strings.TrimSpace(name); name != "" {
					connections = append(connections, name)
				}
			}
			if len(connections) == 0 {
				return fmt.Errorf("at least one connection is required (--connections a,b)")
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return fmt.Errorf("failed to get timeout flag: %w", err)
			}

			gw, closer, err := buildGateway(cmd)
			if err != nil {
				return err
			}
			defer closer()

			outcomes := gw.ExecuteAcross(cmd.Context(), connections, args[0], gateway.QueryOptions{
				Timeout: timeout,
			})
			for _, o := range outcomes {
				fmt.Fprintf(cmd.OutOrStdout(), "== %s ==\n", o.Connection)
				if o.Failure != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "failed (%s): %s\n\n", o.Failure.Kind, o.Failure.Reason)
					continue
				}
				format.Table(cmd.OutOrStdout(), o.Result)
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().String("connections", "", "comma-separated connection names")
	cmd.Flags().Duration("timeout", 0, "per-connection statement timeout")
	return cmd
}

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables <connection>",
		Short: "List the tables visible on a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, closer, err := buildGateway(cmd)
			if err != nil {
				return err
			}
			defer closer()

			tables, failure := gw.ListTables(cmd.Context(), args[0])
			if failure != nil {
				return failure
			}
			for _, t := range tables {
				if t.Schema != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s.%s\n", t.Schema, t.Name)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), t.Name)
				}
			}
			return nil
		},
	}
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <connection> <table>",
		Short: "Describe the columns of a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, closer, err := buildGateway(cmd)
			if err != nil {
				return err
			}
			defer closer()

			columns, failure := gw.DescribeTable(cmd.Context(), args[0], args[1])
			if failure != nil {
				return failure
			}
			for _, c := range columns {
				nullable := "not null"
				if c.Nullable {
					nullable = "nullable"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", c.Name, c.DataType, nullable)
			}
			return nil
		},
	}
}
