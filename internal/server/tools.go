package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/querygate/querygate/internal/executor"
	"github.com/querygate/querygate/internal/gateway"
	"github.com/querygate/querygate/internal/metrics"
)

type QueryInput struct {
	Connection  string `json:"connection_name"`
	SQL         string `json:"sql"`
	RowLimit    int    `json:"row_limit,omitempty"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
}

type QueryRow map[string]any

type QueryOutput struct {
	Connection  string     `json:"connection_name"`
	Columns     []string   `json:"columns"`
	ColumnTypes []string   `json:"column_types"`
	Rows        []QueryRow `json:"rows"`
	RowCount    int        `json:"row_count"`
	Truncated   bool       `json:"truncated"`
	ElapsedMs   int64      `json:"elapsed_ms"`
	Cached      bool       `json:"cached"`
}

type QueryAcrossInput struct {
	Connections []string `json:"connection_names"`
	SQL         string   `json:"sql"`
	RowLimit    int      `json:"row_limit,omitempty"`
	TimeoutMs   int      `json:"timeout_ms,omitempty"`
}

type OutcomeOutput struct {
	Connection string       `json:"connection_name"`
	Result     *QueryOutput `json:"result,omitempty"`
	Failure    *FailureOut  `json:"failure,omitempty"`
}

type FailureOut struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type QueryAcrossOutput struct {
	Outcomes []OutcomeOutput `json:"outcomes"`
}

type ConnectionInput struct {
	Connection string `json:"connection_name"`
}

type TestConnectionOutput struct {
	Connection string `json:"connection_name"`
	OK         bool   `json:"ok"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ListConnectionsInput struct{}

type ConnectionEntry struct {
	Name   string `json:"connection_name"`
	Engine string `json:"engine_kind"`
}

type ListConnectionsOutput struct {
	Connections []ConnectionEntry `json:"connections"`
}

type ListTablesOutput struct {
	Tables []TableEntry `json:"tables"`
}

type TableEntry struct {
	Schema string `json:"schema,omitempty"`
	Name   string `json:"name"`
}

type DescribeTableInput struct {
	Connection string `json:"connection_name"`
	Table      string `json:"table"`
}

type DescribeTableOutput struct {
	Table   string        `json:"table"`
	Columns []ColumnEntry `json:"columns"`
}

type ColumnEntry struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

func (s *Server) registerTools() error {
	if err := registerTool(s.mcp, "query", `
			Execute a read-only SQL query against one named database connection.

			USAGE RULES:
			- Consult list_tables and describe_table before writing SQL. Do not guess column names.
			- Only single SELECT (or WITH) statements are accepted; anything else is rejected.
			- Results are row-limited; aggregate with GROUP BY to keep result sets small.
		`, s.handleQuery); err != nil {
		return err
	}
	if err := registerTool(s.mcp, "query_across", `
			Execute one read-only SQL query against several named connections concurrently.
			Each connection reports its own result or failure; one failing backend never
			hides the others.
		`, s.handleQueryAcross); err != nil {
		return err
	}
	if err := registerTool(s.mcp, "test_connection", `
			Probe one named connection and report reachability and round-trip latency.
		`, s.handleTestConnection); err != nil {
		return err
	}
	if err := registerTool(s.mcp, "list_connections", `
			List the configured database connections with their engine kinds.
			Never returns credentials.
		`, s.handleListConnections); err != nil {
		return err
	}
	if err := registerTool(s.mcp, "list_tables", `
			List the tables visible on one named connection, excluding system catalogs.
		`, s.handleListTables); err != nil {
		return err
	}
	if err := registerTool(s.mcp, "describe_table", `
			Describe the columns of one table on a named connection.
		`, s.handleDescribeTable); err != nil {
		return err
	}
	return nil
}

// registerTool wires one typed handler into the MCP server with input and
// output schemas and per-tool metrics.
func registerTool[In, Out any](server *mcp.Server, name, description string, handle func(context.Context, In) (Out, error)) error {
	req, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s input schema: %w", name, err)
	}
	res, err := jsonschema.For[Out](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s output schema: %w", name, err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		startTime := time.Now()
		out, err := handle(ctx, in)
		duration := time.Since(startTime).Seconds()

		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			metrics.ToolCallDuration.WithLabelValues(name).Observe(duration)
			var zero Out
			return nil, zero, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		metrics.ToolCallDuration.WithLabelValues(name).Observe(duration)
		return nil, out, nil
	})
	return nil
}

func (s *Server) handleQuery(ctx context.Context, in QueryInput) (QueryOutput, error) {
	s.log.Debug("mcp/tool: handling query", "connection", in.Connection, "sql", in.SQL)

	result, cached, failure := s.cfg.Gateway.Execute(ctx, in.Connection, in.SQL, gateway.QueryOptions{
		RowLimit:    in.RowLimit,
		Timeout:     time.Duration(in.TimeoutMs) * time.Millisecond,
		BypassCache: in.BypassCache,
	})
	if failure != nil {
		return QueryOutput{}, failure
	}
	return toQueryOutput(result, cached), nil
}

func (s *Server) handleQueryAcross(ctx context.Context, in QueryAcrossInput) (QueryAcrossOutput, error) {
	if len(in.Connections) == 0 {
		return QueryAcrossOutput{}, fmt.Errorf("at least one connection name is required")
	}
	s.log.Debug("mcp/tool: handling query across", "connections", in.Connections, "sql", in.SQL)

	outcomes := s.cfg.Gateway.ExecuteAcross(ctx, in.Connections, in.SQL, gateway.QueryOptions{
		RowLimit: in.RowLimit,
		Timeout:  time.Duration(in.TimeoutMs) * time.Millisecond,
	})

	out := QueryAcrossOutput{Outcomes: make([]OutcomeOutput, 0, len(outcomes))}
	for _, o := range outcomes {
		entry := OutcomeOutput{Connection: o.Connection}
		if o.Failure != nil {
			entry.Failure = &FailureOut{Kind: string(o.Failure.Kind), Reason: o.Failure.Reason}
		} else {
			res := toQueryOutput(o.Result, o.Cached)
			entry.Result = &res
		}
		out.Outcomes = append(out.Outcomes, entry)
	}
	return out, nil
}

func (s *Server) handleTestConnection(ctx context.Context, in ConnectionInput) (TestConnectionOutput, error) {
	report := s.cfg.Gateway.TestConnection(ctx, in.Connection)
	return TestConnectionOutput{
		Connection: report.Connection,
		OK:         report.OK,
		LatencyMs:  report.LatencyMs,
		Reason:     report.Reason,
	}, nil
}

func (s *Server) handleListConnections(_ context.Context, _ ListConnectionsInput) (ListConnectionsOutput, error) {
	infos := s.cfg.Gateway.ListConnections()
	out := ListConnectionsOutput{Connections: make([]ConnectionEntry, 0, len(infos))}
	for _, info := range infos {
		out.Connections = append(out.Connections, ConnectionEntry{
			Name:   info.Name,
			Engine: string(info.Engine),
		})
	}
	return out, nil
}

func (s *Server) handleListTables(ctx context.Context, in ConnectionInput) (ListTablesOutput, error) {
	tables, failure := s.cfg.Gateway.ListTables(ctx, in.Connection)
	if failure != nil {
		return ListTablesOutput{}, failure
	}
	out := ListTablesOutput{Tables: make([]TableEntry, 0, len(tables))}
	for _, t := range tables {
		out.Tables = append(out.Tables, TableEntry{Schema: t.Schema, Name: t.Name})
	}
	return out, nil
}

func (s *Server) handleDescribeTable(ctx context.Context, in DescribeTableInput) (DescribeTableOutput, error) {
	columns, failure := s.cfg.Gateway.DescribeTable(ctx, in.Connection, in.Table)
	if failure != nil {
		return DescribeTableOutput{}, failure
	}
	out := DescribeTableOutput{Table: in.Table, Columns: make([]ColumnEntry, 0, len(columns))}
	for _, c := range columns {
		out.Columns = append(out.Columns, ColumnEntry{
			Name:     c.Name,
			DataType: c.DataType,
			Nullable: c.Nullable,
		})
	}
	return out, nil
}

// toQueryOutput converts a canonical result to the keyed row form the tool
// schema exposes.
func toQueryOutput(result *executor.Result, cached bool) QueryOutput {
	columns := make([]string, len(result.Columns))
	types := make([]string, len(result.Columns))
	for i, c := range result.Columns {
		columns[i] = c.Name
		types[i] = string(c.Type)
	}
	rows := make([]QueryRow, 0, len(result.Rows))
	for _, row := range result.Rows {
		keyed := make(QueryRow, len(columns))
		for i, name := range columns {
			keyed[name] = row[i]
		}
		rows = append(rows, keyed)
	}
	return QueryOutput{
		Connection:  result.Connection,
		Columns:     columns,
		ColumnTypes: types,
		Rows:        rows,
		RowCount:    result.RowCount,
		Truncated:   result.Truncated,
		ElapsedMs:   result.ElapsedMs,
		Cached:      cached,
	}
}
