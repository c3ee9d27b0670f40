package gateway

import (
	"context"
	"fmt"
	"regexp"

	"github.com/querygate/querygate/internal/executor"
	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/sqlcheck"
)

// introspectionRowLimit bounds schema listings so a very wide catalog still
// returns, without clipping realistic databases.
const introspectionRowLimit = 5000

// identRe matches a bare or schema-qualified identifier. Table names are
// interpolated into introspection SQL, so anything else is refused up front.
var identRe = regexp.MustCompile(`^[A-Za-z_][\w$]*(\.[A-Za-z_][\w$]*)?$`)

// TableInfo is one entry in a connection's table listing.
type TableInfo struct {
	Schema string `json:"schema,omitempty"`
	Name   string `json:"name"`
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// ListTables returns the tables visible on a connection, excluding system
// catalogs.
func (g *Gateway) ListTables(ctx context.Context, connection string) ([]TableInfo, *Failure) {
	desc, err := g.cfg.Registry.Descriptor(connection)
	if err != nil {
		return nil, g.classify(err)
	}

	var sqlText string
	switch desc.Engine {
	case registry.EngineClickhouse:
		sqlText = "SELECT database, name FROM system.tables WHERE database = currentDatabase() ORDER BY name"
	default:
		sqlText = "SELECT table_schema, table_name FROM information_schema.tables " +
			"WHERE table_schema NOT IN ('pg_catalog', 'information_schema') " +
			"ORDER BY table_schema, table_name"
	}

	result, failure := g.runInternal(ctx, desc, sqlText)
	if failure != nil {
		return nil, failure
	}

	tables := make([]TableInfo, 0, result.RowCount)
	for _, row := range result.Rows {
		tables = append(tables, TableInfo{
			Schema: asString(row[0]),
			Name:   asString(row[1]),
		})
	}
	return tables, nil
}

// DescribeTable returns the column layout of one table. The table name must
// be a plain identifier, optionally schema-qualified.
func (g *Gateway) DescribeTable(ctx context.Context, connection, table string) ([]ColumnInfo, *Failure) {
	if !identRe.MatchString(table) {
		return nil, &Failure{
			Kind:   KindValidationRejected,
			Reason: fmt.Sprintf("invalid table name %q", table),
		}
	}
	desc, err := g.cfg.Registry.Descriptor(connection)
	if err != nil {
		return nil, g.classify(err)
	}

	schema, name := splitQualified(table)
	var sqlText string
	switch desc.Engine {
	case registry.EngineClickhouse:
		sqlText = fmt.Sprintf(
			"SELECT name, type, type LIKE 'Nullable(%%' FROM system.columns WHERE database = currentDatabase() AND table = '%s' ORDER BY position",
			name)
	default:
		sqlText = fmt.Sprintf(
			"SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_name = '%s'",
			name)
		if schema != "" {
			sqlText += fmt.Sprintf(" AND table_schema = '%s'", schema)
		}
		sqlText += " ORDER BY ordinal_position"
	}

	result, failure := g.runInternal(ctx, desc, sqlText)
	if failure != nil {
		return nil, failure
	}
	if result.RowCount == 0 {
		return nil, &Failure{
			Kind:   KindNotFound,
			Reason: fmt.Sprintf("table %q not found on connection %q", table, connection),
		}
	}

	columns := make([]ColumnInfo, 0, result.RowCount)
	for _, row := range result.Rows {
		columns = append(columns, ColumnInfo{
			Name:     asString(row[0]),
			DataType: asString(row[1]),
			Nullable: nullableFromCatalog(row[2]),
		})
	}
	return columns, nil
}

// runInternal executes trusted introspection SQL directly, bypassing the
// cache and the statement validator. The SQL here is built from vetted
// identifiers only.
func (g *Gateway) runInternal(ctx context.Context, desc *registry.Descriptor, sqlText string) (*executor.Result, *Failure) {
	stmt := &sqlcheck.Statement{SQL: sqlText, Connection: desc.Name, Limit: -1}
	result, err := g.cfg.Executor.Execute(ctx, stmt, desc.Name, executor.Options{
		RowLimit: introspectionRowLimit,
	})
	if err != nil {
		return nil, g.classify(err)
	}
	return result, nil
}

func splitQualified(table string) (schema, name string) {
	for i := 0; i < len(table); i++ {
		if table[i] == '.' {
			return table[:i], table[i+1:]
		}
	}
	return "", table
}

// nullableFromCatalog folds the engines' nullability representations into a
// bool: information_schema reports YES/NO, clickhouse's type LIKE predicate
// yields 0/1, and some drivers scan it as a native bool.
func nullableFromCatalog(v any) bool {
	switch asString(v) {
	case "YES", "1", "true":
		return true
	}
	return false
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
