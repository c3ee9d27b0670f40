package executor

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/querygate/querygate/internal/registry"
)

// Type is one of the canonical scalar kinds every engine-native value is
// coerced into before leaving this layer.
type Type string

const (
	TypeInteger   Type = "integer"
	TypeFloat     Type = "float"
	TypeString    Type = "string"
	TypeBoolean   Type = "boolean"
	TypeNull      Type = "null"
	TypeTimestamp Type = "timestamp"
)

// Column is name plus the inferred canonical type. The type is inferred from
// the first non-null value in the column; a column that is null throughout
// stays TypeNull.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Result is the canonical tabular representation shared by all engines. Rows
// are positional, aligned with Columns.
//
// Truncated is a heuristic: it is set when the returned row count equals the
// limit actually applied, so a result whose true size coincides with the
// limit is also flagged.
type Result struct {
	Columns    []Column `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	Truncated  bool     `json:"truncated"`
	ElapsedMs  int64    `json:"elapsed_ms"`
	Connection string   `json:"connection_name"`
}

// normalizeRows drains rows into canonical form, reading at most limit rows
// (limit <= 0 means unbounded). Column order from the driver is preserved.
func normalizeRows(rows *sql.Rows, engine registry.EngineKind, limit int) ([]Column, [][]any, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get columns: %w", err)
	}

	columns := make([]Column, len(names))
	for i, name := range names {
		columns[i] = Column{Name: name, Type: TypeNull}
	}

	out := make([][]any, 0)
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make([]any, len(names))
		for i, raw := range values {
			v, t := coerce(raw, engine)
			row[i] = v
			if columns[i].Type == TypeNull && t != TypeNull {
				columns[i].Type = t
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return columns, out, nil
}

// coerce maps an engine-native value to exactly one canonical scalar.
// Unmappable native types degrade to a best-effort string rather than
// failing the result. The engine kind is carried for engine-specific rules;
// today the driver layer hands back Go natives for all three engines and the
// shared rules below cover them.
func coerce(v any, _ registry.EngineKind) (any, Type) {
	switch x := v.(type) {
	case nil:
		return nil, TypeNull
	case bool:
		return x, TypeBoolean
	case int:
		return int64(x), TypeInteger
	case int8:
		return int64(x), TypeInteger
	case int16:
		return int64(x), TypeInteger
	case int32:
		return int64(x), TypeInteger
	case int64:
		return x, TypeInteger
	case uint:
		return coerceUint(uint64(x))
	case uint8:
		return int64(x), TypeInteger
	case uint16:
		return int64(x), TypeInteger
	case uint32:
		return int64(x), TypeInteger
	case uint64:
		return coerceUint(x)
	case float32:
		return float64(x), TypeFloat
	case float64:
		return x, TypeFloat
	case string:
		return x, TypeString
	case []byte:
		return string(x), TypeString
	case time.Time:
		return x.UTC(), TypeTimestamp
	default:
		return fmt.Sprintf("%v", x), TypeString
	}
}

// coerceUint keeps unsigned values in the integer kind while they fit;
// clickhouse UInt64 counters can exceed int64 and degrade to string.
func coerceUint(x uint64) (any, Type) {
	if x > math.MaxInt64 {
		return fmt.Sprintf("%d", x), TypeString
	}
	return int64(x), TypeInteger
}
