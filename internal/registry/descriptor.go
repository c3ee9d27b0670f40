package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// EngineKind identifies the database engine behind a connection.
type EngineKind string

const (
	EnginePostgres   EngineKind = "postgres"
	EngineClickhouse EngineKind = "clickhouse"
	EngineDuckDB     EngineKind = "duckdb"
)

// ParseEngine maps a configuration string to an EngineKind.
func ParseEngine(s string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql":
		return EnginePostgres, nil
	case "clickhouse":
		return EngineClickhouse, nil
	case "duckdb", "sqlite": // duckdb serves as the embedded engine
		return EngineDuckDB, nil
	default:
		return "", fmt.Errorf("unknown engine kind: %q", s)
	}
}

const redactedPlaceholder = "[REDACTED]"

// Secret holds a credential that must never leave the registry in plaintext.
// It redacts itself when formatted, logged, or serialized; callers that need
// the real value use Reveal.
type Secret string

func (s Secret) String() string { return redactedPlaceholder }

func (s Secret) LogValue() slog.Value { return slog.StringValue(redactedPlaceholder) }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redactedPlaceholder) }

func (s Secret) Reveal() string { return string(s) }

// Redact replaces any occurrence of the secret's plaintext in msg. Used to
// scrub driver errors before they leave this layer.
func (s Secret) Redact(msg string) string {
	if s == "" {
		return msg
	}
	return strings.ReplaceAll(msg, string(s), redactedPlaceholder)
}

// Descriptor describes one named backend. Immutable after load; the registry
// owns the only copies.
type Descriptor struct {
	Name     string
	Engine   EngineKind
	Host     string
	Port     int
	Database string
	Username string
	Password Secret

	// Schema, when set, requires statements to qualify bare table references
	// with this schema.
	Schema string

	PoolSize         int
	StatementTimeout time.Duration
}

const (
	defaultPoolSize         = 4
	defaultStatementTimeout = 30 * time.Second
)

func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("connection name is required")
	}
	if d.Engine == "" {
		return fmt.Errorf("engine kind is required for connection %q", d.Name)
	}
	switch d.Engine {
	case EnginePostgres, EngineClickhouse:
		if d.Host == "" {
			return fmt.Errorf("host is required for connection %q", d.Name)
		}
		if d.Database == "" {
			return fmt.Errorf("database is required for connection %q", d.Name)
		}
		if d.Port == 0 {
			if d.Engine == EnginePostgres {
				d.Port = 5432
			} else {
				d.Port = 9000
			}
		}
	case EngineDuckDB:
		// Database is a file path, or empty for in-memory.
	default:
		return fmt.Errorf("unknown engine kind %q for connection %q", d.Engine, d.Name)
	}
	if d.PoolSize <= 0 {
		d.PoolSize = defaultPoolSize
	}
	if d.StatementTimeout <= 0 {
		d.StatementTimeout = defaultStatementTimeout
	}
	return nil
}

// open creates the engine-specific database handle for this descriptor. The
// returned handle carries the descriptor's pool-size limit.
func (d *Descriptor) open() (*sql.DB, error) {
	var db *sql.DB
	var err error
	switch d.Engine {
	case EnginePostgres:
		db, err = sql.Open("pgx", d.postgresDSN())
	case EngineClickhouse:
		db = clickhouse.OpenDB(&clickhouse.Options{
			Addr: []string{fmt.Sprintf("%s:%d", d.Host, d.Port)},
			Auth: clickhouse.Auth{
				Database: d.Database,
				Username: d.Username,
				Password: d.Password.Reveal(),
			},
			DialTimeout: 5 * time.Second,
		})
	case EngineDuckDB:
		path := d.Database
		if path == ":memory:" {
			path = ""
		}
		db, err = sql.Open("duckdb", path)
	default:
		return nil, fmt.Errorf("unknown engine kind %q", d.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s handle: %w", d.Engine, err)
	}
	db.SetMaxOpenConns(d.PoolSize)
	db.SetMaxIdleConns(d.PoolSize)
	return db, nil
}

func (d *Descriptor) postgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Database,
	}
	if d.Username != "" {
		u.User = url.UserPassword(d.Username, d.Password.Reveal())
	}
	return u.String()
}
