package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConnectionsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDescriptors_FromFile(t *testing.T) {
	path := writeConnectionsFile(t, `
connections:
  - name: iris_db
    engine: postgres
    host: db.internal
    port: 5433
    database: iris
    username: reader
    password: hunter2
    schema: public
    pool_size: 8
    statement_timeout: 10s
  - name: events
    engine: clickhouse
    host: ch.internal
    database: events
`)

	descriptors, err := LoadDescriptors(path)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	iris := descriptors[0]
	require.Equal(t, "iris_db", iris.Name)
	require.Equal(t, EnginePostgres, iris.Engine)
	require.Equal(t, 5433, iris.Port)
	require.Equal(t, "reader", iris.Username)
	require.Equal(t, "hunter2", iris.Password.Reveal())
	require.Equal(t, "public", iris.Schema)
	require.Equal(t, 8, iris.PoolSize)
	require.Equal(t, 10*time.Second, iris.StatementTimeout)

	require.Equal(t, EngineClickhouse, descriptors[1].Engine)
}

func TestLoadDescriptors_EnvOnly(t *testing.T) {
	t.Setenv("DB_TITANIC_ENGINE", "duckdb")
	t.Setenv("DB_TITANIC_DATABASE", ":memory:")
	t.Setenv("DB_TITANIC_POOL_SIZE", "2")
	t.Setenv("DB_TITANIC_STATEMENT_TIMEOUT", "15s")

	descriptors, err := LoadDescriptors("")
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	d := descriptors[0]
	require.Equal(t, "titanic", d.Name)
	require.Equal(t, EngineDuckDB, d.Engine)
	require.Equal(t, 2, d.PoolSize)
	require.Equal(t, 15*time.Second, d.StatementTimeout)
}

func TestLoadDescriptors_EnvOverridesFile(t *testing.T) {
	path := writeConnectionsFile(t, `
connections:
  - name: iris_db
    engine: postgres
    host: db.internal
    database: iris
    password: from-file
`)
	t.Setenv("DB_IRIS_DB_PASSWORD", "from-env")
	t.Setenv("DB_IRIS_DB_HOST", "replica.internal")

	descriptors, err := LoadDescriptors(path)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	require.Equal(t, "from-env", descriptors[0].Password.Reveal())
	require.Equal(t, "replica.internal", descriptors[0].Host)
	require.Equal(t, "iris", descriptors[0].Database)
}

func TestLoadDescriptors_InvalidValues(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		path := writeConnectionsFile(t, "connections: [not a mapping")
		_, err := LoadDescriptors(path)
		require.Error(t, err)
	})

	t.Run("bad engine", func(t *testing.T) {
		path := writeConnectionsFile(t, `
connections:
  - name: x
    engine: mongodb
`)
		_, err := LoadDescriptors(path)
		require.Error(t, err)
	})

	t.Run("bad env port", func(t *testing.T) {
		t.Setenv("DB_X_ENGINE", "postgres")
		t.Setenv("DB_X_PORT", "not-a-port")
		_, err := LoadDescriptors("")
		require.Error(t, err)
	})
}
