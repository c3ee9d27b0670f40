package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/querygate/querygate/internal/executor"
	"github.com/querygate/querygate/internal/fanout"
	"github.com/querygate/querygate/internal/gateway"
	"github.com/querygate/querygate/internal/querycache"
	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/sqlcheck"
	"github.com/querygate/querygate/pkg/logger"
)

func newTestServer(t *testing.T, tokens []string) *Server {
	t.Helper()
	log := logger.New(false)

	reg, err := registry.New(registry.Config{
		Logger: log,
		Descriptors: []registry.Descriptor{
			{Name: "mem", Engine: registry.EngineDuckDB, Database: ":memory:"},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reg.Close()) })

	validator, err := sqlcheck.New(sqlcheck.Config{})
	require.NoError(t, err)
	exec, err := executor.New(executor.Config{Logger: log, Registry: reg})
	require.NoError(t, err)
	cache, err := querycache.New(querycache.Config{Logger: log})
	require.NoError(t, err)
	t.Cleanup(cache.Stop)
	coordinator, err := fanout.New(fanout.Config{Logger: log})
	require.NoError(t, err)
	t.Cleanup(coordinator.Stop)

	gw, err := gateway.New(gateway.Config{
		Logger:      log,
		Registry:    reg,
		Validator:   validator,
		Executor:    exec,
		Cache:       cache,
		Coordinator: coordinator,
	})
	require.NoError(t, err)

	s, err := New(Config{
		Logger:        log,
		Gateway:       gw,
		Registry:      reg,
		Version:       "test",
		ListenAddr:    "127.0.0.1:0",
		AllowedTokens: tokens,
	})
	require.NoError(t, err)
	return s
}

func TestServer_ConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		cfg := Config{}
		require.Error(t, cfg.Validate())
	})

	t.Run("defaults filled", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, nil)
		require.Equal(t, 5*time.Second, s.cfg.ReadHeaderTimeout)
		require.Equal(t, 5*time.Second, s.cfg.ShutdownTimeout)
	})
}

func TestServer_AuthMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, []string{"token-a", "token-b"})
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer  ", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer token-a", http.StatusOK},
		{"second valid token", "Bearer token-b", http.StatusOK},
		{"case-insensitive scheme", "bearer token-a", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_ReadyzProbesConnections(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.readyzHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ToQueryOutput(t *testing.T) {
	t.Parallel()

	result := &executor.Result{
		Columns: []executor.Column{
			{Name: "id", Type: executor.TypeInteger},
			{Name: "name", Type: executor.TypeString},
		},
		Rows:       [][]any{{int64(1), "a"}, {int64(2), "b"}},
		RowCount:   2,
		Truncated:  true,
		ElapsedMs:  7,
		Connection: "mem",
	}

	out := toQueryOutput(result, true)
	require.Equal(t, []string{"id", "name"}, out.Columns)
	require.Equal(t, []string{"integer", "string"}, out.ColumnTypes)
	require.Len(t, out.Rows, 2)
	require.Equal(t, int64(1), out.Rows[0]["id"])
	require.Equal(t, "b", out.Rows[1]["name"])
	require.True(t, out.Truncated)
	require.True(t, out.Cached)
	require.Equal(t, "mem", out.Connection)
}

func TestServer_HandleQuery(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)

	out, err := s.handleQuery(t.Context(), QueryInput{
		Connection: "mem",
		SQL:        "SELECT 1 AS one",
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.RowCount)
	require.Equal(t, int64(1), out.Rows[0]["one"])

	_, err = s.handleQuery(t.Context(), QueryInput{
		Connection: "mem",
		SQL:        "DROP TABLE x",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "validation_rejected")
}
