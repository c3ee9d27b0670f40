package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	log := New(false)
	require.NotNil(t, log)
	require.True(t, log.Enabled(context.Background(), slog.LevelInfo))
	require.False(t, log.Enabled(context.Background(), slog.LevelDebug))

	verbose := New(true)
	require.True(t, verbose.Enabled(context.Background(), slog.LevelDebug))
}
