package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentPlainHandlers(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	for _, format := range []string{"text", "json"} {
		shutdown, err := Instrument(context.Background(), slog.LevelWarn, format, ExporterNone)
		require.NoError(t, err)
		assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
		assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelError))
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestInstrumentRejectsUnknownSettings(t *testing.T) {
	_, err := Instrument(context.Background(), slog.LevelInfo, "xml", ExporterNone)
	require.Error(t, err)

	_, err = Instrument(context.Background(), slog.LevelInfo, "text", "carrier-pigeon")
	require.Error(t, err)
}

func TestInstrumentStdoutExporter(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	shutdown, err := Instrument(context.Background(), slog.LevelInfo, "text", ExporterStdout)
	require.NoError(t, err)
	slog.Info("pipeline check")
	require.NoError(t, shutdown(context.Background()))
}
