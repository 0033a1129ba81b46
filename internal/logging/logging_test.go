package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Options{RingSize: 100})
	require.NoError(t, err)
	prev := slog.Default()
	prevLevel := Level.Level()
	m.Install()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		Level.Set(prevLevel)
		_ = m.Close()
	})
	return m
}

func TestManager_RecordsToRing(t *testing.T) {
	m := newTestManager(t)

	log := slog.With(LoggerKey, "scheduler")
	log.Info("command dispatched", "command", "echo")

	out := m.Ring().Snapshot(Filter{})
	require.Len(t, out, 1)
	assert.Equal(t, "command dispatched", out[0].Message)
	assert.Equal(t, "scheduler", out[0].Logger)
	assert.Equal(t, "echo", out[0].Attrs["command"])
	assert.NotContains(t, out[0].Attrs, LoggerKey)
}

func TestManager_GlobalLevelFilters(t *testing.T) {
	m := newTestManager(t)

	slog.Debug("hidden")
	slog.Info("visible")

	out := m.Ring().Snapshot(Filter{})
	require.Len(t, out, 1)
	assert.Equal(t, "visible", out[0].Message)
}

func TestManager_PerLoggerOverride(t *testing.T) {
	m := newTestManager(t)
	m.SetLoggerLevel("hubclient", slog.LevelDebug)

	slog.With(LoggerKey, "hubclient").Debug("chatty")
	slog.With(LoggerKey, "scheduler").Debug("quiet")

	out := m.Ring().Snapshot(Filter{})
	require.Len(t, out, 1)
	assert.Equal(t, "chatty", out[0].Message)

	m.ClearLoggerLevel("hubclient")
	assert.Equal(t, Level.Level(), m.EffectiveLevel("hubclient"))
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(t)

	slog.Info("one")
	slog.Warn("two")
	slog.Error("three")

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Info)
	assert.Equal(t, int64(1), stats.Warn)
	assert.Equal(t, int64(1), stats.Error)
	assert.Equal(t, 3, stats.RingSize)
}

func TestManager_OnErrorHook(t *testing.T) {
	m := newTestManager(t)

	var got []Record
	hook := func(r Record) { got = append(got, r) }
	m.OnError.Store(&hook)

	slog.Warn("not an error")
	slog.Error("boom", "detail", 1)

	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].Message)
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
