package logging

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	logger := NewLoggerFrom(base, "orchestrator")
	logger.Warn("Clamped", "message_id", "m1", "completion_tokens", int64(10), "error", errors.New("boom"), "dangling")

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Clamped", entry.Message)
	assert.Equal(t, "orchestrator", entry.Data["component"])
	assert.Equal(t, "m1", entry.Data["message_id"])
	assert.Equal(t, int64(10), entry.Data["completion_tokens"])
	assert.Equal(t, "boom", entry.Data["error"])
	assert.NotContains(t, entry.Data, "dangling")
}

func TestLoggerWith(t *testing.T) {
	base, hook := test.NewNullLogger()

	logger := NewLoggerFrom(base, "worker").With("queue", "recompute")
	logger.Info("Started")
	logger.Error("Failed", "attempt", 2)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "recompute", e.Data["queue"])
	}
	assert.Equal(t, 2, entries[1].Data["attempt"])
}

func TestLoggerLevelFilter(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.InfoLevel)

	logger := NewLoggerFrom(base, "test")
	logger.Debug("hidden")
	logger.Info("shown")

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "shown", hook.LastEntry().Message)
}

func TestSetup(t *testing.T) {
	defer func() {
		_, _ = Setup(Options{Level: "info", Format: "json"})
	}()

	closer, err := Setup(Options{Level: "debug", Format: "text"})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.Equal(t, logrus.DebugLevel, Base().GetLevel())

	closer, err = Setup(Options{
		Level:      "warn",
		Format:     "json",
		File:       filepath.Join(t.TempDir(), "meterd.log"),
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	})
	require.NoError(t, err)
	NewLogger("setup").Warn("written to file")
	assert.NoError(t, closer.Close())

	_, err = Setup(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = Setup(Options{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
