package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		log, err := New(LogConfig{Level: "debug", Format: format, Output: "stdout"})
		require.NoError(t, err, format)
		require.NotNil(t, log)
	}

	// An unknown level falls back to info rather than failing.
	log, err := New(LogConfig{Level: "loud", Format: "text"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.Equal(t, "info", log.Level())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camstream.log")
	log, err := New(LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("camera connected", "camera_id", "cam-1")
	log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"camera_id":"cam-1"`)
	assert.Contains(t, string(data), `"msg":"camera connected"`)
}

func TestSetLevel_AppliesToChildren(t *testing.T) {
	log, err := New(LogConfig{Level: "warn", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	child := log.With("service", "scheduler")
	assert.False(t, child.Core().Enabled(zapcore.InfoLevel))

	require.NoError(t, log.SetLevel("debug"))
	assert.True(t, child.Core().Enabled(zapcore.DebugLevel))
	assert.Equal(t, "debug", child.Level())

	assert.Error(t, log.SetLevel("chatty"))
	assert.Equal(t, "debug", log.Level())
}

func TestKeyValueFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core)).With("component", "scheduler")

	log.Info("camera connected", "camera_id", "cam-1", "fps", 5)
	log.Error("camera failed", "camera_id", "cam-2", "error", errors.New("dial timeout"))
	log.Warn("odd args", "dangling")

	entries := logs.All()
	require.Len(t, entries, 3)

	first := entries[0].ContextMap()
	assert.Equal(t, "scheduler", first["component"])
	assert.Equal(t, "cam-1", first["camera_id"])
	assert.EqualValues(t, 5, first["fps"])

	second := entries[1].ContextMap()
	assert.Equal(t, "dial timeout", second["error"])

	// A trailing key without a value is dropped.
	assert.Len(t, entries[2].Context, 1)
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.Info("ignored", "k", "v")
	log.With("child", true).Debug("ignored")
	log.Sync()
}
