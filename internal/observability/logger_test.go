// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/webext-auto/internal/config"
	"go.uber.org/zap/zapcore"
)

// bufferSink adapts a bytes.Buffer to zapcore.WriteSyncer.
type bufferSink struct{ bytes.Buffer }

func (b *bufferSink) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		sink := &bufferSink{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "relay-test",
			Colors:      config.ColorConfig{Info: "green"},
		}, sink)
		GetLogger().Info("tab bound")
		Sync()

		output := sink.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "tab bound")
		assert.Contains(t, output, "relay-test.")
		assert.Contains(t, output, ansi["green"])
		assert.Contains(t, output, colorReset)
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		sink := &bufferSink{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "svc"}, sink)
		GetLogger().Warn("dropped envelope")
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(sink.Bytes()), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "dropped envelope", entry["msg"])
		assert.Equal(t, "svc", entry["logger"])
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		first, second := &bufferSink{}, &bufferSink{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, first)
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, second)
		GetLogger().Info("hello")

		assert.NotEmpty(t, first.String())
		assert.Empty(t, second.String())
	})
}

func TestNew_LevelAndFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "webext.log")
	sink := &bufferSink{}

	logger := New(config.LoggerConfig{Level: "not-a-level", Format: "json", LogFile: logFile, MaxSize: 1}, sink)
	logger.Debug("suppressed")
	logger.Info("kept")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, sink.String(), "suppressed", "invalid levels fall back to info")
	assert.Contains(t, sink.String(), "kept")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"kept"`))
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		logger := GetLogger()
		require.NotNil(t, logger)
		assert.Equal(t, "fallback", logger.Name())
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "global"}, zapcore.AddSync(&bytes.Buffer{}))
		assert.Equal(t, "global", GetLogger().Name())
	})
}
