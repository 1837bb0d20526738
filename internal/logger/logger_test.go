package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"otprelay/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("非法级别回退到 info", func(t *testing.T) {
		l, err := NewLogger(Config{Level: "verbose"})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("写入日志文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "relay.log")
		l, err := NewLogger(FromConfig(config.LogConfig{Level: "debug", File: file}))
		require.NoError(t, err)

		l.Info("hello")
		_ = l.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"hello"`)
	})
}
