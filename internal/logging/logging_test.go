package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ipe-fpga/pcilib/internal/config"
	"github.com/ipe-fpga/pcilib/internal/logging"
)

func TestNew(t *testing.T) {
	t.Run("production", func(t *testing.T) {
		logger, err := logging.New(config.Log{Level: "warn"})
		require.NoError(t, err)

		assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	})

	t.Run("development", func(t *testing.T) {
		logger, err := logging.New(config.Log{Development: true})
		require.NoError(t, err)

		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := logging.New(config.Log{Level: "loud"})
		assert.Error(t, err)
	})
}
