// Package logging builds the zap logger of pcitool.
package logging

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib/internal/config"
)

// New builds a production logger, or a development one if cfg.Development is set, at
// cfg.Level.
func New(cfg config.Log) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	if cfg.Development {
		logConfig = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		logConfig.Level = level
	}

	logConfig.OutputPaths = []string{"stderr"}

	return logConfig.Build()
}
