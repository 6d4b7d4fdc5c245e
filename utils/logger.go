package utils

import (
	"github.com/nci/eotsv/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a json (production) or console (development) logger.
func NewLogger(level, format string) (*zap.Logger, error) {
	logger, _, err := NewLeveledLogger(level, format)
	return logger, err
}

// NewLeveledLogger is NewLogger also returning the level handle so the
// verbosity can be changed while running.
func NewLeveledLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var config zap.Config
	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, errors.Wrapf(err, "invalid log level %q", level)
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, errors.Wrap(err, "failed to initialize logger")
	}
	return logger, config.Level, nil
}

// NewMetricsLogger returns a rotating file logger when a metrics
// directory is configured and a zap backed logger otherwise.
func NewMetricsLogger(c LoggingConfig, log *zap.Logger) (metrics.Logger, error) {
	if c.MetricsDir == "" {
		return metrics.NewZapLogger(log), nil
	}
	fl, err := metrics.NewFileLogger(c.MetricsDir, c.MaxLogFileSize, c.MaxLogFiles, log)
	if err != nil {
		return nil, err
	}
	return fl, nil
}
