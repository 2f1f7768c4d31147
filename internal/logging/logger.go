// Package logging builds the zap loggers used across the ingestion service.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// serviceName tags every production log line so ingestd output is
// attributable when aggregated with other services.
const serviceName = "ingestd"

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.InitialFields = map[string]any{"service": serviceName}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// WithSubsystem returns a child logger named for one subsystem (api,
// scheduler, pipeline, ...). A nil parent yields a no-op logger so wiring
// code does not have to guard it.
func WithSubsystem(logger *zap.Logger, subsystem string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(subsystem)
}
