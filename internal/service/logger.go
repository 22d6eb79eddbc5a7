package service

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger.
// Usage: service.Logger.Info("order submitted", zap.String("order_ref", ref))
var Logger *zap.Logger

func init() {
	// packages may log before main calls InitLogger (tests, tools)
	Logger = zap.NewNop()
}

// InitLogger builds the production zap logger. level accepts debug/info/warn/error,
// empty means info.
func InitLogger(level string) {
	config := zap.NewProductionConfig()

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			log.Fatalf("Invalid log level %q: %v", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	var err error
	Logger, err = config.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
}

// InstanceLogger returns a sugared logger tagged with the instance name.
func InstanceLogger(instance string) *zap.SugaredLogger {
	return Logger.With(zap.String("Instance", instance)).Sugar()
}
