package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a zap logger: JSON with ISO8601 "ts" in production, colored
// console output otherwise. fields are attached to every entry, typically the
// binary name and version.
func New(env string, fields ...zap.Field) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.With(fields...), nil
}

// Must panics if the logger cannot be initialized. Useful in main().
func Must(env string, fields ...zap.Field) *zap.Logger {
	log, err := New(env, fields...)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	return log
}

// Component returns the conventional fields identifying a binary.
func Component(name, version string) []zap.Field {
	return []zap.Field{zap.String("component", name), zap.String("version", version)}
}
