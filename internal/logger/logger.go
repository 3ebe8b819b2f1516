// Package logger builds the zap logger shared by the server and carries
// request-scoped loggers through a context.
package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// New builds a JSON logger writing to stdout and, if file is set, appending to file.
// The returned level can be changed at runtime. An unknown level falls back to info.
// The caller must call closeFn once the logger is no longer used; it releases the file.
func New(service, level, file string) (log *zap.Logger, atom zap.AtomicLevel, closeFn func(), err error) {
	atom = zap.NewAtomicLevelAt(ParseLevel(level))

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	paths := []string{"stdout"}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, atom, nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		paths = append(paths, file)
	}
	sink, closeFn, err := zap.Open(paths...)
	if err != nil {
		return nil, atom, nil, fmt.Errorf("failed to open log output: %w", err)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, atom)
	log = zap.New(core, zap.AddCaller()).With(zap.String("service", service))
	return log, atom, closeFn, nil
}

// ParseLevel maps debug/info/warn/error to a zap level, defaulting to info
func ParseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zap.InfoLevel
	}
	return l
}

// WithContext stores log in ctx
func WithContext(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored by WithContext, or fallback when there is none
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return log
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}
