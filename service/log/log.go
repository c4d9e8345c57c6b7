package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	global = newLogger(false)
)

func newLogger(development bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = level
	cfg.DisableStacktrace = !development
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Init replaces the default logger.
// development switches to a human-readable console encoder and the debug level.
func Init(development bool) {
	mu.Lock()
	defer mu.Unlock()
	if development {
		level.SetLevel(zapcore.DebugLevel)
	}
	global = newLogger(development)
}

// SetLevel changes the level of every logger derived from the default one
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Replace sets the default logger (mostly for tests)
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

// Logger returns the logger carried by ctx, or the default one
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
			return l
		}
	}
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// WithLogger returns a context carrying l
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// With adds a key/value to the logger of the context
func With(ctx context.Context, key string, value interface{}) context.Context {
	return WithFields(ctx, zap.Any(key, value))
}

// WithFields adds fields to the logger of the context
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, Logger(ctx).With(fields...))
}

// Fatal logs the message with the default logger and exits
func Fatal(msg string, fields ...zap.Field) {
	l := Logger(context.Background())
	l.Error(msg, fields...)
	_ = l.Sync()
	os.Exit(1)
}
