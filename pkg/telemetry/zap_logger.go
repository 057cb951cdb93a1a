package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// ZapLogger adapts *zap.SugaredLogger to the Logger interface. Keyvals are
// forwarded as structured fields, matching zap's SugaredLogger convention of
// alternating key/value pairs.
type ZapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger constructs a Logger backed by the given zap logger. A nil
// logger is replaced by zap.NewNop().
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l.Sugar()}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (z *ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	z.l.Debugw(msg, keyvals...)
}

// Info emits an info-level log message with structured key-value pairs.
func (z *ZapLogger) Info(_ context.Context, msg string, keyvals ...any) {
	z.l.Infow(msg, keyvals...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (z *ZapLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	z.l.Warnw(msg, keyvals...)
}

// Error emits an error-level log message with structured key-value pairs.
func (z *ZapLogger) Error(_ context.Context, msg string, keyvals ...any) {
	z.l.Errorw(msg, keyvals...)
}
