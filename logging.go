package jobqueue

import (
	"context"
	"reflect"

	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/zap"
)

// zlogFallback is the type zlog hands out when a context carries no logger.
// That logger prints through package log, so it is never used for tracing.
var zlogFallback = reflect.TypeOf(lg.FromContext(context.Background()))

// traceLogger returns the logger attached to ctx with lg.Attach, or base
// wrapped as a zlog logger when there is none.
func traceLogger(ctx context.Context, base *zap.Logger) lg.ZLogger {
	if l := lg.FromContext(ctx); reflect.TypeOf(l) != zlogFallback {
		return l
	}
	return zapTrace{base}
}

// zapTrace adapts a *zap.Logger to lg.ZLogger. lg.Field is zapcore.Field,
// so fields pass through as they are.
type zapTrace struct{ l *zap.Logger }

func (z zapTrace) Debug(msg string, fields ...lg.Field) { z.l.Debug(msg, fields...) }
func (z zapTrace) Info(msg string, fields ...lg.Field)  { z.l.Info(msg, fields...) }
func (z zapTrace) Warn(msg string, fields ...lg.Field)  { z.l.Warn(msg, fields...) }
func (z zapTrace) Error(msg string, fields ...lg.Field) { z.l.Error(msg, fields...) }
func (z zapTrace) Sync() error                          { return z.l.Sync() }

func (z zapTrace) With(fields ...lg.Field) lg.ZLogger {
	return zapTrace{z.l.With(fields...)}
}
