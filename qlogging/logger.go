// Package qlogging provides a leveled, context-attached logging
// interface over logrus, mirroring the teacher repository's
// context.Logger/WithLogger pattern so connection and packet-level
// code can log through an ambient logger instead of a global one.
package qlogging

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

// Logger provides a leveled-logging interface.
type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})
	Println(args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugln(args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infoln(args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnln(args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorln(args ...interface{})
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLoggerWithField returns a logger with the given field attached,
// without affecting ctx. Extra keys, if given, are resolved from ctx
// and included as fields.
func GetLoggerWithField(ctx context.Context, key, value interface{}, keys ...interface{}) Logger {
	return &entry{getLogrusEntry(ctx, keys...).WithField(fmt.Sprint(key), value)}
}

// GetLoggerWithFields returns a logger with the given fields attached,
// without affecting ctx.
func GetLoggerWithFields(ctx context.Context, fields map[string]interface{}, keys ...interface{}) Logger {
	return &entry{getLogrusEntry(ctx, keys...).WithFields(logrus.Fields(fields))}
}

// GetLogger returns the logger attached to ctx, if present, falling
// back to the standard logger. If keys are given, they are resolved
// from ctx and included as fields.
func GetLogger(ctx context.Context, keys ...interface{}) Logger {
	return &entry{getLogrusEntry(ctx, keys...)}
}

func getLogrusEntry(ctx context.Context, keys ...interface{}) *logrus.Entry {
	var base *logrus.Entry
	if v := ctx.Value(loggerKey{}); v != nil {
		if e, ok := v.(*entry); ok {
			base = e.Entry
		}
	}
	if base == nil {
		base = logrus.NewEntry(logrus.StandardLogger())
	}

	fields := logrus.Fields{}
	for _, key := range keys {
		if v := ctx.Value(key); v != nil {
			fields[fmt.Sprint(key)] = v
		}
	}
	return base.WithFields(fields)
}

var _ Logger = (*entry)(nil)

type entry struct {
	*logrus.Entry
}

func (e *entry) Print(args ...interface{})                 { e.Entry.Print(args...) }
func (e *entry) Printf(format string, args ...interface{}) { e.Entry.Printf(format, args...) }
func (e *entry) Println(args ...interface{})               { e.Entry.Println(args...) }
func (e *entry) Debug(args ...interface{})                 { e.Entry.Debug(args...) }
func (e *entry) Debugf(format string, args ...interface{}) { e.Entry.Debugf(format, args...) }
func (e *entry) Debugln(args ...interface{})               { e.Entry.Debugln(args...) }
func (e *entry) Info(args ...interface{})                  { e.Entry.Info(args...) }
func (e *entry) Infof(format string, args ...interface{})  { e.Entry.Infof(format, args...) }
func (e *entry) Infoln(args ...interface{})                { e.Entry.Infoln(args...) }
func (e *entry) Warn(args ...interface{})                  { e.Entry.Warn(args...) }
func (e *entry) Warnf(format string, args ...interface{})  { e.Entry.Warnf(format, args...) }
func (e *entry) Warnln(args ...interface{})                { e.Entry.Warnln(args...) }
func (e *entry) Error(args ...interface{})                 { e.Entry.Error(args...) }
func (e *entry) Errorf(format string, args ...interface{}) { e.Entry.Errorf(format, args...) }
func (e *entry) Errorln(args ...interface{})               { e.Entry.Errorln(args...) }
