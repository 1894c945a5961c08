// Package mlog provides logging with levels and structured fields on top of
// log/slog.
//
// Each package gets its own Log instance with a "pkg" field. Connection
// handlers typically derive a Log with WithFunc to add fields like a
// connection id and time since the previous log line.
//
// Log levels can be configured per package. The configuration is
// process-global.
package mlog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// LevelTrace is for protocol traces, below slog.LevelDebug. Traceauth
// additionally includes lines with credentials, tracedata includes message
// data transferred over a connection.
const (
	LevelTrace     slog.Level = -8
	LevelTraceauth slog.Level = -12
	LevelTracedata slog.Level = -16
)

var Levels = map[string]slog.Level{
	"error":     slog.LevelError,
	"warn":      slog.LevelWarn,
	"info":      slog.LevelInfo,
	"debug":     slog.LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// Holds a map[string]slog.Level, mapping a package (field pkg) to a log
// level. The empty string is the default/fallback level.
var config atomic.Value

var defaultHandler atomic.Value // slog.Handler

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelInfo})
	defaultHandler.Store(slog.Handler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: LevelTracedata})))
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// SetHandler replaces the handler used by Log instances created after this
// call. Used by main for switching output formats, and by tests.
func SetHandler(h slog.Handler) {
	defaultHandler.Store(h)
}

// Log wraps an slog.Logger with the convenience functions used throughout
// this code base.
type Log struct {
	Logger *slog.Logger
	pkg    string
}

// New returns a Log for a package. If logger is nil, the process-wide default
// handler is used. Field "pkg" is added to each line.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(defaultHandler.Load().(slog.Handler))
	}
	return Log{Logger: logger.With(slog.String("pkg", pkg)), pkg: pkg}
}

func (l Log) enabled(level slog.Level) bool {
	c := config.Load().(map[string]slog.Level)
	min, ok := c[l.pkg]
	if !ok {
		min = c[""]
	}
	return level >= min
}

// With returns a Log that adds attrs to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	nl := l
	nl.Logger = slog.New(l.Logger.Handler().WithAttrs(attrs))
	return nl
}

// WithFunc returns a Log that calls fn for each logged line, adding its
// attributes. For fields whose value changes between log calls, like the time
// since the previous line on a connection.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	nl := l
	nl.Logger = slog.New(funcHandler{l.Logger.Handler(), fn})
	return nl
}

type funcHandler struct {
	h  slog.Handler
	fn func() []slog.Attr
}

func (h funcHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h funcHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.h.Handle(ctx, r)
}

func (h funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return funcHandler{h.h.WithAttrs(attrs), h.fn}
}

func (h funcHandler) WithGroup(name string) slog.Handler {
	return funcHandler{h.h.WithGroup(name), h.fn}
}

func (l Log) log(level slog.Level, msg string, err error, attrs []slog.Attr) {
	if !l.enabled(level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) {
	l.log(LevelTrace, msg, nil, attrs)
}

// Traceline logs protocol data read from or written to a connection, at the
// given trace level. Data is logged as the message, after the prefix
// (typically "C: " or "S: ").
func (l Log) Traceline(level slog.Level, prefix string, data []byte) {
	if !l.enabled(level) {
		return
	}
	l.Logger.LogAttrs(context.Background(), level, prefix+string(data))
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.log(slog.LevelDebug, msg, nil, attrs)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelDebug, msg, err, attrs)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.log(slog.LevelInfo, msg, nil, attrs)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelInfo, msg, err, attrs)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.log(slog.LevelError, msg, nil, attrs)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelError, msg, err, attrs)
}

// Check logs an error if err is not nil. Convenient for deferred cleanup
// calls whose failure is worth recording but not handling.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.log(slog.LevelError, msg, err, attrs)
	}
}

// Fatalx logs err and exits the process.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelError, msg, err, attrs)
	os.Exit(1)
}
