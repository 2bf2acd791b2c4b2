package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog's debug level for pion's trace output.
const LevelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory routes pion's scoped loggers into log, tagging every
// record with the pion scope (ice, dtls, sctp, pc, ...).
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return loggerFactory{log: log}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l leveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l leveledLogger) emitf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l leveledLogger) Trace(msg string)                  { l.emit(LevelTrace, msg) }
func (l leveledLogger) Tracef(format string, args ...any) { l.emitf(LevelTrace, format, args...) }
func (l leveledLogger) Debug(msg string)                  { l.emit(slog.LevelDebug, msg) }
func (l leveledLogger) Debugf(format string, args ...any) { l.emitf(slog.LevelDebug, format, args...) }
func (l leveledLogger) Info(msg string)                   { l.emit(slog.LevelInfo, msg) }
func (l leveledLogger) Infof(format string, args ...any)  { l.emitf(slog.LevelInfo, format, args...) }
func (l leveledLogger) Warn(msg string)                   { l.emit(slog.LevelWarn, msg) }
func (l leveledLogger) Warnf(format string, args ...any)  { l.emitf(slog.LevelWarn, format, args...) }
func (l leveledLogger) Error(msg string)                  { l.emit(slog.LevelError, msg) }
func (l leveledLogger) Errorf(format string, args ...any) { l.emitf(slog.LevelError, format, args...) }
