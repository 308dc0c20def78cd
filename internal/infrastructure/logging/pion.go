package logging

import (
	"context"
	"fmt"
	"log/slog"

	pionlogging "github.com/pion/logging"
)

// LevelTrace sits below debug for per-packet logging.
const LevelTrace = slog.LevelDebug - 4

// PionFactory exposes a Logger as a pion LoggerFactory so components
// written against pion's LeveledLogger log through the same handler.
type PionFactory struct {
	Logger *Logger
}

// NewLogger returns a leveled logger tagged with scope.
func (f PionFactory) NewLogger(scope string) pionlogging.LeveledLogger {
	base := f.Logger
	if base == nil {
		base = Default()
	}
	return &pionLogger{log: base.With("component", scope).Logger}
}

// pionLogger adapts slog to pion's printf-style interface.
type pionLogger struct {
	log *slog.Logger
}

func (p *pionLogger) emit(level slog.Level, msg string) {
	p.log.Log(context.Background(), level, msg)
}

func (p *pionLogger) emitf(level slog.Level, format string, args ...any) {
	if !p.log.Enabled(context.Background(), level) {
		return
	}
	p.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (p *pionLogger) Trace(msg string)               { p.emit(LevelTrace, msg) }
func (p *pionLogger) Tracef(format string, a ...any) { p.emitf(LevelTrace, format, a...) }
func (p *pionLogger) Debug(msg string)               { p.emit(slog.LevelDebug, msg) }
func (p *pionLogger) Debugf(format string, a ...any) { p.emitf(slog.LevelDebug, format, a...) }
func (p *pionLogger) Info(msg string)                { p.emit(slog.LevelInfo, msg) }
func (p *pionLogger) Infof(format string, a ...any)  { p.emitf(slog.LevelInfo, format, a...) }
func (p *pionLogger) Warn(msg string)                { p.emit(slog.LevelWarn, msg) }
func (p *pionLogger) Warnf(format string, a ...any)  { p.emitf(slog.LevelWarn, format, a...) }
func (p *pionLogger) Error(msg string)               { p.emit(slog.LevelError, msg) }
func (p *pionLogger) Errorf(format string, a ...any) { p.emitf(slog.LevelError, format, a...) }
