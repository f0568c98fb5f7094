package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	logx "remindbot/pkg/logx"
)

// waLogger routes whatsmeow's printf-style logging into logx. whatsmeow's
// debug output is very chatty, so it lands at trace.
type waLogger struct {
	log logx.Logger
	min logx.Level
}

func newWALogger(log logx.Logger, module, level string) waLog.Logger {
	min := logx.LevelWarn
	if level != "" {
		min = logx.ParseLevel(level)
	}
	return waLogger{log: log.With(logx.String("wa", module)), min: min}
}

func (l waLogger) logf(level logx.Level, msg string, args []any) {
	if level < l.min {
		return
	}
	l.log.Log(level, fmt.Sprintf(msg, args...))
}

func (l waLogger) Errorf(msg string, args ...any) { l.logf(logx.LevelError, msg, args) }
func (l waLogger) Warnf(msg string, args ...any)  { l.logf(logx.LevelWarn, msg, args) }
func (l waLogger) Infof(msg string, args ...any)  { l.logf(logx.LevelInfo, msg, args) }
func (l waLogger) Debugf(msg string, args ...any) { l.logf(logx.LevelTrace, msg, args) }

func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: l.log.With(logx.String("wa_sub", module)), min: l.min}
}
