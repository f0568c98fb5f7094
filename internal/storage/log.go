package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	logx "remindbot/pkg/logx"
)

// gormLogger routes gorm's logging into logx.
type gormLogger struct {
	log   logx.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newGormLogger(log logx.Logger, level string, slow time.Duration) gormlogger.Interface {
	return gormLogger{log: log.With(logx.String("comp", "gorm")), level: parseGormLevel(level), slow: slow}
}

func parseGormLevel(s string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func (l gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	l.level = level
	return l
}

func (l gormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l gormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (l gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Error("query failed", logx.String("sql", sql), logx.Int64("rows", rows), logx.Duration("took", elapsed), logx.Err(err))
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.log.Warn("slow query", logx.String("sql", sql), logx.Int64("rows", rows), logx.Duration("took", elapsed))
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.log.Trace("query", logx.String("sql", sql), logx.Int64("rows", rows), logx.Duration("took", elapsed))
	}
}
