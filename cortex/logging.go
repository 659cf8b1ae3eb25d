package cortex

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

// DBLogLevel is a log level stored in the runtime config table. It
// round-trips through gorm and JSON as an upper-case string.
type DBLogLevel string

var (
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
)

func (l DBLogLevel) String() string {
	return string(l)
}

// Level returns the underlying slog.Level, defaulting to info for
// values that don't parse.
func (l DBLogLevel) Level() slog.Level {
	level, err := parseDBLogLevel(string(l))
	if err != nil {
		slog.Default().Error("unknown log level", "value", string(l))
		return slog.LevelInfo
	}
	return level
}

// Set sets the log level from a string.
func (l *DBLogLevel) Set(s string) error {
	level, err := parseDBLogLevel(s)
	if err != nil {
		return err
	}
	*l = DBLogLevel(level.String())
	return nil
}

// Scan implements the sql.Scanner interface.
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return l.Set(string(v))
	case string:
		return l.Set(v)
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

// Value implements the driver.Valuer interface.
func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (DBLogLevel) GormDataType() string {
	return "string"
}

// MarshalJSON implements the json.Marshaller interface.
func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var levelString string
	if err := json.Unmarshal(data, &levelString); err != nil {
		return err
	}
	return l.Set(levelString)
}

func parseDBLogLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// discordgoLoggerFunc bridges discordgo's printf-style logger onto an
// slog handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(msgL int, _ int, format string, args ...any) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", "")
		log.LogAttrs(ctx, level, msg)
	}
}

// gormSlogLogger adapts slog to gorm's logger.Interface. Queries over
// slowThreshold are logged at warn, everything else at debug.
type gormSlogLogger struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormSlogLogger {
	return &gormSlogLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		slowThreshold: slowThreshold,
	}
}

// LogMode is a no-op: levels are driven by the slog handler.
func (g *gormSlogLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g *gormSlogLogger) Info(ctx context.Context, s string, args ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, args...))
}

func (g *gormSlogLogger) Warn(ctx context.Context, s string, args ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, args...))
}

func (g *gormSlogLogger) Error(ctx context.Context, s string, args ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, args...))
}

func (g *gormSlogLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)

	sql, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	attrs := []any{
		"elapsed", elapsed,
		"threshold", g.slowThreshold,
		"rows", rows,
		"sql", sql,
		tint.Err(err),
	}

	if g.slowThreshold != 0 && elapsed > g.slowThreshold {
		g.logger.WarnContext(ctx, "slow sql", attrs...)
		return
	}
	g.logger.DebugContext(ctx, "sql completed", attrs...)
}
