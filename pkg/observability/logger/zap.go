package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel is a configured minimum severity.
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// zapLevel maps l onto zap, treating anything unknown as info.
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// LogFormat selects the entry encoding.
type LogFormat string

const (
	JSONFormat LogFormat = "json"
	// TextFormat is zap's console encoding, meant for terminals.
	TextFormat LogFormat = "text"
)

func (f LogFormat) encoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if f == TextFormat {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// Config configures NewZapLogger.
type Config struct {
	Level  LogLevel
	Format LogFormat
	// Output defaults to stdout. The CLI passes stderr.
	Output io.Writer
	// Fields are attached to every entry, e.g. the service name.
	Fields []any
}

// ZapLogger implements Logger on a zap sugared logger. Children share the parent's level.
type ZapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// NewZapLogger builds a logger writing cfg.Format entries at cfg.Level or above.
func NewZapLogger(cfg Config) (*ZapLogger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level := zap.NewAtomicLevelAt(cfg.Level.zapLevel())
	core := zapcore.NewCore(cfg.Format.encoder(), zapcore.AddSync(out), level)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	sugar := base.Sugar()
	if len(cfg.Fields) > 0 {
		sugar = sugar.With(cfg.Fields...)
	}
	return &ZapLogger{base: base, sugar: sugar, level: level}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *ZapLogger {
	base := zap.NewNop()
	return &ZapLogger{base: base, sugar: base.Sugar(), level: zap.NewAtomicLevel()}
}

func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

// With returns a child logger adding args to every entry.
func (l *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{base: l.base, sugar: l.sugar.With(args...), level: l.level}
}

// WithContext adds run_id and msg_id from ctx when present.
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *ZapLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

// ParseLogLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return "", fmt.Errorf("invalid log level: %q", level)
}

// ParseLogFormat accepts json, or text (alias console).
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return JSONFormat, nil
	case "text", "console":
		return TextFormat, nil
	}
	return "", fmt.Errorf("invalid log format: %q", format)
}
