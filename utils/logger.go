package utils

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

type ctxKey string

const (
	correlationIDKey ctxKey = "correlation_id"
	clientIPKey      ctxKey = "client_ip"
)

type Logger struct {
	service string
	zl      zerolog.Logger
}

var (
	baseMu     sync.RWMutex
	baseLogger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(levelFromEnv())
)

var defaultLogger = CreateLogger("portrait")

func levelFromEnv() zerolog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetOutput swaps the sink and level for every logger created afterwards.
func SetOutput(w io.Writer, level string) {
	baseMu.Lock()
	baseLogger = zerolog.New(w).With().Timestamp().Logger().Level(ParseLevel(level))
	baseMu.Unlock()
	defaultLogger = CreateLogger("portrait")
}

func CreateLogger(service string) *Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return &Logger{
		service: service,
		zl:      baseLogger.With().Str("service", service).Logger(),
	}
}

func (l *Logger) Debug(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, LevelDebug, message, fields...)
}

func (l *Logger) Info(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, LevelInfo, message, fields...)
}

func (l *Logger) Warn(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, LevelWarn, message, fields...)
}

func (l *Logger) Error(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, LevelError, message, fields...)
}

func (l *Logger) log(ctx context.Context, level LogLevel, message string, fields ...map[string]interface{}) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.zl.Debug()
	case LevelWarn:
		ev = l.zl.Warn()
	case LevelError:
		ev = l.zl.Error()
	default:
		ev = l.zl.Info()
	}
	if ev == nil {
		return
	}

	if id := GetCorrelationID(ctx); id != "" {
		ev = ev.Str("correlation_id", id)
	}
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}

	ev.Msg(message)
}

func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func GetClientIP(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if ip, ok := ctx.Value(clientIPKey).(string); ok {
		return ip
	}
	return ""
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

func Debug(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Debug(ctx, message, fields...)
}

func Info(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Info(ctx, message, fields...)
}

func Warn(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Warn(ctx, message, fields...)
}

func Error(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Error(ctx, message, fields...)
}
