// Package logger provides structured logging using go.uber.org/zap.
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// RequestIDKey is the context key under which the HTTP middleware stores a
// per-request correlation id.
const RequestIDKey contextKey = "request_id"

// Logger wraps zap.Logger with the handful of derived-logger helpers used
// throughout the orchestrator.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// Default returns a process-wide logger for code paths that cannot take a
// constructor argument, such as signal handlers.
func Default() *Logger {
	defaultLoggerOnce.Do(func() {
		l, err := New("info", "console", "development")
		if err != nil {
			zapLogger, _ := zap.NewProduction()
			l = &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}
		}
		defaultLogger = l
	})
	return defaultLogger
}

// SetDefault overrides the process-wide logger, used once at startup.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// New builds a Logger for the given level, format and environment. Format
// "console" selects the console encoder (human-readable, colorized); an
// empty format selects it only in "development"; every other case is JSON.
func New(level, format, env string) (*Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if format == "console" || (format == "" && env == "development") {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zapLevel)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}, nil
}

// parseLevel maps the spec's level enum (which includes "trace" and "fatal",
// neither native to zap) onto zapcore levels. "trace" maps to debug since
// zap has no finer level; "fatal" maps to its own level as usual.
func parseLevel(level string) (zapcore.Level, error) {
	if level == "trace" {
		return zapcore.DebugLevel, nil
	}
	var l zapcore.Level
	err := l.UnmarshalText([]byte(level))
	return l, err
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// WithFields returns a derived Logger carrying the given structured fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	z := l.zap.With(fields...)
	return &Logger{zap: z, sugar: z.Sugar()}
}

// WithContext returns a derived Logger carrying the request id, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
		return l.WithFields(zap.String("request_id", reqID))
	}
	return l
}

// WithError returns a derived Logger carrying the given error field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(zap.Error(err))
}

// WithMissionID returns a derived Logger carrying the mission id field.
func (l *Logger) WithMissionID(id string) *Logger {
	return l.WithFields(zap.String("mission_id", id))
}

// WithProcessID returns a derived Logger carrying the process id field.
func (l *Logger) WithProcessID(id string) *Logger {
	return l.WithFields(zap.String("process_id", id))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Zap returns the underlying zap.Logger for call sites that need it directly
// (e.g. wiring into gin's logger adapter).
func (l *Logger) Zap() *zap.Logger { return l.zap }
