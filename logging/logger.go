// Package logging provides the structured logger shared by every archrender
// component. It wraps zap, tees output to the console and a rotating JSON log
// file, and scrubs secrets from every field before it is written.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with automatic sensitive data redaction.
//
// Example:
//
//	logger, err := NewLogger(true, "archrender.log")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("task submitted", zap.String("task_id", id))
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger

	isDevelopment bool
	logFilePath   string
}

// NewLogger creates a Logger for the given environment.
//
// Development mode logs at debug level with a coloured console encoder;
// production mode logs JSON at info level. The log file is rotated by
// lumberjack using DefaultFileWriterConfig.
func NewLogger(isDevelopment bool, logFilePath string) (*Logger, error) {
	level := zapcore.InfoLevel
	if isDevelopment {
		level = zapcore.DebugLevel
	}
	return NewLoggerWithLevel(isDevelopment, logFilePath, level, DefaultFileWriterConfig())
}

// NewLoggerWithLevel creates a Logger with an explicit minimum level and
// rotation configuration.
func NewLoggerWithLevel(isDevelopment bool, logFilePath string, level zapcore.Level, fileConfig FileWriterConfig) (*Logger, error) {
	if logFilePath == "" {
		return nil, fmt.Errorf("logging: log file path cannot be empty")
	}

	fileWriter := NewFileWriterWithConfig(logFilePath, fileConfig)
	core := NewMultiCore(level, zapcore.Lock(os.Stdout), fileWriter, isDevelopment)

	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)

	return &Logger{
		zap:           zapLogger,
		sugar:         zapLogger.Sugar(),
		isDevelopment: isDevelopment,
		logFilePath:   logFilePath,
	}, nil
}

// NewFromZap wraps an existing zap.Logger. Tests use it with zaptest loggers
// and observer cores.
func NewFromZap(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	z = z.WithOptions(zap.AddCallerSkip(1))
	return &Logger{
		zap:   z,
		sugar: z.Sugar(),
	}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return NewFromZap(zap.NewNop())
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

// Debug logs a message at DebugLevel.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

// Info logs a message at InfoLevel.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

// Warn logs a message at WarnLevel.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

// Error logs a message at ErrorLevel.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// Fatal logs a message at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, redactFields(fields)...)
}

// Infow logs a message with loosely-typed key-value pairs.
//
// Example:
//
//	logger.Infow("refund issued", "record_id", id, "amount", 40)
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, redactKeysAndValues(keysAndValues)...)
}

// Warnw logs a warning with loosely-typed key-value pairs.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

// With creates a child logger that adds fields to every entry.
//
// Example:
//
//	taskLog := logger.With(zap.String("task_id", task.ID), zap.Int("attempt", 2))
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.zap.With(redactFields(fields)...)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Named adds a sub-logger name such as "generation" or "export".
func (l *Logger) Named(name string) *Logger {
	child := l.zap.Named(name)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap returns the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// IsDevelopment reports whether the logger uses the development encoder.
func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

// LogFilePath returns the path of the rotating log file.
func (l *Logger) LogFilePath() string {
	return l.logFilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	result := make([]zap.Field, len(fields))
	for i, field := range fields {
		result[i] = redactField(field)
	}
	return result
}

func redactField(field zap.Field) zap.Field {
	if IsSensitiveField(field.Key) {
		return zap.String(field.Key, RedactedPlaceholder)
	}
	switch field.Type {
	case zapcore.StringType:
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			return zap.String(field.Key, redacted)
		}
	case zapcore.ErrorType:
		// Backend error messages can echo request URLs that carry keys.
		if err, ok := field.Interface.(error); ok && err != nil {
			msg := err.Error()
			if redacted := RedactSensitiveData(msg); redacted != msg {
				return zap.String(field.Key, redacted)
			}
		}
	}
	return field
}

func redactKeysAndValues(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues) == 0 {
		return keysAndValues
	}
	result := make([]interface{}, len(keysAndValues))
	copy(result, keysAndValues)

	for i := 0; i < len(result)-1; i += 2 {
		key, ok := result[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveField(key) {
			result[i+1] = RedactedPlaceholder
			continue
		}
		if value, ok := result[i+1].(string); ok {
			result[i+1] = RedactSensitiveData(value)
		}
	}
	return result
}
