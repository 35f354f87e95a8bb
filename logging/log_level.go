package logging

import (
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ParseLogLevel reads the level named by envVarName, e.g.
// ParseLogLevel("ARCHRENDER_LOG_LEVEL", zapcore.InfoLevel).
func ParseLogLevel(envVarName string, defaultLevel zapcore.Level) zapcore.Level {
	return ParseLogLevelString(os.Getenv(envVarName), defaultLevel)
}

// ParseLogLevelString accepts any zapcore level name plus "warning".
// Blank or unknown names return defaultLevel.
func ParseLogLevelString(levelStr string, defaultLevel zapcore.Level) zapcore.Level {
	name := strings.ToLower(strings.TrimSpace(levelStr))
	if name == "warning" {
		return zapcore.WarnLevel
	}
	if name == "" {
		return defaultLevel
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return defaultLevel
	}
	return level
}
