package core

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// lookupEnv returns the trimmed value of key and whether it is non-blank.
func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// GetEnvOrDefault returns the trimmed value of key, or defaultValue when the
// variable is unset or blank.
func GetEnvOrDefault(key, defaultValue string) string {
	if v, ok := lookupEnv(key); ok {
		return v
	}
	return defaultValue
}

// ParseIntEnv returns key as an int. Unparseable values fall back to the default.
func ParseIntEnv(key string, defaultValue int) int {
	v, ok := lookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// ParseSizeEnv reads a byte size. Plain integers are bytes; suffixed values
// such as "50MiB" or "20MB" are parsed by go-humanize.
func ParseSizeEnv(key string, defaultValue int64) int64 {
	v, ok := lookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := humanize.ParseBytes(v)
	if err != nil || n > uint64(1<<62) {
		return defaultValue
	}
	return int64(n)
}

// ParseBoolEnv accepts true/1/yes/on and false/0/no/off in any case.
func ParseBoolEnv(key string, defaultValue bool) bool {
	v, _ := lookupEnv(key)
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return defaultValue
}

// ParseDurationEnv reads a duration. A bare number is whole seconds, so
// POLL_BUDGET_SECONDS=600 and POLL_BUDGET_SECONDS=10m are equivalent.
func ParseDurationEnv(key string, defaultSeconds int) time.Duration {
	fallback := time.Duration(defaultSeconds) * time.Second
	v, ok := lookupEnv(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
