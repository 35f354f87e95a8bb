package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration problem with an actionable fix.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeMissingConfig  = "MISSING_CONFIG"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeInvalidBackend = "INVALID_BACKEND"
	ErrCodeMissingAuth    = "MISSING_AUTH"
)

// ErrMissingConfig returns an error for a required variable that is unset.
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your environment or .env file", varName),
	}
}

// ErrInvalidValue returns an error for a variable with an unusable value.
func ErrInvalidValue(varName, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid value for %s: %s", varName, reason),
	}
}

// ErrInvalidBackend returns an error for an unknown GENERATION_BACKEND.
func ErrInvalidBackend(name string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidBackend,
		Message: fmt.Sprintf("Unknown generation backend %q", name),
		Action:  "Set GENERATION_BACKEND to \"http\" or \"openai\"",
	}
}

// ErrMissingAuth returns an error for a backend configured without credentials.
func ErrMissingAuth(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingAuth,
		Message: "Missing credentials for the generation backend",
		Action:  fmt.Sprintf("Set %s in your environment or .env file", varName),
	}
}

// GetErrorCode extracts the code from a ConfigError anywhere in err's chain.
func GetErrorCode(err error) string {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr.Code
	}
	return ""
}
