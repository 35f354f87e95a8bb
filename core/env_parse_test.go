package core

import (
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	const testKey = "TEST_GET_ENV_OR_DEFAULT"

	tests := []struct {
		name         string
		envValue     string
		defaultValue string
		want         string
	}{
		{"returns env value when set", "custom_value", "default", "custom_value"},
		{"returns default when empty", "", "default", "default"},
		{"returns default when blank", "   ", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(testKey, tt.envValue)
			if got := GetEnvOrDefault(testKey, tt.defaultValue); got != tt.want {
				t.Errorf("GetEnvOrDefault() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	const testKey = "TEST_PARSE_INT_ENV"

	tests := []struct {
		name     string
		envValue string
		want     int
	}{
		{"valid integer", "42", 42},
		{"negative integer", "-3", -3},
		{"invalid integer", "forty", 7},
		{"empty", "", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(testKey, tt.envValue)
			if got := ParseIntEnv(testKey, 7); got != tt.want {
				t.Errorf("ParseIntEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseSizeEnv(t *testing.T) {
	const testKey = "TEST_PARSE_SIZE_ENV"

	tests := []struct {
		envValue string
		want     int64
	}{
		{"52428800", 52428800},
		{"50MiB", 50 << 20},
		{"20MB", 20_000_000},
		{"1 GiB", 1 << 30},
		{"lots", 1},
		{"", 1},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv(testKey, tt.envValue)
			if got := ParseSizeEnv(testKey, 1); got != tt.want {
				t.Errorf("ParseSizeEnv(%q) = %d, want %d", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestParseBoolEnv(t *testing.T) {
	const testKey = "TEST_PARSE_BOOL_ENV"

	tests := []struct {
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"true", false, true},
		{"YES", false, true},
		{"1", false, true},
		{"off", true, false},
		{"0", true, false},
		{"maybe", true, true},
		{"", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv(testKey, tt.envValue)
			if got := ParseBoolEnv(testKey, tt.defaultValue); got != tt.want {
				t.Errorf("ParseBoolEnv(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	const testKey = "TEST_PARSE_DURATION_ENV"

	tests := []struct {
		envValue string
		want     time.Duration
	}{
		{"120", 2 * time.Minute},
		{"10m", 10 * time.Minute},
		{"1m30s", 90 * time.Second},
		{"soon", 5 * time.Second},
		{"", 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv(testKey, tt.envValue)
			if got := ParseDurationEnv(testKey, 5); got != tt.want {
				t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}
