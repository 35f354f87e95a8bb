package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any detected secret.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,})`),         // OpenAI keys
	regexp.MustCompile(`(AIza[a-zA-Z0-9_-]{35})`),             // Google API keys
	regexp.MustCompile(`(ya29\.[a-zA-Z0-9._-]{20,})`),         // Google OAuth access tokens
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._~+/=-]{20,})`), // Authorization headers
	regexp.MustCompile(`(AKIA[0-9A-Z]{16})`),                  // AWS access key ids

	// Signed artifact URLs carry credentials as query parameters.
	regexp.MustCompile(`(?i)([?&](key|token|access_token|signature|x-amz-signature|x-goog-signature)=[^&\s"']+)`),

	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(secret\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(api_?key\s*[:=]\s*[^\s,;]{8,})`),
}

var sensitiveFieldNames = []string{
	"GENERATION_API_KEY",
	"OPENAI_API_KEY",
	"AWS_SECRET_ACCESS_KEY",
	"AUTHORIZATION",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"API_KEY",
	"APIKEY",
}

// RedactSensitiveData replaces every detected secret in value with
// RedactedPlaceholder. It is also used to scrub error messages shown to users.
//
// Example:
//
//	RedactSensitiveData("fetch https://cdn/x.png?key=abc123 failed")
//	// "fetch https://cdn/x.png[REDACTED] failed"
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// IsSensitiveField reports whether a field name indicates secret content.
func IsSensitiveField(fieldName string) bool {
	upper := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upper, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value matches any secret pattern.
func ContainsSensitiveData(value string) bool {
	if value == "" {
		return false
	}
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
