package core

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"
)

// Backend names accepted by GENERATION_BACKEND.
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// Config holds all configuration values.
type Config struct {
	// Generation backend
	GenerationBackend string
	GenerationAPIURL  string
	GenerationAPIKey  string
	OpenAIAPIKey      string
	OpenAIImageModel  string

	// Job timing. GracePeriod and PollBudget keep the observed 2 and 10
	// minute defaults.
	PollInterval         time.Duration
	PollBudget           time.Duration
	GracePeriod          time.Duration
	TransientRetryDelay  time.Duration
	OperationRetryDelay  time.Duration
	MaxOperationAttempts int

	// Image handling
	ImageProxyURL string
	MaxFileSize   int64
	BlobDir       string
	DownloadsDir  string

	// Persistence and pricing
	DatabasePath string
	PricingFile  string

	// Export target (optional)
	ExportS3Bucket string
	ExportS3Prefix string

	// Server
	ProxyListenAddr      string
	ProxyAllowPrivate    bool
	AllowSelfSignedCerts bool
	AITimeout            time.Duration

	// Logging
	DevMode bool
	LogFile string
}

// LoadConfig reads configuration from the environment. It only validates
// values that every command needs; backend credentials are checked by
// ValidateBackend so that serve and credits commands run without them.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		GenerationBackend: strings.ToLower(GetEnvOrDefault("GENERATION_BACKEND", BackendHTTP)),
		GenerationAPIURL:  strings.TrimRight(GetEnvOrDefault("GENERATION_API_URL", ""), "/"),
		GenerationAPIKey:  GetEnvOrDefault("GENERATION_API_KEY", ""),
		OpenAIAPIKey:      GetEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIImageModel:  GetEnvOrDefault("OPENAI_IMAGE_MODEL", "gpt-image-1"),

		PollInterval:         ParseDurationEnv("POLL_INTERVAL_SECONDS", 5),
		PollBudget:           ParseDurationEnv("POLL_BUDGET_SECONDS", 600),
		GracePeriod:          ParseDurationEnv("POLL_GRACE_SECONDS", 120),
		TransientRetryDelay:  ParseDurationEnv("TRANSIENT_RETRY_SECONDS", 5),
		OperationRetryDelay:  ParseDurationEnv("OPERATION_RETRY_SECONDS", 3),
		MaxOperationAttempts: ParseIntEnv("MAX_OPERATION_ATTEMPTS", 3),

		ImageProxyURL: GetEnvOrDefault("IMAGE_PROXY_URL", ""),
		MaxFileSize:   ParseSizeEnv("MAX_FILE_SIZE", 50<<20),
		BlobDir:       GetEnvOrDefault("BLOB_DIR", "./blobs"),
		DownloadsDir:  GetEnvOrDefault("DOWNLOADS_DIR", "./downloads"),

		DatabasePath: GetEnvOrDefault("DATABASE_PATH", "./data/archrender.db"),
		PricingFile:  GetEnvOrDefault("PRICING_FILE", ""),

		ExportS3Bucket: GetEnvOrDefault("EXPORT_S3_BUCKET", ""),
		ExportS3Prefix: GetEnvOrDefault("EXPORT_S3_PREFIX", "exports/"),

		ProxyListenAddr:      GetEnvOrDefault("PROXY_LISTEN_ADDR", ":8080"),
		ProxyAllowPrivate:    ParseBoolEnv("PROXY_ALLOW_PRIVATE_TARGETS", false),
		AllowSelfSignedCerts: ParseBoolEnv("ALLOW_SELF_SIGNED_CERTS", false),
		AITimeout:            ParseDurationEnv("AI_TIMEOUT", 60),

		DevMode: ParseBoolEnv("DEV_MODE", false),
		LogFile: GetEnvOrDefault("LOG_FILE", "archrender.log"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the timing and size settings.
func (c *Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return ErrInvalidValue("POLL_INTERVAL_SECONDS", "must be positive")
	case c.PollBudget <= 0:
		return ErrInvalidValue("POLL_BUDGET_SECONDS", "must be positive")
	case c.GracePeriod < 0:
		return ErrInvalidValue("POLL_GRACE_SECONDS", "must not be negative")
	case c.GracePeriod >= c.PollBudget:
		return ErrInvalidValue("POLL_GRACE_SECONDS", "must be shorter than POLL_BUDGET_SECONDS")
	case c.MaxOperationAttempts < 1:
		return ErrInvalidValue("MAX_OPERATION_ATTEMPTS", "must be at least 1")
	case c.MaxFileSize <= 0:
		return ErrInvalidValue("MAX_FILE_SIZE", "must be positive")
	}
	return nil
}

// ValidateBackend checks that the selected generation backend is usable.
func (c *Config) ValidateBackend() error {
	switch c.GenerationBackend {
	case BackendHTTP:
		if c.GenerationAPIURL == "" {
			return ErrMissingConfig("GENERATION_API_URL")
		}
		if c.GenerationAPIKey == "" {
			return ErrMissingAuth("GENERATION_API_KEY")
		}
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			return ErrMissingAuth("OPENAI_API_KEY")
		}
	default:
		return ErrInvalidBackend(c.GenerationBackend)
	}
	return nil
}

// GetHTTPClient returns an HTTP client that honours AllowSelfSignedCerts.
// All outbound requests go through a client built here.
func GetHTTPClient(cfg *Config, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if cfg != nil && cfg.AllowSelfSignedCerts {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}

// GetDefaultHTTPClient returns an HTTP client with the configured AI timeout.
func GetDefaultHTTPClient(cfg *Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.AITimeout > 0 {
		timeout = cfg.AITimeout
	}
	return GetHTTPClient(cfg, timeout)
}
