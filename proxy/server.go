// Package proxy serves the image proxy used by the crop and download chains,
// along with health and metrics endpoints.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"archrender/core"
	"archrender/logging"
)

// ImagePath is the proxy endpoint. The target is passed as ?url=.
const ImagePath = "/api/proxy-image"

// Recorder receives one call per proxy response.
type Recorder interface {
	ProxyServed(status string, bytes int64)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config configures a Server.
type Config struct {
	HTTPClient *http.Client
	MaxSize    int64
	// Timeout bounds each upstream fetch.
	Timeout time.Duration
	// AllowPrivateTargets lets the proxy reach loopback, private and
	// link-local addresses.
	AllowPrivateTargets bool
}

// DefaultConfig returns a 50MB limit and a 60s upstream timeout.
func DefaultConfig() Config {
	return Config{
		HTTPClient: &http.Client{},
		MaxSize:    50 * 1024 * 1024,
		Timeout:    60 * time.Second,
	}
}

// ConfigFromCore derives a Config from application settings.
func ConfigFromCore(cfg *core.Config) Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	c.HTTPClient = core.GetHTTPClient(cfg, 0)
	if cfg.MaxFileSize > 0 {
		c.MaxSize = cfg.MaxFileSize
	}
	c.AllowPrivateTargets = cfg.ProxyAllowPrivate
	return c
}

// Server proxies remote images so callers can read them without
// cross-origin restrictions.
type Server struct {
	client   *http.Client
	private  bool
	maxSize  int64
	timeout  time.Duration
	logger   *logging.Logger
	recorder Recorder
	metrics  http.Handler
	status   http.Handler
	checks   map[string]HealthCheck
}

// Option configures a Server.
type Option func(*Server)

// WithRecorder counts proxy responses.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// StatusPath serves the activity summary when a status handler is set.
const StatusPath = "/api/status"

// WithStatusHandler mounts h at StatusPath.
func WithStatusHandler(h http.Handler) Option {
	return func(s *Server) { s.status = h }
}

// WithHealthCheck adds a named check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer creates a Server.
func NewServer(cfg Config, logger *logging.Logger, opts ...Option) *Server {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	client := cfg.HTTPClient
	if !cfg.AllowPrivateTargets {
		client = publicOnlyClient(client)
	}
	s := &Server{
		client:  client,
		private: cfg.AllowPrivateTargets,
		maxSize: cfg.MaxSize,
		timeout: cfg.Timeout,
		logger:  logger.Named("proxy"),
		checks:  map[string]HealthCheck{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get(ImagePath, s.handleProxyImage)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.status != nil {
		r.Handle(StatusPath, s.status)
	}
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Proxy listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("proxy: shutdown: %w", err)
		}
		s.logger.Info("Proxy stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	result := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": result})
}

func (s *Server) handleProxyImage(w http.ResponseWriter, r *http.Request) {
	target, err := validateTarget(r.URL.Query().Get("url"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if !s.private {
		if err := checkLiteralHost(target.Hostname()); err != nil {
			s.fail(w, http.StatusForbidden, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.client.Do(req)
	if errors.Is(err, errBlockedTarget) {
		s.logger.Warn("Refused non-public upstream", zap.String("url", target.Redacted()), zap.Error(err))
		s.fail(w, http.StatusForbidden, errBlockedTarget)
		return
	}
	if err != nil {
		s.logger.Warn("Upstream fetch failed", zap.String("url", target.Redacted()), zap.Error(err))
		s.fail(w, http.StatusBadGateway, errors.New("upstream fetch failed"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.fail(w, http.StatusBadGateway, fmt.Errorf("upstream returned %d", resp.StatusCode))
		return
	}
	if resp.ContentLength > s.maxSize {
		s.fail(w, http.StatusRequestEntityTooLarge, fmt.Errorf("image exceeds %d bytes", s.maxSize))
		return
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		s.fail(w, http.StatusBadGateway, errors.New("upstream read failed"))
		return
	}
	if int64(len(data)) > s.maxSize {
		s.fail(w, http.StatusRequestEntityTooLarge, fmt.Errorf("image exceeds %d bytes", s.maxSize))
		return
	}

	contentType := imageContentType(resp.Header.Get("Content-Type"), data)
	if contentType == "" {
		s.fail(w, http.StatusUnsupportedMediaType, errors.New("upstream did not return an image"))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("Client went away", zap.Error(err))
	}
	s.record(http.StatusOK, int64(len(data)))
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
	s.record(status, 0)
}

func (s *Server) record(status int, n int64) {
	if s.recorder != nil {
		s.recorder.ProxyServed(strconv.Itoa(status), n)
	}
}

// validateTarget accepts absolute http(s) URLs only.
func validateTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("url parameter is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url has no host")
	}
	return u, nil
}

// imageContentType keeps an upstream image type and sniffs anything else.
// It returns "" when the payload is not an image.
func imageContentType(header string, data []byte) string {
	if ct, _, _ := strings.Cut(header, ";"); strings.HasPrefix(strings.TrimSpace(ct), "image/") {
		return strings.TrimSpace(ct)
	}
	detected := mimetype.Detect(data)
	if strings.HasPrefix(detected.String(), "image/") {
		return detected.String()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error":  err.Error(),
		"status": status,
	})
}
