// Package imagegen drives the queue based generation backend: it submits
// generation and upscale tasks, polls them to completion, classifies backend
// errors into retry categories and materializes the resulting artifacts.
//
// downloader.go implements the Downloader molecule that fetches artifact
// images, first through the image proxy and then directly.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"archrender/codec"
	"archrender/core"
	"archrender/logging"

	"go.uber.org/zap"
)

// ErrTooLarge is returned when a response exceeds the configured size limit.
var ErrTooLarge = errors.New("imagegen: image exceeds maximum size")

// Downloader fetches artifact images.
//
// Artifact URLs are often signed and served from a different origin than the
// backend, so the proxy is tried first and the direct fetch is a fallback.
//
// Thread Safety: Downloader is safe for concurrent use.
type Downloader struct {
	client   *http.Client
	proxyURL string
	maxSize  int64
	logger   *logging.Logger
}

// DownloaderConfig holds configuration for the Downloader.
type DownloaderConfig struct {
	// HTTPClient is the HTTP client for downloads (optional)
	HTTPClient *http.Client

	// ProxyURL is the image proxy endpoint, e.g. http://localhost:8080/api/proxy-image.
	// Empty disables the proxy stage.
	ProxyURL string

	// MaxSize caps response bodies. Default: 50MB
	MaxSize int64

	// Timeout for download operations. Default: 60 seconds
	Timeout time.Duration
}

// DefaultDownloaderConfig returns sensible defaults for downloading images.
func DefaultDownloaderConfig() DownloaderConfig {
	return DownloaderConfig{
		MaxSize: 50 << 20,
		Timeout: 60 * time.Second,
	}
}

// NewDownloader creates a downloader from core.Config, honouring its TLS and
// timeout settings.
func NewDownloader(cfg *core.Config, logger *logging.Logger) (*Downloader, error) {
	if cfg == nil {
		return nil, fmt.Errorf("imagegen: config cannot be nil")
	}
	return NewDownloaderWithConfig(DownloaderConfig{
		HTTPClient: core.GetDefaultHTTPClient(cfg),
		ProxyURL:   cfg.ImageProxyURL,
		MaxSize:    cfg.MaxFileSize,
	}, logger), nil
}

// NewDownloaderWithConfig creates a downloader with explicit configuration.
func NewDownloaderWithConfig(cfg DownloaderConfig, logger *logging.Logger) *Downloader {
	defaults := DefaultDownloaderConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Downloader{
		client:   httpClient,
		proxyURL: cfg.ProxyURL,
		maxSize:  cfg.MaxSize,
		logger:   logger.Named("downloader"),
	}
}

// FetchImage returns the bytes and content type of an image reference. Local
// resources are read directly; remote ones go through the proxy, then direct.
func (d *Downloader) FetchImage(ctx context.Context, ref string) ([]byte, string, error) {
	if ref == "" {
		return nil, "", fmt.Errorf("imagegen: URL cannot be empty")
	}
	if codec.IsLocal(ref) {
		return codec.ReadLocal(ref)
	}

	if d.proxyURL != "" {
		data, ct, err := d.FetchViaProxy(ctx, ref)
		if err == nil {
			return data, ct, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		d.logger.Warn("proxy fetch failed, trying direct", zap.String("url", ref), zap.Error(err))
	}
	return d.DownloadBytes(ctx, ref)
}

// FetchViaProxy fetches ref through the configured image proxy.
func (d *Downloader) FetchViaProxy(ctx context.Context, ref string) ([]byte, string, error) {
	if d.proxyURL == "" {
		return nil, "", fmt.Errorf("imagegen: no image proxy configured")
	}
	sep := "?"
	if strings.Contains(d.proxyURL, "?") {
		sep = "&"
	}
	return d.get(ctx, d.proxyURL+sep+"url="+url.QueryEscape(ref))
}

// DownloadBytes fetches ref directly and returns the raw bytes.
func (d *Downloader) DownloadBytes(ctx context.Context, ref string) ([]byte, string, error) {
	if ref == "" {
		return nil, "", fmt.Errorf("imagegen: URL cannot be empty")
	}
	return d.get(ctx, ref)
}

// ProxyURL returns the configured proxy endpoint.
func (d *Downloader) ProxyURL() string {
	return d.proxyURL
}

func (d *Downloader) get(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to create download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("imagegen: download failed with status %d", resp.StatusCode)
	}
	if resp.ContentLength > d.maxSize {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to read image data: %w", err)
	}
	if int64(len(data)) > d.maxSize {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.maxSize)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		ct = codec.DetectContentType(data)
	}
	return data, ct, nil
}
