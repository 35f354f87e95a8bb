// Package export saves generated images for the user. It tries an ordered
// list of retrieval strategies and, when all of them fail, hands the URL to
// an Opener so it can be saved by hand. Export never fails the caller.
package export

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"archrender/codec"
	"archrender/imaging"
	"archrender/logging"

	"go.uber.org/zap"
)

// Fetcher is implemented by imagegen.Downloader.
type Fetcher interface {
	FetchViaProxy(ctx context.Context, url string) ([]byte, string, error)
	DownloadBytes(ctx context.Context, url string) ([]byte, string, error)
}

// Opener is the last resort: present the URL for a manual save.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// LogOpener logs the URL so the user can open it.
type LogOpener struct {
	Logger *logging.Logger
}

func (o LogOpener) Open(ctx context.Context, url string) error {
	logger := o.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.Warn("automatic download failed, open the URL to save the image", zap.String("url", url))
	return nil
}

// Strategy is one way of getting the bytes behind a URL.
type Strategy interface {
	Name() string
	Applies(url, filename string) bool
	Fetch(ctx context.Context, url, filename string) ([]byte, string, error)
}

// Result describes how an export ended.
type Result struct {
	Location string
	Strategy string
	// Opened is set when every strategy failed and the Opener was used.
	Opened bool
}

// Exporter runs the strategy chain.
type Exporter struct {
	strategies []Strategy
	saver      Saver
	opener     Opener
	logger     *logging.Logger
}

// NewExporter builds the default chain: local, proxy, re-encode, direct.
func NewExporter(fetcher Fetcher, saver Saver, opener Opener, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opener == nil {
		opener = LogOpener{Logger: logger}
	}
	return NewExporterWithStrategies([]Strategy{
		localStrategy{},
		proxyStrategy{fetcher: fetcher},
		reencodeStrategy{fetcher: fetcher},
		directStrategy{fetcher: fetcher},
	}, saver, opener, logger)
}

// NewExporterWithStrategies builds an exporter with an explicit chain.
func NewExporterWithStrategies(strategies []Strategy, saver Saver, opener Opener, logger *logging.Logger) *Exporter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Exporter{strategies: strategies, saver: saver, opener: opener, logger: logger.Named("export")}
}

// ForceDownload saves the image at url under filename. Each strategy failure
// is logged and the next one tried; after the last, the Opener is invoked.
func (e *Exporter) ForceDownload(ctx context.Context, url, filename string) Result {
	logger := e.logger.With(zap.String("filename", filename))

	for _, s := range e.strategies {
		if !s.Applies(url, filename) {
			continue
		}
		data, contentType, err := s.Fetch(ctx, url, filename)
		if err == nil && len(data) == 0 {
			err = codec.ErrEmptyPayload
		}
		if err != nil {
			logger.Warn("export strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}

		location, err := e.saver.Save(ctx, withExtension(filename, contentType, data), data, contentType)
		if err != nil {
			logger.Warn("saving export failed", zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		logger.Info("image exported", zap.String("strategy", s.Name()), zap.String("location", location))
		return Result{Location: location, Strategy: s.Name()}
	}

	if err := e.opener.Open(ctx, url); err != nil {
		logger.Error("manual open failed", zap.Error(err))
	}
	return Result{Location: url, Strategy: "open", Opened: true}
}

type localStrategy struct{}

func (localStrategy) Name() string { return "local" }

func (localStrategy) Applies(url, _ string) bool { return codec.IsLocal(url) }

func (localStrategy) Fetch(_ context.Context, url, _ string) ([]byte, string, error) {
	return codec.ReadLocal(url)
}

type proxyStrategy struct{ fetcher Fetcher }

func (proxyStrategy) Name() string { return "proxy" }

func (s proxyStrategy) Applies(url, _ string) bool { return s.fetcher != nil && !codec.IsLocal(url) }

func (s proxyStrategy) Fetch(ctx context.Context, url, _ string) ([]byte, string, error) {
	return s.fetcher.FetchViaProxy(ctx, url)
}

// reencodeStrategy fetches directly and transcodes into the raster format the
// filename asks for. It recovers sources whose bytes arrive in another format.
type reencodeStrategy struct{ fetcher Fetcher }

func (reencodeStrategy) Name() string { return "reencode" }

func (s reencodeStrategy) Applies(url, filename string) bool {
	return s.fetcher != nil && !codec.IsLocal(url) && rasterFormat(filename) != ""
}

func (s reencodeStrategy) Fetch(ctx context.Context, url, filename string) ([]byte, string, error) {
	raw, _, err := s.fetcher.DownloadBytes(ctx, url)
	if err != nil {
		return nil, "", err
	}
	img, err := imaging.DecodeImage(raw)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	switch rasterFormat(filename) {
	case "image/jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, "", fmt.Errorf("export: re-encode failed: %w", err)
	}
	return buf.Bytes(), rasterFormat(filename), nil
}

type directStrategy struct{ fetcher Fetcher }

func (directStrategy) Name() string { return "direct" }

func (s directStrategy) Applies(url, _ string) bool { return s.fetcher != nil && !codec.IsLocal(url) }

func (s directStrategy) Fetch(ctx context.Context, url, _ string) ([]byte, string, error) {
	return s.fetcher.DownloadBytes(ctx, url)
}

func rasterFormat(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return ""
}

// withExtension adds an extension matching the content when filename has none.
func withExtension(filename, contentType string, data []byte) string {
	if filepath.Ext(filename) != "" {
		return filename
	}
	return filename + codec.ExtensionFor(contentType, data)
}
