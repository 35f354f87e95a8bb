package imagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"archrender/codec"
	"archrender/core"
	"archrender/imaging"
	"archrender/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxImagesPerRequest bounds fan-out.
const MaxImagesPerRequest = 8

// ClientConfig holds the timing of the poll and operation loops.
type ClientConfig struct {
	PollInterval        time.Duration
	PollBudget          time.Duration
	GracePeriod         time.Duration
	TransientRetryDelay time.Duration
	OperationRetryDelay time.Duration
	MaxAttempts         int
	DefaultFit          imaging.FitMode
}

// DefaultClientConfig returns the observed production timings: 10 minute poll
// budget with a 2 minute grace period and three operation attempts.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PollInterval:        5 * time.Second,
		PollBudget:          10 * time.Minute,
		GracePeriod:         2 * time.Minute,
		TransientRetryDelay: 5 * time.Second,
		OperationRetryDelay: 3 * time.Second,
		MaxAttempts:         3,
		DefaultFit:          imaging.FitContain,
	}
}

// ClientConfigFromCore maps core.Config timings onto a ClientConfig.
func ClientConfigFromCore(cfg *core.Config) ClientConfig {
	cc := DefaultClientConfig()
	if cfg == nil {
		return cc
	}
	cc.PollInterval = cfg.PollInterval
	cc.PollBudget = cfg.PollBudget
	cc.GracePeriod = cfg.GracePeriod
	cc.TransientRetryDelay = cfg.TransientRetryDelay
	cc.OperationRetryDelay = cfg.OperationRetryDelay
	cc.MaxAttempts = cfg.MaxOperationAttempts
	return cc
}

// Client runs generation and upscale jobs against a Backend.
//
// Thread Safety: Client is safe for concurrent use. Every job keeps its task,
// retry counters and artifacts on its own stack.
type Client struct {
	backend  Backend
	cfg      ClientConfig
	clock    Clock
	cropper  *imaging.Cropper
	blobs    *codec.BlobStore
	observer Observer
	logger   *logging.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithCropper enables the 4:3 and 3:4 post-generation crop.
func WithCropper(cropper *imaging.Cropper) Option {
	return func(c *Client) { c.cropper = cropper }
}

// WithBlobStore materializes inline artifacts as local files instead of data URIs.
func WithBlobStore(store *codec.BlobStore) Option {
	return func(c *Client) { c.blobs = store }
}

// WithObserver attaches job instrumentation.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a job client.
func NewClient(backend Backend, cfg ClientConfig, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("imagegen: backend cannot be nil")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.DefaultFit == "" {
		cfg.DefaultFit = imaging.FitContain
	}
	c := &Client{
		backend:  backend,
		cfg:      cfg,
		clock:    realClock{},
		observer: nopObserver{},
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("imagegen")
	return c, nil
}

// Generate runs a generation job. Requests for more than one image fan out
// into independent single image jobs; partial success returns the images that
// were produced with Failed set. Zero successes is an error.
func (c *Client) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, invalidRequest("prompt cannot be empty")
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > MaxImagesPerRequest {
		return nil, invalidRequest("at most %d images per request, got %d", MaxImagesPerRequest, req.Count)
	}
	if req.AspectRatio == "" {
		req.AspectRatio = imaging.RatioSquare
	}
	if req.AspectRatio.WireEnum() == "" {
		return nil, invalidRequest("unsupported aspect ratio %q", req.AspectRatio)
	}
	if req.Tier == "" {
		req.Tier = imaging.TierStandard
	}
	if req.Fit == "" {
		req.Fit = c.cfg.DefaultFit
	}
	if req.Count > 1 {
		req.OnProgress = serialized(req.OnProgress)
	}

	start := c.clock.Now()
	logger := c.logger.With(
		zap.String("correlation_id", uuid.NewString()),
		zap.String("aspect_ratio", string(req.AspectRatio)),
		zap.String("tier", string(req.Tier)),
		zap.Int("count", req.Count))

	report(req.OnProgress, "Preparing input images...")
	images, err := c.prepareImages(req)
	if err != nil {
		return nil, err
	}

	w, h := imaging.CanvasSize(req.AspectRatio, req.Tier)
	sub := GenerationSubmission{
		Prompt:          req.Prompt,
		Images:          images,
		AspectRatioEnum: req.AspectRatio.SubmissionEnum(),
		Count:           1,
		QualityModel:    QualityModelName(req.Tier),
		CanvasWidth:     w,
		CanvasHeight:    h,
	}

	result, err := c.fanOut(ctx, req, sub, logger)
	c.observer.JobFinished("generate", outcomeLabel(err), since(c.clock, start))
	if err != nil {
		logger.Warn("generation failed", zap.Error(err))
		return nil, err
	}
	logger.Info("generation finished", zap.Int("images", len(result.URLs)), zap.Int("failed", result.Failed))
	return result, nil
}

type siblingResult struct {
	task     Task
	urls     []string
	mediaIDs []string
	// keys identify the raw artifact behind each url.
	keys []string
	err  error
}

func (c *Client) fanOut(ctx context.Context, req GenerationRequest, sub GenerationSubmission, logger *logging.Logger) (*GenerationResult, error) {
	results := make([]siblingResult, req.Count)

	// Siblings never cancel each other, so errors stay in results.
	var g errgroup.Group
	for i := range req.Count {
		label := ""
		if req.Count > 1 {
			label = fmt.Sprintf("(%d/%d)", i+1, req.Count)
		}
		g.Go(func() error {
			results[i] = c.generateOne(ctx, req, sub, label, logger.With(zap.Int("sibling", i+1)))
			return nil
		})
	}
	g.Wait()

	out := &GenerationResult{}
	seen := make(map[string]bool)
	var errs []error
	for _, r := range results {
		if r.err != nil {
			out.Failed++
			errs = append(errs, r.err)
			continue
		}
		if out.ProjectID == "" {
			out.ProjectID = r.task.ProjectID
			out.AccountID = r.task.AccountID
		}
		for i, u := range r.urls {
			if seen[r.keys[i]] || seen[u] {
				continue
			}
			seen[r.keys[i]] = true
			seen[u] = true
			out.URLs = append(out.URLs, u)
			out.MediaIDs = append(out.MediaIDs, r.mediaIDs[i])
		}
	}

	if len(out.URLs) == 0 {
		if len(errs) == 1 {
			return nil, errs[0]
		}
		if len(errs) == 0 {
			return nil, ErrNoArtifacts
		}
		return nil, errors.Join(append([]error{ErrNoArtifacts}, errs...)...)
	}
	return out, nil
}

func (c *Client) generateOne(ctx context.Context, req GenerationRequest, sub GenerationSubmission, label string, logger *logging.Logger) siblingResult {
	op := operation{
		kind:  "generate",
		label: label,
		submit: func(ctx context.Context) (Task, error) {
			return c.backend.SubmitGeneration(ctx, sub)
		},
		poll:     c.backend.PollGeneration,
		progress: req.OnProgress,
	}

	task, artifacts, err := c.run(ctx, op, logger)
	if err != nil {
		return siblingResult{err: err}
	}

	r := siblingResult{task: task}
	seen := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		key := artifactKey(a)
		if seen[key] {
			continue
		}
		seen[key] = true
		ref := c.materialize(a)
		if req.AspectRatio.NeedsSoftwareCrop() && c.cropper != nil {
			ref = c.cropper.CropToRatio(ctx, ref, req.AspectRatio)
		}
		r.urls = append(r.urls, ref)
		r.mediaIDs = append(r.mediaIDs, a.MediaID)
		r.keys = append(r.keys, key)
	}
	if len(r.urls) == 0 {
		r.err = ErrNoArtifacts
	}
	return r
}

// Upscale runs an upscale job for a previously generated artifact.
func (c *Client) Upscale(ctx context.Context, req UpscaleRequest) (*UpscaleResult, error) {
	if strings.TrimSpace(req.MediaID) == "" {
		return nil, invalidRequest("media id cannot be empty")
	}
	if req.Resolution == "" {
		req.Resolution = Resolution2K
	}

	start := c.clock.Now()
	logger := c.logger.With(
		zap.String("correlation_id", uuid.NewString()),
		zap.String("media_id", req.MediaID),
		zap.String("resolution", string(req.Resolution)))

	sub := UpscaleSubmission{MediaID: req.MediaID, ProjectID: req.ProjectID, Resolution: req.Resolution}
	op := operation{
		kind: "upscale",
		submit: func(ctx context.Context) (Task, error) {
			return c.backend.SubmitUpscale(ctx, sub)
		},
		poll:     c.backend.PollUpscale,
		progress: req.OnProgress,
	}

	_, artifacts, err := c.run(ctx, op, logger)
	if err == nil && len(artifacts) == 0 {
		err = ErrNoArtifacts
	}
	c.observer.JobFinished("upscale", outcomeLabel(err), since(c.clock, start))
	if err != nil {
		logger.Warn("upscale failed", zap.Error(err))
		return nil, err
	}

	a := artifacts[0]
	ref := c.materialize(a)
	if req.AspectRatio.NeedsSoftwareCrop() && c.cropper != nil {
		ref = c.cropper.CropToRatio(ctx, ref, req.AspectRatio)
	}
	mediaID := a.MediaID
	if mediaID == "" {
		mediaID = req.MediaID
	}
	logger.Info("upscale finished")
	return &UpscaleResult{URL: ref, MediaID: mediaID}, nil
}

// artifactKey identifies an artifact before it is written to disk or
// cropped, both of which produce a fresh reference.
func artifactKey(a Artifact) string {
	switch {
	case a.URL != "":
		return "url:" + a.URL
	case a.EncodedImage != "":
		return "inline:" + a.EncodedImage
	}
	return "media:" + a.MediaID
}

// materialize prefers inline bytes over the remote URL.
func (c *Client) materialize(a Artifact) string {
	if a.EncodedImage == "" {
		return a.URL
	}
	if c.blobs != nil {
		return c.blobs.BytesToResource(a.EncodedImage, "")
	}
	if codec.IsDataURI(a.EncodedImage) {
		return a.EncodedImage
	}
	data, err := codec.DecodeBase64(a.EncodedImage)
	if err != nil {
		return "data:image/png;base64," + a.EncodedImage
	}
	return codec.EncodeDataURI("", data)
}

// prepareImages normalizes every input onto the request canvas and returns
// raw base64 payloads.
func (c *Client) prepareImages(req GenerationRequest) ([]string, error) {
	var prepared []string
	for i, img := range req.Images {
		uri, err := inputDataURI(img)
		if err != nil {
			return nil, invalidRequest("input image %d: %v", i+1, err)
		}
		uri = imaging.ResizeAndCrop(uri, req.AspectRatio, req.Tier, req.Fit)
		_, payload, _ := strings.Cut(uri, ",")
		prepared = append(prepared, payload)
	}
	return prepared, nil
}

func inputDataURI(img InputImage) (string, error) {
	switch {
	case codec.IsDataURI(img.Data):
		return img.Data, nil
	case img.Data != "":
		mime := img.MimeType
		if mime == "" {
			mime = "image/png"
		}
		return "data:" + mime + ";base64," + img.Data, nil
	case img.Resource != "":
		data, ct, err := codec.ReadLocal(img.Resource)
		if err != nil {
			return "", err
		}
		return codec.EncodeDataURI(ct, data), nil
	}
	return "", errors.New("no image data")
}

// serialized wraps fn so concurrent siblings never call it at the same time.
func serialized(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return nil
	}
	var mu sync.Mutex
	return func(status string) {
		mu.Lock()
		defer mu.Unlock()
		fn(status)
	}
}

func report(fn ProgressFunc, status string) {
	if fn != nil {
		fn(status)
	}
}
