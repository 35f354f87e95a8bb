package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"archrender/core"
	"archrender/logging"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIBackend adapts the synchronous OpenAI images API to the task
// protocol. Submit runs the whole generation and parks the result under a
// fresh task id; the first poll hands it out.
//
// Input images are not sent: the images API used here is text to image.
// Upscaling is not supported.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	logger *logging.Logger

	mu      sync.Mutex
	results map[string]PollStatus
}

// OpenAIBackendConfig holds configuration specific to the OpenAI backend.
type OpenAIBackendConfig struct {
	// APIKey is the OpenAI API key (required)
	APIKey string

	// BaseURL is the API endpoint (default: https://api.openai.com/v1)
	BaseURL string

	// Model is the image model to use (default: gpt-image-1)
	Model string

	// HTTPClient is the HTTP client for API calls (optional)
	HTTPClient *http.Client
}

// DefaultOpenAIBackendConfig returns sensible defaults.
func DefaultOpenAIBackendConfig() OpenAIBackendConfig {
	return OpenAIBackendConfig{
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-image-1",
	}
}

// NewOpenAIBackend creates a backend from OPENAI_API_KEY and OPENAI_IMAGE_MODEL.
func NewOpenAIBackend(cfg *core.Config, logger *logging.Logger) (*OpenAIBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("imagegen: config cannot be nil")
	}
	return NewOpenAIBackendWithConfig(OpenAIBackendConfig{
		APIKey:     cfg.OpenAIAPIKey,
		Model:      cfg.OpenAIImageModel,
		HTTPClient: core.GetHTTPClient(cfg, cfg.AITimeout),
	}, logger)
}

// NewOpenAIBackendWithConfig creates an OpenAI backend with explicit configuration.
func NewOpenAIBackendWithConfig(cfg OpenAIBackendConfig, logger *logging.Logger) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("imagegen: OpenAI API key is required")
	}
	defaults := DefaultOpenAIBackendConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIBackend{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		logger:  logger.Named("openai_backend"),
		results: make(map[string]PollStatus),
	}, nil
}

// Model returns the configured image model name.
func (b *OpenAIBackend) Model() string {
	return b.model
}

func (b *OpenAIBackend) SubmitGeneration(ctx context.Context, sub GenerationSubmission) (Task, error) {
	if len(sub.Images) > 0 {
		b.logger.Debug("input images ignored by text to image backend", zap.Int("images", len(sub.Images)))
	}
	n := sub.Count
	if n <= 0 {
		n = 1
	}

	resp, err := b.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         sub.Prompt,
		Model:          b.model,
		N:              n,
		Size:           openAISize(sub.CanvasWidth, sub.CanvasHeight),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return Task{}, toBackendError(err)
	}

	task := Task{ID: uuid.NewString()}
	status := PollStatus{State: StateSucceeded}
	for i, d := range resp.Data {
		a := Artifact{MediaID: fmt.Sprintf("%s-%d", task.ID, i), EncodedImage: d.B64JSON, URL: d.URL}
		if a.EncodedImage != "" || a.URL != "" {
			status.Artifacts = append(status.Artifacts, a)
		}
	}
	if len(status.Artifacts) == 0 {
		status = PollStatus{State: StateFailed}
	}

	b.mu.Lock()
	b.results[task.ID] = status
	b.mu.Unlock()
	return task, nil
}

func (b *OpenAIBackend) PollGeneration(ctx context.Context, task Task) (PollStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.results[task.ID]
	if !ok {
		return PollStatus{}, &BackendError{Code: http.StatusNotFound, Status: "NOT_FOUND", Message: "unknown task " + task.ID}
	}
	delete(b.results, task.ID)
	return status, nil
}

func (b *OpenAIBackend) SubmitUpscale(ctx context.Context, sub UpscaleSubmission) (Task, error) {
	return Task{}, &BackendError{Code: http.StatusNotImplemented, Status: "UNIMPLEMENTED", Message: "upscaling is not available on the OpenAI backend"}
}

func (b *OpenAIBackend) PollUpscale(ctx context.Context, task Task) (PollStatus, error) {
	return b.PollGeneration(ctx, task)
}

// openAISize picks the closest size the images API accepts.
func openAISize(w, h int) string {
	switch {
	case w > h:
		return "1536x1024"
	case h > w:
		return "1024x1536"
	default:
		return openai.CreateImageSize1024x1024
	}
}

// toBackendError maps go-openai errors onto BackendError so they classify
// like the task backend's.
func toBackendError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		be := &BackendError{Code: apiErr.HTTPStatusCode, Message: apiErr.Message}
		if code, ok := apiErr.Code.(string); ok && strings.Contains(code, "content_policy") {
			be.Status = "INVALID_ARGUMENT"
		}
		return be
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &BackendError{Code: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return fmt.Errorf("imagegen: OpenAI request failed: %w", err)
}

var _ Backend = (*OpenAIBackend)(nil)
