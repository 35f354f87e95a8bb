package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"archrender/core"
	"archrender/logging"

	"go.uber.org/zap"
)

// Default endpoint paths relative to GENERATION_API_URL.
const (
	pathGenerate      = "/v1/generate"
	pathGenerateState = "/v1/generate/status"
	pathUpscale       = "/v1/upscale"
	pathUpscaleState  = "/v1/upscale/status"
)

// maxErrorBody caps how much of a failed response is kept for the message.
const maxErrorBody = 4096

// HTTPBackend speaks the JSON task protocol over HTTP with bearer auth.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *logging.Logger
}

// NewHTTPBackend creates a backend from GENERATION_API_URL and GENERATION_API_KEY.
func NewHTTPBackend(cfg *core.Config, logger *logging.Logger) (*HTTPBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("imagegen: config cannot be nil")
	}
	if cfg.GenerationAPIURL == "" {
		return nil, fmt.Errorf("imagegen: generation API URL is required")
	}
	return NewHTTPBackendWithClient(cfg.GenerationAPIURL, cfg.GenerationAPIKey, core.GetDefaultHTTPClient(cfg), logger), nil
}

// NewHTTPBackendWithClient creates a backend with an explicit HTTP client.
func NewHTTPBackendWithClient(baseURL, apiKey string, client *http.Client, logger *logging.Logger) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger.Named("http_backend"),
	}
}

func (b *HTTPBackend) SubmitGeneration(ctx context.Context, sub GenerationSubmission) (Task, error) {
	body := generationSubmitBody{
		Prompt:               sub.Prompt,
		Images:               sub.Images,
		ImageAspectRatioEnum: sub.AspectRatioEnum,
		NumberOfImages:       sub.Count,
		QualityModelName:     sub.QualityModel,
	}
	if body.Images == nil {
		body.Images = []string{}
	}
	return b.submit(ctx, pathGenerate, body)
}

func (b *HTTPBackend) PollGeneration(ctx context.Context, task Task) (PollStatus, error) {
	return b.poll(ctx, pathGenerateState, task)
}

func (b *HTTPBackend) SubmitUpscale(ctx context.Context, sub UpscaleSubmission) (Task, error) {
	return b.submit(ctx, pathUpscale, upscaleSubmitBody{
		MediaID:          sub.MediaID,
		ProjectID:        sub.ProjectID,
		TargetResolution: string(sub.Resolution),
	})
}

func (b *HTTPBackend) PollUpscale(ctx context.Context, task Task) (PollStatus, error) {
	return b.poll(ctx, pathUpscaleState, task)
}

func (b *HTTPBackend) submit(ctx context.Context, path string, body any) (Task, error) {
	var resp submitResponse
	if err := b.post(ctx, path, body, &resp); err != nil {
		return Task{}, err
	}
	if resp.Error != nil {
		return Task{}, resp.Error.toBackendError()
	}
	if resp.TaskID == "" {
		return Task{}, &BackendError{Message: "submit response carried no task id"}
	}
	return Task{ID: resp.TaskID, ProjectID: resp.ProjectID, AccountID: resp.AccountID}, nil
}

func (b *HTTPBackend) poll(ctx context.Context, path string, task Task) (PollStatus, error) {
	var resp pollResponse
	if err := b.post(ctx, path, pollRequestBody{TaskID: task.ID}, &resp); err != nil {
		return PollStatus{}, err
	}
	return normalizePoll(resp), nil
}

func (b *HTTPBackend) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("imagegen: failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("imagegen: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("imagegen: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return b.httpError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("imagegen: failed to decode %s response: %w", path, err)
	}
	return nil
}

// httpError turns a non-2xx response into a BackendError, preferring the
// structured error body when the service sends one.
func (b *HTTPBackend) httpError(path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var envelope struct {
		Error *wireError `json:"error"`
	}
	be := &BackendError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
		parsed := envelope.Error.toBackendError()
		if parsed.Code == 0 {
			parsed.Code = resp.StatusCode
		}
		be = parsed
	}

	b.logger.Debug("backend returned error",
		zap.String("path", path),
		zap.Int("http_status", resp.StatusCode),
		zap.String("class", be.Class().String()))
	return be
}

var _ Backend = (*HTTPBackend)(nil)
