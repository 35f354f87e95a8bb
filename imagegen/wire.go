package imagegen

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Request and response bodies of the generation backend. Response shapes vary
// between endpoints and backend versions; normalizePoll folds them into a
// PollStatus as soon as they are decoded.

type generationSubmitBody struct {
	Prompt               string   `json:"prompt"`
	Images               []string `json:"images"`
	ImageAspectRatioEnum string   `json:"imageAspectRatioEnum"`
	NumberOfImages       int      `json:"numberOfImages"`
	QualityModelName     string   `json:"qualityModelName"`
}

type upscaleSubmitBody struct {
	MediaID          string `json:"mediaId"`
	ProjectID        string `json:"projectId,omitempty"`
	TargetResolution string `json:"targetResolution"`
}

type submitResponse struct {
	TaskID    string     `json:"taskId"`
	ProjectID string     `json:"projectId"`
	AccountID string     `json:"accountId"`
	Error     *wireError `json:"error"`
}

type pollRequestBody struct {
	TaskID string `json:"taskId"`
}

type pollResponse struct {
	Code   flexString  `json:"code"`
	Status string      `json:"status"`
	Result *wireResult `json:"result"`
	Error  *wireError  `json:"error"`
}

type wireResult struct {
	Media []wireMedia `json:"media"`
	Error *wireError  `json:"error"`

	// Single artifact shape used by upscale results.
	wireMedia
}

type wireMedia struct {
	MediaGenerationID string     `json:"mediaGenerationId"`
	MediaID           string     `json:"mediaId"`
	Name              string     `json:"name"`
	EncodedImage      string     `json:"encodedImage"`
	FifeURL           string     `json:"fifeUrl"`
	Image             *wireImage `json:"image"`
}

type wireImage struct {
	EncodedImage string `json:"encodedImage"`
	FifeURL      string `json:"fifeUrl"`
}

type wireError struct {
	Code    flexString `json:"code"`
	Status  string     `json:"status"`
	Message string     `json:"message"`
}

// flexString decodes a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// PollState is the normalized state of a task.
type PollState int

const (
	StatePending PollState = iota
	StateSucceeded
	StateFailed
	StateError
)

func (s PollState) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateError:
		return "error"
	default:
		return "pending"
	}
}

// PollStatus is one normalized poll observation.
type PollStatus struct {
	State     PollState
	Artifacts []Artifact
	Err       *BackendError
}

func (w *wireError) toBackendError() *BackendError {
	if w == nil {
		return nil
	}
	code, _ := strconv.Atoi(strings.TrimSpace(string(w.Code)))
	status := w.Status
	if code == 0 && status == "" && w.Code != "" {
		status = string(w.Code)
	}
	return &BackendError{Code: code, Status: status, Message: w.Message}
}

func (m wireMedia) toArtifact() (Artifact, bool) {
	a := Artifact{
		MediaID:      firstNonEmpty(m.MediaGenerationID, m.MediaID, m.Name),
		EncodedImage: m.EncodedImage,
		URL:          m.FifeURL,
	}
	if m.Image != nil {
		a.EncodedImage = firstNonEmpty(a.EncodedImage, m.Image.EncodedImage)
		a.URL = firstNonEmpty(a.URL, m.Image.FifeURL)
	}
	return a, a.EncodedImage != "" || a.URL != ""
}

func normalizePoll(resp pollResponse) PollStatus {
	if resp.Error != nil {
		return PollStatus{State: StateError, Err: resp.Error.toBackendError()}
	}
	if resp.Result != nil && resp.Result.Error != nil {
		return PollStatus{State: StateError, Err: resp.Result.Error.toBackendError()}
	}
	if strings.EqualFold(resp.Status, "FAILED") {
		return PollStatus{State: StateFailed}
	}
	if resp.Result == nil {
		return PollStatus{State: StatePending}
	}

	var artifacts []Artifact
	for _, m := range resp.Result.Media {
		if a, ok := m.toArtifact(); ok {
			artifacts = append(artifacts, a)
		}
	}
	if a, ok := resp.Result.wireMedia.toArtifact(); ok {
		artifacts = append(artifacts, a)
	}
	if len(artifacts) == 0 {
		return PollStatus{State: StatePending}
	}
	return PollStatus{State: StateSucceeded, Artifacts: artifacts}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
