package imagegen

import (
	"archrender/imaging"
)

// ProgressFunc receives human readable status text. It never affects control flow.
type ProgressFunc func(status string)

// InputImage is one input image. Data is base64 (or a data URI); Resource is an
// optional local handle used when Data is empty.
type InputImage struct {
	Data     string
	MimeType string
	Resource string
}

// GenerationRequest describes one generation job.
type GenerationRequest struct {
	Prompt      string
	Images      []InputImage
	AspectRatio imaging.AspectRatio
	Count       int
	Tier        imaging.Tier
	// Fit controls how input images are placed on the canvas. Empty uses the
	// client default.
	Fit        imaging.FitMode
	OnProgress ProgressFunc
}

// Task identifies a server side unit of work. It lives only as long as the
// call that submitted it.
type Task struct {
	ID        string
	ProjectID string
	AccountID string
}

// Artifact is a generated image as reported by the backend, carrying inline
// bytes, a remote URL, or both.
type Artifact struct {
	MediaID      string
	EncodedImage string
	URL          string
}

// GenerationResult holds the materialized artifacts of a job. URLs and
// MediaIDs are parallel. Failed counts fan-out siblings that produced nothing.
type GenerationResult struct {
	URLs      []string
	MediaIDs  []string
	ProjectID string
	AccountID string
	Failed    int
}

// UpscaleResolution is the target tier of an upscale.
type UpscaleResolution string

const (
	Resolution2K UpscaleResolution = "2K"
	Resolution4K UpscaleResolution = "4K"
)

// ParseUpscaleResolution accepts 2K and 4K in any case; empty means 2K.
func ParseUpscaleResolution(s string) (UpscaleResolution, error) {
	switch s {
	case "", "2K", "2k":
		return Resolution2K, nil
	case "4K", "4k":
		return Resolution4K, nil
	}
	return "", invalidRequest("unsupported upscale resolution %q", s)
}

// UpscaleRequest describes an upscale of a previously generated artifact.
type UpscaleRequest struct {
	MediaID    string
	ProjectID  string
	Resolution UpscaleResolution
	// AspectRatio, when 4:3 or 3:4, crops the upscaled artifact.
	AspectRatio imaging.AspectRatio
	OnProgress  ProgressFunc
}

// UpscaleResult is the final upscaled artifact.
type UpscaleResult struct {
	URL     string
	MediaID string
}
