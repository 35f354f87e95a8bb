package imagegen

import (
	"context"

	"archrender/imaging"
)

// Backend is the queue based generation service. Submit calls create a task;
// poll calls observe it. Implementations return *BackendError for errors the
// service reports and plain errors for transport failures.
type Backend interface {
	SubmitGeneration(ctx context.Context, sub GenerationSubmission) (Task, error)
	PollGeneration(ctx context.Context, task Task) (PollStatus, error)
	SubmitUpscale(ctx context.Context, sub UpscaleSubmission) (Task, error)
	PollUpscale(ctx context.Context, task Task) (PollStatus, error)
}

// GenerationSubmission is a single task submission. Images are raw base64.
type GenerationSubmission struct {
	Prompt          string
	Images          []string
	AspectRatioEnum string
	Count           int
	QualityModel    string
	// Canvas is the pixel size implied by the ratio and tier.
	CanvasWidth  int
	CanvasHeight int
}

// UpscaleSubmission is an upscale task submission.
type UpscaleSubmission struct {
	MediaID    string
	ProjectID  string
	Resolution UpscaleResolution
}

// QualityModelName returns the backend model name for a tier.
func QualityModelName(tier imaging.Tier) string {
	if tier == imaging.TierPro {
		return "IMAGE_MODEL_PRO"
	}
	return "IMAGE_MODEL_STANDARD"
}
