package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"archrender/imagegen"
	"archrender/imaging"
	"archrender/logging"
)

// Generator is the job client surface the studio tools drive.
type Generator interface {
	Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error)
	Upscale(ctx context.Context, req imagegen.UpscaleRequest) (*imagegen.UpscaleResult, error)
}

// Studio exposes the priced tools. Every tool runs through the orchestrator.
type Studio struct {
	gen     Generator
	orch    *Orchestrator
	pricing Pricing
	logger  *logging.Logger
}

// NewStudio creates a Studio.
func NewStudio(gen Generator, orch *Orchestrator, pricing Pricing, logger *logging.Logger) *Studio {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Studio{gen: gen, orch: orch, pricing: pricing, logger: logger.Named("studio")}
}

// RenderParams are shared by render, renovation and poster.
type RenderParams struct {
	UserID      string
	Prompt      string
	Images      []imagegen.InputImage
	AspectRatio imaging.AspectRatio
	Count       int
	Tier        imaging.Tier
	// SourceImageURL is recorded in history alongside each result.
	SourceImageURL string
}

// InpaintParams edits the masked region of one image.
type InpaintParams struct {
	UserID         string
	Prompt         string
	Image          imagegen.InputImage
	Mask           imagegen.InputImage
	AspectRatio    imaging.AspectRatio
	Tier           imaging.Tier
	SourceImageURL string
}

// ViewSyncParams renders one source from several camera angles.
type ViewSyncParams struct {
	UserID         string
	Prompt         string
	Image          imagegen.InputImage
	Angles         []string
	AspectRatio    imaging.AspectRatio
	Tier           imaging.Tier
	SourceImageURL string
}

// UpscaleParams raises the resolution of a generated artifact.
type UpscaleParams struct {
	UserID         string
	MediaID        string
	ProjectID      string
	Resolution     imagegen.UpscaleResolution
	AspectRatio    imaging.AspectRatio
	SourceImageURL string
}

// Render generates architectural renders.
func (s *Studio) Render(ctx context.Context, p RenderParams) (*imagegen.GenerationResult, error) {
	return s.generate(ctx, ToolRender, p)
}

// Renovate generates a renovation of an existing space.
func (s *Studio) Renovate(ctx context.Context, p RenderParams) (*imagegen.GenerationResult, error) {
	return s.generate(ctx, ToolRenovation, p)
}

// Poster generates a poster or diagram.
func (s *Studio) Poster(ctx context.Context, p RenderParams) (*imagegen.GenerationResult, error) {
	return s.generate(ctx, ToolPoster, p)
}

// Inpaint sends the image followed by its mask.
func (s *Studio) Inpaint(ctx context.Context, p InpaintParams) (*imagegen.GenerationResult, error) {
	if p.Mask.Data == "" && p.Mask.Resource == "" {
		return nil, fmt.Errorf("%w: inpaint needs a mask", imagegen.ErrInvalidRequest)
	}
	return s.generate(ctx, ToolInpaint, RenderParams{
		UserID:         p.UserID,
		Prompt:         p.Prompt,
		Images:         []imagegen.InputImage{p.Image, p.Mask},
		AspectRatio:    p.AspectRatio,
		Count:          1,
		Tier:           p.Tier,
		SourceImageURL: p.SourceImageURL,
	})
}

// ViewSync renders every angle concurrently under one charge. Angles that
// fail are dropped; the job fails only if none succeed.
func (s *Studio) ViewSync(ctx context.Context, p ViewSyncParams) (*imagegen.GenerationResult, error) {
	if len(p.Angles) == 0 {
		return nil, fmt.Errorf("%w: view sync needs at least one angle", imagegen.ErrInvalidRequest)
	}
	cost, err := s.pricing.Cost(ToolViewSync, p.Tier, len(p.Angles))
	if err != nil {
		return nil, err
	}

	result := &imagegen.GenerationResult{}
	job := Job{
		Tool:           ToolViewSync,
		UserID:         p.UserID,
		Cost:           cost,
		Description:    fmt.Sprintf("%s x%d", ToolViewSync, len(p.Angles)),
		Prompt:         p.Prompt,
		SourceImageURL: p.SourceImageURL,
		Run: func(ctx context.Context) ([]string, error) {
			var (
				mu   sync.Mutex
				errs []error
				g    errgroup.Group
			)
			results := make([]*imagegen.GenerationResult, len(p.Angles))
			for i, angle := range p.Angles {
				g.Go(func() error {
					res, err := s.gen.Generate(ctx, imagegen.GenerationRequest{
						Prompt:      anglePrompt(p.Prompt, angle),
						Images:      []imagegen.InputImage{p.Image},
						AspectRatio: p.AspectRatio,
						Count:       1,
						Tier:        p.Tier,
						OnProgress:  s.progress(ToolViewSync, fmt.Sprintf("(%d/%d)", i+1, len(p.Angles))),
					})
					if err != nil {
						mu.Lock()
						errs = append(errs, fmt.Errorf("angle %q: %w", angle, err))
						mu.Unlock()
						return nil
					}
					results[i] = res
					return nil
				})
			}
			g.Wait()

			for _, res := range results {
				if res == nil {
					result.Failed++
					continue
				}
				result.URLs = append(result.URLs, res.URLs...)
				result.MediaIDs = append(result.MediaIDs, res.MediaIDs...)
				if result.ProjectID == "" {
					result.ProjectID = res.ProjectID
					result.AccountID = res.AccountID
				}
			}
			if len(result.URLs) == 0 {
				return nil, errors.Join(append([]error{imagegen.ErrNoArtifacts}, errs...)...)
			}
			return result.URLs, nil
		},
	}
	if _, err := s.orch.Execute(ctx, job); err != nil {
		return nil, err
	}
	return result, nil
}

// Upscale charges by target resolution.
func (s *Studio) Upscale(ctx context.Context, p UpscaleParams) (*imagegen.UpscaleResult, error) {
	cost, err := s.pricing.UpscaleCost(p.Resolution)
	if err != nil {
		return nil, err
	}

	var result *imagegen.UpscaleResult
	job := Job{
		Tool:           ToolUpscale,
		UserID:         p.UserID,
		Cost:           cost,
		Description:    fmt.Sprintf("%s %s", ToolUpscale, p.Resolution),
		SourceImageURL: p.SourceImageURL,
		Run: func(ctx context.Context) ([]string, error) {
			res, err := s.gen.Upscale(ctx, imagegen.UpscaleRequest{
				MediaID:     p.MediaID,
				ProjectID:   p.ProjectID,
				Resolution:  p.Resolution,
				AspectRatio: p.AspectRatio,
				OnProgress:  s.progress(ToolUpscale, ""),
			})
			if err != nil {
				return nil, err
			}
			result = res
			return []string{res.URL}, nil
		},
	}
	if _, err := s.orch.Execute(ctx, job); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Studio) generate(ctx context.Context, tool Tool, p RenderParams) (*imagegen.GenerationResult, error) {
	count := p.Count
	if count < 1 {
		count = 1
	}
	cost, err := s.pricing.Cost(tool, p.Tier, count)
	if err != nil {
		return nil, err
	}

	var result *imagegen.GenerationResult
	job := Job{
		Tool:           tool,
		UserID:         p.UserID,
		Cost:           cost,
		Description:    fmt.Sprintf("%s x%d (%s)", tool, count, tierName(p.Tier)),
		Prompt:         p.Prompt,
		SourceImageURL: p.SourceImageURL,
		Run: func(ctx context.Context) ([]string, error) {
			res, err := s.gen.Generate(ctx, imagegen.GenerationRequest{
				Prompt:      p.Prompt,
				Images:      p.Images,
				AspectRatio: p.AspectRatio,
				Count:       count,
				Tier:        p.Tier,
				OnProgress:  s.progress(tool, ""),
			})
			if err != nil {
				return nil, err
			}
			result = res
			return res.URLs, nil
		},
	}
	if _, err := s.orch.Execute(ctx, job); err != nil {
		return nil, err
	}
	if result.Failed > 0 {
		s.logger.Warn("Partial result",
			zap.String("tool", string(tool)),
			zap.Int("requested", count),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (s *Studio) progress(tool Tool, label string) imagegen.ProgressFunc {
	return func(status string) {
		if label != "" && !strings.HasSuffix(status, label) {
			status = status + " " + label
		}
		s.orch.notifier.Progress(tool, status)
	}
}

func anglePrompt(prompt, angle string) string {
	if angle == "" {
		return prompt
	}
	return prompt + "\nCamera angle: " + angle
}

func tierName(t imaging.Tier) string {
	if t == "" {
		return string(imaging.TierStandard)
	}
	return string(t)
}
