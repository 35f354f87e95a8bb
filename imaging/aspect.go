// Package imaging normalizes input images onto generation canvases and
// applies the post-generation crops the backend cannot produce natively.
package imaging

import (
	"fmt"
	"strings"
)

// AspectRatio is a requested output ratio such as "16:9".
type AspectRatio string

const (
	RatioSquare    AspectRatio = "1:1"
	RatioLandscape AspectRatio = "16:9"
	RatioPortrait  AspectRatio = "9:16"
	RatioFourThree AspectRatio = "4:3"
	RatioThreeFour AspectRatio = "3:4"
)

var wireEnums = map[AspectRatio]string{
	RatioSquare:    "SQUARE",
	RatioLandscape: "LANDSCAPE",
	RatioPortrait:  "PORTRAIT",
	RatioFourThree: "LANDSCAPE_FOUR_THREE",
	RatioThreeFour: "PORTRAIT_THREE_FOUR",
}

// ParseAspectRatio accepts "4:3" style ratios and the wire enum names.
// An empty string means square.
func ParseAspectRatio(s string) (AspectRatio, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RatioSquare, nil
	}
	if _, ok := wireEnums[AspectRatio(s)]; ok {
		return AspectRatio(s), nil
	}
	upper := strings.ToUpper(s)
	for ratio, enum := range wireEnums {
		if upper == enum {
			return ratio, nil
		}
	}
	return "", fmt.Errorf("imaging: unsupported aspect ratio %q", s)
}

// WireEnum returns the backend enum name for the ratio.
func (r AspectRatio) WireEnum() string {
	return wireEnums[r]
}

// NeedsSoftwareCrop reports whether the ratio is produced by cropping a
// native canvas after generation.
func (r AspectRatio) NeedsSoftwareCrop() bool {
	return r == RatioFourThree || r == RatioThreeFour
}

// CanvasRatio returns the natively supported ratio a request is submitted with.
func (r AspectRatio) CanvasRatio() AspectRatio {
	switch r {
	case RatioFourThree, RatioLandscape:
		return RatioLandscape
	case RatioThreeFour, RatioPortrait:
		return RatioPortrait
	default:
		return RatioSquare
	}
}

// SubmissionEnum is the enum actually sent to the backend.
func (r AspectRatio) SubmissionEnum() string {
	return r.CanvasRatio().WireEnum()
}

// Tier selects canvas resolution and the backend model.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPro      Tier = "pro"
)

// ParseTier accepts "standard" and "pro"; empty means standard.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierStandard:
		return TierStandard, nil
	case TierPro:
		return TierPro, nil
	}
	return "", fmt.Errorf("imaging: unsupported quality tier %q", s)
}

type canvasKey struct {
	ratio AspectRatio
	tier  Tier
}

var canvasSizes = map[canvasKey][2]int{
	{RatioLandscape, TierStandard}: {1280, 720},
	{RatioPortrait, TierStandard}:  {720, 1280},
	{RatioSquare, TierStandard}:    {1024, 1024},
	{RatioLandscape, TierPro}:      {2048, 1152},
	{RatioPortrait, TierPro}:       {1152, 2048},
	{RatioSquare, TierPro}:         {2048, 2048},
}

// CanvasSize returns the pixel canvas for a ratio and tier. Ratios without a
// native canvas use the canvas of CanvasRatio.
func CanvasSize(ratio AspectRatio, tier Tier) (width, height int) {
	if tier != TierPro {
		tier = TierStandard
	}
	size := canvasSizes[canvasKey{ratio.CanvasRatio(), tier}]
	return size[0], size[1]
}

// FitMode controls how a source is placed on a canvas of a different shape.
type FitMode string

const (
	// FitCover fills the canvas and crops the overflow.
	FitCover FitMode = "cover"
	// FitContain letterboxes the whole source on black.
	FitContain FitMode = "contain"
)
