package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"

	"archrender/codec"
	"archrender/logging"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Fetcher retrieves a remote image, typically through the image proxy with a
// direct fetch as fallback.
type Fetcher interface {
	FetchImage(ctx context.Context, url string) ([]byte, string, error)
}

// CropBox returns the centered crop of a width x height image for ratio. For
// 4:3 the width is kept and the height derived, recomputing the width if the
// height would overflow; 3:4 is symmetric. Other ratios return the full image.
func CropBox(width, height int, ratio AspectRatio) image.Rectangle {
	cropW, cropH := width, height
	switch ratio {
	case RatioFourThree:
		cropH = roundInt(float64(width) * 3 / 4)
		if cropH > height {
			cropH = height
			cropW = roundInt(float64(height) * 4 / 3)
		}
	case RatioThreeFour:
		cropW = roundInt(float64(height) * 3 / 4)
		if cropW > width {
			cropW = width
			cropH = roundInt(float64(width) * 4 / 3)
		}
	}
	cropW = min(cropW, width)
	cropH = min(cropH, height)
	x0 := (width - cropW) / 2
	y0 := (height - cropH) / 2
	return image.Rect(x0, y0, x0+cropW, y0+cropH)
}

func roundInt(f float64) int {
	return int(math.Round(f))
}

// Cropper applies software crops to generated artifacts.
type Cropper struct {
	fetcher Fetcher
	store   *codec.BlobStore
	logger  *logging.Logger
}

// NewCropper builds a Cropper. fetcher may be nil when only local resources
// are cropped.
func NewCropper(fetcher Fetcher, store *codec.BlobStore, logger *logging.Logger) *Cropper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cropper{fetcher: fetcher, store: store, logger: logger.Named("crop")}
}

// CropToRatio crops the image at ref to ratio at native resolution and returns
// a new local resource. Ratios other than 4:3 and 3:4, images that already
// have the ratio and any failure return ref unchanged.
func (c *Cropper) CropToRatio(ctx context.Context, ref string, ratio AspectRatio) string {
	if !ratio.NeedsSoftwareCrop() {
		return ref
	}
	out, err := c.crop(ctx, ref, ratio)
	if err != nil {
		c.logger.Warn("crop skipped", zap.String("ratio", string(ratio)), zap.Error(err))
		return ref
	}
	return out
}

func (c *Cropper) crop(ctx context.Context, ref string, ratio AspectRatio) (string, error) {
	data, err := c.load(ctx, ref)
	if err != nil {
		return "", err
	}
	src, err := DecodeImage(data)
	if err != nil {
		return "", err
	}

	sb := src.Bounds()
	box := CropBox(sb.Dx(), sb.Dy(), ratio)
	if box.Dx() == sb.Dx() && box.Dy() == sb.Dy() {
		return ref, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	draw.Draw(dst, dst.Bounds(), src, box.Min.Add(sb.Min), draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return "", fmt.Errorf("imaging: failed to encode crop: %w", err)
	}
	if c.store == nil {
		return codec.EncodeDataURI("image/png", buf.Bytes()), nil
	}
	out, err := c.store.Save(buf.Bytes(), "image/png")
	if err != nil {
		return "", err
	}
	c.logger.Debug("cropped artifact",
		zap.String("ratio", string(ratio)),
		zap.Int("width", box.Dx()),
		zap.Int("height", box.Dy()))
	return out, nil
}

func (c *Cropper) load(ctx context.Context, ref string) ([]byte, error) {
	if codec.IsLocal(ref) {
		data, _, err := codec.ReadLocal(ref)
		return data, err
	}
	if c.fetcher == nil {
		return nil, fmt.Errorf("imaging: no fetcher for remote image")
	}
	data, _, err := c.fetcher.FetchImage(ctx, ref)
	return data, err
}
