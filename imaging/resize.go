package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"archrender/codec"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Errors returned by the decode and resize helpers.
var (
	ErrEmptyImage   = errors.New("imaging: empty image data")
	ErrInvalidImage = errors.New("imaging: invalid image data")
)

// DecodeImage decodes PNG, JPEG, GIF and WebP data.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// ResizeAndCrop draws a data URI image onto the canvas for ratio and tier and
// returns the result as a full quality JPEG data URI. If the image cannot be
// decoded or encoded the original data URI is returned unchanged.
func ResizeAndCrop(dataURI string, ratio AspectRatio, tier Tier, fit FitMode) string {
	data, _, err := codec.DecodeDataURI(dataURI)
	if err != nil {
		return dataURI
	}
	out, err := ResizeBytes(data, ratio, tier, fit)
	if err != nil {
		return dataURI
	}
	return codec.EncodeDataURI("image/jpeg", out)
}

// ResizeBytes is ResizeAndCrop on raw bytes, returning JPEG bytes.
func ResizeBytes(data []byte, ratio AspectRatio, tier Tier, fit FitMode) ([]byte, error) {
	src, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	w, h := CanvasSize(ratio, tier)
	dst := FitToCanvas(src, w, h, fit)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 100}); err != nil {
		return nil, fmt.Errorf("imaging: failed to encode canvas: %w", err)
	}
	return buf.Bytes(), nil
}

// FitToCanvas scales src onto a width x height canvas with CatmullRom
// resampling.
func FitToCanvas(src image.Image, width, height int, fit FitMode) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	if sw == 0 || sh == 0 {
		return dst
	}

	if fit == FitCover {
		// Take the largest centered source region with the canvas ratio.
		cropW, cropH := sw, sw*height/width
		if cropH > sh {
			cropH = sh
			cropW = sh * width / height
		}
		x0 := sb.Min.X + (sw-cropW)/2
		y0 := sb.Min.Y + (sh-cropH)/2
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, image.Rect(x0, y0, x0+cropW, y0+cropH), draw.Src, nil)
		return dst
	}

	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	scale := min(float64(width)/float64(sw), float64(height)/float64(sh))
	newW := max(1, int(float64(sw)*scale+0.5))
	newH := max(1, int(float64(sh)*scale+0.5))
	offX := (width - newW) / 2
	offY := (height - newH) / 2
	draw.CatmullRom.Scale(dst, image.Rect(offX, offY, offX+newW, offY+newH), src, sb, draw.Over, nil)
	return dst
}
