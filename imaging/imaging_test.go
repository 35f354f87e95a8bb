package imaging

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"archrender/codec"
	"archrender/logging"

	"go.uber.org/zap/zaptest"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 200, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func decodeRef(t *testing.T, ref string) image.Image {
	t.Helper()
	data, _, err := codec.ReadLocal(ref)
	if err != nil {
		t.Fatalf("ReadLocal(%q): %v", ref, err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	return img
}

func TestWireEnumMapping(t *testing.T) {
	tests := []struct {
		ratio      AspectRatio
		enum       string
		submission string
	}{
		{RatioSquare, "SQUARE", "SQUARE"},
		{RatioLandscape, "LANDSCAPE", "LANDSCAPE"},
		{RatioPortrait, "PORTRAIT", "PORTRAIT"},
		{RatioFourThree, "LANDSCAPE_FOUR_THREE", "LANDSCAPE"},
		{RatioThreeFour, "PORTRAIT_THREE_FOUR", "PORTRAIT"},
	}
	for _, tt := range tests {
		t.Run(string(tt.ratio), func(t *testing.T) {
			if got := tt.ratio.WireEnum(); got != tt.enum {
				t.Errorf("WireEnum() = %q, want %q", got, tt.enum)
			}
			if got := tt.ratio.SubmissionEnum(); got != tt.submission {
				t.Errorf("SubmissionEnum() = %q, want %q", got, tt.submission)
			}
		})
	}
}

func TestParseAspectRatio(t *testing.T) {
	tests := []struct {
		in      string
		want    AspectRatio
		wantErr bool
	}{
		{"", RatioSquare, false},
		{"16:9", RatioLandscape, false},
		{" 3:4 ", RatioThreeFour, false},
		{"landscape_four_three", RatioFourThree, false},
		{"21:9", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAspectRatio(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseAspectRatio(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestParseTier(t *testing.T) {
	if tier, err := ParseTier("PRO"); err != nil || tier != TierPro {
		t.Errorf("ParseTier(PRO) = %q, %v", tier, err)
	}
	if tier, err := ParseTier(""); err != nil || tier != TierStandard {
		t.Errorf("ParseTier(\"\") = %q, %v", tier, err)
	}
	if _, err := ParseTier("ultra"); err == nil {
		t.Error("ParseTier(ultra) expected error")
	}
}

func TestCanvasSize(t *testing.T) {
	tests := []struct {
		ratio AspectRatio
		tier  Tier
		w, h  int
	}{
		{RatioLandscape, TierStandard, 1280, 720},
		{RatioPortrait, TierStandard, 720, 1280},
		{RatioSquare, TierStandard, 1024, 1024},
		{RatioLandscape, TierPro, 2048, 1152},
		{RatioPortrait, TierPro, 1152, 2048},
		{RatioSquare, TierPro, 2048, 2048},
		{RatioFourThree, TierPro, 2048, 1152},
		{RatioThreeFour, TierStandard, 720, 1280},
	}
	for _, tt := range tests {
		w, h := CanvasSize(tt.ratio, tt.tier)
		if w != tt.w || h != tt.h {
			t.Errorf("CanvasSize(%s, %s) = %dx%d, want %dx%d", tt.ratio, tt.tier, w, h, tt.w, tt.h)
		}
	}
}

func TestCropBox(t *testing.T) {
	tests := []struct {
		name  string
		w, h  int
		ratio AspectRatio
		want  image.Rectangle
	}{
		{"4:3 from 16:9 keeps height", 2048, 1152, RatioFourThree, image.Rect(256, 0, 1792, 1152)},
		{"4:3 from square keeps width", 1024, 1024, RatioFourThree, image.Rect(0, 128, 1024, 896)},
		{"3:4 from 9:16 keeps width", 1152, 2048, RatioThreeFour, image.Rect(0, 256, 1152, 1792)},
		{"3:4 from square keeps height", 1024, 1024, RatioThreeFour, image.Rect(128, 0, 896, 1024)},
		{"already 4:3", 1600, 1200, RatioFourThree, image.Rect(0, 0, 1600, 1200)},
		{"other ratio untouched", 1280, 720, RatioLandscape, image.Rect(0, 0, 1280, 720)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CropBox(tt.w, tt.h, tt.ratio); got != tt.want {
				t.Errorf("CropBox() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResizeAndCrop(t *testing.T) {
	src := codec.EncodeDataURI("image/png", encodePNG(t, testImage(300, 100)))

	for _, fit := range []FitMode{FitCover, FitContain} {
		t.Run(string(fit), func(t *testing.T) {
			out := ResizeAndCrop(src, RatioSquare, TierStandard, fit)
			if !strings.HasPrefix(out, "data:image/jpeg;base64,") {
				t.Fatalf("ResizeAndCrop() prefix = %q", out[:24])
			}
			img := decodeRef(t, out)
			if b := img.Bounds(); b.Dx() != 1024 || b.Dy() != 1024 {
				t.Errorf("canvas = %dx%d, want 1024x1024", b.Dx(), b.Dy())
			}
		})
	}
}

func TestResizeAndCrop_ContainLetterboxesBlack(t *testing.T) {
	white := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	src := codec.EncodeDataURI("image/png", encodePNG(t, white))

	img := decodeRef(t, ResizeAndCrop(src, RatioSquare, TierStandard, FitContain))
	r, g, b, _ := img.At(512, 10).RGBA()
	if r>>8 > 16 || g>>8 > 16 || b>>8 > 16 {
		t.Errorf("letterbox pixel = (%d,%d,%d), want black", r>>8, g>>8, b>>8)
	}
	r, g, b, _ = img.At(512, 512).RGBA()
	if r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
		t.Errorf("center pixel = (%d,%d,%d), want white", r>>8, g>>8, b>>8)
	}
}

func TestResizeAndCrop_ReturnsOriginalOnFailure(t *testing.T) {
	inputs := []string{
		"data:image/png;base64,aGVsbG8=",
		"https://example.com/not-inline.png",
	}
	for _, in := range inputs {
		if got := ResizeAndCrop(in, RatioLandscape, TierPro, FitCover); got != in {
			t.Errorf("ResizeAndCrop(%q) = %q, want original", in, got)
		}
	}
}

type fakeFetcher struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeFetcher) FetchImage(ctx context.Context, url string) ([]byte, string, error) {
	f.calls++
	return f.data, "image/png", f.err
}

func newTestCropper(t *testing.T, fetcher Fetcher) *Cropper {
	t.Helper()
	logger := logging.NewFromZap(zaptest.NewLogger(t))
	store, err := codec.NewBlobStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	return NewCropper(fetcher, store, logger)
}

func TestCropToRatio_FourThreeFromLandscape(t *testing.T) {
	cropper := newTestCropper(t, nil)
	src := codec.EncodeDataURI("image/png", encodePNG(t, testImage(320, 180)))

	out := cropper.CropToRatio(context.Background(), src, RatioFourThree)
	if out == src {
		t.Fatal("expected a new resource")
	}
	b := decodeRef(t, out).Bounds()
	if b.Dx() != 240 || b.Dy() != 180 {
		t.Errorf("crop = %dx%d, want 240x180", b.Dx(), b.Dy())
	}
}

func TestCropToRatio_Idempotent(t *testing.T) {
	cropper := newTestCropper(t, nil)
	src := codec.EncodeDataURI("image/png", encodePNG(t, testImage(400, 400)))

	once := cropper.CropToRatio(context.Background(), src, RatioFourThree)
	twice := cropper.CropToRatio(context.Background(), once, RatioFourThree)

	a, b := decodeRef(t, once), decodeRef(t, twice)
	if a.Bounds() != b.Bounds() {
		t.Fatalf("bounds drifted: %v then %v", a.Bounds(), b.Bounds())
	}
	for y := 0; y < a.Bounds().Dy(); y += 7 {
		for x := 0; x < a.Bounds().Dx(); x += 7 {
			if a.At(x, y) != b.At(x, y) {
				t.Fatalf("pixel (%d,%d) differs after second crop", x, y)
			}
		}
	}
}

func TestCropToRatio_PassThroughRatios(t *testing.T) {
	fetcher := &fakeFetcher{}
	cropper := newTestCropper(t, fetcher)
	for _, ratio := range []AspectRatio{RatioSquare, RatioLandscape, RatioPortrait} {
		if got := cropper.CropToRatio(context.Background(), "https://cdn/x.png", ratio); got != "https://cdn/x.png" {
			t.Errorf("CropToRatio(%s) = %q, want untouched", ratio, got)
		}
	}
	if fetcher.calls != 0 {
		t.Errorf("fetcher called %d times for pass-through ratios", fetcher.calls)
	}
}

func TestCropToRatio_RemoteUsesFetcher(t *testing.T) {
	fetcher := &fakeFetcher{data: encodePNG(t, testImage(180, 320))}
	cropper := newTestCropper(t, fetcher)

	out := cropper.CropToRatio(context.Background(), "https://cdn/x.png", RatioThreeFour)
	if fetcher.calls != 1 {
		t.Fatalf("fetcher calls = %d, want 1", fetcher.calls)
	}
	b := decodeRef(t, out).Bounds()
	if b.Dx() != 180 || b.Dy() != 240 {
		t.Errorf("crop = %dx%d, want 180x240", b.Dx(), b.Dy())
	}
}

func TestCropToRatio_FailureReturnsOriginal(t *testing.T) {
	cropper := newTestCropper(t, &fakeFetcher{err: errors.New("proxy and direct failed")})
	const ref = "https://cdn/x.png"
	if got := cropper.CropToRatio(context.Background(), ref, RatioFourThree); got != ref {
		t.Errorf("CropToRatio() = %q, want original on fetch failure", got)
	}

	garbage := codec.EncodeDataURI("image/png", []byte("not an image"))
	if got := cropper.CropToRatio(context.Background(), garbage, RatioFourThree); got != garbage {
		t.Error("CropToRatio() should return original on decode failure")
	}
}
