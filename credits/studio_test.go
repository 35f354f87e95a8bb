package credits

import (
	"context"
	"errors"
	"strings"
	"testing"

	"archrender/imagegen"
	"archrender/imaging"
)

func newTestStudio(t *testing.T, gen *fakeGenerator, ledger *fakeLedger) (*Studio, *recordingNotifier) {
	t.Helper()
	o, n, _, _ := newTestOrchestrator(t, ledger)
	return NewStudio(gen, o, DefaultPricing(), newTestLogger(t)), n
}

func TestStudio_RenderChargesPerImage(t *testing.T) {
	gen := &fakeGenerator{generate: func(req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
		return &imagegen.GenerationResult{URLs: []string{"a", "b"}, MediaIDs: []string{"m1", "m2"}, Failed: 1}, nil
	}}
	ledger := &fakeLedger{balance: 10}
	s, n := newTestStudio(t, gen, ledger)

	res, err := s.Render(context.Background(), RenderParams{
		UserID: "u1", Prompt: "courtyard", Count: 3, Tier: imaging.TierPro,
		AspectRatio: imaging.RatioFourThree,
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(res.URLs) != 2 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if ledger.deducts[0].amount != 6 {
		t.Errorf("charged %d, want 6", ledger.deducts[0].amount)
	}
	if len(ledger.refunds) != 0 {
		t.Error("partial success must not refund")
	}
	if gen.requests[0].Count != 3 || gen.requests[0].AspectRatio != imaging.RatioFourThree {
		t.Errorf("request = %+v", gen.requests[0])
	}
	if len(n.progress) == 0 {
		t.Error("progress not forwarded to notifier")
	}
}

func TestStudio_InpaintSendsImageThenMask(t *testing.T) {
	gen := &fakeGenerator{generate: func(req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
		return &imagegen.GenerationResult{URLs: []string{"a"}}, nil
	}}
	s, _ := newTestStudio(t, gen, &fakeLedger{balance: 10})

	_, err := s.Inpaint(context.Background(), InpaintParams{
		Prompt: "add a window",
		Image:  imagegen.InputImage{Data: "img"},
		Mask:   imagegen.InputImage{Data: "mask"},
	})
	if err != nil {
		t.Fatalf("Inpaint() error = %v", err)
	}
	imgs := gen.requests[0].Images
	if len(imgs) != 2 || imgs[0].Data != "img" || imgs[1].Data != "mask" {
		t.Errorf("images = %+v", imgs)
	}

	if _, err := s.Inpaint(context.Background(), InpaintParams{Image: imagegen.InputImage{Data: "img"}}); !errors.Is(err, imagegen.ErrInvalidRequest) {
		t.Errorf("missing mask error = %v", err)
	}
}

func TestStudio_ViewSyncPartialSuccess(t *testing.T) {
	gen := &fakeGenerator{generate: func(req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
		if strings.Contains(req.Prompt, "aerial") {
			return nil, imagegen.ErrPollTimeout
		}
		return &imagegen.GenerationResult{URLs: []string{req.Prompt}, MediaIDs: []string{"m"}}, nil
	}}
	ledger := &fakeLedger{balance: 10}
	s, _ := newTestStudio(t, gen, ledger)

	res, err := s.ViewSync(context.Background(), ViewSyncParams{
		Prompt: "museum", Image: imagegen.InputImage{Data: "img"},
		Angles: []string{"front", "aerial", "side"},
	})
	if err != nil {
		t.Fatalf("ViewSync() error = %v", err)
	}
	if len(res.URLs) != 2 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasSuffix(res.URLs[0], "front") || !strings.HasSuffix(res.URLs[1], "side") {
		t.Errorf("angle order lost: %v", res.URLs)
	}
	if ledger.deducts[0].amount != 3 || len(ledger.refunds) != 0 {
		t.Errorf("deducts = %+v refunds = %+v", ledger.deducts, ledger.refunds)
	}
}

func TestStudio_ViewSyncTotalFailureRefunds(t *testing.T) {
	gen := &fakeGenerator{generate: func(req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
		return nil, imagegen.ErrQuotaExhausted
	}}
	ledger := &fakeLedger{balance: 10}
	s, _ := newTestStudio(t, gen, ledger)

	_, err := s.ViewSync(context.Background(), ViewSyncParams{Angles: []string{"a", "b"}})
	if !errors.Is(err, imagegen.ErrNoArtifacts) || !errors.Is(err, imagegen.ErrQuotaExhausted) {
		t.Fatalf("error = %v", err)
	}
	if len(ledger.refunds) != 1 || ledger.refunds[0].amount != 2 {
		t.Errorf("refunds = %+v", ledger.refunds)
	}
	if ledger.balance != 10 {
		t.Errorf("balance = %d, want 10", ledger.balance)
	}
}

func TestStudio_Upscale(t *testing.T) {
	gen := &fakeGenerator{upscaleFn: func(req imagegen.UpscaleRequest) (*imagegen.UpscaleResult, error) {
		return &imagegen.UpscaleResult{URL: "file:///up.png", MediaID: req.MediaID}, nil
	}}
	ledger := &fakeLedger{balance: 10}
	s, _ := newTestStudio(t, gen, ledger)

	res, err := s.Upscale(context.Background(), UpscaleParams{
		MediaID: "m1", ProjectID: "p1", Resolution: imagegen.Resolution4K, AspectRatio: imaging.RatioThreeFour,
	})
	if err != nil {
		t.Fatalf("Upscale() error = %v", err)
	}
	if res.URL != "file:///up.png" {
		t.Errorf("URL = %s", res.URL)
	}
	if ledger.deducts[0].amount != 4 {
		t.Errorf("charged %d, want 4", ledger.deducts[0].amount)
	}
	if gen.upscales[0].AspectRatio != imaging.RatioThreeFour || gen.upscales[0].ProjectID != "p1" {
		t.Errorf("upscale request = %+v", gen.upscales[0])
	}
}

func TestStudio_InsufficientCredits(t *testing.T) {
	gen := &fakeGenerator{generate: func(req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
		t.Fatal("generator called without funding")
		return nil, nil
	}}
	s, _ := newTestStudio(t, gen, &fakeLedger{balance: 0})

	if _, err := s.Poster(context.Background(), RenderParams{Prompt: "diagram"}); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("error = %v, want ErrInsufficientCredits", err)
	}
}
