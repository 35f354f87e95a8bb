package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"archrender/imagegen"
	"archrender/logging"
	"archrender/metrics"
)

type countingRecorder struct {
	mu       sync.Mutex
	statuses []string
	bytes    int64
}

func (c *countingRecorder) ProxyServed(status string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	c.bytes += n
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	img := pngBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/typed.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	})
	mux.HandleFunc("/untyped", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(img)
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>nope</body></html>"))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/huge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(bytes.Repeat([]byte{0x89}, 4096))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, rec Recorder, opts ...Option) *httptest.Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxSize = 1024
	cfg.AllowPrivateTargets = true
	opts = append(opts, WithRecorder(rec))
	s := NewServer(cfg, logging.NewFromZap(zaptest.NewLogger(t)), opts...)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func proxyGet(t *testing.T, srv *httptest.Server, target string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + ImagePath + "?url=" + url.QueryEscape(target))
	if err != nil {
		t.Fatalf("GET proxy: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProxyImage(t *testing.T) {
	upstream := newUpstream(t)
	rec := &countingRecorder{}
	srv := newTestServer(t, rec)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantType   string
	}{
		{"typed image", upstream.URL + "/typed.png", http.StatusOK, "image/png"},
		{"sniffed image", upstream.URL + "/untyped", http.StatusOK, "image/png"},
		{"not an image", upstream.URL + "/page.html", http.StatusUnsupportedMediaType, ""},
		{"upstream error", upstream.URL + "/broken", http.StatusBadGateway, ""},
		{"too large", upstream.URL + "/huge", http.StatusRequestEntityTooLarge, ""},
		{"file scheme", "file:///etc/passwd", http.StatusBadRequest, ""},
		{"no host", "http://", http.StatusBadRequest, ""},
		{"missing", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := proxyGet(t, srv, tt.target)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantType != "" {
				if got := resp.Header.Get("Content-Type"); got != tt.wantType {
					t.Errorf("Content-Type = %q, want %q", got, tt.wantType)
				}
				if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
					t.Error("missing CORS header")
				}
				return
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("error body not JSON: %v", err)
			}
			if body["error"] == "" {
				t.Error("empty error message")
			}
		})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.statuses) != len(tests) {
		t.Errorf("recorded %d responses, want %d", len(rec.statuses), len(tests))
	}
	if rec.bytes == 0 {
		t.Error("no bytes recorded for successful responses")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &countingRecorder{},
		WithHealthCheck("db", func(context.Context) error { return nil }))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	degraded := newTestServer(t, &countingRecorder{},
		WithHealthCheck("db", func(context.Context) error { return errors.New("closed") }))
	resp2, err := http.Get(degraded.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp2.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Checks["db"] != "closed" {
		t.Errorf("body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	recorder := metrics.NewRecorder("test")
	upstream := newUpstream(t)
	srv := newTestServer(t, recorder, WithMetricsHandler(recorder.Handler()))

	proxyGet(t, srv, upstream.URL+"/typed.png")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `archrender_proxy_requests_total{status="200"} 1`) {
		t.Errorf("metrics missing proxy counter:\n%s", buf.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	recorder := metrics.NewRecorder("test")
	upstream := newUpstream(t)
	srv := newTestServer(t, recorder, WithStatusHandler(recorder.StatusHandler()))

	proxyGet(t, srv, upstream.URL+"/typed.png")

	resp, err := http.Get(srv.URL + StatusPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var summary metrics.ActivitySummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if stats := summary.ByKind["proxy"]; stats == nil || stats.Count != 1 || stats.SuccessRate != 100 {
		t.Errorf("proxy stats = %+v", stats)
	}
}

func TestDownloaderThroughProxy(t *testing.T) {
	upstream := newUpstream(t)
	srv := newTestServer(t, &countingRecorder{})

	cfg := imagegen.DefaultDownloaderConfig()
	cfg.ProxyURL = srv.URL + ImagePath
	d := imagegen.NewDownloaderWithConfig(cfg, nil)

	data, ct, err := d.FetchViaProxy(context.Background(), upstream.URL+"/typed.png")
	if err != nil {
		t.Fatalf("FetchViaProxy() error = %v", err)
	}
	if ct != "image/png" || !bytes.Equal(data, pngBytes(t)) {
		t.Errorf("content type = %q, %d bytes", ct, len(data))
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	s := NewServer(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}
