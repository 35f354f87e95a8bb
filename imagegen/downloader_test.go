package imagegen

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"archrender/codec"
	"archrender/core"
)

func TestNewDownloader_NilConfig(t *testing.T) {
	downloader, err := NewDownloader(nil, nil)
	if err == nil {
		t.Error("expected error for nil config, got nil")
	}
	if downloader != nil {
		t.Error("expected nil downloader for nil config")
	}
}

func TestNewDownloader_ValidConfig(t *testing.T) {
	downloader, err := NewDownloader(&core.Config{ImageProxyURL: "http://localhost:8080/api/proxy-image", MaxFileSize: 1024}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if downloader.ProxyURL() != "http://localhost:8080/api/proxy-image" {
		t.Errorf("ProxyURL() = %q", downloader.ProxyURL())
	}
}

func TestDownloader_FetchImage_Local(t *testing.T) {
	data := pngImage(t, 2, 2)
	downloader := NewDownloaderWithConfig(DefaultDownloaderConfig(), nil)

	got, ct, err := downloader.FetchImage(context.Background(), codec.EncodeDataURI("image/png", data))
	if err != nil {
		t.Fatalf("FetchImage() error = %v", err)
	}
	if ct != "image/png" || !bytes.Equal(got, data) {
		t.Errorf("FetchImage() = %d bytes of %q", len(got), ct)
	}
}

func TestDownloader_FetchImage_ViaProxy(t *testing.T) {
	data := pngImage(t, 2, 2)
	var directHits int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		directHits++
		w.Write(data)
	}))
	defer origin.Close()

	var proxied string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = r.URL.Query().Get("url")
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer proxy.Close()

	downloader := NewDownloaderWithConfig(DownloaderConfig{ProxyURL: proxy.URL + "/api/proxy-image"}, newTestLogger(t))
	target := origin.URL + "/art.png?sig=abc"

	got, ct, err := downloader.FetchImage(context.Background(), target)
	if err != nil {
		t.Fatalf("FetchImage() error = %v", err)
	}
	if proxied != target {
		t.Errorf("proxy received url %q, want %q", proxied, target)
	}
	if directHits != 0 {
		t.Errorf("origin hit %d times, want proxy only", directHits)
	}
	if ct != "image/png" || !bytes.Equal(got, data) {
		t.Errorf("FetchImage() = %d bytes of %q", len(got), ct)
	}
}

func TestDownloader_FetchImage_FallsBackToDirect(t *testing.T) {
	data := pngImage(t, 2, 2)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	}))
	defer origin.Close()
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer proxy.Close()

	downloader := NewDownloaderWithConfig(DownloaderConfig{ProxyURL: proxy.URL}, newTestLogger(t))
	got, ct, err := downloader.FetchImage(context.Background(), origin.URL+"/a")
	if err != nil {
		t.Fatalf("FetchImage() error = %v", err)
	}
	if ct != "image/png" {
		t.Errorf("content type = %q, want sniffed image/png", ct)
	}
	if !bytes.Equal(got, data) {
		t.Error("unexpected body")
	}
}

func TestDownloader_SizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	downloader := NewDownloaderWithConfig(DownloaderConfig{MaxSize: 1024}, nil)
	if _, _, err := downloader.DownloadBytes(context.Background(), server.URL); !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
}

func TestDownloader_ErrorStatusAndEmptyURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	downloader := NewDownloaderWithConfig(DefaultDownloaderConfig(), nil)
	if _, _, err := downloader.DownloadBytes(context.Background(), server.URL); err == nil {
		t.Error("expected error for 404")
	}
	if _, _, err := downloader.FetchImage(context.Background(), ""); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, _, err := downloader.FetchViaProxy(context.Background(), server.URL); err == nil {
		t.Error("expected error without proxy")
	}
}
