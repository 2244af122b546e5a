package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"hls-relay-go/internal/client"
	"hls-relay-go/internal/config"
	"hls-relay-go/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds: 10,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
			Referer:        "https://vixsrc.to",
		},
	}
}

func newTestService(t *testing.T) *RelayService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	return NewRelayService(client.NewFetcher(cfg, logger, nil), cfg, logger)
}

func TestRelay_PlaylistRewritten(t *testing.T) {
	mux := http.NewServeMux()
	upstream := httptest.NewServer(mux)
	defer upstream.Close()
	mux.HandleFunc("/path/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		// Upstream playlists often carry a non-200-relevant status; the
		// rewrite produces a fresh 200 regardless.
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("#EXTM3U\nseg1.ts\n"))
	})

	svc := newTestService(t)
	td := &model.TargetDescriptor{URL: upstream.URL + "/path/index.m3u8"}

	res, err := svc.Relay(context.Background(), td, ModeInline)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if res.Body != nil {
		t.Error("playlist result should not carry a body stream")
	}
	if got := res.Header.Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := res.Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
	// Relative segment resolved against the fetched URL and upgraded; the
	// upstream here is plain http, so the embedded URL becomes https.
	if res.Playlist == "" || res.Playlist == "#EXTM3U\nseg1.ts\n" {
		t.Errorf("Playlist = %q, want rewritten manifest", res.Playlist)
	}
}

func TestRelay_ClassifiesByContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-mpegURL")
		_, _ = w.Write([]byte("#EXTM3U\nseg1.ts\n"))
	}))
	defer upstream.Close()

	svc := newTestService(t)
	// No .m3u8 extension; only the content-type marks this as a playlist.
	td := &model.TargetDescriptor{URL: upstream.URL + "/stream"}

	res, err := svc.Relay(context.Background(), td, ModeInline)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if res.Playlist == "" {
		t.Error("expected playlist classification via content-type")
	}
	if got := res.Header.Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q, want forced playlist type", got)
	}
}

func TestRelay_BinaryPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("tsbytes"))
	}))
	defer upstream.Close()

	svc := newTestService(t)
	td := &model.TargetDescriptor{URL: upstream.URL + "/seg_001.ts"}

	res, err := svc.Relay(context.Background(), td, ModeInline)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	// Upstream status is preserved, not coerced to 200.
	if res.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusPartialContent)
	}
	if got := res.Header.Get("Content-Type"); got != "video/mp2t" {
		t.Errorf("Content-Type = %q, want video/mp2t", got)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "tsbytes" {
		t.Errorf("body = %q", body)
	}
}

func TestRelay_BinaryDefaultContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Suppress Go's content sniffing so no Content-Type goes out.
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte{0x47, 0x40, 0x00})
	}))
	defer upstream.Close()

	svc := newTestService(t)
	res, err := svc.Relay(context.Background(), &model.TargetDescriptor{URL: upstream.URL + "/seg.bin"}, ModeInline)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	if got := res.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want application/octet-stream", got)
	}
}

func TestRelay_DownloadPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	upstream := httptest.NewServer(mux)
	defer upstream.Close()
	mux.HandleFunc("/show/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\nseg1.ts\n"))
	})

	svc := newTestService(t)
	td := &model.TargetDescriptor{URL: upstream.URL + "/show/index.m3u8"}

	res, err := svc.Relay(context.Background(), td, ModeDownload)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusOK)
	}
	want := `attachment; filename="index.m3u8"`
	if got := res.Header.Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
	if res.Playlist == "" {
		t.Error("expected rewritten playlist text")
	}
}

func TestRelay_DownloadBinaryDisposition(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4"))
	}))
	defer upstream.Close()

	svc := newTestService(t)
	td := &model.TargetDescriptor{URL: upstream.URL + "/video/a.mp4?x=1"}

	res, err := svc.Relay(context.Background(), td, ModeDownload)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	want := `attachment; filename="a.mp4"`
	if got := res.Header.Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
}

func TestRelay_UpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	svc := newTestService(t)
	td := &model.TargetDescriptor{URL: "http://" + addr + "/index.m3u8"}

	_, err = svc.Relay(context.Background(), td, ModeInline)
	if err == nil {
		t.Fatal("Relay() expected error, got nil")
	}
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("error = %v, want ErrUpstreamUnreachable", err)
	}
}

func TestRelay_TLSFallback(t *testing.T) {
	// Self-signed cert: the strict attempt fails, the relaxed retry succeeds.
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\nseg1.ts\n"))
	}))
	defer upstream.Close()

	svc := newTestService(t)
	td := &model.TargetDescriptor{URL: upstream.URL + "/index.m3u8"}

	res, err := svc.Relay(context.Background(), td, ModeInline)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if res.StatusCode != http.StatusOK || res.Playlist == "" {
		t.Errorf("status = %d, playlist = %q; want rewritten 200", res.StatusCode, res.Playlist)
	}
}

func TestRelay_RewriteFailure(t *testing.T) {
	mux := http.NewServeMux()
	upstream := httptest.NewServer(mux)
	defer upstream.Close()
	mux.HandleFunc("/bad/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\n:unresolvable\n"))
	})

	svc := newTestService(t)
	td := &model.TargetDescriptor{URL: upstream.URL + "/bad/index.m3u8"}

	_, err := svc.Relay(context.Background(), td, ModeInline)
	if err == nil {
		t.Fatal("Relay() expected error, got nil")
	}
	if !errors.Is(err, ErrRewriteFailed) {
		t.Errorf("error = %v, want ErrRewriteFailed", err)
	}
}

func TestRelay_TruncatedManifestIsRewriteFailure(t *testing.T) {
	// Headers arrive, then the body is cut short of the declared length. The
	// manifest cannot be materialized, which is a rewrite failure, not an
	// unreachable upstream.
	mux := http.NewServeMux()
	upstream := httptest.NewServer(mux)
	defer upstream.Close()
	mux.HandleFunc("/trunc/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("#EXTM3U\n"))
	})

	svc := newTestService(t)
	td := &model.TargetDescriptor{URL: upstream.URL + "/trunc/index.m3u8"}

	_, err := svc.Relay(context.Background(), td, ModeInline)
	if err == nil {
		t.Fatal("Relay() expected error, got nil")
	}
	if !errors.Is(err, ErrRewriteFailed) {
		t.Errorf("error = %v, want ErrRewriteFailed", err)
	}
}

func TestAttachmentFilename(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"https://host/video/a.mp4?x=1", "a.mp4"},
		{"https://host/path/index.m3u8", "index.m3u8"},
		{"https://host/path/my%20file.mp4", "my file.mp4"},
		{"https://host/path/a%2Bb.mp4", "a+b.mp4"},
		{"https://host/path/c+d.mp4", "c+d.mp4"},
		{"https://host/path/", "download"},
		{"https://host", "host"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			if got := AttachmentFilename(tt.target); got != tt.want {
				t.Errorf("AttachmentFilename(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}
