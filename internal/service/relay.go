// Package service implements the core relay operation: fetch with TLS
// fallback, playlist/binary classification, rewrite-or-stream, and response
// header assembly.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"hls-relay-go/internal/client"
	"hls-relay-go/internal/config"
	"hls-relay-go/internal/model"
	"hls-relay-go/internal/rewrite"
)

// ErrUpstreamUnreachable is returned when both the strict and the
// verification-disabled fetch attempts fail.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// ErrRewriteFailed is returned when the fetched manifest could not be fully
// rewritten. Not retryable: refetching yields the same bytes.
var ErrRewriteFailed = errors.New("manifest rewrite failed")

// Mode selects the response framing of a relay operation.
type Mode int

const (
	// ModeInline serves the resource for direct playback.
	ModeInline Mode = iota
	// ModeDownload serves the resource as an attachment.
	ModeDownload
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	binaryContentType   = "application/octet-stream"
)

// RelayService orchestrates one fetch-classify-rewrite-or-stream cycle per
// request. It holds no per-request state and is safe for concurrent use.
type RelayService struct {
	fetcher *client.Fetcher
	cfg     *config.Config
	logger  *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(f *client.Fetcher, cfg *config.Config, logger *slog.Logger) *RelayService {
	return &RelayService{
		fetcher: f,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
	}
}

// Relay fetches the descriptor's target and produces the response to send
// back: a rewritten manifest for playlists (always status 200), or the
// upstream byte stream with its original status for anything else. The caller
// owns closing RelayResult.Body when set.
func (s *RelayService) Relay(ctx context.Context, td *model.TargetDescriptor, mode Mode) (*model.RelayResult, error) {
	// Download mode must emit a fully rewritten manifest behind its
	// attachment header, so a target already known to be a playlist is
	// fetched buffered. Everything else streams; playlist bodies detected
	// only by content-type are small and drained below.
	opts := client.FetchOptions{
		Streaming: !(mode == ModeDownload && rewrite.IsPlaylistPath(td.URL)),
		VerifyTLS: true,
	}

	resp, err := s.fetcher.Fetch(ctx, td, opts)
	if err != nil {
		s.logger.Warn("strict fetch failed, retrying without TLS verification",
			"url", td.URL,
			"err", err,
		)
		opts.VerifyTLS = false
		resp, err = s.fetcher.Fetch(ctx, td, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if rewrite.IsPlaylistPath(td.URL) || rewrite.IsPlaylistContentType(contentType) {
		return s.relayPlaylist(resp, td, mode)
	}
	return s.relayBinary(resp, td, mode, contentType), nil
}

// relayPlaylist rewrites the manifest and frames it as a fresh 200. The
// origin's status is not meaningful once the body has been rewritten.
func (s *RelayService) relayPlaylist(resp *model.UpstreamResponse, td *model.TargetDescriptor, mode Mode) (*model.RelayResult, error) {
	text := resp.Text
	if resp.Body != nil {
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			// Headers already arrived, so this is not an unreachable
			// upstream; the manifest could not be materialized for rewriting.
			return nil, fmt.Errorf("%w: read manifest: %w", ErrRewriteFailed, err)
		}
		text = string(raw)
	}

	rewritten, err := rewrite.Rewrite(text, td.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewriteFailed, err)
	}

	header := baseHeader(playlistContentType)
	if mode == ModeDownload {
		setAttachment(header, td.URL)
	}

	return &model.RelayResult{
		StatusCode: http.StatusOK,
		Header:     header,
		Playlist:   rewritten,
	}, nil
}

// relayBinary passes the upstream bytes and status through untouched. A
// non-2xx status is not an error here: a media player needs the original
// status to drive its own retry logic.
func (s *RelayService) relayBinary(resp *model.UpstreamResponse, td *model.TargetDescriptor, mode Mode, contentType string) *model.RelayResult {
	if contentType == "" {
		contentType = binaryContentType
	}

	header := baseHeader(contentType)
	if mode == ModeDownload {
		setAttachment(header, td.URL)
	}

	return &model.RelayResult{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}
}

// baseHeader builds the header set every relay response carries. Responses
// are per-request dynamic and consumed cross-origin by the player page, so
// they must never be cached and must allow any origin.
func baseHeader(contentType string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", "no-cache")
	return h
}

func setAttachment(h http.Header, target string) {
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", AttachmentFilename(target)))
}

// AttachmentFilename derives the download filename from the target URL: the
// last path segment, query string stripped, percent-decoded, defaulting to
// "download" when empty.
func AttachmentFilename(target string) string {
	name := target
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}
	if dec, err := url.PathUnescape(name); err == nil {
		name = dec
	}
	if name == "" {
		return "download"
	}
	return name
}
