// Package client provides the upstream HTTP fetcher.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"hls-relay-go/internal/config"
	"hls-relay-go/internal/metrics"
	"hls-relay-go/internal/model"
)

// FetchOptions control one outbound fetch attempt.
type FetchOptions struct {
	// Streaming leaves the body as a forward-only byte stream. When false the
	// body is fully read into UpstreamResponse.Text and the connection closed
	// before Fetch returns.
	Streaming bool
	// VerifyTLS selects the strict client; false selects the client with
	// certificate verification disabled (the fallback hop).
	VerifyTLS bool
}

// Fetcher issues outbound GETs on behalf of relay requests.
//
// The configured timeout bounds dialing, the TLS handshake, and the wait for
// response headers. It deliberately does not bound the total transfer time of
// a streaming body: segment downloads run as long as the upstream keeps
// sending and the inbound client keeps reading.
type Fetcher struct {
	strict   *http.Client
	insecure *http.Client
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewFetcher creates a Fetcher with strict and verification-disabled TLS
// clients. The metrics parameter is optional; pass nil to disable upstream
// metrics recording.
func NewFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	newClient := func(tlsCfg *tls.Config) *http.Client {
		return &http.Client{
			// No overall timeout: streaming transfers must not be cut off.
			Timeout: 0,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSClientConfig:       tlsCfg,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				// Connections are per-request; nothing is shared across requests.
				DisableKeepAlives: true,
			},
		}
	}

	return &Fetcher{
		strict:   newClient(nil),
		insecure: newClient(&tls.Config{InsecureSkipVerify: true}), //nolint:gosec // deliberate fallback hop for origins with broken certs
		cfg:      cfg,
		logger:   logger.With("component", "fetcher"),
		metrics:  m,
	}
}

// Fetch issues a GET for the descriptor's target URL with the merged header
// set, following redirects. Any network, DNS, TLS, or timeout failure is
// returned as an error value; the caller decides fallback behavior.
func (f *Fetcher) Fetch(ctx context.Context, td *model.TargetDescriptor, opts FetchOptions) (*model.UpstreamResponse, error) {
	if !opts.Streaming {
		// Buffered fetches read the whole body here, so the timeout can cover
		// the read as well, mirroring a connect+read timeout.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(f.cfg.Upstream.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, td.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = f.buildHeader(td)

	mode := metrics.TLSMode(opts.VerifyTLS)
	f.logger.Debug("upstream request",
		"url", td.URL,
		"tls_mode", mode,
		"streaming", opts.Streaming,
	)

	httpClient := f.strict
	if !opts.VerifyTLS {
		httpClient = f.insecure
	}

	start := time.Now()
	resp, err := httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	if err != nil {
		if f.metrics != nil {
			f.metrics.UpstreamDuration.WithLabelValues(mode).Observe(duration)
			f.metrics.UpstreamFailures.WithLabelValues(mode).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(mode).Observe(duration)
		f.metrics.UpstreamResponses.WithLabelValues(mode, strconv.Itoa(resp.StatusCode)).Inc()
	}

	out := &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}

	if opts.Streaming {
		out.Body = resp.Body
		return out, nil
	}

	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	out.Text = string(body)
	return out, nil
}

// buildHeader merges the default header set, the caller's header_<name>
// overrides (percent-decoded, applied in query order, raw names, last write
// wins), and finally the cookie, which overrides any Cookie override.
func (f *Fetcher) buildHeader(td *model.TargetDescriptor) http.Header {
	h := http.Header{}
	h.Set("User-Agent", f.cfg.Upstream.UserAgent)
	h.Set("Referer", f.cfg.Upstream.Referer)

	seen := map[string]bool{}
	for _, o := range td.HeaderOverrides {
		if seen[o.Name] {
			f.logger.Debug("duplicate header override", "name", o.Name)
		}
		seen[o.Name] = true

		// Second decode, path semantics: '+' is a literal byte here.
		val := o.Value
		if dec, err := url.PathUnescape(val); err == nil {
			val = dec
		}
		// Raw map assignment keeps the caller's exact header name.
		h[o.Name] = []string{val}
	}

	if td.Cookie != "" {
		h["Cookie"] = []string{td.Cookie}
	}

	return h
}
