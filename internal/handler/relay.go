// Package handler exposes the relay over HTTP.
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"hls-relay-go/internal/model"
	"hls-relay-go/internal/service"
)

// chunkSize is the buffer size for forwarding streamed upstream bodies.
const chunkSize = 8192

// overridePrefix marks query parameters carrying outbound header overrides.
const overridePrefix = "header_"

// RelayHandler serves the inline-proxy and download operations.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Proxy relays the target inline: rewritten manifest or streamed bytes.
func (h *RelayHandler) Proxy(c echo.Context) error {
	return h.relay(c, service.ModeInline)
}

// Download relays the target with attachment framing.
func (h *RelayHandler) Download(c echo.Context) error {
	return h.relay(c, service.ModeDownload)
}

func (h *RelayHandler) relay(c echo.Context, mode service.Mode) error {
	td, err := targetFromQuery(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "Missing url param 'u'")
	}

	res, err := h.service.Relay(c.Request().Context(), td, mode)
	if err != nil {
		return h.mapError(c, err)
	}

	out := c.Response().Header()
	for key, vals := range res.Header {
		for _, v := range vals {
			out.Add(key, v)
		}
	}
	c.Response().WriteHeader(res.StatusCode)

	if res.Body == nil {
		_, err := io.WriteString(c.Response(), res.Playlist)
		return err
	}
	defer func() { _ = res.Body.Close() }()

	h.copyStream(c, res.Body)
	return nil
}

// copyStream forwards the upstream body in fixed-size chunks, flushing after
// each so segments start playing before the transfer completes. Once the
// status line is out, a mid-stream failure can only truncate the response;
// it is logged, not surfaced.
func (h *RelayHandler) copyStream(c echo.Context, body io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := c.Response().Write(buf[:n]); werr != nil {
				h.logger.Debug("client write failed mid-stream", "err", werr)
				return
			}
			c.Response().Flush()
		}
		if rerr != nil {
			if rerr != io.EOF {
				h.logger.Error("streaming upstream body", "err", rerr)
			}
			return
		}
	}
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrRewriteFailed) {
		return c.String(http.StatusInternalServerError, "Manifest rewrite failed")
	}
	// Upstream detail is never leaked to the caller.
	return c.String(http.StatusBadGateway, "Upstream error")
}

// targetFromQuery builds the immutable per-request target descriptor.
//
// Values arrive percent-encoded by the caller and are decoded once by query
// parsing; u and cookie get one more explicit decode so callers that
// double-encode round-trip cleanly. The second decode uses path semantics
// (%XX only, '+' preserved): a '+' restored by query parsing is a literal
// byte of the target URL by then. An undecodable u is rejected before any
// outbound call.
func targetFromQuery(c echo.Context) (*model.TargetDescriptor, error) {
	raw := c.QueryParam("u")
	if raw == "" {
		return nil, errors.New("missing url param 'u'")
	}
	target, err := url.PathUnescape(raw)
	if err != nil {
		return nil, err
	}

	td := &model.TargetDescriptor{URL: target}

	if ck := c.QueryParam("cookie"); ck != "" {
		if dec, err := url.PathUnescape(ck); err == nil {
			ck = dec
		}
		td.Cookie = ck
	}

	td.HeaderOverrides = headerOverrides(c.Request().URL.RawQuery)
	return td, nil
}

// headerOverrides extracts header_<name> parameters, preserving query order
// so that later occurrences win over earlier ones.
func headerOverrides(rawQuery string) []model.HeaderOverride {
	var overrides []model.HeaderOverride
	for _, pair := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			key = k
		}
		name, ok := strings.CutPrefix(key, overridePrefix)
		if !ok || name == "" {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			val = v
		}
		overrides = append(overrides, model.HeaderOverride{Name: name, Value: val})
	}
	return overrides
}
