// Package middleware provides Echo middleware for logging, security headers,
// and metrics.
package middleware

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Full target URLs never appear at info level (they may carry tokens); only
// the target's host is added, at debug.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", res.Status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_out", res.Size),
			}
			logger.Info("request", attrs...)

			if host := targetHost(req.URL.Query().Get("u")); host != "" {
				logger.Debug("relay target", append(attrs, slog.String("target_host", host))...)
			}

			return err
		}
	}
}

// targetHost extracts the host of a target URL parameter for debug logging.
func targetHost(u string) string {
	if u == "" {
		return ""
	}
	t, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return t.Host
}
