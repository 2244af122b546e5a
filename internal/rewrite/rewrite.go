// Package rewrite turns HLS playlists into relay-relative form: every URI
// line is resolved to an absolute URL, upgraded to https, and replaced with a
// /proxy reference carrying the absolute URL as an encoded query value.
package rewrite

import (
	"fmt"
	"net/url"
	"strings"
)

// ProxyPath is the route the rewritten references loop back to.
const ProxyPath = "/proxy"

// IsPlaylistPath reports whether the target URL's path names an m3u8 manifest.
func IsPlaylistPath(target string) bool {
	path := target
	if u, err := url.Parse(target); err == nil && u.Path != "" {
		path = u.Path
	}
	return strings.HasSuffix(strings.ToLower(path), ".m3u8")
}

// IsPlaylistContentType reports whether an upstream content-type identifies an
// m3u8 manifest. Covers application/vnd.apple.mpegurl and the x-mpegurl
// variant.
func IsPlaylistContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "mpegurl")
}

// Base truncates a target URL after its last slash, producing the
// trailing-slash base that relative playlist lines resolve against:
// https://host/path/index.m3u8 -> https://host/path/.
func Base(target string) string {
	if i := strings.LastIndex(target, "/"); i >= 0 {
		return target[:i+1]
	}
	return target + "/"
}

// Rewrite resolves every URI line of the playlist against the URL it was
// fetched from and replaces it with a relay-relative reference. Empty lines
// and #-prefixed tag/comment lines pass through verbatim; line order is
// preserved and output always uses \n regardless of input line endings.
//
// Rewriting is all-or-nothing: any line that fails to resolve aborts the
// whole rewrite, since a manifest mixing relayed and direct URIs would play
// inconsistently.
func Rewrite(playlist, target string) (string, error) {
	base, err := url.Parse(Base(target))
	if err != nil {
		return "", fmt.Errorf("parse base of %q: %w", target, err)
	}

	lines := strings.Split(playlist, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			out[i] = line
			continue
		}

		abs, err := resolveAbsolute(base, strings.TrimSpace(line))
		if err != nil {
			return "", fmt.Errorf("resolve line %d: %w", i+1, err)
		}
		out[i] = ProxyPath + "?u=" + url.QueryEscape(upgradeScheme(abs))
	}

	return strings.Join(out, "\n"), nil
}

// resolveAbsolute returns the URI as-is when already absolute, otherwise
// joins it against base with standard relative-resolution semantics
// (including ".." segments).
func resolveAbsolute(base *url.URL, uri string) (string, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri, nil
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// upgradeScheme rewrites http:// to https://. Upstream CDNs usually accept
// TLS even when manifests list plaintext URLs, and upgrading avoids
// mixed-content blocks in the player.
func upgradeScheme(absURL string) string {
	if rest, ok := strings.CutPrefix(absURL, "http://"); ok {
		return "https://" + rest
	}
	return absURL
}
