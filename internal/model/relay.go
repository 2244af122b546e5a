// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
)

// HeaderOverride is a caller-supplied outbound header. Name is the raw header
// name from the header_<name> query parameter; overrides are applied in query
// order, last write wins, keys case-sensitive.
type HeaderOverride struct {
	Name  string
	Value string
}

// TargetDescriptor identifies the upstream resource one request relays.
// Built once from the inbound query string and immutable afterwards.
type TargetDescriptor struct {
	URL             string
	Cookie          string
	HeaderOverrides []HeaderOverride
}

// UpstreamResponse is the outcome of one outbound fetch. Exactly one of Body
// and Text is set: Body carries a forward-only byte stream for streaming
// fetches, Text the fully materialized body for buffered fetches. The owner
// must close Body when set.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Text       string
}

// RelayResult is what the relay operation hands back to the HTTP layer.
// Playlist is set for rewritten manifests; Body for binary passthrough, in
// which case the handler owns closing it.
type RelayResult struct {
	StatusCode int
	Header     http.Header
	Playlist   string
	Body       io.ReadCloser
}
