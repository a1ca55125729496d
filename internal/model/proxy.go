// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Mode selects how the inbound URL maps to the upstream URL.
type Mode int

const (
	// ModePassthrough forwards the inbound path unchanged.
	ModePassthrough Mode = iota
	// ModeIndirect takes the upstream path from /api/proxy/<path> or the
	// path query parameter.
	ModeIndirect
)

// CapturedHeaders lists the inbound headers kept on a RequestContext.
// The configured target header is captured in addition to these.
var CapturedHeaders = []string{
	"Referer",
	"Origin",
	"If-Modified-Since",
	"If-None-Match",
	"Range",
	"Cache-Control",
}

// RequestContext is the per-request view of an inbound call.
type RequestContext struct {
	Ctx    context.Context
	Method string
	// Path is the decoded inbound path; EscapedPath is its wire form.
	Path        string
	EscapedPath string
	RawQuery    string
	Query       url.Values
	Header      http.Header
	// Host is the inbound request hostname without port.
	Host string
	// ProxyHost is the host written into rewritten playlist URLs.
	ProxyHost string
	Mode      Mode
	// UpstreamPath is the escaped path requested from the upstream.
	UpstreamPath string
}

// Search returns the query string with its leading '?', or "" when empty.
func (r *RequestContext) Search() string {
	if r.RawQuery == "" {
		return ""
	}
	return "?" + r.RawQuery
}

// UpstreamResponse is an upstream reply whose body is streamed back.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Target is the upstream domain that served the response.
	Target string
}

// OK reports whether the status is 2xx.
func (r *UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
