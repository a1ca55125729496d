package service

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"hls-proxy-go/internal/client"
	"hls-proxy-go/internal/model"
	"hls-proxy-go/internal/playlist"
)

// deniedResponseHeaders are upstream headers that expose origin infrastructure.
// Names prefixed "cf-" or "x-" are denied as well.
var deniedResponseHeaders = map[string]bool{
	"server":            true,
	"via":               true,
	"eagleid":           true,
	"x-cache":           true,
	"x-swift-cachetime": true,
	"x-swift-savetime":  true,
	"x-tengine-type":    true,
}

// hopByHopHeaders are connection-scoped and never copied to the caller.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

const exposedHeaders = "Date, Content-Type, Content-Length, Cache-Control, Expires, Last-Modified, ETag"

// IsDeniedResponseHeader reports whether an upstream response header must be
// dropped before the response reaches the caller.
func IsDeniedResponseHeader(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "cf-") ||
		strings.HasPrefix(lower, "x-") ||
		deniedResponseHeaders[lower] ||
		hopByHopHeaders[lower]
}

// FilterResponseHeaders copies src without denied and hop-by-hop headers.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if IsDeniedResponseHeader(key) {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}

// SuccessHeaders returns the caller-facing headers for a 2xx upstream response.
func (s *ProxyService) SuccessHeaders(upstream http.Header, corsOrigin string) http.Header {
	h := FilterResponseHeaders(upstream)
	h.Set("Access-Control-Allow-Origin", corsOrigin)
	h.Set("Access-Control-Allow-Methods", allowedMethods)
	h.Set("Access-Control-Allow-Headers", s.allowedRequestHeaders())
	h.Set("Access-Control-Expose-Headers", exposedHeaders)
	h.Set("Vary", "Origin, Accept-Encoding")
	h.Set("Timing-Allow-Origin", "*")
	return h
}

// ErrorHeaders returns the minimal headers for a non-2xx upstream response.
func ErrorHeaders(upstreamContentType, corsOrigin string) http.Header {
	if upstreamContentType == "" {
		upstreamContentType = "text/plain"
	}
	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", corsOrigin)
	h.Set("Access-Control-Allow-Methods", allowedMethods)
	h.Set("Content-Type", upstreamContentType)
	h.Set("Vary", "Origin")
	return h
}

// IsPlaylist reports whether a response should be treated as an HLS playlist.
func IsPlaylist(contentType, path string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "mpegurl") ||
		strings.Contains(ct, "m3u8") ||
		strings.HasSuffix(strings.ToLower(path), ".m3u8")
}

// ReadPlaylist decodes and reads a playlist body, bounded by playlist.max_bytes.
func (s *ProxyService) ReadPlaylist(resp *model.UpstreamResponse) (string, error) {
	body, err := client.DecodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return "", fmt.Errorf("read playlist: %w", err)
	}
	defer func() { _ = body.Close() }()

	limit := s.cfg.Playlist.MaxBytes
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return "", fmt.Errorf("read playlist: %w", err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("read playlist: body exceeds %d bytes", limit)
	}
	return string(data), nil
}

// RewritePlaylist points the URI lines of body back at the proxy.
func (s *ProxyService) RewritePlaylist(rc *model.RequestContext, target, body string) string {
	loc := playlist.Location{
		ProxyHost: rc.ProxyHost,
		BasePath:  rc.EscapedPath,
		Search:    rc.Search(),
		Target:    target,
	}
	if rc.Mode == model.ModeIndirect {
		loc.Indirect = true
		loc.BasePath = rc.UpstreamPath
	}

	out, n := s.rewriter.Rewrite(body, loc)
	s.logger.Debug("playlist rewritten",
		"upstream", target,
		"path", rc.Path,
		"lines", n,
	)
	if s.metrics != nil {
		s.metrics.PlaylistsRewritten.WithLabelValues(target).Inc()
		s.metrics.LinesRewritten.Add(float64(n))
	}
	return out
}
