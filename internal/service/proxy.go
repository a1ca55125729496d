// Package service implements the per-request proxy stages: target resolution,
// access control, upstream forwarding and response transformation.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"hls-proxy-go/internal/client"
	"hls-proxy-go/internal/config"
	"hls-proxy-go/internal/metrics"
	"hls-proxy-go/internal/model"
	"hls-proxy-go/internal/playlist"
)

// ErrNoUpstreamPath is returned when an indirect request names no upstream path.
var ErrNoUpstreamPath = errors.New("no upstream path: use /api/proxy/<path> or the path query parameter")

// conditionalHeaders are copied from the caller to the upstream when present.
var conditionalHeaders = []string{
	"If-Modified-Since",
	"If-None-Match",
	"Range",
	"Cache-Control",
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.UpstreamClient
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	rewriter *playlist.Rewriter
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable playlist and access metrics.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
		rewriter: playlist.NewRewriter(playlist.Policy(cfg.Playlist.RewritePolicy), cfg.Playlist.MediaExtensions),
	}
}

// NewRequestContext captures the parts of req the proxy stages need.
func (s *ProxyService) NewRequestContext(req *http.Request, mode model.Mode) *model.RequestContext {
	header := make(http.Header)
	captured := append(append([]string(nil), model.CapturedHeaders...), s.cfg.Upstream.TargetHeader)
	for _, key := range captured {
		if v := req.Header.Get(key); v != "" {
			header.Set(key, v)
		}
	}

	host := hostname(req.Host)
	proxyHost := s.cfg.Playlist.PublicHost
	if proxyHost == "" {
		proxyHost = host
		if strings.Contains(proxyHost, ":") {
			proxyHost = "[" + proxyHost + "]"
		}
	}

	rc := &model.RequestContext{
		Ctx:         req.Context(),
		Method:      req.Method,
		Path:        req.URL.Path,
		EscapedPath: req.URL.EscapedPath(),
		RawQuery:    req.URL.RawQuery,
		Query:       req.URL.Query(),
		Header:      header,
		Host:        host,
		ProxyHost:   proxyHost,
		Mode:        mode,
	}
	rc.UpstreamPath = upstreamPath(rc)
	return rc
}

// upstreamPath returns the escaped upstream path for rc, or "" when an
// indirect request names none.
func upstreamPath(rc *model.RequestContext) string {
	if rc.Mode == model.ModePassthrough {
		return rc.EscapedPath
	}
	if rest, ok := strings.CutPrefix(rc.EscapedPath, playlist.IndirectPrefix+"/"); ok && rest != "" {
		return "/" + rest
	}
	p := rc.Query.Get("path")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Path: p}).EscapedPath()
}

// hostname strips the port from a Host header value.
func hostname(hostport string) string {
	return strings.ToLower((&url.URL{Host: hostport}).Hostname())
}

// Forward sends the request described by rc to target and returns the response.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(rc *model.RequestContext, target string) (*model.UpstreamResponse, error) {
	if rc.UpstreamPath == "" {
		return nil, ErrNoUpstreamPath
	}
	if !s.cfg.IsUpstream(target) {
		return nil, fmt.Errorf("upstream %q is not in the candidate set", target)
	}

	upstreamURL := BuildUpstreamURL(target, rc)
	header := s.buildRequestHeaders(rc.Header, target)

	s.logger.Debug("forwarding request",
		"method", rc.Method,
		"upstream", target,
		"path", rc.UpstreamPath,
	)

	resp, err := s.client.DoStream(rc.Ctx, rc.Method, upstreamURL, header, target)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// BuildUpstreamURL returns https://{target}{upstreamPath}{?query}. Path and
// query are used in their wire form.
func BuildUpstreamURL(target string, rc *model.RequestContext) string {
	return "https://" + target + rc.UpstreamPath + rc.Search()
}

// buildRequestHeaders returns the upstream header set: the configured browser
// identity plus the caller's conditional headers. The caller's Referer and
// Origin are never forwarded.
func (s *ProxyService) buildRequestHeaders(src http.Header, target string) http.Header {
	id := s.cfg.Identity
	dst := make(http.Header)
	dst.Set("Host", target)
	dst.Set("Accept", id.Accept)
	dst.Set("Accept-Encoding", id.AcceptEncoding)
	dst.Set("Accept-Language", id.AcceptLanguage)
	dst.Set("Connection", "keep-alive")
	dst.Set("Origin", id.Origin)
	dst.Set("Referer", id.Referer)
	dst.Set("User-Agent", id.UserAgent)
	for k, v := range id.ExtraHeaders {
		dst.Set(k, v)
	}
	for _, key := range conditionalHeaders {
		if v := src.Get(key); v != "" {
			dst.Set(key, v)
		}
	}
	return dst
}
