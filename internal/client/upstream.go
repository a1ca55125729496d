// Package client provides the upstream HTTP client for HLS origins.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"hls-proxy-go/internal/config"
	"hls-proxy-go/internal/metrics"
	"hls-proxy-go/internal/model"
)

// UpstreamClient sends requests to the HLS origin servers.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// bounded redirect following. upstream.timeout_seconds bounds the wait for
// response headers only; streamed bodies run until the caller's context ends.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.Upstream.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for origins with broken chains
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport:     transport,
			CheckRedirect: redirectPolicy(cfg.Upstream.MaxRedirects),
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// redirectPolicy follows up to limit redirects and keeps the identity headers of
// the first request on every hop.
func redirectPolicy(limit int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		first := via[0]
		for _, h := range []string{"Referer", "Origin", "User-Agent"} {
			if v := first.Header.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
		return nil
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// target labels metrics and the returned response. The caller is responsible
// for closing the response body.
func (c *UpstreamClient) Do(req *http.Request, target string) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"upstream", target,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(target, method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(target).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(target, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(target, method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Target:     target,
	}, nil
}

// DoStream builds a bodiless request for rawURL and executes it.
// A Host entry in header overrides the request host.
// The provided context controls the lifetime of the upstream request.
func (c *UpstreamClient) DoStream(ctx context.Context, method, rawURL string, header http.Header, target string) (*model.UpstreamResponse, error) {
	if rawURL == "" {
		return nil, errors.New("build upstream request: empty URL")
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header.Clone()
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}

	return c.Do(req, target)
}
