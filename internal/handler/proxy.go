package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"hls-proxy-go/internal/client"
	"hls-proxy-go/internal/model"
	"hls-proxy-go/internal/service"
	"hls-proxy-go/internal/telemetry"
)

const (
	deniedMessage     = "Access denied: Domain not authorized"
	proxyErrorPrefix  = "Proxy Error: "
	plainTextMIMEType = "text/plain"
)

// ProxyHandler serves HLS playlists and segments from the upstream origins.
type ProxyHandler struct {
	service  *service.ProxyService
	reporter *telemetry.Reporter
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The reporter may be nil.
func NewProxyHandler(svc *service.ProxyService, reporter *telemetry.Reporter, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		reporter: reporter,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle proxies /<path> to https://<upstream>/<path>.
func (h *ProxyHandler) Handle(c echo.Context) error {
	return h.serve(c, model.ModePassthrough)
}

// HandleIndirect proxies /api/proxy/<path> (or /api/proxy?path=<path>) to
// https://<upstream>/<path>.
func (h *ProxyHandler) HandleIndirect(c echo.Context) error {
	return h.serve(c, model.ModeIndirect)
}

func (h *ProxyHandler) serve(c echo.Context, mode model.Mode) error {
	req := c.Request()
	rc := h.service.NewRequestContext(req, mode)

	decision := h.service.Authorize(rc)
	if !decision.Authorized {
		h.logger.Warn("access denied",
			"path", rc.Path,
			"referer", rc.Header.Get("Referer"),
			"origin", rc.Header.Get("Origin"),
		)
		c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
		return c.Blob(http.StatusForbidden, plainTextMIMEType, []byte(deniedMessage))
	}

	if req.Method == http.MethodOptions {
		copyHeader(c.Response().Header(), h.service.PreflightHeaders(decision.CORSOrigin))
		return c.NoContent(http.StatusOK)
	}

	target := h.service.ResolveTarget(rc)
	resp, err := h.service.Forward(rc, target)
	if err != nil {
		return h.mapError(c, decision.CORSOrigin, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !resp.OK() {
		return h.writeUpstreamError(c, decision.CORSOrigin, resp)
	}

	header := h.service.SuccessHeaders(resp.Header, decision.CORSOrigin)

	isPlaylist := service.IsPlaylist(resp.Header.Get("Content-Type"), rc.UpstreamPath)
	if isPlaylist && req.Method == http.MethodHead {
		// Match the headers a GET of the same playlist would carry.
		header.Del(echo.HeaderContentLength)
		header.Del(echo.HeaderContentEncoding)
	}

	// HEAD responses carry no body to rewrite.
	if req.Method == http.MethodHead || !isPlaylist {
		body := h.negotiateBody(req, resp, header)
		defer func() { _ = body.Close() }()

		copyHeader(c.Response().Header(), header)
		c.Response().WriteHeader(resp.StatusCode)

		// The status is already sent; a failed copy leaves the caller with a
		// truncated body, which is logged.
		if _, err := io.Copy(c.Response(), body); err != nil {
			h.logger.Error("streaming response body",
				"err", err,
				"upstream", target,
				"path", rc.Path,
			)
		}
		return nil
	}

	text, err := h.service.ReadPlaylist(resp)
	if err != nil {
		return h.mapError(c, decision.CORSOrigin, err)
	}
	body := h.service.RewritePlaylist(rc, target, text)

	header.Del(echo.HeaderContentLength)
	header.Del(echo.HeaderContentEncoding)
	copyHeader(c.Response().Header(), header)
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(c.Response(), body); err != nil {
		h.logger.Error("writing playlist", "err", err, "path", rc.Path)
	}
	return nil
}

// negotiateBody decodes the upstream body when the caller did not accept its
// Content-Encoding, removing the coding and length from header.
func (h *ProxyHandler) negotiateBody(req *http.Request, resp *model.UpstreamResponse, header http.Header) io.ReadCloser {
	encoding := resp.Header.Get(echo.HeaderContentEncoding)
	if client.AcceptsEncoding(req.Header.Get(echo.HeaderAcceptEncoding), encoding) {
		return resp.Body
	}
	if req.Method == http.MethodHead {
		header.Del(echo.HeaderContentEncoding)
		header.Del(echo.HeaderContentLength)
		return resp.Body
	}

	body, err := client.DecodeBodyOrRaw(resp.Body, encoding)
	if err != nil {
		h.logger.Warn("relaying undecodable body",
			"err", err,
			"upstream", resp.Target,
			"content_encoding", encoding,
		)
		return body
	}
	header.Del(echo.HeaderContentEncoding)
	header.Del(echo.HeaderContentLength)
	return body
}

// writeUpstreamError relays a non-2xx upstream response without rewriting.
func (h *ProxyHandler) writeUpstreamError(c echo.Context, corsOrigin string, resp *model.UpstreamResponse) error {
	h.logger.Info("upstream rejected request",
		"upstream", resp.Target,
		"status", resp.StatusCode,
		"path", c.Request().URL.Path,
	)

	header := service.ErrorHeaders(resp.Header.Get("Content-Type"), corsOrigin)
	body, err := client.DecodeBodyOrRaw(resp.Body, resp.Header.Get(echo.HeaderContentEncoding))
	if err != nil {
		// Relay the original bytes and let the caller decode them.
		header.Set(echo.HeaderContentEncoding, resp.Header.Get(echo.HeaderContentEncoding))
	}
	defer func() { _ = body.Close() }()

	copyHeader(c.Response().Header(), header)
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), body); err != nil {
		h.logger.Error("relaying upstream error body", "err", err, "upstream", resp.Target)
	}
	return nil
}

// mapError turns a forwarding failure into exactly one plain-text response.
func (h *ProxyHandler) mapError(c echo.Context, corsOrigin string, err error) error {
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, corsOrigin)
	c.Response().Header().Set(echo.HeaderVary, echo.HeaderOrigin)

	if errors.Is(err, service.ErrNoUpstreamPath) {
		h.logger.Debug("missing upstream path", "path", c.Request().URL.Path)
		return c.Blob(http.StatusBadRequest, plainTextMIMEType, []byte("Bad Request: "+err.Error()))
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	// A caller hanging up is not a proxy fault.
	if !errors.Is(err, context.Canceled) {
		h.reporter.CaptureError(err, map[string]string{
			"path":   c.Request().URL.Path,
			"method": c.Request().Method,
		})
	}
	return c.Blob(http.StatusBadGateway, plainTextMIMEType, []byte(proxyErrorPrefix+errorMessage(err)))
}

// errorMessage drops the method and URL prefix of a transport error, keeping
// the underlying cause, e.g. "dial tcp 10.0.0.1:443: connect: connection refused".
func errorMessage(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}

func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		dst[key] = vals
	}
}
