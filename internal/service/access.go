package service

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"hls-proxy-go/internal/model"
)

// wildcardOrigin is the CORS origin used when no validated caller origin exists.
const wildcardOrigin = "*"

// allowedMethods is the CORS method list on every proxied response.
const allowedMethods = "GET, HEAD, OPTIONS"

// Decision is the outcome of the access guard for one request.
type Decision struct {
	Authorized bool
	// CORSOrigin is echoed in Access-Control-Allow-Origin on every response
	// after the guard passes.
	CORSOrigin string
	// DevBypass is set when the guard was skipped for a development host.
	DevBypass bool
}

// Authorize checks the caller's Referer and Origin against the allowlist.
// The request is authorized when either one names an allowed host.
func (s *ProxyService) Authorize(rc *model.RequestContext) Decision {
	allowed := s.cfg.Access.AllowedDomains
	referer := rc.Header.Get("Referer")
	origin := rc.Header.Get("Origin")

	validReferer := IsAllowedReferrer(referer, allowed)
	validOrigin := IsAllowedReferrer(origin, allowed)

	d := Decision{CORSOrigin: wildcardOrigin}
	switch {
	case validOrigin:
		d.CORSOrigin = origin
	case validReferer:
		d.CORSOrigin = originOf(referer)
	}

	d.Authorized = validReferer || validOrigin
	if !d.Authorized && s.isDevHost(rc.Host) {
		d.Authorized = true
		d.DevBypass = true
	}

	if !d.Authorized && s.metrics != nil {
		s.metrics.AccessDenied.Inc()
	}
	return d
}

func (s *ProxyService) isDevHost(host string) bool {
	for _, dev := range s.cfg.Access.DevHosts {
		if dev != "" && strings.Contains(host, dev) {
			return true
		}
	}
	return false
}

// IsAllowedReferrer reports whether raw is an absolute URL whose hostname is
// an allowlist entry or a subdomain of one. Empty or malformed values are not
// allowed.
func IsAllowedReferrer(raw string, allowed []string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	for _, entry := range allowed {
		entry = strings.ToLower(entry)
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// originOf returns the scheme://host[:port] origin of an absolute URL,
// omitting the scheme's default port.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return wildcardOrigin
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// PreflightHeaders returns the headers of a successful OPTIONS response.
func (s *ProxyService) PreflightHeaders(corsOrigin string) http.Header {
	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", corsOrigin)
	h.Set("Access-Control-Allow-Methods", allowedMethods)
	h.Set("Access-Control-Allow-Headers", s.allowedRequestHeaders())
	h.Set("Access-Control-Max-Age", "86400")
	h.Set("Vary", "Origin")
	return h
}

func (s *ProxyService) allowedRequestHeaders() string {
	return "Content-Type, User-Agent, If-Modified-Since, Cache-Control, Range, If-None-Match, " + s.cfg.Upstream.TargetHeader
}
