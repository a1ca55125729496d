package service

import (
	"strings"

	"hls-proxy-go/internal/model"
)

// ResolveTarget picks the upstream domain for rc. In priority order: the
// domain query parameter, the target header, the live path marker, and the
// first configured domain. Untrusted input only selects among configured
// domains; the result is always a member of upstream.domains.
func (s *ProxyService) ResolveTarget(rc *model.RequestContext) string {
	up := s.cfg.Upstream

	if d := rc.Query.Get("domain"); s.cfg.IsUpstream(d) {
		return d
	}
	if d := rc.Header.Get(up.TargetHeader); s.cfg.IsUpstream(d) {
		return d
	}
	if up.LivePathMarker != "" && strings.Contains(rc.Path, up.LivePathMarker) {
		return up.LiveDomain
	}
	return up.Domains[0]
}
