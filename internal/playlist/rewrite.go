// Package playlist rewrites HLS playlist entries so that follow-up segment and
// variant requests are routed back through the proxy.
//
// Only URI lines are touched. Tag lines (starting with '#') and entries that
// are already absolute http(s) URLs are emitted unchanged, so rewriting an
// already rewritten playlist is a no-op.
package playlist

import (
	"net/url"
	"strings"
)

// Policy decides which relative entries are rewritten.
type Policy string

const (
	// PolicyMedia rewrites entries that mention a known media extension.
	PolicyMedia Policy = "media"
	// PolicyAll rewrites every non-tag, non-absolute entry.
	PolicyAll Policy = "all"
)

// DefaultMediaExtensions are the extensions recognised under PolicyMedia.
var DefaultMediaExtensions = []string{".ts", ".m4s", ".m3u8", ".mp4"}

// IndirectPrefix is the route prefix used by indirect-mode URLs.
const IndirectPrefix = "/api/proxy"

// Location describes where a playlist was requested from.
type Location struct {
	// ProxyHost is the host rewritten URLs point at.
	ProxyHost string
	// BasePath is the path relative entries are resolved against. Only the
	// part up to and including its last '/' is used.
	BasePath string
	// Search is appended to passthrough URLs verbatim ("" or "?...").
	Search string
	// Indirect routes rewritten URLs through IndirectPrefix with a domain
	// parameter instead of mirroring the upstream path.
	Indirect bool
	// Target is the upstream domain, used by indirect URLs.
	Target string
}

// Rewriter rewrites playlist bodies under a fixed policy.
type Rewriter struct {
	policy     Policy
	extensions []string
}

// NewRewriter returns a Rewriter. An empty extension list falls back to
// DefaultMediaExtensions.
func NewRewriter(policy Policy, extensions []string) *Rewriter {
	if len(extensions) == 0 {
		extensions = DefaultMediaExtensions
	}
	return &Rewriter{policy: policy, extensions: extensions}
}

// Rewrite returns body with its URI lines pointed back at loc.ProxyHost and
// the number of lines that changed. Line endings are preserved.
func (rw *Rewriter) Rewrite(body string, loc Location) (string, int) {
	lines := strings.Split(body, "\n")
	n := 0
	for i, line := range lines {
		content, cr := strings.CutSuffix(line, "\r")
		if !isCandidate(content) {
			continue
		}
		entry := strings.TrimSpace(content)
		if entry == "" || strings.HasPrefix(entry, "http") || !rw.accepts(entry) {
			continue
		}
		rewritten := rw.resolve(entry, loc)
		if cr {
			rewritten += "\r"
		}
		lines[i] = rewritten
		n++
	}
	return strings.Join(lines, "\n"), n
}

// isCandidate reports whether a raw line may hold a relative URI.
func isCandidate(line string) bool {
	if line == "" {
		return false
	}
	return !strings.HasPrefix(line, "#") &&
		!strings.HasPrefix(line, "http://") &&
		!strings.HasPrefix(line, "https://")
}

func (rw *Rewriter) accepts(entry string) bool {
	if rw.policy == PolicyAll {
		return true
	}
	for _, ext := range rw.extensions {
		if strings.Contains(entry, ext) {
			return true
		}
	}
	return false
}

func (rw *Rewriter) resolve(entry string, loc Location) string {
	var b strings.Builder
	b.WriteString("https://")
	b.WriteString(loc.ProxyHost)

	if loc.Indirect {
		b.WriteString(IndirectPrefix)
		if strings.HasPrefix(entry, "/") {
			b.WriteString(entry)
		} else {
			b.WriteString("/")
			b.WriteString(strings.TrimPrefix(BaseDir(loc.BasePath), "/"))
			b.WriteString(entry)
		}
		b.WriteString("?domain=")
		b.WriteString(url.QueryEscape(loc.Target))
		return b.String()
	}

	if !strings.HasPrefix(entry, "/") {
		b.WriteString(BaseDir(loc.BasePath))
	}
	b.WriteString(entry)
	b.WriteString(loc.Search)
	return b.String()
}

// BaseDir returns p up to and including its last '/', or "" when p has none.
func BaseDir(p string) string {
	return p[:strings.LastIndex(p, "/")+1]
}
