// Package safeurl guards the pipeline against hostile row input. Candidate
// files come from scraped playlists, so URLs may carry junk schemes
// (file://, ftp://), stray quoting, or embedded credentials that must never
// reach a subprocess or a log line unchecked.
package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https
// and a non-empty host. Everything else is rejected before probing.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// Normalize strips the whitespace and quoting that scraped playlist rows
// commonly carry around their URLs. It does not validate; callers pair it
// with IsHTTPOrHTTPS.
func Normalize(u string) string {
	u = strings.TrimSpace(u)
	u = strings.Trim(u, `"'`)
	return strings.TrimSpace(u)
}

// Redact renders u for logging with userinfo and query values hidden. IPTV
// URLs embed account tokens in both places.
func Redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "<unparseable url>"
	}
	if parsed.User != nil {
		parsed.User = url.User("redacted")
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for key := range q {
			q.Set(key, "redacted")
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
