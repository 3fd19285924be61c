package remote

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultHost is used whenever the configured base URL cannot be parsed
const DefaultHost = "https://api.sora2.email"

// DefaultBaseURL is what a fresh configuration points at
const DefaultBaseURL = DefaultHost + "/v1"

var hostPattern = regexp.MustCompile(`^(https?://[^/?#]+)`)

// ResolveHost reduces a configured base URL to scheme://host[:port].
// Any path the user typed (such as /v1) is dropped because request paths are
// built from the host alone. Input without a scheme is read as https.
// Unusable input falls back to DefaultHost; the bool reports whether the
// input itself was usable.
func ResolveHost(baseURL string) (string, bool) {
	s := strings.TrimSpace(baseURL)
	if s == "" {
		return DefaultHost, false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	m := hostPattern.FindStringSubmatch(s)
	if m == nil {
		return DefaultHost, false
	}
	u, err := url.Parse(m[1])
	if err != nil || u.Host == "" || strings.ContainsAny(u.Host, " \t") {
		return DefaultHost, false
	}
	return u.Scheme + "://" + u.Host, true
}
