// Package origin enforces the browser Origin policy on user WebSocket
// upgrades. Device connections are not browsers and never carry an Origin
// header, so the policy applies only to the user endpoint.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Policy decides whether a browser Origin may open a user connection.
//
// With a configured allowlist, each entry must be "*" or a normalized origin
// (scheme://host[:port], default ports elided). With an empty allowlist the
// policy is same-host: the Origin's host[:port] must match the request Host.
type Policy struct {
	allowed []string
}

func NewPolicy(allowedOrigins []string) *Policy {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			normalized = append(normalized, o)
			continue
		}
		if n, _, ok := normalize(o); ok {
			normalized = append(normalized, n)
		}
	}
	return &Policy{allowed: normalized}
}

// Permit reports whether the given Origin header value may upgrade against
// the given request Host. An absent Origin (non-browser client) is permitted.
func (p *Policy) Permit(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}

	normalizedOrigin, originHost, ok := normalize(originHeader)
	if !ok {
		return false
	}

	if len(p.allowed) > 0 {
		for _, allowed := range p.allowed {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Default: same host:port. Scheme is intentionally not compared because
	// the relay may sit behind a TLS-terminating reverse proxy and see HTTP
	// while the browser Origin is HTTPS.
	scheme := ""
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" cannot match a host-based request.
		return false
	}

	requestHostNorm, ok := normalizeHostPort(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == requestHostNorm
}

// Normalize validates an origin string and returns its canonical form
// (scheme://host[:port], default ports elided). Config validation uses this
// to reject malformed allowlist entries at startup.
func Normalize(raw string) (string, bool) {
	normalized, _, ok := normalize(raw)
	return normalized, ok
}

// normalize validates an Origin header and returns the canonical origin
// string plus the host[:port] portion. The special value "null" is returned
// as-is with an empty host.
func normalize(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeHostPort(rawHost, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(rawHost))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(trimmed)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}

	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. IPv6 literals are
// returned without brackets; the port is returned unvalidated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
