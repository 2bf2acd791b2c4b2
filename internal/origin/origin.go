// Package origin validates browser Origin headers against an allow-list.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize canonicalises an Origin header value to scheme://host[:port]
// with a lower-case host and the scheme's default port removed. host is the
// host[:port] part used for same-host comparisons. The opaque origin "null"
// is returned unchanged with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	header = strings.TrimSpace(header)
	switch header {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lower-cases authority and drops the default port for scheme.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}
	u := url.URL{Host: authority}
	hostname, port := u.Hostname(), u.Port()
	if hostname == "" {
		return "", false
	}
	bracketed := strings.HasPrefix(authority, "[")
	if strings.Contains(hostname, ":") != bracketed {
		// Unbracketed IPv6 or a malformed port.
		return "", false
	}
	if strings.HasSuffix(authority, ":") {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}
	if bracketed {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// Policy decides which origins may use the relay. An empty allow-list means
// same host only; "*" allows everything.
type Policy struct {
	allowed []string
}

func NewPolicy(allowed []string) Policy {
	return Policy{allowed: allowed}
}

// Allowed checks normalized (from Normalize) against the policy for a request
// addressed to requestHost.
func (p Policy) Allowed(normalized, originHost, requestHost string) bool {
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	// Scheme is not compared: a TLS-terminating proxy makes https origins
	// arrive as plain http requests.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}

// Check applies the policy to r. Requests without an Origin header are
// non-browser clients and always pass with an empty origin.
func (p Policy) Check(r *http.Request) (normalized string, ok bool) {
	header := r.Header.Get("Origin")
	if strings.TrimSpace(header) == "" {
		return "", true
	}
	normalized, host, ok := Normalize(header)
	if !ok || !p.Allowed(normalized, host, r.Host) {
		return normalized, false
	}
	return normalized, true
}
