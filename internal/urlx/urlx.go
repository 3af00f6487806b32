// Package urlx canonicalizes target URLs for cache addressing and enforces
// the admission rules that decide whether a principal may request a capture
// of a given URL.
package urlx

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is wrapped by every rejection that is about the URL itself
// (malformed, bad scheme, too long, blocked port).
var ErrInvalidURL = errors.New("invalid url")

// NotAllowedError reports a hostname that matched none of the requesting
// principal's allow-list patterns. It carries that principal's own patterns
// so the caller can self-serve debugging; it never contains another
// principal's configuration.
type NotAllowedError struct {
	Host     string
	Patterns []string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("domain %q not in allow-list %v", e.Host, e.Patterns)
}

// Ports that must never be screenshot targets: ssh, telnet, mail, databases,
// caches, search. A capture request against these is either a mistake or a
// probe.
var blockedPorts = map[string]struct{}{
	"22": {}, "23": {}, "25": {}, "110": {}, "143": {},
	"465": {}, "587": {}, "993": {}, "995": {},
	"1433": {}, "3306": {}, "5432": {}, "6379": {},
	"9200": {}, "11211": {}, "27017": {},
}

// Matches reports whether hostname satisfies a single allow-list pattern.
//
// Supported forms:
//   - exact: "example.com" matches "example.com"
//   - subdomain wildcard: "*.example.com" matches "example.com" and any
//     subdomain of it
//   - port wildcard: "localhost:*" matches "localhost" and "localhost:<port>"
//
// Anything else falls through to false; there are no error cases.
func Matches(hostname, pattern string) bool {
	hostname = strings.ToLower(hostname)
	pattern = strings.ToLower(pattern)

	if hostname == pattern {
		return true
	}

	if base, ok := strings.CutPrefix(pattern, "*."); ok {
		return hostname == base || strings.HasSuffix(hostname, "."+base)
	}

	if base, ok := strings.CutSuffix(pattern, ":*"); ok {
		return hostname == base || strings.HasPrefix(hostname, base+":")
	}

	return false
}

// Normalize reduces a URL to the canonical form used for cache keys:
// scheme://host/path with scheme and host lower-cased and the query string,
// fragment, and trailing slash dropped. URLs that differ only in tracking
// parameters, fragments, or letter case collapse to one cache entry.
//
// Normalize is pure and idempotent: Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: missing scheme or host", ErrInvalidURL)
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")

	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path, nil
}

// Validator holds the service-wide admission settings. Validation runs
// against the original URL as submitted, independent of normalization.
type Validator struct {
	RequireHTTPS bool
	MaxURLLength int
}

// Validate enforces the admission rules in order: well-formedness, scheme,
// length, port blocklist, then allow-list membership. The first failure is
// terminal. Administrative principals (admin=true) bypass the allow-list
// check entirely.
func (v *Validator) Validate(raw string, allowed []string, admin bool) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if v.RequireHTTPS && scheme != "https" {
		return fmt.Errorf("%w: https required", ErrInvalidURL)
	}

	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if v.MaxURLLength > 0 && len(raw) > v.MaxURLLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidURL, v.MaxURLLength)
	}

	if port := u.Port(); port != "" {
		if _, blocked := blockedPorts[port]; blocked {
			return fmt.Errorf("%w: port %s not allowed", ErrInvalidURL, port)
		}
	}

	if admin {
		return nil
	}

	host := strings.ToLower(u.Host)
	for _, pattern := range allowed {
		if Matches(host, pattern) {
			return nil
		}
	}

	return &NotAllowedError{Host: host, Patterns: allowed}
}

// ReferrerDomain extracts the lower-cased hostname from a Referer header
// value, or "" when the header is absent or unparseable.
func ReferrerDomain(referrer string) string {
	if referrer == "" {
		return ""
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
