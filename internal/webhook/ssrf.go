package webhook

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var ErrDisallowedURL = errors.New("webhook URL targets a disallowed destination")

var loopbackHosts = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"::1",
	"0:0:0:0:0:0:0:1",
}

var blockedTLDs = []string{".local", ".internal", ".localhost", ".test", ".example", ".invalid"}

var internalSuffixes = []string{"internal", "corp", "intranet", "lan"}

var metadataHosts = map[string]bool{
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("ff00::/8"),
}

// ValidateURL parses raw and checks it against the destination policy.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}
	if !IsAllowedURL(u) {
		return nil, fmt.Errorf("%w: %s", ErrDisallowedURL, u.Redacted())
	}
	return u, nil
}

// IsAllowedURL reports whether u may receive a webhook. Only the URL itself
// is inspected; resolved addresses are checked again at dial time.
func IsAllowedURL(u *url.URL) bool {
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	// Hostname strips the brackets around IPv6 literals.
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return false
	}

	for _, lo := range loopbackHosts {
		if host == lo || strings.HasPrefix(host, lo+".") {
			return false
		}
	}
	if metadataHosts[host] {
		return false
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return AllowedAddr(addr)
	}
	for _, tld := range blockedTLDs {
		if strings.HasSuffix(host, tld) {
			return false
		}
	}
	for _, suffix := range internalSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return false
		}
	}
	return true
}

// AllowedAddr reports whether addr is outside loopback, private, link-local,
// CGNAT and multicast space.
func AllowedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsLoopback() || addr.IsMulticast() {
		return false
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
