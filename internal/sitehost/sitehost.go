// Package sitehost turns navigation URLs and raw hosts into the site host
// keys used by the ledgers.
package sitehost

import (
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrNoHost is returned when no site host can be derived from the input.
var ErrNoHost = errors.New("no site host")

// Normalizer canonicalizes hosts. The zero value keeps hostnames as-is.
type Normalizer struct {
	// ReduceToSite reduces hostnames to their registrable domain (eTLD+1).
	// IP literals are never reduced.
	ReduceToSite bool
}

// FromURL extracts the site host of rawURL.
func (n Normalizer) FromURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", ErrNoHost
	}
	return n.normalize(u.Hostname())
}

// FromHost normalizes a bare host. Ports and existing brackets are accepted:
// "::1", "[::1]", "[::1]:8080" and "example.com:443" are all valid.
func (n Normalizer) FromHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return n.normalize(host)
}

func (n Normalizer) normalize(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", ErrNoHost
	}

	// Zone identifiers never identify a site.
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Is4() {
			return addr.String(), nil
		}
		return "[" + addr.String() + "]", nil
	}

	if strings.ContainsAny(host, "/?#@ ") {
		return "", ErrNoHost
	}

	if !n.ReduceToSite {
		return host, nil
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// The host is itself a public suffix or a single label like "localhost".
		return host, nil
	}
	return site, nil
}

// IsIPv6 reports whether siteHost is a bracketed IPv6 literal.
func IsIPv6(siteHost string) bool {
	return strings.HasPrefix(siteHost, "[") && strings.HasSuffix(siteHost, "]")
}
