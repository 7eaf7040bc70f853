// Package hashing derives stable page identities from URLs.
//
// A PageID packs two 32-bit halves: the high half hashes the URL's host and
// the low half hashes the whole URL, so all pages of one host sort next to
// each other. Collisions between distinct URLs are not detected.
package hashing

import (
	"net"
	"net/url"
	"strings"

	"github.com/FranksOps/frontier/internal/storage"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/publicsuffix"
)

func fold(h uint64) uint32 {
	return uint32(h ^ (h >> 32))
}

// Hash returns the identity of rawURL. It is pure and stable across processes.
func Hash(rawURL string) storage.PageID {
	hi := uint64(fold(xxhash.Sum64String(Domain(rawURL))))
	lo := uint64(fold(xxhash.Sum64String(rawURL)))
	return storage.PageID(hi<<32 | lo)
}

// DomainHash returns the high half of Hash for any URL of domain.
func DomainHash(domain string) uint32 {
	return fold(xxhash.Sum64String(domain))
}

// Domain returns the lowercased host of rawURL without port, or "" when the
// URL has no host.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RegistrableDomain returns the eTLD+1 of rawURL's host ("www.bbc.co.uk" ->
// "bbc.co.uk"), falling back to the plain host for IPs and unknown suffixes.
func RegistrableDomain(rawURL string) string {
	host := Domain(rawURL)
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return root
}

// DomainFunc maps a URL to the key used for per-site accounting.
type DomainFunc func(rawURL string) string
