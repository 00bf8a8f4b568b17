// Package realip resolves the client IP of an HTTP request through a trusted
// reverse-proxy chain. Forwarding headers are honored only when the direct
// peer is a configured proxy; anything a client sends itself is ignored, so
// guests cannot spoof their presence identity or dodge rate limits.
package realip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Header precedence when the peer is trusted.
var forwardHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// Resolver decides which peers are trusted proxies.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses the trusted proxy list. Entries may be single addresses
// ("10.0.0.5") or CIDR ranges ("172.16.0.0/12"). An empty list trusts
// nothing, so every request resolves to its direct peer.
func NewResolver(entries []string) (*Resolver, error) {
	var trusted []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			trusted = append(trusted, p)
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy entry %q: %w", e, err)
		}
		trusted = append(trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return &Resolver{trusted: trusted}, nil
}

// FromRequest returns the client IP for the request: the direct peer unless
// that peer is a trusted proxy, in which case the first valid forwarded
// address wins. Always returns something usable as an identity key.
func (r *Resolver) FromRequest(req *http.Request) string {
	remote := remoteAddr(req)
	addr, err := netip.ParseAddr(remote)
	if err != nil || !r.isTrusted(addr) {
		return remote
	}

	for _, h := range forwardHeaders {
		v := req.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			// Client address is the first entry; the rest are proxies.
			v, _, _ = strings.Cut(v, ",")
		}
		v = strings.TrimSpace(v)
		if _, err := netip.ParseAddr(v); err == nil {
			return v
		}
	}
	return remote
}

func (r *Resolver) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
