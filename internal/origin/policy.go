// Package origin decides which browser origins may call the API.
//
// The policy admits an exact-match public origin, the host's own LAN
// addresses on any port, loopback, and optionally every RFC1918 IPv4 host.
// It is built once at startup and is safe for concurrent use.
package origin

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

type triple struct {
	scheme string
	host   string
	port   string
}

func (t triple) equal(o triple) bool {
	return t.scheme == o.scheme && strings.EqualFold(t.host, o.host) && t.port == o.port
}

// Policy is an immutable origin predicate.
type Policy struct {
	public       *triple
	local        map[netip.Addr]struct{}
	allowPrivate bool
}

// NewPolicy builds a Policy. publicURL may be empty; when set it must be an
// absolute URL with a host.
func NewPolicy(publicURL string, local []netip.Addr, allowPrivate bool) (*Policy, error) {
	p := &Policy{
		local:        make(map[netip.Addr]struct{}, len(local)),
		allowPrivate: allowPrivate,
	}
	for _, a := range local {
		if a.Is4() {
			p.local[a] = struct{}{}
		}
	}
	if publicURL != "" {
		t, ok := parseOrigin(publicURL)
		if !ok {
			return nil, fmt.Errorf("origin: public url %q is not an absolute URL", publicURL)
		}
		p.public = &t
	}
	return p, nil
}

// Allowed reports whether a browser Origin header value is admitted.
func (p *Policy) Allowed(origin string) bool {
	o, ok := parseOrigin(origin)
	if !ok {
		return false
	}

	if p.public != nil && p.public.equal(o) {
		return true
	}

	addr, err := netip.ParseAddr(o.host)
	isV4 := err == nil && addr.Is4()

	if isV4 {
		if _, ok := p.local[addr]; ok {
			return true
		}
	}

	if strings.EqualFold(o.host, "localhost") || o.host == "::1" || o.host == "[::1]" {
		return true
	}
	if isV4 && addr.IsLoopback() {
		return true
	}

	// IsPrivate on an IPv4 address is exactly 10/8, 172.16/12 and 192.168/16.
	if p.allowPrivate && isV4 && addr.IsPrivate() {
		return true
	}

	return false
}

func parseOrigin(s string) (triple, bool) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return triple{}, false
	}
	host := u.Hostname()
	if host == "" {
		return triple{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		port = defaultPorts[scheme]
	}
	return triple{scheme: scheme, host: host, port: port}, true
}
