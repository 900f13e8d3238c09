// Package security guards outbound provider connections and keeps the
// gateway's audit trail.
package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"agentd/internal/domain"
)

// blockedPrefixes are the address blocks a provider may not reach when the
// network policy is on: loopback, RFC 1918, CGNAT, link-local (cloud
// metadata), unspecified, unique-local and multicast.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

func isBlocked(a netip.Addr) bool {
	a = a.Unmap().WithZone("")
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// IsPrivateIP reports whether ip is in a blocked block. IPv4-mapped IPv6
// addresses are judged by their IPv4 form.
func IsPrivateIP(ip net.IP) bool {
	a, ok := netip.AddrFromSlice(ip)
	return ok && isBlocked(a)
}

type ipResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ValidateURL rejects provider URLs that are not http(s) or whose host is,
// or resolves to, a blocked address.
func ValidateURL(rawURL string) error {
	return validateURL(context.Background(), net.DefaultResolver, rawURL)
}

func validateURL(ctx context.Context, r ipResolver, rawURL string) error {
	const op = "security.ValidateURL"
	u, err := url.Parse(rawURL)
	if err != nil {
		return blocked(op, "unparseable URL: "+err.Error())
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return blocked(op, fmt.Sprintf("scheme %q is not http or https", u.Scheme))
	}
	if u.Hostname() == "" {
		return blocked(op, "URL has no host")
	}
	_, err = resolveAllowed(ctx, r, op, u.Hostname())
	return err
}

// resolveAllowed returns host's addresses, failing if any one is blocked.
// IP literals are checked without a lookup.
func resolveAllowed(ctx context.Context, r ipResolver, op, host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		if isBlocked(a) {
			return nil, blocked(op, a.String()+" is a private or reserved address")
		}
		return []netip.Addr{a}, nil
	}

	found, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, blocked(op, "lookup "+host+": "+err.Error())
	}
	if len(found) == 0 {
		return nil, blocked(op, "no addresses for "+host)
	}
	addrs := make([]netip.Addr, 0, len(found))
	for _, ipa := range found {
		a, ok := netip.AddrFromSlice(ipa.IP)
		if !ok || isBlocked(a) {
			return nil, blocked(op, fmt.Sprintf("%s resolves to blocked address %s", host, ipa.IP))
		}
		addrs = append(addrs, a.Unmap())
	}
	return addrs, nil
}

// NewGuardedTransport returns an HTTP transport that resolves each host
// once, checks every address and dials the first checked one, so a later
// lookup cannot rebind the name to an internal address.
func NewGuardedTransport() *http.Transport {
	return newGuardedTransport(net.DefaultResolver)
}

func newGuardedTransport(r ipResolver) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, hostport string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(hostport)
			if err != nil {
				return nil, err
			}
			addrs, err := resolveAllowed(ctx, r, "security.Dial", host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func blocked(op, detail string) error {
	return domain.NewDomainError(op, domain.ErrSSRFBlocked, detail)
}
