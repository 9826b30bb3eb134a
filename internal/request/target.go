package request

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
)

var ErrUnsupportedScheme = errors.New("unsupported scheme")

// Target is the parsed benchmark URL.
type Target struct {
	Scheme string
	Host   string // without port or brackets
	Port   int
	// Authority is the URL's host[:port], used as the Host header.
	Authority string
	// Path includes the query string.
	Path string
}

func ParseTarget(raw string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	t := &Target{Scheme: u.Scheme, Host: u.Hostname(), Authority: u.Host}
	switch u.Scheme {
	case "http":
		t.Port = 80
	case "https":
		t.Port = 443
	default:
		return nil, fmt.Errorf("%w %q in %q", ErrUnsupportedScheme, u.Scheme, raw)
	}
	if t.Host == "" {
		return nil, fmt.Errorf("no host in URL %q", raw)
	}

	if p := u.Port(); p != "" {
		t.Port, err = strconv.Atoi(p)
		if err != nil || t.Port <= 0 || t.Port > 65535 {
			return nil, fmt.Errorf("invalid port %q in %q", p, raw)
		}
	}

	t.Path = u.EscapedPath()
	if t.Path == "" {
		t.Path = "/"
	}
	if u.RawQuery != "" {
		t.Path += "?" + u.RawQuery
	}

	return t, nil
}

func (t *Target) TLS() bool {
	return t.Scheme == "https"
}

// Resolve looks up the target host and returns the first address, preferring
// IPv4.
func (t *Target) Resolve(ctx context.Context) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(t.Host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(t.Port)), nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", t.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("unable to resolve %s: %w", t.Host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("unable to resolve %s: no addresses", t.Host)
	}

	best := addrs[0]
	for _, a := range addrs {
		if a.Unmap().Is4() {
			best = a
			break
		}
	}

	return netip.AddrPortFrom(best.Unmap(), uint16(t.Port)), nil
}

// Default is the request sent when neither a request file nor a script
// provides one.
func (t *Target) Default(method string, headers []Header, body []byte) *Payload {
	if method == "" {
		method = "GET"
	}

	return Parse(Build(t.Authority, method, t.Path, headers, body))
}
