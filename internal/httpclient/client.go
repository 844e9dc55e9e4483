// Package httpclient builds the HTTP client used for mail provider traffic.
//
// Provider endpoints are public hosts. The client refuses to dial loopback,
// private, link-local or reserved addresses, checked on the resolved address
// at connect time so a rebinding DNS answer cannot slip through. Redirects
// are capped and must stay on http(s).
package httpclient

import (
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/teranos/cadence/errors"
)

// ErrPrivateAddress is returned when a connection to a non-public address is refused.
var ErrPrivateAddress = errors.New("non-public address blocked")

// Options configures New.
type Options struct {
	Timeout      time.Duration // Whole-request deadline; 0 means 30s
	MaxRedirects int           // 0 means 5
	// AllowPrivate permits non-public destinations (local test servers).
	AllowPrivate bool
}

// New returns a client for provider calls.
func New(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !opts.AllowPrivate {
		dialer.Control = guardDial
	}

	return &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
			}
			if s := req.URL.Scheme; s != "http" && s != "https" {
				return errors.Newf("redirect to scheme %q blocked", s)
			}
			return nil
		},
	}
}

// guardDial runs after resolution with the literal address being dialed.
func guardDial(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Wrapf(err, "invalid dial address %q", address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return errors.Wrapf(err, "invalid dial address %q", address)
	}
	if !IsPublic(ip) {
		return errors.Wrapf(ErrPrivateAddress, "%s", ip)
	}
	return nil
}

// reserved covers ranges netip has no predicate for.
var reserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"), // documentation
	netip.MustParsePrefix("fec0::/10"),     // deprecated site-local
}

// IsPublic reports whether ip is a globally routable unicast address.
func IsPublic(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsValid() || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsMulticast() {
		return false
	}
	for _, p := range reserved {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}
