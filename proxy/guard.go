package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// errBlockedTarget is returned when a target resolves to an address the
// proxy refuses to reach.
var errBlockedTarget = errors.New("target address is not public")

// publicAddr reports whether a is routable on the public internet.
func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsValid() &&
		!a.IsLoopback() &&
		!a.IsPrivate() &&
		!a.IsLinkLocalUnicast() &&
		!a.IsLinkLocalMulticast() &&
		!a.IsInterfaceLocalMulticast() &&
		!a.IsMulticast() &&
		!a.IsUnspecified()
}

// checkLiteralHost rejects a host that is a non-public IP literal. Names
// are checked after resolution by the dialer.
func checkLiteralHost(host string) error {
	a, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if !publicAddr(a) {
		return fmt.Errorf("%w: %s", errBlockedTarget, host)
	}
	return nil
}

// dialControl runs after DNS resolution, so it also covers redirects and
// names that point at internal addresses.
func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", errBlockedTarget, host)
	}
	if !publicAddr(a) {
		return fmt.Errorf("%w: %s", errBlockedTarget, host)
	}
	return nil
}

// publicOnlyClient returns a copy of c whose dialer refuses non-public
// addresses. Environment proxies are disabled so the check sees the real
// upstream. A custom RoundTripper is kept as is.
func publicOnlyClient(c *http.Client) *http.Client {
	guarded := *c
	var t *http.Transport
	switch rt := c.Transport.(type) {
	case nil:
		t = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		t = rt.Clone()
	default:
		return &guarded
	}
	t.Proxy = nil
	t.DialContext = (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   dialControl,
	}).DialContext
	guarded.Transport = t
	return &guarded
}
