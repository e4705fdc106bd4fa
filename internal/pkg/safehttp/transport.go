// Package safehttp builds outbound HTTP transports that refuse private
// network destinations.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

const dialTimeout = 5 * time.Second

// NewTransport returns a transport for upstream API calls. Unless
// allowPrivate is set, connections whose remote address is loopback, private
// or link-local are closed before any request bytes are sent, so a
// misconfigured base URL cannot reach internal services.
func NewTransport(allowPrivate bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	if allowPrivate {
		t.DialContext = dialer.DialContext
		return t
	}

	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}

		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			conn.Close()
			return nil, fmt.Errorf("access to private IP %s is denied", ip)
		}

		return conn, nil
	}
	return t
}
