// Package probe implements the supervisor's stateless network probes:
// TCP-connect port checks and end-to-end HTTP-through-SOCKS5 reachability
// (spec.md §4.A).
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// IsPortListening attempts a TCP connect to host:port, returning true iff
// the connection succeeds within timeout. Any error or timeout is treated
// as "not listening" and logged at debug level only — this is a routine,
// high-frequency check, not an error condition.
func IsPortListening(ctx context.Context, host string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		slog.Debug("port check failed", "addr", addr, "err", err)
		return false
	}
	_ = conn.Close()
	return true
}

// Socks5Reachable issues an HTTP GET to testURL through socks5://host:port,
// redirects disabled, bounded by timeout. Any HTTP response — including a
// non-2xx one — counts as success: this measures proxy liveness, not
// upstream correctness. A proxy-connect failure, TCP failure, or timeout
// is the only failure mode.
func Socks5Reachable(ctx context.Context, host string, port int, testURL string, timeout time.Duration) bool {
	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil, proxy.Direct)
	if err != nil {
		slog.Debug("socks5 dialer setup failed", "host", host, "port", port, "err", err)
		return false
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		// golang.org/x/net/proxy's SOCKS5 dialer always implements
		// ContextDialer; this branch exists only to avoid a panic if
		// that ever changes upstream.
		slog.Debug("socks5 dialer does not support context dialing", "host", host, "port", port)
		return false
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: contextDialer.DialContext,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, testURL, nil)
	if err != nil {
		slog.Debug("socks5 probe request build failed", "err", err)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("socks5 proxy unreachable", "host", host, "port", port, "err", err)
		return false
	}
	defer resp.Body.Close()
	return true
}

// TunnelHealthy composes a port check and a SOCKS5 reachability check,
// short-circuiting on the first failure.
func TunnelHealthy(ctx context.Context, host string, port int, testURL string, timeout time.Duration) bool {
	if !IsPortListening(ctx, host, port, timeout) {
		return false
	}
	return Socks5Reachable(ctx, host, port, testURL, timeout)
}
