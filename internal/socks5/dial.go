// Package socks5 is a minimal SOCKS5 client used to tunnel outbound
// connections through a worker's SOCKS5 endpoint. It only ever dials
// no-auth, CONNECT-command SOCKS5 and wraps golang.org/x/net/proxy rather
// than implementing the wire protocol by hand.
package socks5

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer opens TCP connections to an arbitrary destination by tunneling
// through one worker's SOCKS5 endpoint (no-auth, CONNECT only).
type Dialer struct {
	endpoint string
	timeout  time.Duration
}

// NewDialer builds a Dialer tunneling through socksEndpoint ("host:port").
func NewDialer(socksEndpoint string, timeout time.Duration) *Dialer {
	return &Dialer{endpoint: socksEndpoint, timeout: timeout}
}

// DialContext connects to addr through the SOCKS5 endpoint, honoring ctx
// cancellation and the configured per-dial timeout.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	forward := &net.Dialer{Timeout: d.timeout}
	base, err := proxy.SOCKS5(network, d.endpoint, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer: %w", err)
	}

	if ctxDialer, ok := base.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, network, addr)
	}

	// Older x/net/proxy dialers don't implement ContextDialer; race the
	// blocking Dial against ctx cancellation ourselves.
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := base.Dial(network, addr)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}
