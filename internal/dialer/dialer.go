// Package dialer provides the outbound TCP dialer used by every proxy
// session to reach an upstream destination. It wraps net.Dialer with
// the socket-level tuning (TCP_NODELAY, keepalive) that setSocketOptions
// applies per-platform in dialer_linux.go / dialer_other.go.
package dialer

import (
	"context"
	"net"
	"syscall"
	"time"
)

// Dialer is the interface every proxy session dials through. It mirrors
// net.Dialer's two entry points so either a *net.Dialer or a Direct can
// satisfy it.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Direct dials destinations directly, applying the configured timeout
// and OS-level socket tuning before connect(2).
type Direct struct {
	// Timeout bounds each dial. Zero means no timeout.
	Timeout time.Duration

	// KeepAlive sets the TCP keepalive period reported to the kernel via
	// net.Dialer.KeepAlive; the Linux-specific Control hook additionally
	// tunes keepalive probe spacing directly.
	KeepAlive time.Duration
}

// NewDirect returns a Direct dialer with the given timeout and a
// sensible default keepalive.
func NewDirect(timeout time.Duration) *Direct {
	return &Direct{Timeout: timeout, KeepAlive: 30 * time.Second}
}

func (d *Direct) netDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
		Control:   controlWithSocketOptions,
	}
}

// Dial makes a direct TCP connection.
func (d *Direct) Dial(network, address string) (net.Conn, error) {
	return d.netDialer().Dial(network, address)
}

// DialContext makes a direct TCP connection with context support for
// cancellation (used to abandon a dial when the client disconnects
// mid-handshake).
func (d *Direct) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.netDialer().DialContext(ctx, network, address)
}

// controlWithSocketOptions is installed as net.Dialer.Control and
// delegates to the platform-specific setSocketOptions.
func controlWithSocketOptions(network, address string, c syscall.RawConn) error {
	return setSocketOptions(network, address, c)
}
