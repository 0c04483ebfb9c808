//go:build !linux

package dialer

import "syscall"

// setSocketOptions is a no-op on non-Linux platforms. The Linux-specific
// version in dialer_linux.go sets TCP_NODELAY and keepalive tuning.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}
