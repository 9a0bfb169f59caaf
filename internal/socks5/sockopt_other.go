//go:build !linux

package socks5

import "syscall"

// setSocketOptions is a no-op on non-Linux platforms. The Linux version in
// sockopt_linux.go sets SO_REUSEADDR, TCP_NODELAY, and SO_KEEPALIVE.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}
