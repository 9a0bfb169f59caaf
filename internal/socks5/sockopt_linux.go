//go:build linux

package socks5

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions configures TCP options on the raw socket fd. Used as the
// Control hook for both the listener and the outbound dialer.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		// Allow address reuse for rapid restart.
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sysErr = e
			return
		}

		// Disable Nagle's algorithm; relayed traffic is latency-sensitive.
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sysErr = e
			return
		}

		// Keepalive detects dead peers; the relay itself has no timeouts.
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}
