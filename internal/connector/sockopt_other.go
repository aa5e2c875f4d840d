//go:build !linux

package connector

import "syscall"

// setOutboundSocketOptions is a no-op on non-Linux platforms. See
// sockopt_linux.go for the Linux-specific TCP_NODELAY/keepalive tuning.
func setOutboundSocketOptions(_, _ string, _ syscall.RawConn) error {
	return nil
}
