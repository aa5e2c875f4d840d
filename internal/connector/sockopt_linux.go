//go:build linux

package connector

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setOutboundSocketOptions tunes the outbound socket for proxy relay
// traffic: low-latency writes (TCP_NODELAY) and keepalive so a dead
// upstream is detected even while the relay is otherwise idle. Adapted
// from the teacher's setSocketOptions (sockopt_linux.go), kept for
// outbound dials exactly as the teacher used it.
func setOutboundSocketOptions(_, _ string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}
