//go:build linux

package acceptor

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCP binds and listens on addr using a raw socket so SO_REUSEADDR
// and an explicit backlog (spec section 4.4) can both be applied; Go's
// net.ListenTCP does not expose backlog control. Adapted from the
// teacher's setSocketOptions (sockopt_linux.go), moved from the outbound
// dial path to the listen-side path.
func listenTCP(addr *net.TCPAddr, backlog int) (*net.TCPListener, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	closeOnErr := func(err error) (*net.TCPListener, error) {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return closeOnErr(os.NewSyscallError("setsockopt(SO_REUSEADDR)", err))
	}

	sa, err := sockaddrOf(addr)
	if err != nil {
		return closeOnErr(err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return closeOnErr(os.NewSyscallError("bind", err))
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return closeOnErr(os.NewSyscallError("listen", err))
	}

	file := os.NewFile(uintptr(fd), "socks5-listener")
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

func sockaddrOf(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if v4 := addr.IP.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], v4)
		return sa, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		ip16 = net.IPv6zero
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip16)
	return sa, nil
}
