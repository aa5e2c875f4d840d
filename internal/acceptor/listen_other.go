//go:build !linux

package acceptor

import "net"

// listenTCP falls back to the standard library on non-Linux platforms,
// matching the teacher's sockopt_other.go no-op convention: SO_REUSEADDR
// and explicit backlog tuning are Linux-only refinements here.
func listenTCP(addr *net.TCPAddr, backlog int) (*net.TCPListener, error) {
	_ = backlog
	return net.ListenTCP("tcp", addr)
}
