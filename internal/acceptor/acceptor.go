// Package acceptor implements the bounded-timeout accept loop: it binds a
// listening socket, applies SO_REUSEADDR and a backlog sized close to the
// kernel's somaxconn, and yields accepted connections paired with their
// peer address until a shutdown signal arrives.
package acceptor

import (
	"errors"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kureta/gatekeeper-socks5/internal/socks5err"
	"github.com/kureta/gatekeeper-socks5/internal/stream"
)

// DefaultBacklog matches spec section 4.4: close to the kernel's
// somaxconn default on most Linux distributions.
const DefaultBacklog = 256

// Accepted is one item yielded by the accept loop.
type Accepted struct {
	Stream *stream.TCPStream
	Peer   net.Addr
}

// Config configures the acceptor.
type Config struct {
	ListenIP   net.IP
	ListenPort uint16
	Backlog    int

	// AcceptTimeout bounds each accept(2) call so the loop can observe
	// Shutdown promptly. Zero means "none" (wait indefinitely, checking
	// Shutdown only between accepts).
	AcceptTimeout time.Duration

	// ClientTimeout is applied as the accepted socket's read/write
	// deadline before it is handed off.
	ClientTimeout time.Duration

	Logger *zap.Logger
}

// Acceptor owns the listening socket and the accept loop.
type Acceptor struct {
	cfg Config
	ln  *net.TCPListener
}

// Bind opens the listening socket, mapping bind-phase errors per spec
// section 4.4.
func Bind(cfg Config) (*Acceptor, error) {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	addr := &net.TCPAddr{IP: cfg.ListenIP, Port: int(cfg.ListenPort)}
	ln, err := listenTCP(addr, cfg.Backlog)
	if err != nil {
		return nil, mapBindError(addr, err)
	}

	return &Acceptor{cfg: cfg, ln: ln}, nil
}

func mapBindError(addr *net.TCPAddr, err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return socks5err.Wrap(socks5err.KindAddressAlreadyInUse, err, "address already in use: %s", addr)
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return socks5err.Wrap(socks5err.KindAddressNotAvailable, err, "address not available: %s", addr)
	default:
		return socks5err.Wrap(socks5err.KindIO, err, "bind %s", addr)
	}
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Close closes the listening socket, unblocking any in-flight Accept.
func (a *Acceptor) Close() error { return a.ln.Close() }

// Serve runs the accept loop until shutdown is signaled or closed, sending
// each accepted connection to out. It returns when shutdown fires or the
// listener is closed (e.g. by Close from another goroutine at Terminate
// time).
func (a *Acceptor) Serve(shutdown <-chan struct{}, out chan<- Accepted) {
	for {
		select {
		case <-shutdown:
			return
		default:
		}

		if a.cfg.AcceptTimeout > 0 {
			_ = a.ln.SetDeadline(time.Now().Add(a.cfg.AcceptTimeout))
		}
		conn, err := a.ln.AcceptTCP()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.cfg.Logger.Error("accept error", zap.Error(err))
			return
		}

		if a.cfg.ClientTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(a.cfg.ClientTimeout))
		}

		select {
		case out <- Accepted{Stream: stream.NewTCPStream(conn), Peer: conn.RemoteAddr()}:
		case <-shutdown:
			_ = conn.Close()
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
