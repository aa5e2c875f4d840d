// Package connector resolves SOCKS5 destination addresses and opens the
// outbound TCP connection, mapping dial errors onto the SOCKS5 reply
// codes the session needs.
package connector

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/kureta/gatekeeper-socks5/internal/model"
	"github.com/kureta/gatekeeper-socks5/internal/socks5err"
	"github.com/kureta/gatekeeper-socks5/internal/stream"
)

// Connector opens an outbound connection to a SOCKS5 destination address.
type Connector interface {
	Connect(ctx context.Context, addr model.Address) (*stream.TCPStream, model.Address, error)
}

// TCPConnector is the production Connector: it dials IP literals directly
// and resolves domain names via the standard resolver, taking the first
// resulting address (spec section 4.5).
type TCPConnector struct {
	// UpstreamTimeout is applied to the connected socket's read/write
	// deadlines once the dial succeeds. Zero means no deadline.
	UpstreamTimeout time.Duration
	dialer          net.Dialer
}

// NewTCPConnector builds a TCPConnector with the given dial timeout and
// post-connect read/write timeout.
func NewTCPConnector(dialTimeout, upstreamTimeout time.Duration) *TCPConnector {
	return &TCPConnector{
		UpstreamTimeout: upstreamTimeout,
		dialer: net.Dialer{
			Timeout: dialTimeout,
			Control: setOutboundSocketOptions,
		},
	}
}

// Connect resolves addr (if it is a domain) and dials the first resulting
// TCP endpoint, returning the live stream and the address actually
// connected to (used as BND in the reply).
func (c *TCPConnector) Connect(ctx context.Context, addr model.Address) (*stream.TCPStream, model.Address, error) {
	target := addr.String()
	if addr.Kind == model.AddrKindDomain {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", addr.Domain)
		if err != nil {
			return nil, model.Address{}, socks5err.Wrap(socks5err.KindDomainNotResolved, err, "resolve %q", addr.Domain)
		}
		if len(ips) == 0 {
			return nil, model.Address{}, socks5err.New(socks5err.KindDomainNotResolved, "no addresses for %q", addr.Domain)
		}
		target = net.JoinHostPort(ips[0].String(), strconv.Itoa(int(addr.Port)))
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, model.Address{}, mapDialError(err)
	}
	tcpConn := conn.(*net.TCPConn)

	if c.UpstreamTimeout > 0 {
		deadline := time.Now().Add(c.UpstreamTimeout)
		_ = tcpConn.SetDeadline(deadline)
	}

	bound := model.NewAddressFromTCPAddr(tcpConn.RemoteAddr().(*net.TCPAddr))
	return stream.NewTCPStream(tcpConn), bound, nil
}

func mapDialError(err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5err.Wrap(socks5err.KindConnectionRefused, err, "connection refused")
	case errors.Is(err, syscall.EHOSTUNREACH):
		return socks5err.Wrap(socks5err.KindHostUnreachable, err, "host unreachable")
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5err.Wrap(socks5err.KindNetworkUnreachable, err, "network unreachable")
	default:
		return socks5err.Wrap(socks5err.KindIO, err, "dial upstream")
	}
}
