package connector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kureta/gatekeeper-socks5/internal/model"
	"github.com/kureta/gatekeeper-socks5/internal/socks5err"
)

func TestConnectDialsIPLiteral(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c := NewTCPConnector(2*time.Second, time.Second)

	stream, bound, err := c.Connect(context.Background(), model.NewIPAddress(net.ParseIP("127.0.0.1"), uint16(port)))
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, model.AddrKindIPv4, bound.Kind)

	peer := <-accepted
	require.NotNil(t, peer)
	defer peer.Close()
}

func TestConnectMapsRefusedError(t *testing.T) {
	// Bind and immediately close, so the port is very likely refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewTCPConnector(2*time.Second, time.Second)
	_, _, err = c.Connect(context.Background(), model.NewIPAddress(net.ParseIP("127.0.0.1"), uint16(port)))
	require.Error(t, err)
	assert.Equal(t, socks5err.KindConnectionRefused, socks5err.KindOf(err))
}

func TestConnectResolvesDomain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, _ := ln.Accept()
		if c != nil {
			c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c := NewTCPConnector(2*time.Second, time.Second)

	// "localhost" resolves via the standard resolver without a network
	// round-trip in practically every test environment.
	stream, _, err := c.Connect(context.Background(), model.NewDomainAddress("localhost", uint16(port)))
	require.NoError(t, err)
	defer stream.Close()
}
