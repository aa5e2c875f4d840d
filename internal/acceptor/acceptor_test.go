package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBindAndServeYieldsAccepted(t *testing.T) {
	acc, err := Bind(Config{
		ListenIP:      net.ParseIP("127.0.0.1"),
		ListenPort:    0,
		AcceptTimeout: 50 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	defer acc.Close()

	out := make(chan Accepted, 1)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		acc.Serve(stop, out)
		close(done)
	}()

	conn, err := net.Dial("tcp", acc.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case got := <-out:
		assert.NotNil(t, got.Stream)
		assert.NotNil(t, got.Peer)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown signaled")
	}
}

func TestBindRejectsDuplicateAddress(t *testing.T) {
	acc, err := Bind(Config{ListenIP: net.ParseIP("127.0.0.1"), ListenPort: 0, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer acc.Close()

	port := acc.Addr().(*net.TCPAddr).Port
	_, err = Bind(Config{ListenIP: net.ParseIP("127.0.0.1"), ListenPort: uint16(port), Logger: zap.NewNop()})
	assert.Error(t, err)
}

func TestServeStopsOnAcceptTimeoutPoll(t *testing.T) {
	acc, err := Bind(Config{
		ListenIP:      net.ParseIP("127.0.0.1"),
		ListenPort:    0,
		AcceptTimeout: 20 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	defer acc.Close()

	out := make(chan Accepted)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		acc.Serve(stop, out)
		close(done)
	}()

	// No connection ever arrives; Serve must still notice stop within a
	// couple of AcceptTimeout polls rather than blocking indefinitely.
	time.Sleep(50 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after stop with no connections")
	}
}
