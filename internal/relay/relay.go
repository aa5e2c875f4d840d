// Package relay copies bytes between a client connection and its upstream
// connection once a session has been approved, in both directions at once,
// and tells the supervisor exactly once when both directions have finished.
package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kureta/gatekeeper-socks5/internal/model"
	"github.com/kureta/gatekeeper-socks5/internal/stream"
)

// bufferSize is the per-half copy buffer. No configuration knob exists for
// it; the teacher's proxy loop used a fixed buffer and nothing in the rule
// or session layers needs it tuned per connection.
const bufferSize = 32 * 1024

// deadlineSetter is satisfied by both halves of a split stream.TCPStream
// (and by net.Pipe's Conn, as wrapped by stream.PipeStream). A half without it never times
// out its Read, so the shutdown/peer-exit check on that side only runs
// between byte arrivals instead of on a fixed poll interval.
type deadlineSetter interface {
	SetReadDeadline(time.Time) error
}

// DisconnectGuard is shared by both relay halves of a session. It calls
// onLastRelease exactly once, when the second of its two holders releases
// it, whether that release follows a clean exit, an error, or the peer
// half's exit. This is the Go translation of the Rust Arc<Mutex<..>>
// reference-counted guard: both relay goroutines hold one reference each,
// and dropping to zero fires the callback.
type DisconnectGuard struct {
	remaining     atomic.Int32
	once          sync.Once
	onLastRelease func()
}

// NewDisconnectGuard returns a guard initialized for two holders.
func NewDisconnectGuard(onLastRelease func()) *DisconnectGuard {
	g := &DisconnectGuard{onLastRelease: onLastRelease}
	g.remaining.Store(2)
	return g
}

// Release drops one reference. The last release invokes onLastRelease.
func (g *DisconnectGuard) Release() {
	if g.remaining.Add(-1) == 0 {
		g.once.Do(g.onLastRelease)
	}
}

// Halves is the shared shutdown signal for a session's two relay
// goroutines. Shutdown requests are delivered by closing its channel
// (via Shutdown), and peer-exit notice by the peerExited flag that Spawn
// creates; callers only call Spawn and Shutdown and wait for the guard's
// callback.
type Halves struct {
	shutdown chan struct{}
	once     sync.Once
}

// NewHalves builds the shared shutdown signal for one session's relay.
func NewHalves() *Halves {
	return &Halves{shutdown: make(chan struct{})}
}

// Shutdown closes the shared signal. Closing a channel notifies every
// goroutine blocked on or polling it, which is the idiomatic Go stand-in
// for the original design's "send on a capacity>=2 channel so a single
// send reaches both relay halves": one close reaches any number of
// receivers and never drops a notification.
func (h *Halves) Shutdown() {
	h.once.Do(func() { close(h.shutdown) })
}

// Spawn starts the outbound (client -> upstream) and incoming
// (upstream -> client) copy loops for an established session, per the
// relay design in section 4.7: two halves sharing a shutdown signal, a
// disconnect guard, and a peer-exit flag. onDisconnect is invoked exactly
// once, after both halves have exited, via the shared DisconnectGuard.
// clientTimeout and upstreamTimeout bound how long the outbound and
// incoming halves, respectively, may block in Read before re-checking the
// shutdown signal and the peer-exit flag. A zero timeout means "wait
// indefinitely" (the existing codebase convention for "no timeout
// configured") and reproduces the old unbounded-block behavior for that
// half only.
func Spawn(id model.SessionID, halves *Halves, client, upstream stream.ByteStream, clientTimeout, upstreamTimeout time.Duration, logger *zap.Logger, onDisconnect func(model.SessionID)) error {
	readClient, writeClient, err := client.Split()
	if err != nil {
		return err
	}
	readUpstream, writeUpstream, err := upstream.Split()
	if err != nil {
		return err
	}

	guard := NewDisconnectGuard(func() {
		// Each half only shut down its own direction; close the underlying
		// connections now that neither half uses them.
		for _, s := range []stream.ByteStream{client, upstream} {
			if c, ok := s.(io.Closer); ok {
				_ = c.Close()
			}
		}
		logger.Debug("relay disconnect", zap.Uint32("session", uint32(id)))
		onDisconnect(id)
	})
	var peerExited atomic.Bool

	go runHalf(halfConfig{
		id:          id,
		name:        "outbound",
		src:         readClient,
		dst:         writeUpstream,
		shutdown:    halves.shutdown,
		readTimeout: clientTimeout,
		peerExited:  &peerExited,
		guard:       guard,
		logger:      logger,
	})
	go runHalf(halfConfig{
		id:          id,
		name:        "incoming",
		src:         readUpstream,
		dst:         writeClient,
		shutdown:    halves.shutdown,
		readTimeout: upstreamTimeout,
		peerExited:  &peerExited,
		guard:       guard,
		logger:      logger,
	})
	return nil
}

type halfConfig struct {
	id          model.SessionID
	name        string
	src         io.ReadCloser
	dst         io.WriteCloser
	shutdown    <-chan struct{}
	readTimeout time.Duration
	peerExited  *atomic.Bool
	guard       *DisconnectGuard
	logger      *zap.Logger
}

// runHalf is one relay half's loop: poll the shutdown signal, then copy
// until clean EOF, a timeout (re-checking the peer-exit flag before
// looping again), or any other error. Every exit path sets the shared
// peer-exit flag before releasing the guard, so the counterpart half never
// blocks past its own next read timeout once this half is gone — that
// bound is what keeps one idle direction from holding a session open
// forever after the other direction's EOF (section 4.7's "two-flag" note).
func runHalf(cfg halfConfig) {
	defer cfg.guard.Release()
	defer cfg.peerExited.Store(true)
	// Closing our half of each connection on the way out shuts down that
	// direction and, for the write side, signals EOF to whichever peer is
	// still reading it, so a clean exit on one side nudges the other
	// direction toward its own EOF instead of relying on timeouts alone.
	// The connections themselves are closed by the guard's callback once
	// both halves have exited (see Spawn).
	defer cfg.src.Close()
	defer cfg.dst.Close()
	log := cfg.logger.With(zap.Uint32("session", uint32(cfg.id)), zap.String("half", cfg.name))
	log.Debug("relay half started")

	deadliner, _ := cfg.src.(deadlineSetter)
	if cfg.readTimeout > 0 && deadliner == nil {
		log.Debug("relay half: source has no read deadline support, timeout disabled")
	}

	buf := make([]byte, bufferSize)
	for {
		select {
		case <-cfg.shutdown:
			log.Debug("relay half: shutdown signaled")
			return
		default:
		}

		if cfg.readTimeout > 0 && deadliner != nil {
			if err := deadliner.SetReadDeadline(time.Now().Add(cfg.readTimeout)); err != nil {
				log.Debug("relay half: set read deadline failed", zap.Error(err))
				return
			}
		}

		n, readErr := cfg.src.Read(buf)
		if n > 0 {
			if _, writeErr := cfg.dst.Write(buf[:n]); writeErr != nil {
				log.Debug("relay half: write error", zap.Error(writeErr))
				return
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				log.Debug("relay half: clean eof")
				return
			}
			if isTimeout(readErr) {
				if cfg.peerExited.Load() {
					log.Debug("relay half: peer exited, stopping on timeout")
					return
				}
				continue
			}
			log.Debug("relay half: read error", zap.Error(readErr))
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
