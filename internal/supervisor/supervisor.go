// Package supervisor owns the accept loop's consumer side: it turns each
// accepted connection into a session goroutine, tracks live sessions by
// id, and coordinates shutdown across the acceptor, every session, and
// every session's relay halves.
package supervisor

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kureta/gatekeeper-socks5/internal/acceptor"
	"github.com/kureta/gatekeeper-socks5/internal/model"
	"github.com/kureta/gatekeeper-socks5/internal/relay"
	"github.com/kureta/gatekeeper-socks5/internal/session"
)

// commandQueueCapacity stands in for the original design's unbounded
// command channel: at most one Connect and one Disconnect is ever
// in flight per live session, so a buffer sized well above any realistic
// concurrent session count cannot fill up in practice.
const commandQueueCapacity = 4096

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdTerminate
)

type command struct {
	kind commandKind
	conn *net.TCPConn
	addr net.Addr
	id   model.SessionID
}

// sessionHandle is the supervisor's record of one live session: its peer
// address, the channel used to signal its relay halves to stop, and a
// channel closed when its owning goroutine (negotiation through either
// failure or a successful relay handoff) has finished running.
type sessionHandle struct {
	addr   net.Addr
	halves *relay.Halves
	done   chan struct{}
}

// Supervisor is the single owner of the live-session map; only its own
// run loop goroutine ever reads or writes the map, so the map itself
// needs no lock. cmdMu guards only the closed flag, which shutdown sets
// once it has finished draining, so a session/relay goroutine (or a late
// Terminate) that sends after that drops its command instead of
// enqueuing it on a channel nobody reads any more.
type Supervisor struct {
	cfg      session.Config
	acceptor *acceptor.Acceptor

	cmd          chan command
	acceptorOut  chan acceptor.Accepted
	acceptorDone chan struct{}
	acceptorStop chan struct{}
	sessions     map[model.SessionID]*sessionHandle
	rng          *rand.Rand
	logger       *zap.Logger
	closed       bool
	cmdMu        sync.Mutex
}

// New builds a Supervisor bound to acc, ready to run session.Config cfg
// for every accepted connection.
func New(acc *acceptor.Acceptor, cfg session.Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		acceptor:     acc,
		cmd:          make(chan command, commandQueueCapacity),
		acceptorOut:  make(chan acceptor.Accepted),
		acceptorDone: make(chan struct{}),
		acceptorStop: make(chan struct{}),
		sessions:     make(map[model.SessionID]*sessionHandle),
		rng:          rand.New(rand.NewSource(seed())),
		logger:       logger,
	}
}

func seed() int64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// Run blocks, accepting connections and dispatching commands, until
// Terminate is called (from another goroutine) and the resulting shutdown
// sequence completes: the acceptor is signaled to stop, every live
// session's relay halves are signaled to stop, every session handle is
// joined, and the accept goroutine is joined.
func (s *Supervisor) Run(ctx context.Context) {
	go func() {
		s.acceptor.Serve(s.acceptorStop, s.acceptorOut)
		close(s.acceptorDone)
	}()
	go s.forwardAccepts()

	for {
		cmd := <-s.cmd
		switch cmd.kind {
		case cmdTerminate:
			s.shutdown(ctx)
			return
		case cmdConnect:
			s.handleConnect(ctx, cmd.conn, cmd.addr)
		case cmdDisconnect:
			s.handleDisconnect(cmd.id)
		}
	}
}

// forwardAccepts turns each acceptor.Accepted into a Connect command,
// stopping once the accept loop exits (acceptorDone is closed). The
// acceptor's output channel is never closed.
func (s *Supervisor) forwardAccepts() {
	for {
		select {
		case acc, ok := <-s.acceptorOut:
			if !ok {
				return
			}
			s.send(command{kind: cmdConnect, conn: acc.Stream.TCPConn, addr: acc.Peer})
		case <-s.acceptorDone:
			return
		}
	}
}

func (s *Supervisor) send(cmd command) {
	s.cmdMu.Lock()
	closed := s.closed
	s.cmdMu.Unlock()
	if closed {
		return
	}
	s.cmd <- cmd
}

// Terminate requests a clean shutdown. Safe to call from any goroutine,
// any number of times.
func (s *Supervisor) Terminate() {
	s.send(command{kind: cmdTerminate})
}

func (s *Supervisor) handleConnect(ctx context.Context, conn *net.TCPConn, addr net.Addr) {
	id := s.drawSessionID()
	halves := relay.NewHalves()
	done := make(chan struct{})
	s.sessions[id] = &sessionHandle{addr: addr, halves: halves, done: done}

	cfg := s.cfg
	cfg.OnDisconnect = func(id model.SessionID) {
		s.send(command{kind: cmdDisconnect, id: id})
	}

	go func() {
		defer close(done)
		err := session.Run(ctx, id, conn, addr, halves, cfg)
		if err != nil {
			// Session never reached RELAYING, so no relay.DisconnectGuard
			// exists to report it; the supervisor must remove it itself.
			s.send(command{kind: cmdDisconnect, id: id})
		}
	}()
}

func (s *Supervisor) handleDisconnect(id model.SessionID) {
	handle, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	handle.halves.Shutdown()
	<-handle.done
	s.logger.Debug("session disconnected", zap.Uint32("session", uint32(id)), zap.Stringer("peer", handle.addr))
}

// drawSessionID draws a fresh id, rejecting collisions against the live
// map (spec section 4.8).
func (s *Supervisor) drawSessionID() model.SessionID {
	for {
		id := model.SessionID(s.rng.Uint32())
		if _, exists := s.sessions[id]; !exists {
			return id
		}
	}
}

func (s *Supervisor) shutdown(ctx context.Context) {
	s.logger.Info("supervisor: shutting down", zap.Int("live_sessions", len(s.sessions)))
	close(s.acceptorStop)
	_ = s.acceptor.Close()

	// closed is NOT set yet: every live session's relay halves still need
	// to deliver their Disconnect through send() as they exit below, and
	// gating send() here would drop those commands, leaving s.sessions
	// non-empty forever (spec section 8 invariant 8 / seed scenario S6).
	// closed only needs to suppress commands queued after this function
	// returns, so it is set at the very end instead.
	for _, handle := range s.sessions {
		handle.halves.Shutdown()
	}
	for len(s.sessions) > 0 {
		cmd := <-s.cmd
		switch cmd.kind {
		case cmdDisconnect:
			s.handleDisconnect(cmd.id)
		case cmdConnect:
			_ = cmd.conn.Close()
		case cmdTerminate:
		}
	}

	<-s.acceptorDone

	s.cmdMu.Lock()
	s.closed = true
	s.cmdMu.Unlock()
	// s.cmd is deliberately never closed: closed only gates whether send
	// enqueues a command, and closing here would race a send that already
	// read closed as false but has not yet executed its channel send.
	// Nothing reads from s.cmd again once Run returns, so the channel is
	// simply abandoned for the garbage collector.
	s.logger.Info("supervisor: shutdown complete")
}
