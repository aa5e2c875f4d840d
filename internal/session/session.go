// Package session drives one accepted connection through SOCKS5 method
// negotiation, the connect request, rule checking, and upstream connect,
// per the state machine START -> NEGOTIATING -> AUTHORIZING -> DISPATCHING
// -> RELAYING -> TERMINATED.
package session

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kureta/gatekeeper-socks5/internal/connector"
	"github.com/kureta/gatekeeper-socks5/internal/model"
	"github.com/kureta/gatekeeper-socks5/internal/relay"
	"github.com/kureta/gatekeeper-socks5/internal/rule"
	"github.com/kureta/gatekeeper-socks5/internal/socks5err"
	"github.com/kureta/gatekeeper-socks5/internal/socks5wire"
	"github.com/kureta/gatekeeper-socks5/internal/stream"
)

// Authorizer selects a method from the client's candidate list. The only
// production implementation is NoAuth; it exists as an interface so the
// negotiation step in Run reads the same whether or not a richer
// authorizer is ever added (spec section 4.6.1 only requires NoAuth, but
// the negotiation loop itself is written generically, as the original
// AuthService trait was).
type Authorizer interface {
	// Select returns the first candidate this authorizer accepts, or
	// false if none are acceptable.
	Select(candidates []model.Method) (model.Method, bool)
}

// NoAuthAuthorizer is the only Authorizer this proxy ships: it accepts a
// connection only if the client offered MethodNoAuth.
type NoAuthAuthorizer struct{}

func (NoAuthAuthorizer) Select(candidates []model.Method) (model.Method, bool) {
	for _, m := range candidates {
		if m == model.MethodNoAuth {
			return model.MethodNoAuth, true
		}
	}
	return 0, false
}

// Config bundles everything a session needs that is shared across every
// connection the supervisor spawns a session for.
type Config struct {
	Authorizer      Authorizer
	Rule            *rule.ConnectRule
	Connector       connector.Connector
	ClientTimeout   time.Duration
	UpstreamTimeout time.Duration
	Logger          *zap.Logger
	// OnDisconnect is invoked exactly once, from a relay goroutine, after
	// both relay halves of a RELAYING session have exited. Sessions that
	// never reach RELAYING (any failure in negotiation or dispatch) do
	// not call it; Run's return value is the supervisor's sole signal in
	// that case.
	OnDisconnect func(model.SessionID)
}

// Run executes one session on conn. Run closes conn on every failure
// path; on success, ownership of conn passes to the relay. addr is the
// already-known remote address of conn, used in log fields.
//
// Run returns once the session has either failed (negotiation, request
// decode, rule check, or connect failure) or has spawned its relay
// halves; in the latter case it returns nil immediately without waiting
// for the relay to finish, since the relay's own DisconnectGuard is what
// tells the supervisor the session is truly done (spec section 4.6.3:
// the session thread's job ends at RELAYING, not TERMINATED).
func Run(ctx context.Context, id model.SessionID, conn *net.TCPConn, addr net.Addr, halves *relay.Halves, cfg Config) error {
	log := cfg.Logger.With(zap.Uint32("session", uint32(id)), zap.Stringer("peer", addr))
	log.Debug("session started")

	client := stream.NewTCPStream(conn)

	sel, err := negotiate(client, cfg.ClientTimeout, cfg.Authorizer, log)
	if err != nil {
		log.Debug("session: negotiation failed", zap.Error(err))
		_ = conn.Close()
		return err
	}
	log.Debug("session: method selected", zap.Stringer("method", sel.Method))

	req, err := recvConnectRequest(client, cfg.ClientTimeout)
	if err != nil {
		log.Debug("session: request decode failed", zap.Error(err))
		_ = conn.Close()
		return err
	}
	log.Debug("session: connect request", zap.Stringer("command", req.Command), zap.Stringer("destination", req.Destination))

	upstream, bound, dispatchErr := dispatch(ctx, req, cfg)
	if dispatchErr != nil {
		cerr := toConnectError(dispatchErr)
		log.Info("session: dispatch failed", zap.Error(dispatchErr), zap.Stringer("reply", cerr))
		if replyErr := sendReply(client, cfg.ClientTimeout, sel.Version, cerr, model.Address{}); replyErr != nil {
			log.Debug("session: failed to send error reply", zap.Error(replyErr))
		}
		_ = conn.Close()
		return dispatchErr
	}

	log.Info("session: connected", zap.Stringer("destination", req.Destination), zap.Stringer("bound", bound))
	if err := sendReply(client, cfg.ClientTimeout, sel.Version, model.ReplySuccess, bound); err != nil {
		log.Debug("session: failed to send success reply", zap.Error(err))
		_ = conn.Close()
		_ = upstream.Close()
		return err
	}

	// Ownership of both conns now passes to the relay; clear the
	// deadlines the negotiation phase and the connector set so the relay's
	// own timeouts (applied per read, see internal/relay) govern instead.
	_ = conn.SetDeadline(time.Time{})
	_ = upstream.SetDeadline(time.Time{})

	if err := relay.Spawn(id, halves, client, upstream, cfg.ClientTimeout, cfg.UpstreamTimeout, cfg.Logger, cfg.OnDisconnect); err != nil {
		log.Error("session: failed to start relay", zap.Error(err))
		_ = conn.Close()
		_ = upstream.Close()
		return err
	}
	return nil
}

func negotiate(client *stream.TCPStream, timeout time.Duration, auth Authorizer, log *zap.Logger) (model.MethodSelection, error) {
	if timeout > 0 {
		_ = client.SetDeadline(time.Now().Add(timeout))
	}
	candidates, err := socks5wire.DecodeMethodCandidates(client)
	if err != nil {
		return model.MethodSelection{}, socks5err.Wrap(socks5err.KindMessageFormat, err, "decode method candidates")
	}
	log.Debug("session: method candidates", zap.Int("count", len(candidates.Methods)))

	method, ok := auth.Select(candidates.Methods)
	if !ok {
		method = model.MethodNoMethods
	}
	sel := model.MethodSelection{Version: candidates.Version, Method: method}
	if encErr := socks5wire.EncodeMethodSelection(client, sel); encErr != nil {
		return model.MethodSelection{}, socks5err.Wrap(socks5err.KindIO, encErr, "send method selection")
	}
	if method == model.MethodNoMethods {
		return model.MethodSelection{}, socks5err.New(socks5err.KindNoAcceptableMethod, "no acceptable method")
	}
	return sel, nil
}

func recvConnectRequest(client *stream.TCPStream, timeout time.Duration) (model.ConnectRequest, error) {
	if timeout > 0 {
		_ = client.SetDeadline(time.Now().Add(timeout))
	}
	req, err := socks5wire.DecodeConnectRequest(client)
	if err != nil {
		return model.ConnectRequest{}, socks5err.Wrap(socks5err.KindMessageFormat, err, "decode connect request")
	}
	return req, nil
}

// dispatch implements the DISPATCHING state: command validation, rule
// check, then connect. It returns the live upstream stream and the bound
// address on success.
func dispatch(ctx context.Context, req model.ConnectRequest, cfg Config) (*stream.TCPStream, model.Address, error) {
	if req.Command != model.CommandConnect {
		return nil, model.Address{}, socks5err.New(socks5err.KindCommandNotSupported, "command %s not supported", req.Command)
	}
	if !cfg.Rule.Check(req.Destination, model.ProtocolTCP) {
		return nil, model.Address{}, socks5err.New(socks5err.KindConnectionNotAllowed, "connection to %s denied by rule", req.Destination)
	}

	dialCtx := ctx
	if cfg.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.UpstreamTimeout)
		defer cancel()
	}
	return cfg.Connector.Connect(dialCtx, req.Destination)
}

func sendReply(client *stream.TCPStream, timeout time.Duration, version model.ProtocolVersion, result model.ConnectError, bound model.Address) error {
	if timeout > 0 {
		_ = client.SetDeadline(time.Now().Add(timeout))
	}
	reply := model.ConnectReply{Version: version, Result: result, Bound: bound}
	if err := socks5wire.EncodeConnectReply(client, reply); err != nil {
		return socks5err.Wrap(socks5err.KindIO, err, "send connect reply")
	}
	return nil
}

// toConnectError maps a dispatch failure onto the wire reply code it must
// produce (spec section 4.6.2's reply-then-fail invariant). Errors
// outside the taxonomy map to ServerFailure.
func toConnectError(err error) model.ConnectError {
	switch socks5err.KindOf(err) {
	case socks5err.KindCommandNotSupported:
		return model.ErrCommandNotSupported
	case socks5err.KindConnectionNotAllowed:
		return model.ErrConnectionNotAllowed
	case socks5err.KindConnectionRefused:
		return model.ErrConnectionRefused
	case socks5err.KindHostUnreachable:
		return model.ErrHostUnreachable
	case socks5err.KindNetworkUnreachable:
		return model.ErrNetworkUnreachable
	case socks5err.KindDomainNotResolved:
		return model.ErrNetworkUnreachable
	default:
		return model.ErrServerFailure
	}
}
