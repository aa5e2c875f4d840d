// Package socks5wire implements byte-exact encoding and decoding of the
// four SOCKS5 messages (RFC 1928) plus the UDP-associate datagram header.
// All integers are big-endian; the RSV byte is always 0x00 and a non-zero
// RSV on read is a message-format error.
package socks5wire

import (
	"encoding/binary"
	"io"

	"github.com/kureta/gatekeeper-socks5/internal/model"
	"github.com/kureta/gatekeeper-socks5/internal/socks5err"
)

const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	maxDomainLen = 255
)

// maxReplySize is the largest a ConnectReply or UDPDatagram header can be:
// VER|REP|RSV|ATYP(4) + LEN(1) + 255-byte domain + PORT(2) = 262. The
// codec sizes its write buffer to this bound and emits the exact written
// prefix in a single syscall-backed write.
const maxReplySize = 4 + 1 + maxDomainLen + 2

// DecodeMethodCandidates reads VER | NMETHODS | METHODS from r.
func DecodeMethodCandidates(r io.Reader) (model.MethodCandidates, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return model.MethodCandidates{}, socks5err.Wrap(socks5err.KindIO, err, "read method-candidates header")
	}
	ver := model.ProtocolVersion(hdr[0])
	nmethods := int(hdr[1])
	if nmethods < 1 {
		return model.MethodCandidates{}, socks5err.New(socks5err.KindMessageFormat, "NMETHODS must be >= 1, got %d", nmethods)
	}
	buf := make([]byte, nmethods)
	if _, err := io.ReadFull(r, buf); err != nil {
		return model.MethodCandidates{}, socks5err.Wrap(socks5err.KindIO, err, "read methods")
	}
	methods := make([]model.Method, nmethods)
	for i, b := range buf {
		methods[i] = model.Method(b)
	}
	return model.MethodCandidates{Version: ver, Methods: methods}, nil
}

// EncodeMethodSelection writes VER | METHOD to w.
func EncodeMethodSelection(w io.Writer, sel model.MethodSelection) error {
	buf := [2]byte{byte(sel.Version), byte(sel.Method)}
	if _, err := w.Write(buf[:]); err != nil {
		return socks5err.Wrap(socks5err.KindIO, err, "write method-selection")
	}
	return nil
}

// DecodeConnectRequest reads VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT.
func DecodeConnectRequest(r io.Reader) (model.ConnectRequest, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return model.ConnectRequest{}, socks5err.Wrap(socks5err.KindIO, err, "read connect-request header")
	}
	if hdr[2] != 0x00 {
		return model.ConnectRequest{}, socks5err.New(socks5err.KindMessageFormat, "non-zero RSV 0x%02x", hdr[2])
	}
	var cmd model.Command
	switch hdr[1] {
	case byte(model.CommandConnect):
		cmd = model.CommandConnect
	case byte(model.CommandBind):
		cmd = model.CommandBind
	case byte(model.CommandUDPAssociate):
		cmd = model.CommandUDPAssociate
	default:
		return model.ConnectRequest{}, socks5err.New(socks5err.KindMessageFormat, "unknown CMD 0x%02x", hdr[1])
	}

	addr, err := decodeAddress(r, hdr[3])
	if err != nil {
		return model.ConnectRequest{}, err
	}

	return model.ConnectRequest{
		Version:     model.ProtocolVersion(hdr[0]),
		Command:     cmd,
		Destination: addr,
	}, nil
}

// EncodeConnectReply writes VER | REP | RSV | ATYP | BND.ADDR | BND.PORT to w.
func EncodeConnectReply(w io.Writer, reply model.ConnectReply) error {
	var buf [maxReplySize]byte
	n, err := encodeHeaderAndAddress(buf[:], byte(reply.Version), byte(reply.Result), reply.Bound)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf[:n]); err != nil {
		return socks5err.Wrap(socks5err.KindIO, err, "write connect-reply")
	}
	return nil
}

// DecodeUDPDatagram parses RSV(2) | FRAG(1) | ATYP | DST.ADDR | DST.PORT | DATA
// from a single received UDP packet. It is present for completeness (see
// spec section 4.1): the live CONNECT-only path never calls it.
func DecodeUDPDatagram(pkt []byte) (model.UDPDatagram, error) {
	if len(pkt) < 4 {
		return model.UDPDatagram{}, socks5err.New(socks5err.KindMessageFormat, "short UDP header")
	}
	if pkt[0] != 0x00 || pkt[1] != 0x00 {
		return model.UDPDatagram{}, socks5err.New(socks5err.KindMessageFormat, "non-zero RSV in UDP header")
	}
	frag := pkt[2]
	atyp := pkt[3]
	r := &sliceReader{buf: pkt[4:]}
	addr, err := decodeAddress(r, atyp)
	if err != nil {
		return model.UDPDatagram{}, err
	}
	return model.UDPDatagram{Frag: frag, Destination: addr, Data: r.buf}, nil
}

// EncodeUDPDatagram serializes a UDPDatagram into its wire form.
func EncodeUDPDatagram(dg model.UDPDatagram) ([]byte, error) {
	head := make([]byte, 4)
	head[2] = dg.Frag
	var addrBuf [maxReplySize]byte
	n, err := encodeHeaderAndAddress(addrBuf[:], 0, 0, dg.Destination)
	if err != nil {
		return nil, err
	}
	// encodeHeaderAndAddress wrote VER|REP|RSV|ATYP|ADDR|PORT; we only
	// want ATYP onward since the UDP header has its own RSV(2)|FRAG(1).
	head[3] = addrBuf[3]
	out := append(head, addrBuf[4:n]...)
	out = append(out, dg.Data...)
	return out, nil
}

func decodeAddress(r io.Reader, atyp byte) (model.Address, error) {
	var portBuf [2]byte
	switch atyp {
	case atypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return model.Address{}, socks5err.Wrap(socks5err.KindIO, err, "read IPv4 address")
		}
		if _, err := io.ReadFull(r, portBuf[:]); err != nil {
			return model.Address{}, socks5err.Wrap(socks5err.KindIO, err, "read port")
		}
		return model.NewIPAddress(ip[:], binary.BigEndian.Uint16(portBuf[:])), nil
	case atypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return model.Address{}, socks5err.Wrap(socks5err.KindIO, err, "read domain length")
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, domain); err != nil {
			return model.Address{}, socks5err.Wrap(socks5err.KindIO, err, "read domain")
		}
		if _, err := io.ReadFull(r, portBuf[:]); err != nil {
			return model.Address{}, socks5err.Wrap(socks5err.KindIO, err, "read port")
		}
		return model.NewDomainAddress(string(domain), binary.BigEndian.Uint16(portBuf[:])), nil
	case atypIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return model.Address{}, socks5err.Wrap(socks5err.KindIO, err, "read IPv6 address")
		}
		if _, err := io.ReadFull(r, portBuf[:]); err != nil {
			return model.Address{}, socks5err.Wrap(socks5err.KindIO, err, "read port")
		}
		return model.NewIPAddress(ip[:], binary.BigEndian.Uint16(portBuf[:])), nil
	default:
		return model.Address{}, socks5err.New(socks5err.KindMessageFormat, "unknown ATYP 0x%02x", atyp)
	}
}

// encodeHeaderAndAddress writes VER|REP|RSV|ATYP|ADDR|PORT into buf and
// returns the number of bytes written. buf must have room for
// maxReplySize bytes.
func encodeHeaderAndAddress(buf []byte, ver, rep byte, addr model.Address) (int, error) {
	buf[0] = ver
	buf[1] = rep
	buf[2] = 0x00
	n := 4
	switch addr.Kind {
	case model.AddrKindDomain:
		if len(addr.Domain) >= 256 {
			return 0, socks5err.New(socks5err.KindIO, "domain %q too long to encode (%d bytes)", addr.Domain, len(addr.Domain))
		}
		buf[3] = atypDomain
		buf[n] = byte(len(addr.Domain))
		n++
		n += copy(buf[n:], addr.Domain)
	case model.AddrKindIPv6:
		buf[3] = atypIPv6
		v6 := addr.IP.To16()
		if v6 == nil {
			v6 = make([]byte, 16)
		}
		n += copy(buf[n:], v6)
	default:
		// AddrKindIPv4, including the zero-value Address{} used for error
		// replies (spec section 8 seed scenarios S2/S4/S5: the BND field on
		// a failure reply is ATYP=0x01 with an all-zero address).
		buf[3] = atypIPv4
		v4 := addr.IP.To4()
		if v4 == nil {
			v4 = make([]byte, 4)
		}
		n += copy(buf[n:], v4)
	}
	binary.BigEndian.PutUint16(buf[n:n+2], addr.Port)
	n += 2
	return n, nil
}

// sliceReader adapts a byte slice to io.Reader while retaining access to
// the unread remainder, used to recover the UDP datagram payload after
// decodeAddress consumes the header.
type sliceReader struct{ buf []byte }

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
