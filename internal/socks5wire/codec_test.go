package socks5wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kureta/gatekeeper-socks5/internal/model"
)

func TestMethodCandidatesDecode(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x02, 0x00, 0x02})

	got, err := DecodeMethodCandidates(&buf)
	require.NoError(t, err)
	assert.Equal(t, model.Version5, got.Version)
	assert.Equal(t, []model.Method{model.MethodNoAuth, model.MethodUserPass}, got.Methods)
}

func TestMethodCandidatesRejectsZeroMethods(t *testing.T) {
	buf := bytes.NewReader([]byte{0x05, 0x00})
	_, err := DecodeMethodCandidates(buf)
	assert.Error(t, err)
}

func TestMethodSelectionEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeMethodSelection(&buf, model.MethodSelection{Version: model.Version5, Method: model.MethodNoAuth}))
	assert.Equal(t, []byte{0x05, 0x00}, buf.Bytes())
}

func TestConnectRequestDecodeIPv4(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB})

	req, err := DecodeConnectRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, model.CommandConnect, req.Command)
	assert.Equal(t, model.AddrKindIPv4, req.Destination.Kind)
	assert.Equal(t, net.IPv4(93, 184, 216, 34).To4(), req.Destination.IP)
	assert.EqualValues(t, 443, req.Destination.Port)
}

func TestConnectRequestDecodeDomain(t *testing.T) {
	domain := "example.com"
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))})
	buf.WriteString(domain)
	buf.Write([]byte{0x00, 0x50})

	req, err := DecodeConnectRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, model.AddrKindDomain, req.Destination.Kind)
	assert.Equal(t, domain, req.Destination.Domain)
	assert.EqualValues(t, 80, req.Destination.Port)
}

func TestConnectRequestRejectsNonZeroRSV(t *testing.T) {
	buf := bytes.NewReader([]byte{0x05, 0x01, 0x01, 0x01, 1, 2, 3, 4, 0, 1})
	_, err := DecodeConnectRequest(buf)
	assert.Error(t, err)
}

func TestConnectRequestRejectsUnknownCommand(t *testing.T) {
	buf := bytes.NewReader([]byte{0x05, 0x7F, 0x00, 0x01, 1, 2, 3, 4, 0, 1})
	_, err := DecodeConnectRequest(buf)
	assert.Error(t, err)
}

func TestConnectReplyEncodeIPv4(t *testing.T) {
	var buf bytes.Buffer
	bound := model.NewIPAddress(net.IPv4(10, 0, 0, 1), 1080)
	require.NoError(t, EncodeConnectReply(&buf, model.ConnectReply{Version: model.Version5, Result: model.ReplySuccess, Bound: bound}))
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 10, 0, 0, 1, 0x04, 0x38}, buf.Bytes())
}

func TestConnectReplyEncodeFailureCarriesAddrTypeIPv4Zero(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeConnectReply(&buf, model.ConnectReply{Version: model.Version5, Result: model.ErrConnectionNotAllowed}))
	// A failure reply built from the zero-value model.Address{} encodes its
	// BND field as ATYP=0x01 (IPv4) with an all-zero address and port 0,
	// never IPv6, even though that Address carries a nil IP.
	assert.Equal(t, []byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, buf.Bytes())
}

func TestUDPDatagramRoundTrip(t *testing.T) {
	dg := model.UDPDatagram{
		Frag:        0,
		Destination: model.NewIPAddress(net.IPv4(8, 8, 8, 8), 53),
		Data:        []byte("hello"),
	}
	encoded, err := EncodeUDPDatagram(dg)
	require.NoError(t, err)

	decoded, err := DecodeUDPDatagram(encoded)
	require.NoError(t, err)
	assert.Equal(t, dg.Frag, decoded.Frag)
	assert.Equal(t, dg.Destination.IP, decoded.Destination.IP)
	assert.Equal(t, dg.Destination.Port, decoded.Destination.Port)
	assert.Equal(t, dg.Data, decoded.Data)
}
