package rule

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kureta/gatekeeper-socks5/internal/model"
)

func TestUnmarshalYAMLRequiresBase(t *testing.T) {
	var r ConnectRule
	err := yaml.Unmarshal([]byte(`[]`), &r)
	assert.Error(t, err)

	err = yaml.Unmarshal([]byte(`
- Allow:
    address:
      Specific:
        IpAddr: {addr: 10.0.0.0, prefix: 8}
    port: Any
    protocol: Any
`), &r)
	assert.Error(t, err, "first entry must be the Any/Any/Any base")
}

func TestUnmarshalYAMLRoundTrip(t *testing.T) {
	doc := `
- Deny:
    address: Any
    port: Any
    protocol: Any
- Allow:
    address:
      Specific:
        IpAddr: {addr: 10.0.0.0, prefix: 8}
    port: Any
    protocol:
      Specific: Tcp
- Deny:
    address:
      Specific:
        Domain: {wildcard: "*.ads.example.com"}
    port: Any
    protocol: Any
`
	var r ConnectRule
	require.NoError(t, yaml.Unmarshal([]byte(doc), &r))
	require.Len(t, r.Entries(), 3)

	assert.True(t, r.Check(model.NewIPAddress(mustParseIP(t, "10.1.2.3"), 80), model.ProtocolTCP))
	assert.False(t, r.Check(model.NewIPAddress(mustParseIP(t, "10.1.2.3"), 80), model.ProtocolUDP))
	assert.False(t, r.Check(model.NewDomainAddress("promo.ads.example.com", 80), model.ProtocolTCP))

	out, err := yaml.Marshal(&r)
	require.NoError(t, err)

	var roundTripped ConnectRule
	require.NoError(t, yaml.Unmarshal(out, &roundTripped))
	require.Len(t, roundTripped.Entries(), 3)
	assert.True(t, roundTripped.Check(model.NewIPAddress(mustParseIP(t, "10.1.2.3"), 80), model.ProtocolTCP))
}

func mustParseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip, "invalid test IP %q", s)
	return ip
}
