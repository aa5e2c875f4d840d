package rule

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kureta/gatekeeper-socks5/internal/model"
)

func ipAddr(t *testing.T, s string, port uint16) model.Address {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip, "invalid test IP %q", s)
	return model.NewIPAddress(ip, port)
}

func TestNewConnectRuleRequiresBase(t *testing.T) {
	_, err := NewConnectRule(nil)
	assert.Error(t, err)

	specific, _ := NewCIDRPattern(net.ParseIP("10.0.0.0"), 8)
	nonBase := ConnectRuleEntry{
		Action: ActionAllow,
		Pattern: ConnectRulePattern{
			Address:  Specific[Matcher](specific),
			Port:     Any[uint16](),
			Protocol: Any[model.L4Protocol](),
		},
	}
	_, err = NewConnectRule([]ConnectRuleEntry{nonBase})
	assert.Error(t, err, "first entry must be the Any/Any/Any base")
}

func TestCheckTotalityViaBase(t *testing.T) {
	r := AllowAnyRule()
	assert.True(t, r.Check(ipAddr(t, "203.0.113.1", 443), model.ProtocolTCP))

	r = DenyAnyRule()
	assert.False(t, r.Check(ipAddr(t, "203.0.113.1", 443), model.ProtocolTCP))
}

func TestCheckLastEntryWins(t *testing.T) {
	cidr8, err := NewCIDRPattern(net.ParseIP("10.0.0.0"), 8)
	require.NoError(t, err)
	cidr24, err := NewCIDRPattern(net.ParseIP("10.0.0.0"), 24)
	require.NoError(t, err)

	r := DenyAnyRule().
		Allow(ConnectRulePattern{Address: Specific[Matcher](cidr8), Port: Any[uint16](), Protocol: Any[model.L4Protocol]()}).
		Deny(ConnectRulePattern{Address: Specific[Matcher](cidr24), Port: Any[uint16](), Protocol: Any[model.L4Protocol]()})

	// Matches the later, more specific Deny(10.0.0.0/24) entry, which
	// wins over the earlier Allow(10.0.0.0/8) despite both matching.
	assert.False(t, r.Check(ipAddr(t, "10.0.0.5", 80), model.ProtocolTCP))
	// Outside /24 but inside /8: only the Allow entry matches.
	assert.True(t, r.Check(ipAddr(t, "10.1.2.3", 80), model.ProtocolTCP))
	// Outside /8 entirely: falls through to the Deny-any base.
	assert.False(t, r.Check(ipAddr(t, "8.8.8.8", 80), model.ProtocolTCP))
}

func TestConnectRulePatternIsConjunctionNotDisjunction(t *testing.T) {
	cidr, err := NewCIDRPattern(net.ParseIP("192.168.0.0"), 16)
	require.NoError(t, err)
	pat := ConnectRulePattern{
		Address:  Specific[Matcher](cidr),
		Port:     Specific[uint16](443),
		Protocol: Any[model.L4Protocol](),
	}
	// Address matches, port doesn't: conjunction requires both.
	assert.False(t, pat.Match(ipAddr(t, "192.168.1.1", 80), model.ProtocolTCP))
	// Both match.
	assert.True(t, pat.Match(ipAddr(t, "192.168.1.1", 443), model.ProtocolTCP))
	// Port matches, address doesn't.
	assert.False(t, pat.Match(ipAddr(t, "10.0.0.1", 443), model.ProtocolTCP))
}

func TestCIDRPatternMatch(t *testing.T) {
	p, err := NewCIDRPattern(net.ParseIP("192.168.1.0"), 24)
	require.NoError(t, err)

	assert.True(t, p.Match(ipAddr(t, "192.168.1.255", 0)))
	assert.False(t, p.Match(ipAddr(t, "192.168.2.1", 0)))
	// Family mismatch never matches.
	assert.False(t, p.Match(ipAddr(t, "::1", 0)))
}

func TestCIDRPatternPrefixValidation(t *testing.T) {
	_, err := NewCIDRPattern(net.ParseIP("10.0.0.0"), 33)
	assert.Error(t, err)
	_, err = NewCIDRPattern(net.ParseIP("::1"), 129)
	assert.Error(t, err)
	_, err = NewCIDRPattern(net.ParseIP("::1"), 64)
	assert.NoError(t, err)
}

func TestDomainWildcardPatternMatchesExactlyOneLabel(t *testing.T) {
	p, err := NewDomainWildcardPattern("*.example.com")
	require.NoError(t, err)

	assert.True(t, p.Match(model.NewDomainAddress("www.example.com", 443)))
	assert.False(t, p.Match(model.NewDomainAddress("example.com", 443)))
	assert.False(t, p.Match(model.NewDomainAddress("a.b.example.com", 443)), "wildcard must not span multiple labels")
}

func TestDomainRegexPattern(t *testing.T) {
	p, err := NewDomainRegexPattern(`^[a-z]+\.internal$`)
	require.NoError(t, err)
	assert.True(t, p.Match(model.NewDomainAddress("db.internal", 0)))
	assert.False(t, p.Match(model.NewDomainAddress("DB.internal", 0)))
}
