// Package rule implements the connect-request filtering engine: ordered
// allow/deny rules matched by address (CIDR, domain regex, or domain
// wildcard), port, and L4 protocol.
package rule

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/kureta/gatekeeper-socks5/internal/model"
)

// Matcher is implemented by every AddressPattern kind.
type Matcher interface {
	Match(addr model.Address) bool
}

// CIDRPattern matches an IPv4 or IPv6 address against a prefix-masked
// literal. A prefix of 0 matches anything of the same address family.
type CIDRPattern struct {
	IP     net.IP
	Prefix int // 0..32 for IPv4, 0..128 for IPv6
}

// NewCIDRPattern validates the prefix against the address family and
// returns a CIDRPattern.
func NewCIDRPattern(ip net.IP, prefix int) (CIDRPattern, error) {
	if v4 := ip.To4(); v4 != nil {
		if prefix < 0 || prefix > 32 {
			return CIDRPattern{}, fmt.Errorf("IPv4 prefix %d out of range 0..=32", prefix)
		}
		return CIDRPattern{IP: v4, Prefix: prefix}, nil
	}
	if prefix < 0 || prefix > 128 {
		return CIDRPattern{}, fmt.Errorf("IPv6 prefix %d out of range 0..=128", prefix)
	}
	return CIDRPattern{IP: ip.To16(), Prefix: prefix}, nil
}

func (p CIDRPattern) Match(addr model.Address) bool {
	if addr.Kind == model.AddrKindDomain {
		return false
	}
	target := addr.IP
	patIs4 := p.IP.To4() != nil
	targetIs4 := addr.Kind == model.AddrKindIPv4
	if patIs4 != targetIs4 {
		return false
	}
	if patIs4 {
		return matchMasked(p.IP.To4(), target.To4(), p.Prefix, 32)
	}
	return matchMasked(p.IP.To16(), target.To16(), p.Prefix, 128)
}

func matchMasked(pat, target net.IP, prefix, bits int) bool {
	if prefix == 0 {
		return true
	}
	fullBytes := prefix / 8
	remBits := prefix % 8
	for i := 0; i < fullBytes; i++ {
		if pat[i] != target[i] {
			return false
		}
	}
	if remBits == 0 {
		return true
	}
	mask := byte(0xFF << (8 - remBits))
	return pat[fullBytes]&mask == target[fullBytes]&mask
}

// DomainPattern matches a domain name against a compiled regular
// expression. Both full-regex patterns and wildcard patterns (where each
// `*` is compiled to match exactly one DNS label) compile down to this
// same representation, per spec section 4.2.
type DomainPattern struct {
	Regex *regexp.Regexp
}

// NewDomainRegexPattern wraps an already-meaningful regular expression
// (matched with Regex.MatchString, i.e. unanchored "is_match" semantics
// as in the original Rust `regex` crate: the expression may match any part
// of the domain unless it anchors itself with ^ and $).
func NewDomainRegexPattern(expr string) (DomainPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return DomainPattern{}, fmt.Errorf("compile domain regex %q: %w", expr, err)
	}
	return DomainPattern{Regex: re}, nil
}

// labelPattern is what a single `*` wildcard token expands to: one DNS
// label of 1-63 characters drawn from [A-Za-z0-9-].
const labelPattern = `[A-Za-z0-9-]{1,63}`

// NewDomainWildcardPattern compiles a wildcard string (e.g. "*.example.com")
// into a DomainPattern by escaping every regex metacharacter, substituting
// labelPattern for each `*` token, and anchoring the whole expression with
// \A...\z so `*` matches exactly one label, never a run of labels.
func NewDomainWildcardPattern(wildcard string) (DomainPattern, error) {
	segments := strings.Split(wildcard, "*")
	var b strings.Builder
	b.WriteString(`\A`)
	for i, seg := range segments {
		b.WriteString(regexp.QuoteMeta(seg))
		if i != len(segments)-1 {
			b.WriteString(labelPattern)
		}
	}
	b.WriteString(`\z`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return DomainPattern{}, fmt.Errorf("compile wildcard %q: %w", wildcard, err)
	}
	return DomainPattern{Regex: re}, nil
}

func (p DomainPattern) Match(addr model.Address) bool {
	if addr.Kind != model.AddrKindDomain {
		return false
	}
	return p.Regex.MatchString(addr.Domain)
}

// RulePattern is either "Any" (matches everything) or a specific value of
// type T, compared with == for scalar fields (matchScalar), or via
// Matcher.Match for address fields (matchPattern).
type RulePattern[T any] struct {
	any   bool
	value T
}

// Any returns a RulePattern that matches anything.
func Any[T any]() RulePattern[T] { return RulePattern[T]{any: true} }

// Specific returns a RulePattern that matches only v.
func Specific[T any](v T) RulePattern[T] { return RulePattern[T]{value: v} }

// IsAny reports whether p is the Any variant.
func (p RulePattern[T]) IsAny() bool { return p.any }

// Value returns the specific value and true, or the zero value and false
// if p is Any.
func (p RulePattern[T]) Value() (T, bool) { return p.value, !p.any }

func matchScalar[T comparable](p RulePattern[T], v T) bool {
	if p.any {
		return true
	}
	return p.value == v
}

func matchPattern(p RulePattern[Matcher], addr model.Address) bool {
	if p.any {
		return true
	}
	if p.value == nil {
		return false
	}
	return p.value.Match(addr)
}

// ConnectRulePattern is the conjunction of an address pattern, a port
// pattern, and a protocol pattern. A request matches only if all three
// match (spec section 4.2's resolved "conjunction, not disjunction").
type ConnectRulePattern struct {
	Address  RulePattern[Matcher]
	Port     RulePattern[uint16]
	Protocol RulePattern[model.L4Protocol]
}

// AnyConnectRulePattern returns the Any/Any/Any pattern used by base rules.
func AnyConnectRulePattern() ConnectRulePattern {
	return ConnectRulePattern{
		Address:  Any[Matcher](),
		Port:     Any[uint16](),
		Protocol: Any[model.L4Protocol](),
	}
}

// IsAny reports whether every field of p is Any.
func (p ConnectRulePattern) IsAny() bool {
	return p.Address.IsAny() && p.Port.IsAny() && p.Protocol.IsAny()
}

// Match reports whether addr/proto satisfies every field of p.
func (p ConnectRulePattern) Match(addr model.Address, proto model.L4Protocol) bool {
	return matchPattern(p.Address, addr) &&
		matchScalar(p.Port, addr.Port) &&
		matchScalar(p.Protocol, proto)
}

// EntryAction is Allow or Deny.
type EntryAction int

const (
	ActionAllow EntryAction = iota
	ActionDeny
)

// ConnectRuleEntry is one line of a ConnectRule: an action paired with the
// pattern it applies to.
type ConnectRuleEntry struct {
	Action  EntryAction
	Pattern ConnectRulePattern
}

// ConnectRule is a non-empty ordered sequence of entries whose first entry
// must be an Allow(Any/Any/Any) or Deny(Any/Any/Any) base. Entries after
// the base are consulted in reverse order (last-wins); see spec section
// 4.2 and invariants 1-3 in spec section 8.
type ConnectRule struct {
	entries []ConnectRuleEntry
}

// NewConnectRule builds a ConnectRule from entries, validating the base
// anchor invariant: entries[0] must be present and have an Any/Any/Any
// pattern.
func NewConnectRule(entries []ConnectRuleEntry) (ConnectRule, error) {
	if len(entries) == 0 {
		return ConnectRule{}, fmt.Errorf("rule: at least one entry (the base) is required")
	}
	if !entries[0].Pattern.IsAny() {
		return ConnectRule{}, fmt.Errorf("rule: first entry must be Allow(Any/Any/Any) or Deny(Any/Any/Any)")
	}
	out := make([]ConnectRuleEntry, len(entries))
	copy(out, entries)
	return ConnectRule{entries: out}, nil
}

// AllowAnyRule builds the trivial "allow everything" base rule.
func AllowAnyRule() ConnectRule {
	r, _ := NewConnectRule([]ConnectRuleEntry{{Action: ActionAllow, Pattern: AnyConnectRulePattern()}})
	return r
}

// DenyAnyRule builds the trivial "deny everything" base rule.
func DenyAnyRule() ConnectRule {
	r, _ := NewConnectRule([]ConnectRuleEntry{{Action: ActionDeny, Pattern: AnyConnectRulePattern()}})
	return r
}

// Allow appends an Allow entry and returns the extended rule.
func (r ConnectRule) Allow(pattern ConnectRulePattern) ConnectRule {
	return r.append(ConnectRuleEntry{Action: ActionAllow, Pattern: pattern})
}

// Deny appends a Deny entry and returns the extended rule.
func (r ConnectRule) Deny(pattern ConnectRulePattern) ConnectRule {
	return r.append(ConnectRuleEntry{Action: ActionDeny, Pattern: pattern})
}

func (r ConnectRule) append(e ConnectRuleEntry) ConnectRule {
	out := make([]ConnectRuleEntry, len(r.entries)+1)
	copy(out, r.entries)
	out[len(r.entries)] = e
	return ConnectRule{entries: out}
}

// Entries exposes the rule's entries in forward (file) order, e.g. for
// serialization.
func (r ConnectRule) Entries() []ConnectRuleEntry {
	out := make([]ConnectRuleEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Check evaluates addr/proto against the rule, walking entries in reverse
// order; the first match decides, and the base entry guarantees a
// decision is always reached (totality, spec section 8 invariant 1).
func (r ConnectRule) Check(addr model.Address, proto model.L4Protocol) bool {
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.Pattern.Match(addr, proto) {
			return e.Action == ActionAllow
		}
	}
	// Unreachable given the base-anchor invariant, but fail closed.
	return false
}
