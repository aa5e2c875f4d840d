package rule

import (
	"fmt"
	"net"

	"gopkg.in/yaml.v3"

	"github.com/kureta/gatekeeper-socks5/internal/model"
)

// Rule-file YAML shape (spec section 6):
//
//   - Allow: {address: Any, port: Any, protocol: Any}
//   - Deny:
//       address:
//         Specific:
//           IpAddr: {addr: 10.0.0.0, prefix: 8}
//       port: Any
//       protocol:
//         Specific: Tcp
//
// The first element must be a base entry (Any/Any/Any). This file
// implements yaml.v3's node-based Unmarshaler/Marshaler for ConnectRule.

// UnmarshalYAML decodes a YAML sequence of Allow/Deny entries into a
// ConnectRule, validating the base-anchor invariant.
func (r *ConnectRule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("rule: expected a YAML sequence of entries")
	}
	if len(node.Content) == 0 {
		return fmt.Errorf("rule: rule file must contain at least one entry (the base)")
	}
	entries := make([]ConnectRuleEntry, len(node.Content))
	for i, item := range node.Content {
		entry, err := decodeEntry(item)
		if err != nil {
			return fmt.Errorf("rule: entry %d: %w", i, err)
		}
		entries[i] = entry
	}
	built, err := NewConnectRule(entries)
	if err != nil {
		return err
	}
	*r = built
	return nil
}

// MarshalYAML encodes the rule back into the Allow/Deny sequence form.
func (r ConnectRule) MarshalYAML() (any, error) {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, e := range r.entries {
		item, err := encodeEntry(e)
		if err != nil {
			return nil, err
		}
		seq.Content = append(seq.Content, item)
	}
	return seq, nil
}

func decodeEntry(node *yaml.Node) (ConnectRuleEntry, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return ConnectRuleEntry{}, fmt.Errorf("expected a single-key mapping (Allow: ... or Deny: ...)")
	}
	key := node.Content[0].Value
	var action EntryAction
	switch key {
	case "Allow":
		action = ActionAllow
	case "Deny":
		action = ActionDeny
	default:
		return ConnectRuleEntry{}, fmt.Errorf("unknown entry key %q, want Allow or Deny", key)
	}
	pattern, err := decodeConnectRulePattern(node.Content[1])
	if err != nil {
		return ConnectRuleEntry{}, err
	}
	return ConnectRuleEntry{Action: action, Pattern: pattern}, nil
}

func encodeEntry(e ConnectRuleEntry) (*yaml.Node, error) {
	key := "Allow"
	if e.Action == ActionDeny {
		key = "Deny"
	}
	patternNode, err := encodeConnectRulePattern(e.Pattern)
	if err != nil {
		return nil, err
	}
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: key},
			patternNode,
		},
	}, nil
}

func decodeConnectRulePattern(node *yaml.Node) (ConnectRulePattern, error) {
	var raw struct {
		Address  yaml.Node `yaml:"address"`
		Port     yaml.Node `yaml:"port"`
		Protocol yaml.Node `yaml:"protocol"`
	}
	if err := node.Decode(&raw); err != nil {
		return ConnectRulePattern{}, err
	}
	addr, err := decodeAddressPattern(&raw.Address)
	if err != nil {
		return ConnectRulePattern{}, fmt.Errorf("address: %w", err)
	}
	port, err := decodeScalarPattern[uint16](&raw.Port, func(n *yaml.Node) (uint16, error) {
		var v uint16
		err := n.Decode(&v)
		return v, err
	})
	if err != nil {
		return ConnectRulePattern{}, fmt.Errorf("port: %w", err)
	}
	proto, err := decodeScalarPattern[model.L4Protocol](&raw.Protocol, decodeL4Protocol)
	if err != nil {
		return ConnectRulePattern{}, fmt.Errorf("protocol: %w", err)
	}
	return ConnectRulePattern{Address: addr, Port: port, Protocol: proto}, nil
}

func encodeConnectRulePattern(p ConnectRulePattern) (*yaml.Node, error) {
	addrNode, err := encodeAddressPattern(p.Address)
	if err != nil {
		return nil, err
	}
	portNode := encodeScalarPattern(p.Port, func(v uint16) string { return fmt.Sprintf("%d", v) })
	protoNode := encodeScalarPattern(p.Protocol, func(v model.L4Protocol) string { return v.String() })
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "address"}, addrNode,
			{Kind: yaml.ScalarNode, Value: "port"}, portNode,
			{Kind: yaml.ScalarNode, Value: "protocol"}, protoNode,
		},
	}, nil
}

func isAnyNode(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.Value == "Any"
}

func anyNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: "Any"}
}

// specificChild returns the single mapping value under a "Specific:" key,
// e.g. `{Specific: 80}` -> the node for 80.
func specificChild(node *yaml.Node) (*yaml.Node, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 || node.Content[0].Value != "Specific" {
		return nil, fmt.Errorf("expected Any or a mapping with a single Specific key")
	}
	return node.Content[1], nil
}

func decodeScalarPattern[T any](node *yaml.Node, decode func(*yaml.Node) (T, error)) (RulePattern[T], error) {
	if isAnyNode(node) {
		return Any[T](), nil
	}
	child, err := specificChild(node)
	if err != nil {
		return RulePattern[T]{}, err
	}
	v, err := decode(child)
	if err != nil {
		return RulePattern[T]{}, err
	}
	return Specific(v), nil
}

func encodeScalarPattern[T any](p RulePattern[T], format func(T) string) *yaml.Node {
	if p.IsAny() {
		return anyNode()
	}
	v, _ := p.Value()
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "Specific"},
			{Kind: yaml.ScalarNode, Value: format(v)},
		},
	}
}

func decodeL4Protocol(n *yaml.Node) (model.L4Protocol, error) {
	switch n.Value {
	case "Tcp":
		return model.ProtocolTCP, nil
	case "Udp":
		return model.ProtocolUDP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q, want Tcp or Udp", n.Value)
	}
}

func decodeAddressPattern(node *yaml.Node) (RulePattern[Matcher], error) {
	if isAnyNode(node) {
		return Any[Matcher](), nil
	}
	child, err := specificChild(node)
	if err != nil {
		return RulePattern[Matcher]{}, err
	}
	if child.Kind != yaml.MappingNode || len(child.Content) != 2 {
		return RulePattern[Matcher]{}, fmt.Errorf("expected IpAddr or Domain mapping")
	}
	kind := child.Content[0].Value
	body := child.Content[1]
	switch kind {
	case "IpAddr":
		var raw struct {
			Addr   string `yaml:"addr"`
			Prefix int    `yaml:"prefix"`
		}
		if err := body.Decode(&raw); err != nil {
			return RulePattern[Matcher]{}, err
		}
		ip := net.ParseIP(raw.Addr)
		if ip == nil {
			return RulePattern[Matcher]{}, fmt.Errorf("invalid IP %q", raw.Addr)
		}
		pat, err := NewCIDRPattern(ip, raw.Prefix)
		if err != nil {
			return RulePattern[Matcher]{}, err
		}
		return Specific[Matcher](pat), nil
	case "Domain":
		var raw struct {
			Pattern  string `yaml:"pattern"`
			Wildcard string `yaml:"wildcard"`
		}
		if err := body.Decode(&raw); err != nil {
			return RulePattern[Matcher]{}, err
		}
		switch {
		case raw.Pattern != "":
			pat, err := NewDomainRegexPattern(raw.Pattern)
			if err != nil {
				return RulePattern[Matcher]{}, err
			}
			return Specific[Matcher](pat), nil
		case raw.Wildcard != "":
			pat, err := NewDomainWildcardPattern(raw.Wildcard)
			if err != nil {
				return RulePattern[Matcher]{}, err
			}
			return Specific[Matcher](pat), nil
		default:
			return RulePattern[Matcher]{}, fmt.Errorf("Domain requires a pattern or wildcard field")
		}
	default:
		return RulePattern[Matcher]{}, fmt.Errorf("unknown address pattern kind %q", kind)
	}
}

func encodeAddressPattern(p RulePattern[Matcher]) (*yaml.Node, error) {
	if p.IsAny() {
		return anyNode(), nil
	}
	v, _ := p.Value()
	var body *yaml.Node
	switch m := v.(type) {
	case CIDRPattern:
		body = &yaml.Node{
			Kind: yaml.MappingNode,
			Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Value: "IpAddr"},
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "addr"},
						{Kind: yaml.ScalarNode, Value: m.IP.String()},
						{Kind: yaml.ScalarNode, Value: "prefix"},
						{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%d", m.Prefix)},
					},
				},
			},
		}
	case DomainPattern:
		body = &yaml.Node{
			Kind: yaml.MappingNode,
			Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Value: "Domain"},
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "pattern"},
						{Kind: yaml.ScalarNode, Value: m.Regex.String()},
					},
				},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported address pattern type %T", v)
	}
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "Specific"},
			body,
		},
	}, nil
}
