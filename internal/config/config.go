// Package config loads the proxy's startup configuration: the listen
// address/port and, optionally, a YAML connect-rule file (spec section
// 6.2). Its error-wrapping style (fmt.Errorf("config: ...: %w", err))
// matches the teacher's config.go.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kureta/gatekeeper-socks5/internal/rule"
)

// Defaults mirror spec section 6.1's CLI surface and section 5's timeout
// table.
const (
	DefaultPort            = 1080
	DefaultIP              = "0.0.0.0"
	DefaultClientTimeout   = 2 * time.Second
	DefaultUpstreamTimeout = 5 * time.Second
	DefaultAcceptTimeout   = 3 * time.Second
)

// ServerConfig bundles everything needed to bind and run one proxy
// instance.
type ServerConfig struct {
	ListenIP        net.IP
	ListenPort      uint16
	Rule            rule.ConnectRule
	ClientTimeout   time.Duration
	UpstreamTimeout time.Duration
	AcceptTimeout   time.Duration
}

// Default returns a ServerConfig with spec-mandated defaults and an
// allow-all rule (no --rule flag given).
func Default() ServerConfig {
	return ServerConfig{
		ListenIP:        net.ParseIP(DefaultIP),
		ListenPort:      DefaultPort,
		Rule:            rule.AllowAnyRule(),
		ClientTimeout:   DefaultClientTimeout,
		UpstreamTimeout: DefaultUpstreamTimeout,
		AcceptTimeout:   DefaultAcceptTimeout,
	}
}

// LoadRuleFile reads and parses a YAML connect-rule file, per spec
// section 6.2's format (a non-empty Allow/Deny sequence anchored by an
// Any/Any/Any base entry).
func LoadRuleFile(path string) (rule.ConnectRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rule.ConnectRule{}, fmt.Errorf("config: read rule file: %w", err)
	}

	var r rule.ConnectRule
	if err := yaml.Unmarshal(data, &r); err != nil {
		return rule.ConnectRule{}, fmt.Errorf("config: parse rule file %q: %w", path, err)
	}
	return r, nil
}

// ParseListenIP validates the --ip flag's value.
func ParseListenIP(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("config: invalid listen address %q", s)
	}
	return ip, nil
}
