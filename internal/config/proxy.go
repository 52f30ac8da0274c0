package config

import (
	"errors"
	"fmt"
	"strings"
)

// Proxy modes
const (
	ProxyModeSystem  = "system"
	ProxyModeNone    = "no-proxy"
	ProxyModeBasic   = "basic"
	ProxyModeNTLM    = "ntlm"
	DefaultProxyMode = ProxyModeSystem
	DefaultProxyPort = 8080
)

// ProxyConfig validation errors
var (
	ErrInvalidProxyMode = errors.New("mode must be one of system, no-proxy, basic, ntlm")
	ErrMissingProxyHost = errors.New("host is required for basic and ntlm modes")
	ErrInvalidProxyPort = errors.New("port must be between 0 and 65535")
)

// ProxyConfig selects how API calls reach the network.
type ProxyConfig struct {
	// Mode is system (environment variables), no-proxy, basic or ntlm.
	Mode string `ini:"mode"`

	// Host and Port address the proxy for basic and ntlm modes. Port 0
	// means DefaultProxyPort.
	Host string `ini:"host"`
	Port int    `ini:"port"`

	// User and Password authenticate to the proxy. Credentials are only
	// sent when both are set.
	User     string `ini:"user"`
	Password string `ini:"password"`

	// NoProxy is a comma-separated bypass list (hosts, domains, CIDRs).
	NoProxy string `ini:"no_proxy"`
}

// NewProxyConfig returns a ProxyConfig populated with defaults.
func NewProxyConfig() ProxyConfig {
	return ProxyConfig{Mode: DefaultProxyMode}
}

// Validate checks the mode and the fields it requires.
func (c ProxyConfig) Validate() error {
	switch c.NormalizedMode() {
	case ProxyModeSystem, ProxyModeNone:
	case ProxyModeBasic, ProxyModeNTLM:
		if strings.TrimSpace(c.Host) == "" {
			return ErrMissingProxyHost
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProxyMode, c.Mode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidProxyPort
	}
	return nil
}

// NormalizedMode returns Mode lower-cased, with empty meaning system.
func (c ProxyConfig) NormalizedMode() string {
	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	if mode == "" {
		return ProxyModeSystem
	}
	return mode
}

// Authenticated reports whether both proxy credentials are present.
func (c ProxyConfig) Authenticated() bool {
	return c.User != "" && c.Password != ""
}
