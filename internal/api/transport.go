package api

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/http2"

	"github.com/rescale/rescale-pacer/internal/config"
)

// Transport tuning. Probes and API calls are small, so the pool is sized for
// many concurrent requests against one host rather than for bulk transfers.
const (
	dialTimeout           = 30 * time.Second
	keepAlive             = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 30 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxIdleConnsPerHost   = 64
)

// newTransport builds the HTTP round tripper used by Client.
//
// Key features:
//   - Proxy modes: system (HTTP_PROXY, HTTPS_PROXY, NO_PROXY), no-proxy,
//     basic (explicit proxy, credentials in the proxy URL) and ntlm
//     (explicit proxy wrapped in an NTLM negotiator)
//   - Connection reuse across throttled attempts
//   - HTTP/2 with a runtime toggle (DISABLE_HTTP2=true forces HTTP/1.1)
//   - HTTP/2 disabled automatically when a proxy is in use
func newTransport(proxy config.ProxyConfig, logger zerolog.Logger) (nethttp.RoundTripper, error) {
	if err := proxy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proxy configuration: %w", err)
	}

	tr := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}

	_ = http2.ConfigureTransport(tr)

	mode := proxy.NormalizedMode()
	proxied := false
	switch mode {
	case config.ProxyModeNone:
		tr.Proxy = nil
	case config.ProxyModeSystem:
		tr.Proxy = nethttp.ProxyFromEnvironment
		proxied = proxyFromEnv()
	case config.ProxyModeBasic, config.ProxyModeNTLM:
		tr.Proxy = proxyFuncWithBypass(buildProxyURL(proxy), proxy.NoProxy, logger)
		proxied = true
		if proxy.User != "" && proxy.Password == "" {
			logger.Warn().Str("user", proxy.User).Msg("proxy user configured but password missing, proxy auth disabled")
		}
	}

	if os.Getenv("DISABLE_HTTP2") == "true" || proxied {
		disableHTTP2(tr)
	}

	if mode == config.ProxyModeNTLM {
		return ntlmssp.Negotiator{RoundTripper: tr}, nil
	}
	return tr, nil
}

// buildProxyURL constructs the proxy URL. Credentials are embedded only when
// both user and password are set; an empty password breaks some proxies.
func buildProxyURL(proxy config.ProxyConfig) *url.URL {
	port := proxy.Port
	if port == 0 {
		port = config.DefaultProxyPort
	}

	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(proxy.Host, strconv.Itoa(port)),
	}
	if proxy.Authenticated() {
		u.User = url.UserPassword(proxy.User, proxy.Password)
	}
	return u
}

// proxyFuncWithBypass returns a proxy function that honors the no_proxy
// bypass list. With an empty list every request goes through proxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger zerolog.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			logger.Debug().Str("host", req.URL.Host).Msg("proxy bypass, direct connection")
		}
		return result, err
	}
}

// Proxies often mishandle HTTP/2 multiplexing.
func proxyFromEnv() bool {
	for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func disableHTTP2(tr *nethttp.Transport) {
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
}
