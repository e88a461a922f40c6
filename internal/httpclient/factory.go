// Package httpclient builds configured *http.Client handles, either direct
// or SOCKS5-proxied through the anonymizer, via a Config struct with its own
// setDefaults and a small custom RoundTripper for injecting a User-Agent.
package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Config configures client construction. Redirects are followed up to N
// with method preservation on 307/308 (net/http's default behavior already
// preserves method on 307/308; CheckRedirect enforces the N-hop cap and
// strips credentials across hosts).
type Config struct {
	UseAnonymizer        bool
	SocksEndpoint        string // host:port, required when UseAnonymizer is true
	ConnectTimeout       time.Duration
	ReadInactivityTimeout time.Duration
	IdlePoolSize         int
	FollowRedirectsUpToN int
	UserAgent            string
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ReadInactivityTimeout <= 0 {
		c.ReadInactivityTimeout = 30 * time.Second
	}
	if c.IdlePoolSize <= 0 {
		c.IdlePoolSize = 16
	}
	if c.FollowRedirectsUpToN <= 0 {
		c.FollowRedirectsUpToN = 10
	}
}

// userAgentTransport injects a User-Agent header on every request.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// New builds a client per cfg. When UseAnonymizer is set, traffic is routed
// through a SOCKS5 proxy via a socks5://host:port URL handed to
// http.ProxyURL — net/http's transport resolves that scheme (and the DNS
// lookup) through the proxy itself, so no extra dialer package is required.
func New(cfg Config) (*http.Client, error) {
	cfg.setDefaults()

	transport := &http.Transport{
		MaxIdleConns:        cfg.IdlePoolSize,
		MaxIdleConnsPerHost: cfg.IdlePoolSize,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.ReadInactivityTimeout,
	}

	if cfg.UseAnonymizer {
		if cfg.SocksEndpoint == "" {
			return nil, fmt.Errorf("httpclient: anonymizer requested but no socks endpoint configured")
		}
		proxyURL, err := url.Parse("socks5://" + cfg.SocksEndpoint)
		if err != nil {
			return nil, fmt.Errorf("httpclient: parse proxy endpoint: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	wrapped := &userAgentTransport{base: transport, userAgent: cfg.UserAgent}

	client := &http.Client{
		Transport: wrapped,
		CheckRedirect: redirectPolicy(cfg.FollowRedirectsUpToN),
	}
	return client, nil
}

// redirectPolicy caps redirect hops at n and strips the Authorization /
// Cookie headers whenever the redirect crosses to a different host.
func redirectPolicy(n int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= n {
			return fmt.Errorf("httpclient: stopped after %d redirects", n)
		}
		last := via[len(via)-1]
		if last.URL.Host != req.URL.Host {
			req.Header.Del("Authorization")
			req.Header.Del("Cookie")
		}
		return nil
	}
}
