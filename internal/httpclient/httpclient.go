package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"
)

type Options struct {
	PreferIPv4 bool
	Timeout    time.Duration
}

// NewTransport builds the transport shared by every session client.
func NewTransport(opts Options) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if opts.PreferIPv4 {
				return dialer.DialContext(ctx, "tcp4", addr)
			}
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func New(opts Options) *http.Client {
	return &http.Client{
		Timeout:   timeoutOrDefault(opts.Timeout),
		Transport: NewTransport(opts),
	}
}

type SessionOptions struct {
	Transport http.RoundTripper
	Timeout   time.Duration
	// BaseURL scopes the seeded cookie.
	BaseURL string
	// Cookie is a raw "name=value" pair to seed the jar with.
	Cookie string
}

// NewSession returns a client with its own cookie jar so each wizard
// session keeps its own backend session and entitlements.
func NewSession(opts SessionOptions) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	if opts.Cookie != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("seed cookie: invalid base url %q", opts.BaseURL)
		}
		cookies, err := http.ParseCookie(opts.Cookie)
		if err != nil {
			return nil, fmt.Errorf("seed cookie: %w", err)
		}
		jar.SetCookies(u, cookies)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &http.Client{
		Timeout:   timeoutOrDefault(opts.Timeout),
		Transport: transport,
		Jar:       jar,
	}, nil
}

func timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 180 * time.Second
	}
	return timeout
}
