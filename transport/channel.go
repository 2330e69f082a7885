package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"golang.org/x/net/http2"
)

// TransportConfig controls the http.RoundTripper transport.NewChannelTransport
// builds.
type TransportConfig struct {
	// TLSConfig, when set, is used for the ALPN-negotiated HTTP/2
	// connection. When nil, NewChannelTransport forces HTTP/2 over a
	// plain TCP dial instead of relying on TLS ALPN.
	TLSConfig *tls.Config

	// DialTimeout bounds the plaintext dial used when TLSConfig is nil;
	// zero leaves net.Dialer's zero value (no timeout) in place.
	DialTimeout int // seconds
}

// TransportOption mutates a TransportConfig before the transport is built.
type TransportOption func(*TransportConfig)

// WithTransportTLSConfig selects ALPN-negotiated HTTP/2 over TLS.
func WithTransportTLSConfig(cfg *tls.Config) TransportOption {
	return func(c *TransportConfig) { c.TLSConfig = cfg }
}

// WithDialTimeoutSeconds bounds the plaintext dial used when no TLS
// config is supplied.
func WithDialTimeoutSeconds(seconds int) TransportOption {
	return func(c *TransportConfig) { c.DialTimeout = seconds }
}

// NewChannelTransport returns an *http2.Transport suitable for a
// Channel's http.Client.Transport. With a TLS config it relies on ALPN
// to negotiate HTTP/2; without one it forces HTTP/2 over cleartext by
// dialing a plain TCP connection and setting AllowHTTP, the same
// prior-knowledge trick the h2c package documents for clients that know
// their peer is HTTP/2-only.
func NewChannelTransport(opts ...TransportOption) *http2.Transport {
	cfg := TransportConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.TLSConfig != nil {
		return &http2.Transport{TLSClientConfig: cfg.TLSConfig}
	}

	dialer := &net.Dialer{}
	if cfg.DialTimeout > 0 {
		dialer.Timeout = time.Duration(cfg.DialTimeout) * time.Second
	}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
}
