// Package transport wires the call pipeline to a concrete HTTP/2 host:
// cleartext h2c for development and inter-process traffic that never
// leaves a trusted network, or native HTTP/2 over TLS for everything
// else. Neither helper understands framing, metadata, or status codes;
// that stays entirely inside the server and client packages.
package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/varavelio/grpcstack/server"
)

// ServerConfig controls the *http.Server transport.NewServer builds.
type ServerConfig struct {
	// Addr is passed through to http.Server.Addr.
	Addr string

	// TLSConfig selects native HTTP/2 over TLS when set; when nil the
	// server speaks h2c, accepting both HTTP/1.1 and prior-knowledge
	// HTTP/2 cleartext connections on the same listener.
	TLSConfig *tls.Config

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// MaxConcurrentStreams caps in-flight streams per HTTP/2 connection;
	// zero leaves the http2 package's own default in place.
	MaxConcurrentStreams uint32
}

// ServerOption mutates a ServerConfig before the server is built.
type ServerOption func(*ServerConfig)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(c *ServerConfig) { c.Addr = addr }
}

// WithTLSConfig selects native HTTP/2 over TLS instead of h2c.
func WithTLSConfig(cfg *tls.Config) ServerOption {
	return func(c *ServerConfig) { c.TLSConfig = cfg }
}

// WithTimeouts sets the stdlib http.Server timeout fields.
func WithTimeouts(read, readHeader, write, idle time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.ReadTimeout = read
		c.ReadHeaderTimeout = readHeader
		c.WriteTimeout = write
		c.IdleTimeout = idle
	}
}

// WithMaxConcurrentStreams caps the number of in-flight streams per
// connection accepted by the HTTP/2 layer.
func WithMaxConcurrentStreams(n uint32) ServerOption {
	return func(c *ServerConfig) { c.MaxConcurrentStreams = n }
}

// NewServer returns a stdlib *http.Server whose handler is the given
// pipeline's registered routes, configured for h2c when no TLS config
// is supplied or for native HTTP/2 over TLS otherwise. mux is typically
// the *http.ServeMux a server.Binder registered routes on; pipeline is
// passed alongside so future options can reach its Config without a
// type assertion on mux.
func NewServer(mux http.Handler, pipeline *server.Pipeline, opts ...ServerOption) *http.Server {
	cfg := ServerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	h2s := &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	if cfg.TLSConfig != nil {
		srv.TLSConfig = cfg.TLSConfig
		srv.Handler = mux
		_ = http2.ConfigureServer(srv, h2s)
	} else {
		srv.Handler = h2c.NewHandler(mux, h2s)
	}

	return srv
}

// Shutdown drains pipeline (rejecting any call that arrives afterward
// with Unavailable, per pipeline.Shutdown) and then shuts srv down,
// waiting for both to finish or for ctx to expire. If ctx expires first,
// it force-closes srv rather than leaving it half-drained.
//
// Call this instead of srv.Shutdown directly: http.Server.Shutdown alone
// stops accepting new connections and waits for active ones to go idle,
// but a client multiplexing a new HTTP/2 stream onto a connection that's
// already open when Shutdown starts would still reach a handler — only
// the pipeline's own in-flight tracking closes that gap.
func Shutdown(ctx context.Context, srv *http.Server, pipeline *server.Pipeline) error {
	done := make(chan struct{})
	go func() {
		pipeline.Shutdown(ctx)
		srv.Shutdown(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Close()
		return ctx.Err()
	}
}
