// Package compression implements the pluggable compression-provider
// registry used by the message codec, plus its default identity and gzip
// entries.
package compression

import (
	"bytes"
	"compress/gzip"
	"io"
	"sync"
)

// Level selects a compression effort, mirroring compress/flate's levels so
// a caller can reuse the stdlib constants directly.
type Level int

const (
	DefaultCompression Level = Level(gzip.DefaultCompression)
	NoCompression      Level = Level(gzip.NoCompression)
	BestSpeed          Level = Level(gzip.BestSpeed)
	BestCompression    Level = Level(gzip.BestCompression)
)

// Provider implements one named wire encoding. Compress wraps w so that
// bytes written through the returned WriteCloser are compressed into w;
// the caller must Close it to flush the trailer. Decompress wraps r so
// reads return the decompressed bytes.
type Provider interface {
	Name() string
	Compress(w io.Writer, level Level) (io.WriteCloser, error)
	Decompress(r io.Reader) (io.Reader, error)
}

// Registry is a read-only-after-construction name->Provider map, shared by
// every call on a channel or server.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a Registry from providers, keyed by each Provider's
// Name(). Later entries with a repeated name overwrite earlier ones.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// DefaultRegistry returns a new Registry with the standard default
// entries: identity (no-op) and gzip.
func DefaultRegistry() *Registry {
	return NewRegistry(Identity{}, NewGzip())
}

// Lookup returns the provider registered under name, or (nil, false).
func (r *Registry) Lookup(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[name]
	return p, ok
}

// Names returns every registered provider name, used to populate the
// grpc-accept-encoding header.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

// Identity is the no-op provider; compressionFlag is always 0 for it.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Compress(w io.Writer, _ Level) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (Identity) Decompress(r io.Reader) (io.Reader, error) {
	return r, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Gzip is the default non-identity provider. It keeps one sync.Pool of
// *gzip.Writer per compression level so a high-throughput server doesn't
// allocate a fresh flate window for every outgoing message (the detail a
// bare compress/gzip-per-call approach would not give).
type Gzip struct {
	pools map[Level]*sync.Pool
}

// NewGzip constructs a Gzip provider with pools for NoCompression,
// DefaultCompression and BestCompression. Compress uses the
// DefaultCompression pool for any other level, BestSpeed included.
func NewGzip() *Gzip {
	g := &Gzip{pools: make(map[Level]*sync.Pool, 3)}
	for _, lvl := range []Level{NoCompression, DefaultCompression, BestCompression} {
		lvl := lvl
		g.pools[lvl] = &sync.Pool{
			New: func() any {
				zw, _ := gzip.NewWriterLevel(io.Discard, int(lvl))
				return zw
			},
		}
	}
	return g
}

func (g *Gzip) Name() string { return "gzip" }

func (g *Gzip) Compress(w io.Writer, level Level) (io.WriteCloser, error) {
	pool, ok := g.pools[level]
	if !ok {
		pool = g.pools[DefaultCompression]
	}
	zw := pool.Get().(*gzip.Writer)
	zw.Reset(w)
	return &pooledGzipWriter{Writer: zw, pool: pool}, nil
}

func (g *Gzip) Decompress(r io.Reader) (io.Reader, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

type pooledGzipWriter struct {
	*gzip.Writer
	pool *sync.Pool
}

func (p *pooledGzipWriter) Close() error {
	err := p.Writer.Close()
	p.pool.Put(p.Writer)
	return err
}

// CompressBytes is a convenience used by tests and by small-message paths:
// it compresses the full payload and returns the result as a []byte.
func CompressBytes(provider Provider, level Level, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	wc, err := provider.Compress(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := wc.Write(payload); err != nil {
		return nil, err
	}
	if err := wc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressBytes is the symmetric helper for CompressBytes.
func DecompressBytes(provider Provider, payload []byte) ([]byte, error) {
	r, err := provider.Decompress(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
