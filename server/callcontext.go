package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/varavelio/grpcstack"
	"github.com/varavelio/grpcstack/event"
	"github.com/varavelio/grpcstack/frame"
	"github.com/varavelio/grpcstack/internal/timeoutcodec"
	"github.com/varavelio/grpcstack/metadata"
	"github.com/varavelio/grpcstack/peer"
	"github.com/varavelio/grpcstack/status"
)

// frameOverhead is the 5-byte header every message on the wire carries on
// top of its payload; the request body size limit for single-message
// kinds is the receive limit plus this overhead.
const frameOverhead = 5

// CallContext is the per-call state a handler reads and writes: the
// derived context, peer identity, header/trailer metadata, and the write
// options applied to every outgoing frame unless overridden.
type CallContext struct {
	Context    context.Context
	FullMethod string
	Kind       grpcstack.MethodKind

	Peer *peer.Peer

	Incoming metadata.MD
	Header   metadata.MD
	Trailer  metadata.MD

	WriteOptions frame.WriteOptions

	// UserState lets a handler stash arbitrary per-call data without the
	// pipeline needing to know its shape.
	UserState map[string]any

	deadline *DeadlineManager
	sink     event.Sink

	mu         sync.Mutex
	headerSent bool
}

// sendHeader flushes cc.Header (plus the content-type negotiated for this
// call) as real HTTP response headers exactly once; later calls are a
// no-op, matching the first-message-commits-headers rule.
func (c *CallContext) sendHeader(w http.ResponseWriter, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerSent {
		return
	}
	c.headerSent = true

	header := w.Header()
	header.Set("content-type", contentType)
	header.Set("trailer", "Grpc-Status, Grpc-Message")
	setMDHeaders(header, c.Header)
	w.WriteHeader(http.StatusOK)
	flushIfPossible(w)
}

// newCallContext builds the per-call state from an incoming request,
// installing a deadline manager when the grpc-timeout header parses, and
// configuring the request body's size limit per kind.
func newCallContext(r *http.Request, w http.ResponseWriter, method grpcstack.MethodDesc, sink event.Sink, maxReceive int) (*CallContext, func()) {
	fullMethod := method.FullName()
	incoming := metadata.FromWireHeaders(headerPairsFromHTTP(r.Header))

	ctx := r.Context()
	var mgr *DeadlineManager
	if raw := r.Header.Get("grpc-timeout"); raw != "" {
		if d, ok := timeoutcodec.Parse(raw); ok {
			ctx, mgr = NewDeadlineManager(ctx, fullMethod, d, sink)
		} else {
			sink.Handle(event.NewInvalidTimeoutIgnored(fullMethod, fmt.Errorf("invalid grpc-timeout value: %s", raw)))
		}
	}

	applyBodySizeLimit(r, w, method.Kind, maxReceive, sink)

	var p *peer.Peer
	if rAddr := r.RemoteAddr; rAddr != "" {
		p = &peer.Peer{Addr: peer.ParseAddr(rAddr)}
		if tlsState := r.TLS; tlsState != nil {
			p.AuthInfo = peer.FromTLSState(tlsState)
		}
	}
	if p != nil {
		ctx = peer.NewContext(ctx, p)
	}
	ctx = metadata.NewIncomingContext(ctx, incoming)

	cc := &CallContext{
		Context:    ctx,
		FullMethod: fullMethod,
		Kind:       method.Kind,
		Peer:       p,
		Incoming:   incoming,
		Header:     metadata.MD{},
		Trailer:    metadata.MD{},
		UserState:  make(map[string]any),
		deadline:   mgr,
		sink:       sink,
	}

	dispose := func() {
		if mgr != nil {
			mgr.Dispose()
		}
	}
	return cc, dispose
}

// applyBodySizeLimit caps the request body for single-message kinds at
// maxReceive plus one frame's overhead; streaming-input kinds (the client
// may send unboundedly many messages) get no cap. If maxReceive is
// frame.NoLimit, no cap is applied to any kind.
func applyBodySizeLimit(r *http.Request, w http.ResponseWriter, kind grpcstack.MethodKind, maxReceive int, sink event.Sink) {
	if maxReceive == frame.NoLimit {
		return
	}
	if kind.ClientStreams() {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			sink.Handle(event.NewUnableToDisableMaxRequestBodySizeLimit(fmt.Errorf("%v", rec)))
		}
	}()
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxReceive)+frameOverhead)
}

// PeerAddr returns the formatted "ipv4:a.b.c.d:port"/"ipv6:[addr]:port"
// remote address for this call's peer, or "" when none was captured
// (e.g. a synthetic request with no RemoteAddr).
func (c *CallContext) PeerAddr() string {
	if c.Peer == nil || c.Peer.Addr == nil {
		return ""
	}
	return peer.Format(c.Peer.Addr)
}

// HeaderSent reports whether sendHeader has already flushed response
// headers for this call.
func (c *CallContext) HeaderSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headerSent
}

// deadlineStatus returns the DeadlineExceeded status once this call's
// timer has fired, or nil otherwise.
func (c *CallContext) deadlineStatus() *status.Status {
	if c.deadline == nil {
		return nil
	}
	return c.deadline.Status()
}

func headerPairsFromHTTP(h http.Header) [][2]string {
	var pairs [][2]string
	for k, vs := range h {
		for _, v := range vs {
			pairs = append(pairs, [2]string{k, v})
		}
	}
	return pairs
}
