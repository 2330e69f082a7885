// Package server implements the gRPC call pipeline: per-call deadline
// management, protocol/content-type validation, the four-kind dispatch
// table, and termination/trailer handling.
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/varavelio/grpcstack"
	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/compression"
	"github.com/varavelio/grpcstack/event"
	"github.com/varavelio/grpcstack/frame"
	"github.com/varavelio/grpcstack/metadata"
	"github.com/varavelio/grpcstack/status"
)

// UnaryHandler handles a single request/response call.
type UnaryHandler func(cc *CallContext, req any) (any, error)

// ClientStreamHandler handles a call with a client-streamed request and a
// single response.
type ClientStreamHandler func(cc *CallContext, reader *Reader) (any, error)

// ServerStreamHandler handles a call with a single request and a
// server-streamed response.
type ServerStreamHandler func(cc *CallContext, req any, writer *Writer) error

// DuplexStreamHandler handles a call streamed in both directions.
type DuplexStreamHandler func(cc *CallContext, reader *Reader, writer *Writer) error

// Config holds the pipeline-wide defaults every call is built from.
// MaxReceiveMessageSize and MaxSendMessageSize left at zero default to
// frame.NoLimit rather than rejecting every non-empty message; set them
// to frame.NoLimit explicitly too if that reads clearer at the call site.
type Config struct {
	Registry              *compression.Registry
	MaxReceiveMessageSize int
	MaxSendMessageSize    int
	SendEncoding          string
	CompressionLevel      compression.Level
	Sink                  event.Sink
}

// Pipeline turns MethodDesc registrations into http.HandlerFuncs that
// speak the gRPC-over-HTTP/2 wire protocol.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	draining bool
	inFlight sync.WaitGroup
}

// NewPipeline builds a Pipeline from cfg, filling in the registry and
// event sink with safe defaults when left zero.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Registry == nil {
		cfg.Registry = compression.DefaultRegistry()
	}
	if cfg.Sink == nil {
		cfg.Sink = event.Nop
	}
	if cfg.MaxReceiveMessageSize == 0 {
		cfg.MaxReceiveMessageSize = frame.NoLimit
	}
	if cfg.MaxSendMessageSize == 0 {
		cfg.MaxSendMessageSize = frame.NoLimit
	}
	return &Pipeline{cfg: cfg}
}

// enterCall registers one more in-flight call with the pipeline, unless a
// Shutdown is already draining it; mu serializes this against the flag
// flip in Shutdown so no call can register after Shutdown has started
// waiting on inFlight.
func (p *Pipeline) enterCall() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return false
	}
	p.inFlight.Add(1)
	return true
}

func (p *Pipeline) leaveCall() {
	p.inFlight.Done()
}

// Shutdown stops the pipeline from accepting new calls and blocks until
// every in-flight call has disposed its CallContext, or ctx is done,
// whichever comes first. Call it before (or alongside) http.Server's own
// Shutdown so a new stream arriving on a connection that Shutdown hasn't
// closed yet is rejected with Unavailable instead of reaching a handler.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler builds the http.HandlerFunc for one registered method.
func (p *Pipeline) Handler(method grpcstack.MethodDesc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, method)
	}
}

// Unimplemented builds a catch-all handler that always fails with
// Unimplemented and the given message, used for unknown services and
// unknown methods of a known service.
func (p *Pipeline) Unimplemented(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fullMethod := r.URL.Path
		if !p.validateProtocol(w, r, fullMethod) {
			return
		}
		if !p.validateContentType(w, r, fullMethod) {
			return
		}
		if !p.enterCall() {
			p.writeTrailersOnlyTermination(w, r, statusServerShuttingDown, metadata.MD{})
			return
		}
		defer p.leaveCall()
		p.cfg.Sink.Handle(event.NewCallUnimplemented(fullMethod))
		st := status.New(codes.Unimplemented, message)
		p.writeTrailersOnlyTermination(w, r, st, metadata.MD{})
	}
}

// statusServerShuttingDown is returned for any call that reaches the
// pipeline after Shutdown has started draining it.
var statusServerShuttingDown = status.New(codes.Unavailable, "Server is shutting down.")

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, method grpcstack.MethodDesc) {
	fullMethod := method.FullName()
	if !p.validateProtocol(w, r, fullMethod) {
		return
	}
	reqEncoding := r.Header.Get("content-type")
	if !p.validateContentType(w, r, fullMethod) {
		return
	}
	if !p.enterCall() {
		p.writeTrailersOnlyTermination(w, r, statusServerShuttingDown, metadata.MD{})
		return
	}
	defer p.leaveCall()

	cc, dispose := newCallContext(r, w, method, p.cfg.Sink, p.cfg.MaxReceiveMessageSize)
	defer dispose()
	r = r.WithContext(cc.Context)

	codec := &frame.Codec{
		Registry:              p.cfg.Registry,
		ReceiveEncoding:       r.Header.Get("grpc-encoding"),
		SendEncoding:          p.cfg.SendEncoding,
		PeerAcceptEncoding:    splitCSV(r.Header.Get("grpc-accept-encoding")),
		CompressionLevel:      p.cfg.CompressionLevel,
		MaxReceiveMessageSize: p.cfg.MaxReceiveMessageSize,
		MaxSendMessageSize:    p.cfg.MaxSendMessageSize,
	}

	if enc := codec.ReceiveEncoding; enc != "" && enc != "identity" {
		if _, ok := p.cfg.Registry.Lookup(enc); !ok {
			st := status.Newf(codes.Unimplemented, "Unsupported grpc-encoding %q.", enc)
			header := w.Header()
			header.Set("grpc-accept-encoding", strings.Join(p.cfg.Registry.Names(), ","))
			p.writeTrailersOnlyTermination(w, r, st, cc.Header)
			p.cfg.Sink.Handle(event.NewCallFailed(fullMethod, st.Code(), st.Err()))
			p.cfg.Sink.Handle(event.NewCallStop(fullMethod))
			return
		}
	}

	p.cfg.Sink.Handle(event.NewCallStart(fullMethod))

	contentType := "application/grpc"
	if i := strings.Index(reqEncoding, "+"); i >= 0 {
		contentType += reqEncoding[i:]
	}

	finalStatus := p.dispatch(cc, codec, r.Body, w, method, contentType)

	if finalStatus == nil {
		finalStatus = status.New(codes.OK, "")
	}
	if finalStatus.Code() != codes.OK {
		p.cfg.Sink.Handle(event.NewCallFailed(fullMethod, finalStatus.Code(), finalStatus.Err()))
	}
	p.writeTermination(w, r, cc, finalStatus)
	p.cfg.Sink.Handle(event.NewCallStop(fullMethod))
}

func (p *Pipeline) dispatch(cc *CallContext, codec *frame.Codec, body io.Reader, w http.ResponseWriter, method grpcstack.MethodDesc, contentType string) *status.Status {
	switch method.Kind {
	case grpcstack.Unary:
		return p.dispatchUnary(cc, codec, body, w, method, contentType)
	case grpcstack.ClientStreaming:
		return p.dispatchClientStream(cc, codec, body, w, method, contentType)
	case grpcstack.ServerStreaming:
		return p.dispatchServerStream(cc, codec, body, w, method, contentType)
	case grpcstack.DuplexStreaming:
		return p.dispatchDuplex(cc, codec, body, w, method, contentType)
	default:
		return status.New(codes.Internal, "unknown method kind")
	}
}

func (p *Pipeline) dispatchUnary(cc *CallContext, codec *frame.Codec, body io.Reader, w http.ResponseWriter, method grpcstack.MethodDesc, contentType string) *status.Status {
	payload, err := codec.ReadOne(body)
	if err != nil {
		return statusFromErr(err)
	}
	req, err := method.RequestDeserializer(payload)
	if err != nil {
		return status.Newf(codes.Internal, "failed to deserialize request: %v", err)
	}
	p.cfg.Sink.Handle(event.NewMessageReceived(cc.FullMethod, 1))

	handler, ok := method.Handler.(UnaryHandler)
	if !ok {
		return status.New(codes.Internal, "handler type mismatch for Unary method")
	}
	resp, herr := invokeHandler(func() (any, error) { return handler(cc, req) })
	if herr != nil {
		return statusFromHandlerErr(herr)
	}
	if st := cc.deadlineStatus(); st != nil {
		return st
	}

	respPayload, err := method.ResponseSerializer(resp)
	if err != nil {
		return status.Newf(codes.Internal, "failed to serialize response: %v", err)
	}
	cc.sendHeader(w, contentType)
	if err := codec.Write(w, respPayload, cc.WriteOptions); err != nil {
		return statusFromErr(err)
	}
	p.cfg.Sink.Handle(event.NewMessageSent(cc.FullMethod, 1))
	return status.New(codes.OK, "")
}

func (p *Pipeline) dispatchClientStream(cc *CallContext, codec *frame.Codec, body io.Reader, w http.ResponseWriter, method grpcstack.MethodDesc, contentType string) *status.Status {
	reader := newReader(cc.Context, codec, body, method)
	handler, ok := method.Handler.(ClientStreamHandler)
	if !ok {
		return status.New(codes.Internal, "handler type mismatch for ClientStreaming method")
	}
	resp, herr := invokeHandler(func() (any, error) { return handler(cc, reader) })
	if herr != nil {
		return statusFromHandlerErr(herr)
	}
	if st := cc.deadlineStatus(); st != nil {
		return st
	}
	respPayload, err := method.ResponseSerializer(resp)
	if err != nil {
		return status.Newf(codes.Internal, "failed to serialize response: %v", err)
	}
	cc.sendHeader(w, contentType)
	if err := codec.Write(w, respPayload, cc.WriteOptions); err != nil {
		return statusFromErr(err)
	}
	p.cfg.Sink.Handle(event.NewMessageSent(cc.FullMethod, 1))
	return status.New(codes.OK, "")
}

func (p *Pipeline) dispatchServerStream(cc *CallContext, codec *frame.Codec, body io.Reader, w http.ResponseWriter, method grpcstack.MethodDesc, contentType string) *status.Status {
	payload, err := codec.ReadOne(body)
	if err != nil {
		return statusFromErr(err)
	}
	req, err := method.RequestDeserializer(payload)
	if err != nil {
		return status.Newf(codes.Internal, "failed to deserialize request: %v", err)
	}
	p.cfg.Sink.Handle(event.NewMessageReceived(cc.FullMethod, 1))

	writer := newWriter(codec, w, method)
	writer.onFirstWrite = func() { cc.sendHeader(w, contentType) }
	defer writer.complete()

	handler, ok := method.Handler.(ServerStreamHandler)
	if !ok {
		return status.New(codes.Internal, "handler type mismatch for ServerStreaming method")
	}
	_, herr := invokeHandler(func() (any, error) { return nil, handler(cc, req, writer) })
	if herr != nil {
		return statusFromHandlerErr(herr)
	}
	if st := cc.deadlineStatus(); st != nil {
		return st
	}
	return status.New(codes.OK, "")
}

func (p *Pipeline) dispatchDuplex(cc *CallContext, codec *frame.Codec, body io.Reader, w http.ResponseWriter, method grpcstack.MethodDesc, contentType string) *status.Status {
	reader := newReader(cc.Context, codec, body, method)
	writer := newWriter(codec, w, method)
	writer.onFirstWrite = func() { cc.sendHeader(w, contentType) }
	defer writer.complete()

	handler, ok := method.Handler.(DuplexStreamHandler)
	if !ok {
		return status.New(codes.Internal, "handler type mismatch for DuplexStreaming method")
	}
	_, herr := invokeHandler(func() (any, error) { return nil, handler(cc, reader, writer) })
	if herr != nil {
		return statusFromHandlerErr(herr)
	}
	if st := cc.deadlineStatus(); st != nil {
		return st
	}
	return status.New(codes.OK, "")
}

// invokeHandler runs fn, converting a panic into an error so a single
// failing call never takes down the serving goroutine.
func invokeHandler(fn func() (any, error)) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = statusPanic(r)
		}
	}()
	return fn()
}

func statusFromErr(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	st, _ := status.FromError(err)
	return st
}

// statusFromHandlerErr translates a handler's returned error into a
// terminal status: one that already carries a status rides through
// unchanged, anything else becomes Unknown.
func statusFromHandlerErr(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	return status.New(codes.Unknown, err.Error())
}

func (p *Pipeline) validateProtocol(w http.ResponseWriter, r *http.Request, fullMethod string) bool {
	if r.ProtoMajor == 2 {
		return true
	}
	st := status.Newf(codes.Internal, "Request protocol of '%s' is not supported.", r.Proto)
	p.cfg.Sink.Handle(event.NewUnsupportedRequestProtocol(r.Proto))
	p.cfg.Sink.Handle(event.NewCallFailed(fullMethod, st.Code(), st.Err()))
	http.Error(w, st.Message(), http.StatusHTTPVersionNotSupported)
	return false
}

func (p *Pipeline) validateContentType(w http.ResponseWriter, r *http.Request, fullMethod string) bool {
	ct := r.Header.Get("content-type")
	if strings.HasPrefix(ct, "application/grpc") {
		return true
	}
	st := status.Newf(codes.Internal, "Request content-type of '%s' is not supported.", ct)
	p.cfg.Sink.Handle(event.NewUnsupportedRequestContentType(ct))
	p.cfg.Sink.Handle(event.NewCallFailed(fullMethod, st.Code(), st.Err()))
	http.Error(w, st.Message(), http.StatusUnsupportedMediaType)
	return false
}

// grpcWebTrailerWriter is implemented by response writers that cannot
// rely on a real HTTP trailer to carry the terminal status — the
// grpc-web adapter, whose browser clients have no way to read one. When
// w implements it, writeTermination and writeTrailersOnlyTermination
// route the terminal status/trailer metadata through it instead of the
// header-based paths below.
type grpcWebTrailerWriter interface {
	WriteGRPCWebTrailer(st *status.Status, trailer metadata.MD) error
}

// writeTermination emits the terminal status and trailer metadata for a
// call that reached a CallContext, choosing between a real trailer, a
// trailers-only response, and the grpc-web embedded trailer frame.
func (p *Pipeline) writeTermination(w http.ResponseWriter, r *http.Request, cc *CallContext, st *status.Status) {
	if tw, ok := w.(grpcWebTrailerWriter); ok {
		trailer := cc.Trailer
		if !cc.HeaderSent() {
			trailer = metadata.Join(cc.Header, cc.Trailer)
		}
		tw.WriteGRPCWebTrailer(st, trailer)
		return
	}
	if cc.HeaderSent() {
		p.writeTrailerValues(w, st, cc.Trailer)
	} else {
		p.writeTrailersOnly(w, r, st, metadata.Join(cc.Header, cc.Trailer))
	}
}

// writeTrailersOnlyTermination is writeTermination's counterpart for
// calls that fail before a CallContext exists (unknown method/service,
// unsupported grpc-encoding).
func (p *Pipeline) writeTrailersOnlyTermination(w http.ResponseWriter, r *http.Request, st *status.Status, trailer metadata.MD) {
	if tw, ok := w.(grpcWebTrailerWriter); ok {
		tw.WriteGRPCWebTrailer(st, trailer)
		return
	}
	p.writeTrailersOnly(w, r, st, trailer)
}

// writeTrailersOnly is used before any response headers have been sent:
// headers and trailers go out together on the same frame.
func (p *Pipeline) writeTrailersOnly(w http.ResponseWriter, r *http.Request, st *status.Status, trailer metadata.MD) {
	header := w.Header()
	header.Set("content-type", "application/grpc")
	setStatusHeaders(header, st)
	setMDHeaders(header, trailer)
	w.WriteHeader(http.StatusOK)
}

func (p *Pipeline) writeTrailerValues(w http.ResponseWriter, st *status.Status, trailer metadata.MD) {
	header := w.Header()
	setStatusHeaders(header, st)
	setMDHeaders(header, trailer)
}

func setStatusHeaders(h http.Header, st *status.Status) {
	h.Set("grpc-status", strconv.Itoa(int(st.Code())))
	if msg := st.Message(); msg != "" {
		h.Set("grpc-message", metadata.EncodeGrpcMessage(msg))
	}
}

func setMDHeaders(h http.Header, md metadata.MD) {
	for k, vs := range md {
		for _, v := range vs {
			if metadata.IsBinary(k) {
				h.Add(k, metadata.EncodeBinValue([]byte(v)))
			} else {
				h.Add(k, v)
			}
		}
	}
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func flushIfPossible(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

