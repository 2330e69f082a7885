package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/varavelio/grpcstack"
	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/event"
	"github.com/varavelio/grpcstack/frame"
	"github.com/varavelio/grpcstack/internal/timeoutcodec"
	"github.com/varavelio/grpcstack/metadata"
	"github.com/varavelio/grpcstack/status"
)

// UnaryResult is what a completed unary call returns to its caller.
type UnaryResult struct {
	Response any
	Headers  metadata.MD
	Status   *status.Status
}

// Invoker issues calls over a Channel, running each through the
// retry/hedging engine. Streaming shapes bypass the engine: buffering an
// unbounded client stream for replay is a suggested knob, not a hard
// requirement, and grpc-go's own retry interceptor refuses to retry
// ClientStreams for the same reason, so client-streaming, server-streaming,
// and duplex calls make exactly one attempt here.
type Invoker struct {
	Channel *Channel
}

func NewInvoker(ch *Channel) *Invoker {
	return &Invoker{Channel: ch}
}

// Unary performs a single request/response call, retried or hedged per
// the channel's service-config policy for method.FullName().
func (inv *Invoker) Unary(ctx context.Context, method grpcstack.MethodDesc, req any, outgoing metadata.MD) UnaryResult {
	ch := inv.Channel
	payload, err := method.RequestSerializer(req)
	if err != nil {
		return UnaryResult{Status: status.New(codes.Internal, fmt.Sprintf("failed to serialize request: %v", err))}
	}

	service, m, _ := grpcstack.SplitFullName(method.FullName())
	policy := ch.ServiceConfig.Lookup(service, m)

	executor := AttemptExecutorFunc(func(ctx context.Context, attempt int) AttemptOutcome {
		return inv.doUnaryAttempt(ctx, method, payload, outgoing, attempt)
	})

	engine := &Engine{
		FullMethod:     method.FullName(),
		Policy:         policy,
		Throttle:       ch.Throttle,
		Executor:       executor,
		Sink:           ch.Sink,
		MaxAttemptsCap: ch.MaxAttemptsCap,
	}

	ch.Sink.Handle(event.NewCallStart(method.FullName()))
	out := engine.Run(ctx)
	if out.Status != nil && out.Status.Code() != codes.OK {
		ch.Sink.Handle(event.NewCallFailed(method.FullName(), out.Status.Code(), out.Status.Err()))
	} else {
		ch.Sink.Handle(event.NewCallStop(method.FullName()))
	}

	return UnaryResult{Response: out.Response, Headers: out.Headers, Status: out.Status}
}

func (inv *Invoker) doUnaryAttempt(ctx context.Context, method grpcstack.MethodDesc, payload []byte, outgoing metadata.MD, attempt int) AttemptOutcome {
	ch := inv.Channel

	header := make(http.Header)
	header.Set("content-type", "application/grpc+proto")
	header.Set("te", "trailers")
	if ch.SendEncoding != "" && ch.SendEncoding != "identity" {
		header.Set("grpc-encoding", ch.SendEncoding)
	}
	header.Set("grpc-accept-encoding", strings.Join(ch.Registry.Names(), ","))
	if attempt > 1 {
		header.Set("grpc-previous-rpc-attempts", strconv.Itoa(attempt-1))
	}
	if dl, ok := ctx.Deadline(); ok {
		header.Set("grpc-timeout", timeoutcodec.Format(time.Until(dl)))
	}
	for k, vs := range outgoing {
		for _, v := range vs {
			if metadata.IsBinary(k) {
				header.Add(k, metadata.EncodeBinValue([]byte(v)))
			} else {
				header.Add(k, v)
			}
		}
	}
	if ch.Credentials != nil {
		extra, err := ch.Credentials.GetRequestMetadata(ctx, ch.Target)
		if err != nil {
			return AttemptOutcome{Status: status.New(codes.Unauthenticated, err.Error())}
		}
		for k, v := range extra {
			header.Set(k, v)
		}
	}

	codec := &frame.Codec{
		Registry:              ch.Registry,
		SendEncoding:          ch.SendEncoding,
		PeerAcceptEncoding:    []string{ch.SendEncoding},
		CompressionLevel:      ch.CompressionLevel,
		MaxReceiveMessageSize: ch.MaxReceiveMessageSize,
		MaxSendMessageSize:    ch.MaxSendMessageSize,
	}

	var body bytes.Buffer
	if err := codec.Write(&body, payload, frame.WriteOptions{BufferHint: true}); err != nil {
		return AttemptOutcome{Status: status.New(codes.Internal, err.Error())}
	}

	url := ch.Target + method.FullName()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return AttemptOutcome{Status: status.New(codes.Internal, err.Error())}
	}
	httpReq.Header = header

	resp, err := ch.HTTP.Do(httpReq)
	if err != nil {
		return AttemptOutcome{Status: status.New(codes.Unavailable, err.Error())}
	}
	defer resp.Body.Close()

	respMD := metadata.FromWireHeaders(headerPairs(resp.Header))
	codec.ReceiveEncoding = resp.Header.Get("grpc-encoding")

	if st, ok := trailersOnlyStatus(resp.Header); ok {
		delay, stop, has := parsePushback(resp.Header.Get("grpc-retry-pushback-ms"))
		return AttemptOutcome{Status: st, ResponseHeaders: respMD, HasPushback: has, PushbackStop: stop, PushbackDelay: delay}
	}

	respPayload, err := codec.ReadNext(resp.Body)
	if err != nil {
		return AttemptOutcome{Status: status.New(codes.Internal, err.Error())}
	}
	if respPayload != nil {
		if extra, _ := io.ReadAll(resp.Body); len(extra) > 0 {
			return AttemptOutcome{Status: status.New(codes.Internal, "Additional data after the message received.")}
		}
	}

	trailerMD := metadata.FromWireHeaders(headerPairs(resp.Trailer))
	st := statusFromTrailers(resp.Trailer)
	delay, stop, has := parsePushback(resp.Trailer.Get("grpc-retry-pushback-ms"))

	if st.Code() == codes.OK {
		if respPayload == nil {
			return AttemptOutcome{Status: status.New(codes.Internal, "Incomplete message.")}
		}
		respMsg, err := method.ResponseDeserializer(respPayload)
		if err != nil {
			return AttemptOutcome{Status: status.New(codes.Internal, fmt.Sprintf("failed to deserialize response: %v", err))}
		}
		return AttemptOutcome{Committed: true, Status: st, ResponseHeaders: metadata.Join(respMD, trailerMD), Response: respMsg}
	}
	return AttemptOutcome{
		Status:          st,
		ResponseHeaders: metadata.Join(respMD, trailerMD),
		HasPushback:     has,
		PushbackStop:    stop,
		PushbackDelay:   delay,
	}
}

func headerPairs(h http.Header) [][2]string {
	var pairs [][2]string
	for k, vs := range h {
		for _, v := range vs {
			pairs = append(pairs, [2]string{k, v})
		}
	}
	return pairs
}

func trailersOnlyStatus(h http.Header) (*status.Status, bool) {
	if h.Get("grpc-status") == "" {
		return nil, false
	}
	return statusFromTrailers(h), true
}

func statusFromTrailers(h http.Header) *status.Status {
	codeStr := h.Get("grpc-status")
	if codeStr == "" {
		return status.New(codes.Unknown, "missing grpc-status trailer")
	}
	n, err := strconv.Atoi(codeStr)
	if err != nil {
		return status.New(codes.Unknown, "malformed grpc-status trailer")
	}
	msg := metadata.DecodeGrpcMessage(h.Get("grpc-message"))
	return status.New(codes.Code(n), msg)
}

// parsePushback reads grpc-retry-pushback-ms: a non-negative integer
// overrides backoff, a negative integer or "stop" disables further
// retries, and an unparseable value is treated as "stop".
func parsePushback(raw string) (delay time.Duration, stop bool, has bool) {
	if raw == "" {
		return 0, false, false
	}
	if raw == "stop" {
		return 0, true, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, true, true
	}
	return time.Duration(n) * time.Millisecond, false, true
}
