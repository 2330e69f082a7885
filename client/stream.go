package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/varavelio/grpcstack"
	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/event"
	"github.com/varavelio/grpcstack/frame"
	"github.com/varavelio/grpcstack/metadata"
	"github.com/varavelio/grpcstack/status"
)

// ClientStream is the handle returned for ClientStreaming and
// DuplexStreaming calls: Send streams outgoing messages, CloseAndRecv (or
// Recv, for duplex) reads the response side.
type ClientStream struct {
	codec    *frame.Codec
	pw       *io.PipeWriter
	method   grpcstack.MethodDesc
	resp     *http.Response
	sendErr  error
	headers  metadata.MD
	finalSt  *status.Status
	respBody io.ReadCloser
}

// Send serializes and frames one outgoing message.
func (s *ClientStream) Send(msg any) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	payload, err := s.method.RequestSerializer(msg)
	if err != nil {
		return err
	}
	return s.codec.Write(s.pw, payload, frame.WriteOptions{})
}

// CloseSend signals the end of the client's outgoing stream.
func (s *ClientStream) CloseSend() error {
	return s.pw.Close()
}

// Recv reads the next response message, or io.EOF once the server has
// sent its last message and set a terminal status of OK.
func (s *ClientStream) Recv() (any, error) {
	payload, err := s.codec.ReadNext(s.respBody)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		if s.finalSt == nil {
			s.finalSt = statusFromTrailers(s.resp.Trailer)
		}
		if s.finalSt.Code() != codes.OK {
			return nil, s.finalSt.Err()
		}
		return nil, io.EOF
	}
	return s.method.ResponseDeserializer(payload)
}

// Headers returns the response headers once they have arrived; callers
// typically call this after the first Recv.
func (s *ClientStream) Headers() metadata.MD { return s.headers }

// NewClientStream opens a ClientStreaming or DuplexStreaming call. The
// caller drives Send/CloseSend and Recv independently; the two directions
// are safe for concurrent use from opposite goroutines.
func (inv *Invoker) NewClientStream(ctx context.Context, method grpcstack.MethodDesc, outgoing metadata.MD) (*ClientStream, error) {
	ch := inv.Channel
	pr, pw := io.Pipe()

	header := streamRequestHeader(ch, outgoing)
	url := ch.Target + method.FullName()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	httpReq.Header = header

	ch.Sink.Handle(event.NewCallStart(method.FullName()))

	resp, err := ch.HTTP.Do(httpReq)
	if err != nil {
		return nil, status.New(codes.Unavailable, err.Error()).Err()
	}

	codec := &frame.Codec{
		Registry:              ch.Registry,
		SendEncoding:          ch.SendEncoding,
		PeerAcceptEncoding:    []string{ch.SendEncoding},
		CompressionLevel:      ch.CompressionLevel,
		ReceiveEncoding:       resp.Header.Get("grpc-encoding"),
		MaxReceiveMessageSize: ch.MaxReceiveMessageSize,
		MaxSendMessageSize:    ch.MaxSendMessageSize,
	}

	return &ClientStream{
		codec:    codec,
		pw:       pw,
		method:   method,
		resp:     resp,
		headers:  metadata.FromWireHeaders(headerPairs(resp.Header)),
		respBody: resp.Body,
	}, nil
}

// ServerStream is the handle returned for ServerStreaming calls: the
// single request has already been sent by the time NewServerStream
// returns.
type ServerStream struct {
	codec    *frame.Codec
	resp     *http.Response
	method   grpcstack.MethodDesc
	headers  metadata.MD
	finalSt  *status.Status
	respBody io.ReadCloser
}

func (s *ServerStream) Headers() metadata.MD { return s.headers }

func (s *ServerStream) Recv() (any, error) {
	payload, err := s.codec.ReadNext(s.respBody)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		if s.finalSt == nil {
			s.finalSt = statusFromTrailers(s.resp.Trailer)
		}
		if s.finalSt.Code() != codes.OK {
			return nil, s.finalSt.Err()
		}
		return nil, io.EOF
	}
	return s.method.ResponseDeserializer(payload)
}

// NewServerStream sends req as the sole request message and returns a
// handle to read the server's response stream.
func (inv *Invoker) NewServerStream(ctx context.Context, method grpcstack.MethodDesc, req any, outgoing metadata.MD) (*ServerStream, error) {
	ch := inv.Channel
	payload, err := method.RequestSerializer(req)
	if err != nil {
		return nil, fmt.Errorf("serialize request: %w", err)
	}

	header := streamRequestHeader(ch, outgoing)
	codec := &frame.Codec{
		Registry:              ch.Registry,
		SendEncoding:          ch.SendEncoding,
		PeerAcceptEncoding:    []string{ch.SendEncoding},
		CompressionLevel:      ch.CompressionLevel,
		MaxReceiveMessageSize: ch.MaxReceiveMessageSize,
		MaxSendMessageSize:    ch.MaxSendMessageSize,
	}

	var body bytes.Buffer
	if err := codec.Write(&body, payload, frame.WriteOptions{}); err != nil {
		return nil, err
	}

	url := ch.Target + method.FullName()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, err
	}
	httpReq.Header = header

	ch.Sink.Handle(event.NewCallStart(method.FullName()))
	resp, err := ch.HTTP.Do(httpReq)
	if err != nil {
		return nil, status.New(codes.Unavailable, err.Error()).Err()
	}
	codec.ReceiveEncoding = resp.Header.Get("grpc-encoding")

	return &ServerStream{
		codec:    codec,
		resp:     resp,
		method:   method,
		headers:  metadata.FromWireHeaders(headerPairs(resp.Header)),
		respBody: resp.Body,
	}, nil
}

func streamRequestHeader(ch *Channel, outgoing metadata.MD) http.Header {
	header := make(http.Header)
	header.Set("content-type", "application/grpc+proto")
	header.Set("te", "trailers")
	if ch.SendEncoding != "" && ch.SendEncoding != "identity" {
		header.Set("grpc-encoding", ch.SendEncoding)
	}
	header.Set("grpc-accept-encoding", strings.Join(ch.Registry.Names(), ","))
	for k, vs := range outgoing {
		for _, v := range vs {
			if metadata.IsBinary(k) {
				header.Add(k, metadata.EncodeBinValue([]byte(v)))
			} else {
				header.Add(k, v)
			}
		}
	}
	return header
}
