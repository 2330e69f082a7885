package server_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/varavelio/grpcstack"
	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/frame"
	"github.com/varavelio/grpcstack/server"
	"github.com/varavelio/grpcstack/status"
	"github.com/varavelio/grpcstack/transport"
)

func bytesSerializer(msg any) ([]byte, error) {
	return msg.([]byte), nil
}

func bytesDeserializer(data []byte) (any, error) {
	return data, nil
}

// testHarness stands up a real HTTP/2 (h2c) server running the pipeline
// and a real HTTP/2 client pointed at it, so protocol validation (which
// requires ProtoMajor == 2) exercises the genuine wire path rather than
// a stand-in.
type testHarness struct {
	baseURL  string
	client   *http.Client
	ln       net.Listener
	srv      *http.Server
	pipeline *server.Pipeline
}

func newTestHarness(t *testing.T, register func(mux *http.ServeMux, pipeline *server.Pipeline)) *testHarness {
	t.Helper()

	pipeline := server.NewPipeline(server.Config{})
	mux := http.NewServeMux()
	register(mux, pipeline)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := transport.NewServer(mux, pipeline)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	client := &http.Client{Transport: transport.NewChannelTransport()}
	return &testHarness{
		baseURL:  "http://" + ln.Addr().String(),
		client:   client,
		ln:       ln,
		srv:      srv,
		pipeline: pipeline,
	}
}

func (h *testHarness) post(t *testing.T, path string, headers map[string]string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.baseURL+path, body)
	require.NoError(t, err)
	req.Header.Set("content-type", "application/grpc+proto")
	req.Header.Set("te", "trailers")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	return resp
}

func frameBody(payload []byte) io.Reader {
	codec := &frame.Codec{MaxSendMessageSize: frame.NoLimit}
	var buf bytes.Buffer
	if err := codec.Write(&buf, payload, frame.WriteOptions{}); err != nil {
		panic(err)
	}
	return &buf
}

func echoUnaryMethod() grpcstack.MethodDesc {
	return grpcstack.MethodDesc{
		Service:              "test.Echo",
		Method:               "Say",
		Kind:                 grpcstack.Unary,
		RequestSerializer:    bytesSerializer,
		RequestDeserializer:  bytesDeserializer,
		ResponseSerializer:   bytesSerializer,
		ResponseDeserializer: bytesDeserializer,
		Handler: server.UnaryHandler(func(cc *server.CallContext, req any) (any, error) {
			cc.Header["x-echo"] = []string{"1"}
			return req, nil
		}),
	}
}

func failingUnaryMethod() grpcstack.MethodDesc {
	return grpcstack.MethodDesc{
		Service:              "test.Echo",
		Method:               "Fail",
		Kind:                 grpcstack.Unary,
		RequestSerializer:    bytesSerializer,
		RequestDeserializer:  bytesDeserializer,
		ResponseSerializer:   bytesSerializer,
		ResponseDeserializer: bytesDeserializer,
		Handler: server.UnaryHandler(func(cc *server.CallContext, req any) (any, error) {
			return nil, status.New(codes.NotFound, "no such thing").Err()
		}),
	}
}

func panickingUnaryMethod() grpcstack.MethodDesc {
	return grpcstack.MethodDesc{
		Service:              "test.Echo",
		Method:               "Panic",
		Kind:                 grpcstack.Unary,
		RequestSerializer:    bytesSerializer,
		RequestDeserializer:  bytesDeserializer,
		ResponseSerializer:   bytesSerializer,
		ResponseDeserializer: bytesDeserializer,
		Handler: server.UnaryHandler(func(cc *server.CallContext, req any) (any, error) {
			panic("boom")
		}),
	}
}

func sumClientStreamMethod() grpcstack.MethodDesc {
	return grpcstack.MethodDesc{
		Service:              "test.Echo",
		Method:               "Sum",
		Kind:                 grpcstack.ClientStreaming,
		RequestSerializer:    bytesSerializer,
		RequestDeserializer:  bytesDeserializer,
		ResponseSerializer:   bytesSerializer,
		ResponseDeserializer: bytesDeserializer,
		Handler: server.ClientStreamHandler(func(cc *server.CallContext, reader *server.Reader) (any, error) {
			total := 0
			for {
				msg, err := reader.Recv()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return nil, err
				}
				total += int(msg.([]byte)[0])
			}
			return []byte{byte(total)}, nil
		}),
	}
}

func countServerStreamMethod() grpcstack.MethodDesc {
	return grpcstack.MethodDesc{
		Service:              "test.Echo",
		Method:               "Count",
		Kind:                 grpcstack.ServerStreaming,
		RequestSerializer:    bytesSerializer,
		RequestDeserializer:  bytesDeserializer,
		ResponseSerializer:   bytesSerializer,
		ResponseDeserializer: bytesDeserializer,
		Handler: server.ServerStreamHandler(func(cc *server.CallContext, req any, w *server.Writer) error {
			n := int(req.([]byte)[0])
			for i := 0; i < n; i++ {
				if err := w.Write([]byte{byte(i)}, frame.WriteOptions{}); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func echoDuplexMethod() grpcstack.MethodDesc {
	return grpcstack.MethodDesc{
		Service:              "test.Echo",
		Method:               "Duplex",
		Kind:                 grpcstack.DuplexStreaming,
		RequestSerializer:    bytesSerializer,
		RequestDeserializer:  bytesDeserializer,
		ResponseSerializer:   bytesSerializer,
		ResponseDeserializer: bytesDeserializer,
		Handler: server.DuplexStreamHandler(func(cc *server.CallContext, r *server.Reader, w *server.Writer) error {
			for {
				msg, err := r.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := w.Write(msg, frame.WriteOptions{}); err != nil {
					return err
				}
			}
		}),
	}
}

func echoService() grpcstack.ServiceDesc {
	return grpcstack.ServiceDesc{
		Name: "test.Echo",
		Methods: []grpcstack.MethodDesc{
			echoUnaryMethod(),
			failingUnaryMethod(),
			panickingUnaryMethod(),
			sumClientStreamMethod(),
			countServerStreamMethod(),
			echoDuplexMethod(),
		},
	}
}

func registerEchoService(mux *http.ServeMux, pipeline *server.Pipeline) {
	binder := server.NewBinder(mux, pipeline, server.BinderOptions{})
	if err := binder.Register(echoService(), false); err != nil {
		panic(err)
	}
}

func readFrame(t *testing.T, body io.Reader) []byte {
	t.Helper()
	codec := &frame.Codec{MaxReceiveMessageSize: frame.NoLimit}
	payload, err := codec.ReadOne(body)
	require.NoError(t, err)
	return payload
}

func TestUnaryCallSucceeds(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	resp := h.post(t, "/test.Echo/Say", nil, frameBody([]byte("hi")))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("x-echo"))

	payload := readFrame(t, resp.Body)
	require.Equal(t, []byte("hi"), payload)
	require.Equal(t, "0", resp.Trailer.Get("grpc-status"))
}

func TestUnaryCallSurfacesHandlerStatus(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	resp := h.post(t, "/test.Echo/Fail", nil, frameBody([]byte("x")))
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)
	require.Equal(t, strconv.Itoa(int(codes.NotFound)), resp.Header.Get("grpc-status"))
}

func TestUnaryCallRecoversFromHandlerPanic(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	resp := h.post(t, "/test.Echo/Panic", nil, frameBody([]byte("x")))
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)
	require.NotEqual(t, "0", resp.Header.Get("grpc-status"))
}

func TestClientStreamSumsMessages(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	codec := &frame.Codec{MaxSendMessageSize: frame.NoLimit}
	var buf bytes.Buffer
	require.NoError(t, codec.Write(&buf, []byte{2}, frame.WriteOptions{}))
	require.NoError(t, codec.Write(&buf, []byte{3}, frame.WriteOptions{}))

	resp := h.post(t, "/test.Echo/Sum", nil, &buf)
	defer resp.Body.Close()

	payload := readFrame(t, resp.Body)
	require.Equal(t, []byte{5}, payload)
	require.Equal(t, "0", resp.Trailer.Get("grpc-status"))
}

func TestServerStreamEmitsMultipleMessages(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	resp := h.post(t, "/test.Echo/Count", nil, frameBody([]byte{3}))
	defer resp.Body.Close()

	reader := &frame.Codec{MaxReceiveMessageSize: frame.NoLimit}
	var got []byte
	for i := 0; i < 3; i++ {
		payload, err := reader.ReadNext(resp.Body)
		require.NoError(t, err)
		got = append(got, payload...)
	}
	require.Equal(t, []byte{0, 1, 2}, got)

	last, err := reader.ReadNext(resp.Body)
	require.NoError(t, err)
	require.Nil(t, last)
	require.Equal(t, "0", resp.Trailer.Get("grpc-status"))
}

func TestDuplexEchoesEachMessage(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	codec := &frame.Codec{MaxSendMessageSize: frame.NoLimit}
	var buf bytes.Buffer
	require.NoError(t, codec.Write(&buf, []byte("a"), frame.WriteOptions{}))
	require.NoError(t, codec.Write(&buf, []byte("b"), frame.WriteOptions{}))

	resp := h.post(t, "/test.Echo/Duplex", nil, &buf)
	defer resp.Body.Close()

	reader := &frame.Codec{MaxReceiveMessageSize: frame.NoLimit}
	first, err := reader.ReadNext(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), first)
	second, err := reader.ReadNext(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), second)
	last, err := reader.ReadNext(resp.Body)
	require.NoError(t, err)
	require.Nil(t, last)
	require.Equal(t, "0", resp.Trailer.Get("grpc-status"))
}

func TestUnknownEncodingIsRejected(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	resp := h.post(t, "/test.Echo/Say", map[string]string{"grpc-encoding": "snappy"}, frameBody([]byte("x")))
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	require.Equal(t, strconv.Itoa(int(codes.Unimplemented)), resp.Header.Get("grpc-status"))
	require.NotEmpty(t, resp.Header.Get("grpc-accept-encoding"))
}

func TestUnrecognizedMethodOfKnownServiceIsUnimplemented(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	resp := h.post(t, "/test.Echo/DoesNotExist", nil, frameBody([]byte("x")))
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	require.Equal(t, strconv.Itoa(int(codes.Unimplemented)), resp.Header.Get("grpc-status"))
}

func TestUnrecognizedServiceIsUnimplemented(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	resp := h.post(t, "/totally.Unknown/Method", nil, frameBody([]byte("x")))
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	require.Equal(t, strconv.Itoa(int(codes.Unimplemented)), resp.Header.Get("grpc-status"))
}

func blockingUnaryMethod(entered, release chan struct{}) grpcstack.MethodDesc {
	return grpcstack.MethodDesc{
		Service:              "test.Echo",
		Method:               "Block",
		Kind:                 grpcstack.Unary,
		RequestSerializer:    bytesSerializer,
		RequestDeserializer:  bytesDeserializer,
		ResponseSerializer:   bytesSerializer,
		ResponseDeserializer: bytesDeserializer,
		Handler: server.UnaryHandler(func(cc *server.CallContext, req any) (any, error) {
			close(entered)
			<-release
			return req, nil
		}),
	}
}

func TestShutdownRejectsNewCallsWithUnavailable(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	require.NoError(t, h.pipeline.Shutdown(context.Background()))

	resp := h.post(t, "/test.Echo/Say", nil, frameBody([]byte("x")))
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	require.Equal(t, strconv.Itoa(int(codes.Unavailable)), resp.Header.Get("grpc-status"))
}

func TestShutdownWaitsForInFlightCallToFinish(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newTestHarness(t, func(mux *http.ServeMux, pipeline *server.Pipeline) {
		binder := server.NewBinder(mux, pipeline, server.BinderOptions{})
		svc := grpcstack.ServiceDesc{Name: "test.Echo", Methods: []grpcstack.MethodDesc{blockingUnaryMethod(entered, release)}}
		require.NoError(t, binder.Register(svc, false))
	})

	callDone := make(chan *http.Response, 1)
	go func() { callDone <- h.post(t, "/test.Echo/Block", nil, frameBody([]byte("x"))) }()
	<-entered

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- h.pipeline.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before the in-flight call finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-shutdownDone)

	resp := <-callDone
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	require.Equal(t, "0", resp.Trailer.Get("grpc-status"))
}

func TestRejectsNonGRPCContentType(t *testing.T) {
	h := newTestHarness(t, registerEchoService)

	req, err := http.NewRequest(http.MethodPost, h.baseURL+"/test.Echo/Say", frameBody([]byte("x")))
	require.NoError(t, err)
	req.Header.Set("content-type", "application/json")

	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}
