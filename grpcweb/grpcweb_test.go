package grpcweb_test

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varavelio/grpcstack"
	"github.com/varavelio/grpcstack/frame"
	"github.com/varavelio/grpcstack/grpcweb"
	"github.com/varavelio/grpcstack/server"
)

func TestContentTypeRecognizesGRPCWebVariants(t *testing.T) {
	eq, ok := grpcweb.ContentType("application/grpc-web+proto")
	require.True(t, ok)
	assert.Equal(t, "application/grpc+proto", eq)

	eq, ok = grpcweb.ContentType("application/grpc-web")
	require.True(t, ok)
	assert.Equal(t, "application/grpc", eq)

	_, ok = grpcweb.ContentType("application/grpc+proto")
	assert.False(t, ok)
}

func echoMethod() grpcstack.MethodDesc {
	return grpcstack.MethodDesc{
		Service:              "test.Echo",
		Method:               "Say",
		Kind:                 grpcstack.Unary,
		RequestSerializer:    func(msg any) ([]byte, error) { return msg.([]byte), nil },
		RequestDeserializer:  func(data []byte) (any, error) { return data, nil },
		ResponseSerializer:   func(msg any) ([]byte, error) { return msg.([]byte), nil },
		ResponseDeserializer: func(data []byte) (any, error) { return data, nil },
		Handler: server.UnaryHandler(func(cc *server.CallContext, req any) (any, error) {
			return req, nil
		}),
	}
}

func encodeGRPCWebBody(t *testing.T, msg []byte) []byte {
	t.Helper()
	codec := &frame.Codec{MaxSendMessageSize: frame.NoLimit}
	var raw bytes.Buffer
	require.NoError(t, codec.Write(&raw, msg, frame.WriteOptions{}))
	return []byte(base64.StdEncoding.EncodeToString(raw.Bytes()))
}

// TestWrapServesUnaryOverHTTP1 exercises the full adapter path: an
// HTTP/1.1 request with a base64 body reaches a pipeline built to
// require HTTP/2, and the response comes back base64-encoded with an
// embedded trailer frame instead of a real HTTP trailer.
func TestWrapServesUnaryOverHTTP1(t *testing.T) {
	pipeline := server.NewPipeline(server.Config{})
	mux := http.NewServeMux()
	mux.Handle("POST /test.Echo/Say", pipeline.Handler(echoMethod()))

	handler := grpcweb.Wrap(mux)

	body := encodeGRPCWebBody(t, []byte("ping"))
	r := httptest.NewRequest(http.MethodPost, "/test.Echo/Say", bytes.NewReader(body))
	r.Header.Set("content-type", "application/grpc-web+proto")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, r)

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/grpc-web+proto", resp.Header.Get("content-type"))

	rawWire, err := base64.StdEncoding.DecodeString(w.Body.String())
	require.NoError(t, err)

	readCodec := &frame.Codec{MaxReceiveMessageSize: frame.NoLimit}
	wireReader := bytes.NewReader(rawWire)

	payload, err := readCodec.ReadNext(wireReader)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), payload)

	trailerFrame := make([]byte, 5)
	_, err = io.ReadFull(wireReader, trailerFrame)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), trailerFrame[0])

	remainder, err := io.ReadAll(wireReader)
	require.NoError(t, err)
	assert.Contains(t, string(remainder), "grpc-status: 0")
}

func TestWrapPassesThroughNonGRPCWebRequests(t *testing.T) {
	var sawContentType string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawContentType = r.Header.Get("content-type")
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodPost, "/test.Echo/Say", nil)
	r.Header.Set("content-type", "application/grpc+proto")
	w := httptest.NewRecorder()

	grpcweb.Wrap(inner).ServeHTTP(w, r)

	assert.Equal(t, "application/grpc+proto", sawContentType)
}

func TestWrapRejectsIncompleteBase64Tail(t *testing.T) {
	pipeline := server.NewPipeline(server.Config{})
	mux := http.NewServeMux()
	mux.Handle("POST /test.Echo/Say", pipeline.Handler(echoMethod()))

	r := httptest.NewRequest(http.MethodPost, "/test.Echo/Say", bytes.NewReader([]byte("abcde")))
	r.Header.Set("content-type", "application/grpc-web+proto")
	w := httptest.NewRecorder()

	grpcweb.Wrap(mux).ServeHTTP(w, r)

	rawWire, err := base64.StdEncoding.DecodeString(w.Body.String())
	require.NoError(t, err)
	assert.NotContains(t, string(rawWire), "grpc-status: 0")
	assert.Contains(t, string(rawWire), "Unexpected%20end%20of%20data%20when%20reading%20base64%20content.")
}
