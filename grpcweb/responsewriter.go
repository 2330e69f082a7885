package grpcweb

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/varavelio/grpcstack/metadata"
	"github.com/varavelio/grpcstack/status"
)

// trailerFrameFlag marks a grpc-web frame as the trailer block rather
// than a data frame: the high bit of the frame's one-byte flag, the
// same position the gRPC wire frame uses for the compression flag.
const trailerFrameFlag = 0x80

// ResponseWriter wraps an http.ResponseWriter so every frame the call
// pipeline writes goes out base64-encoded, and implements the pipeline's
// grpcWebTrailerWriter hook so the terminal status and trailer metadata
// ride in an embedded trailer frame instead of a real HTTP trailer.
type ResponseWriter struct {
	http.ResponseWriter
	contentType string

	wroteHeader bool
	leftover    []byte
}

// NewResponseWriter wraps w so its Write calls base64-encode outgoing
// bytes and its content-type response header reads contentType (the
// original grpc-web content-type the client sent) instead of whatever
// plain application/grpc content-type the pipeline sets.
func NewResponseWriter(w http.ResponseWriter, contentType string) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, contentType: contentType}
}

// WriteHeader forces the content-type back to the grpc-web variant and
// strips the "Trailer" pre-announcement the pipeline sets for real HTTP
// trailers, which grpc-web never uses.
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.Header().Set("content-type", rw.contentType)
	rw.Header().Del("trailer")
	rw.ResponseWriter.WriteHeader(code)
}

// Write base64-encodes p and writes it to the underlying response,
// buffering 0-2 bytes between calls so every encoded group lands on a
// 3-byte boundary regardless of how the caller chunks its writes.
func (rw *ResponseWriter) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	data := append(rw.leftover, p...)
	encodable := len(data) - (len(data) % 3)
	rw.leftover = append([]byte(nil), data[encodable:]...)
	if encodable > 0 {
		if _, err := io.WriteString(rw.ResponseWriter, base64.StdEncoding.EncodeToString(data[:encodable])); err != nil {
			return 0, err
		}
		flushIfPossible(rw.ResponseWriter)
	}
	return len(p), nil
}

// WriteGRPCWebTrailer renders st and trailer as an HTTP/1-style header
// block, frames it with the trailer flag set, and writes it base64
// encoded, flushing any bytes still buffered from a prior Write first.
func (rw *ResponseWriter) WriteGRPCWebTrailer(st *status.Status, trailer metadata.MD) error {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	var block strings.Builder
	block.WriteString("grpc-status: " + strconv.Itoa(int(st.Code())) + "\r\n")
	if msg := st.Message(); msg != "" {
		block.WriteString("grpc-message: " + metadata.EncodeGrpcMessage(msg) + "\r\n")
	}
	for k, vs := range trailer {
		for _, v := range vs {
			if metadata.IsBinary(k) {
				v = metadata.EncodeBinValue([]byte(v))
			}
			block.WriteString(k + ": " + v + "\r\n")
		}
	}

	payload := []byte(block.String())
	header := make([]byte, 5)
	header[0] = trailerFrameFlag
	putUint32(header[1:], uint32(len(payload)))

	if _, err := rw.Write(header); err != nil {
		return err
	}
	if _, err := rw.Write(payload); err != nil {
		return err
	}
	return rw.flushLeftover()
}

func (rw *ResponseWriter) flushLeftover() error {
	if len(rw.leftover) == 0 {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(rw.leftover)
	rw.leftover = nil
	_, err := io.WriteString(rw.ResponseWriter, encoded)
	flushIfPossible(rw.ResponseWriter)
	return err
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func flushIfPossible(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
