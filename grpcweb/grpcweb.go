// Package grpcweb adapts the call pipeline to HTTP/1.1 browser clients
// that speak the grpc-web wire variant: the request and response bodies
// carry standard base64 text instead of raw HTTP/2 frames, and the
// terminal status/trailer metadata rides in an embedded trailer frame
// (high bit set on its first byte) rather than a real HTTP trailer,
// since Fetch/XHR give browser JavaScript no way to read one.
package grpcweb

import (
	"encoding/base64"
	"io"
	"strings"

	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/status"
)

// ContentType reports whether ct names a grpc-web request and, if so,
// the application/grpc content-type the call pipeline should see for
// codec negotiation, carrying through any +proto/+json suffix.
func ContentType(ct string) (equivalent string, ok bool) {
	if !strings.HasPrefix(ct, "application/grpc-web") {
		return "", false
	}
	if i := strings.Index(ct, "+"); i >= 0 {
		return "application/grpc" + ct[i:], true
	}
	return "application/grpc", true
}

// errIncompleteBase64 surfaces when the request body ends mid base64
// group: a client that was cut off or encoded incorrectly. It carries a
// status so frame.Codec's read path passes the message through instead
// of folding it into its own generic "Incomplete message." error.
var errIncompleteBase64 = status.Error(codes.Internal, "Unexpected end of data when reading base64 content.")

// base64Reader decodes a grpc-web request body incrementally, three
// decoded bytes at a time per four input characters, so a blocked
// underlying Read (and the context cancellation racing it further
// down, in server.Reader) behaves exactly as it would for a raw
// gRPC body.
type base64Reader struct {
	src io.Reader
	in  []byte // undecoded input bytes, always fewer than 4
	out []byte // decoded bytes not yet returned to the caller
	err error
}

func newBase64Reader(src io.Reader) *base64Reader {
	return &base64Reader{src: src}
}

func (r *base64Reader) Read(p []byte) (int, error) {
	for len(r.out) == 0 && r.err == nil {
		r.fill()
	}
	if len(r.out) == 0 {
		return 0, r.err
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// fill reads one chunk from the source, decodes every complete group of
// four input bytes now held, and records a terminal error on r.err once
// the source is exhausted or fails; decoded bytes already produced are
// still returned to the caller before that error surfaces.
func (r *base64Reader) fill() {
	chunk := make([]byte, 4096)
	n, readErr := r.src.Read(chunk)
	if n > 0 {
		r.in = append(r.in, chunk[:n]...)
		decodable := len(r.in) - (len(r.in) % 4)
		if decodable > 0 {
			decoded, derr := decodeBase64Group(r.in[:decodable])
			if derr != nil {
				r.err = derr
				return
			}
			r.out = append(r.out, decoded...)
			r.in = r.in[decodable:]
		}
	}
	if readErr != nil {
		if readErr == io.EOF && len(r.in) > 0 {
			r.err = errIncompleteBase64
			return
		}
		r.err = readErr
	}
}

func decodeBase64Group(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(out, b)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
