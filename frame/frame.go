// Package frame implements the gRPC message codec: the 5-byte
// length-prefixed frame, size-limit enforcement, and per-message
// compression.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/compression"
	"github.com/varavelio/grpcstack/status"
)

const headerLen = 5

// MaxFrameLength is the hard wire ceiling (2^31-1), well below the
// 2^32-1 the raw 4-byte length field could otherwise address.
const MaxFrameLength = 1<<31 - 1

// NoLimit disables a message-size check.
const NoLimit = -1

// Codec carries everything ReadOne/ReadNext/Write need to interpret
// compression and enforce size limits for one call's messages. One Codec
// is built per call from the negotiated grpc-encoding/grpc-accept-encoding
// headers; it is safe to reuse for every message on that call but must not
// be shared across calls.
type Codec struct {
	Registry *compression.Registry

	// ReceiveEncoding is the encoding named by the peer's grpc-encoding
	// header on frames we read; "" or "identity" means uncompressed.
	ReceiveEncoding string
	// SendEncoding is the encoding we advertise via our own grpc-encoding
	// header for frames we write.
	SendEncoding string
	// PeerAcceptEncoding lists the encodings the peer declared it can
	// decode (their grpc-accept-encoding); governs write-side rule (b).
	PeerAcceptEncoding []string
	// CompressionLevel is passed to the provider's Compress when writing.
	CompressionLevel compression.Level

	MaxReceiveMessageSize int // NoLimit for unbounded
	MaxSendMessageSize    int // NoLimit for unbounded
}

// WriteOptions mirrors the per-write knobs a handler can set before a
// write.
type WriteOptions struct {
	BufferHint bool
	NoCompress bool
}

// ReadOne reads exactly one frame from r and requires the reader to be at
// EOF immediately afterward.
func (c *Codec) ReadOne(r io.Reader) ([]byte, error) {
	payload, err := c.readFrame(r, false)
	if err != nil {
		return nil, err
	}
	var extra [1]byte
	if n, _ := io.ReadFull(r, extra[:]); n != 0 {
		return nil, status.Error(codes.Internal, "Additional data after the message received.")
	}
	return payload, nil
}

// ReadNext reads the next frame from r, or (nil, nil) at a clean EOF
// between frames.
func (c *Codec) ReadNext(r io.Reader) ([]byte, error) {
	return c.readFrame(r, true)
}

func (c *Codec) readFrame(r io.Reader, allowCleanEOF bool) ([]byte, error) {
	var header [headerLen]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if allowCleanEOF && n == 0 && err == io.EOF {
			return nil, nil
		}
		if st, ok := status.FromError(err); ok {
			return nil, st.Err()
		}
		return nil, status.Error(codes.Internal, "Incomplete message.")
	}

	compressed := header[0] == 1
	length := binary.BigEndian.Uint32(header[1:])

	if c.MaxReceiveMessageSize != NoLimit && int64(length) > int64(c.MaxReceiveMessageSize) {
		return nil, status.Error(codes.ResourceExhausted, "Received message exceeds the maximum configured message size.")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if st, ok := status.FromError(err); ok {
			return nil, st.Err()
		}
		return nil, status.Error(codes.Internal, "Incomplete message.")
	}

	if !compressed {
		return payload, nil
	}

	encoding := c.ReceiveEncoding
	if encoding == "" {
		encoding = "identity"
	}
	provider, ok := c.Registry.Lookup(encoding)
	if !ok {
		return nil, status.Newf(codes.Unimplemented, "Unsupported grpc-encoding %q.", encoding).Err()
	}
	decoded, err := compression.DecompressBytes(provider, payload)
	if err != nil {
		return nil, status.Newf(codes.Internal, "Failed to decompress message: %v", err).Err()
	}
	return decoded, nil
}

// Flusher is implemented by transports that can push buffered bytes
// immediately (e.g. http.Flusher); Write no-ops the flush when w doesn't
// implement it and flush is requested anyway.
type Flusher interface {
	Flush()
}

// Write frames payload onto w, applying compression per the three rules
// in shouldCompress, then flushes unless opts.BufferHint suppresses it.
func (c *Codec) Write(w io.Writer, payload []byte, opts WriteOptions) error {
	wire, compressed, err := c.encode(payload, opts)
	if err != nil {
		return err
	}

	if c.MaxSendMessageSize != NoLimit && len(wire) > c.MaxSendMessageSize {
		return status.Error(codes.ResourceExhausted, "Sending message exceeds the maximum configured message size.")
	}
	if len(wire) > MaxFrameLength {
		return status.Error(codes.ResourceExhausted, "Sending message exceeds the maximum configured message size.")
	}

	var header [headerLen]byte
	if compressed {
		header[0] = 1
	}
	binary.BigEndian.PutUint32(header[1:], uint32(len(wire)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(wire); err != nil {
		return err
	}

	if !opts.BufferHint {
		if f, ok := w.(Flusher); ok {
			f.Flush()
		}
	}
	return nil
}

func (c *Codec) encode(payload []byte, opts WriteOptions) (wire []byte, compressed bool, err error) {
	if !c.shouldCompress(opts) {
		return payload, false, nil
	}
	provider, ok := c.Registry.Lookup(c.SendEncoding)
	if !ok {
		return payload, false, nil
	}
	out, err := compression.CompressBytes(provider, c.CompressionLevel, payload)
	if err != nil {
		return nil, false, status.Newf(codes.Internal, "Failed to compress message: %v", err).Err()
	}
	return out, true, nil
}

// shouldCompress applies three write-path conditions: (a) a non-identity
// encoding is selected, (b) the peer declared it accepts that encoding,
// and (c) the caller didn't suppress compression for this write.
func (c *Codec) shouldCompress(opts WriteOptions) bool {
	if opts.NoCompress {
		return false
	}
	if c.SendEncoding == "" || c.SendEncoding == "identity" {
		return false
	}
	for _, name := range c.PeerAcceptEncoding {
		if name == c.SendEncoding {
			return true
		}
	}
	return false
}
