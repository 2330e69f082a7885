// Package grpcstack implements a gRPC-over-HTTP/2 server and client: wire
// framing, metadata and timeout codecs, deadline management, the four RPC
// shapes, and a retry/hedging client engine, independent of any particular
// serialization format.
package grpcstack

import (
	"fmt"
	"strings"
)

// MethodKind is one of the four gRPC method shapes.
type MethodKind int

const (
	Unary MethodKind = iota
	ClientStreaming
	ServerStreaming
	DuplexStreaming
)

func (k MethodKind) String() string {
	switch k {
	case Unary:
		return "Unary"
	case ClientStreaming:
		return "ClientStreaming"
	case ServerStreaming:
		return "ServerStreaming"
	case DuplexStreaming:
		return "DuplexStreaming"
	default:
		return fmt.Sprintf("MethodKind(%d)", int(k))
	}
}

// ClientStreams reports whether the client sends more than one message.
func (k MethodKind) ClientStreams() bool {
	return k == ClientStreaming || k == DuplexStreaming
}

// ServerStreams reports whether the server sends more than one message.
func (k MethodKind) ServerStreams() bool {
	return k == ServerStreaming || k == DuplexStreaming
}

// Serializer turns an application message into wire bytes.
type Serializer func(msg any) ([]byte, error)

// Deserializer parses wire bytes into a freshly allocated application
// message of the method's declared request (or response) type.
type Deserializer func(data []byte) (any, error)

// MethodDesc is the immutable descriptor of one RPC method, independent of
// any particular handler instance.
type MethodDesc struct {
	Service string
	Method  string
	Kind    MethodKind

	RequestSerializer    Serializer
	RequestDeserializer  Deserializer
	ResponseSerializer   Serializer
	ResponseDeserializer Deserializer

	// Handler is invoked once per call; its signature depends on Kind and
	// is type-asserted by the server pipeline against one of the Handler*
	// function types declared by the server package.
	Handler any

	// CompressionName, if set, overrides the pipeline's default response
	// compression algorithm for this method; the binder rejects
	// registration if no matching provider exists.
	CompressionName string
}

// FullName returns "/" + Service + "/" + Method, the form carried in the
// HTTP/2 request path and used throughout diagnostics.
func (m MethodDesc) FullName() string {
	return "/" + m.Service + "/" + m.Method
}

// ServiceDesc groups the methods implemented by one service under a
// shared name, mirroring the descriptor a code generator would emit.
type ServiceDesc struct {
	Name    string
	Methods []MethodDesc
}

// SplitFullName parses a "/service/method" path into its two components.
// ok is false if fullName doesn't have exactly two non-empty segments.
func SplitFullName(fullName string) (service, method string, ok bool) {
	if len(fullName) == 0 || fullName[0] != '/' {
		return "", "", false
	}
	rest := fullName[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			service, method = rest[:i], rest[i+1:]
			if service == "" || method == "" || strings.IndexByte(method, '/') >= 0 {
				return "", "", false
			}
			return service, method, true
		}
	}
	return "", "", false
}
