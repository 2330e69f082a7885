// Package metadata implements the gRPC header/trailer codec: name
// normalization, -bin binary headers, pseudo-header and hop-by-hop
// filtering, and grpc-message percent-encoding.
package metadata

import (
	"context"
	"encoding/base64"
	"strings"
)

// MD is a case-insensitive (keys are stored lowercase) multi-value header
// set, mirroring the real gRPC metadata.MD.
type MD map[string][]string

// BinHeaderSuffix marks a header name as carrying base64-encoded bytes.
const BinHeaderSuffix = "-bin"

// pseudoHeaders are HTTP/2 pseudo-headers, never exposed to handlers.
var pseudoHeaders = map[string]bool{
	":method":    true,
	":scheme":    true,
	":authority": true,
	":path":      true,
}

// hopByHop are stripped from the user-visible request metadata because the
// transport or this package already owns their semantics.
var hopByHop = map[string]bool{
	"te":              true,
	"host":            true,
	"accept-encoding": true,
	"content-type":    true,
}

// New builds an MD from a plain map, lowercasing every key.
func New(m map[string]string) MD {
	md := make(MD, len(m))
	for k, v := range m {
		key := strings.ToLower(k)
		md[key] = append(md[key], v)
	}
	return md
}

// Pairs builds an MD from alternating key/value strings, lowercasing keys.
// Panics if len(kv) is odd, matching the real gRPC metadata.Pairs contract.
func Pairs(kv ...string) MD {
	if len(kv)%2 == 1 {
		panic("metadata: Pairs got an odd number of input pairs")
	}
	md := make(MD, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key := strings.ToLower(kv[i])
		md[key] = append(md[key], kv[i+1])
	}
	return md
}

// Get returns the values for key (case-insensitive), or nil if absent.
// A present-but-empty value is distinct from an absent key: Get returns a
// non-nil empty-string slice element in the former case, nil in the latter.
func (md MD) Get(key string) []string {
	return md[strings.ToLower(key)]
}

// Set replaces all values for key.
func (md MD) Set(key, value string) {
	md[strings.ToLower(key)] = []string{value}
}

// Append adds value to the existing set (or none) for key.
func (md MD) Append(key, value string) {
	key = strings.ToLower(key)
	md[key] = append(md[key], value)
}

// Clone returns a deep copy of md.
func (md MD) Clone() MD {
	out := make(MD, len(md))
	for k, v := range md {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Join merges one or more MD sets, later sets' values appended after
// earlier ones for shared keys.
func Join(mds ...MD) MD {
	out := MD{}
	for _, md := range mds {
		for k, v := range md {
			out[k] = append(out[k], v...)
		}
	}
	return out
}

// IsBinary reports whether key carries base64-encoded bytes per the -bin
// suffix convention (case-insensitive).
func IsBinary(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), BinHeaderSuffix)
}

// EncodeBinValue base64-encodes v with standard padding, as required on the
// wire for -bin headers.
func EncodeBinValue(v []byte) string {
	return base64.StdEncoding.EncodeToString(v)
}

// DecodeBinValue base64-decodes s, tolerating missing padding.
func DecodeBinValue(s string) ([]byte, error) {
	if enc := paddingTolerantEncoding(s); enc != nil {
		return enc.DecodeString(s)
	}
	return base64.StdEncoding.DecodeString(s)
}

// paddingTolerantEncoding picks an encoding that accepts s's length without
// requiring '=' padding, choosing RawStdEncoding when s carries no padding.
func paddingTolerantEncoding(s string) *base64.Encoding {
	if strings.ContainsRune(s, '=') {
		return nil
	}
	return base64.RawStdEncoding
}

// FromWireHeaders builds the user-visible request MD from raw incoming
// header name/value pairs: lowercases names and filters pseudo-headers and
// hop-by-hop headers. -bin values are left as their base64 text here;
// decode errors surface lazily via GetBinary when a consumer first
// inspects the value.
func FromWireHeaders(pairs [][2]string) MD {
	md := MD{}
	for _, p := range pairs {
		key := strings.ToLower(p[0])
		if pseudoHeaders[key] || hopByHop[key] {
			continue
		}
		md[key] = append(md[key], p[1])
	}
	return md
}

// GetBinary returns the decoded bytes for a -bin key's first value.
func (md MD) GetBinary(key string) ([]byte, bool, error) {
	vs := md.Get(key)
	if len(vs) == 0 {
		return nil, false, nil
	}
	b, err := DecodeBinValue(vs[0])
	return b, true, err
}

type incomingKey struct{}
type outgoingKey struct{}

// NewIncomingContext attaches md as the request metadata of ctx.
func NewIncomingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, incomingKey{}, md)
}

// FromIncomingContext retrieves the request metadata attached to ctx.
func FromIncomingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(incomingKey{}).(MD)
	return md, ok
}

// NewOutgoingContext attaches md as the outgoing metadata of ctx, for use
// by a client call.
func NewOutgoingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, outgoingKey{}, md)
}

// FromOutgoingContext retrieves the outgoing metadata attached to ctx.
func FromOutgoingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(outgoingKey{}).(MD)
	return md, ok
}

// AppendToOutgoingContext returns a new context with kv appended to any
// outgoing metadata already present on ctx.
func AppendToOutgoingContext(ctx context.Context, kv ...string) context.Context {
	add := Pairs(kv...)
	existing, _ := FromOutgoingContext(ctx)
	return NewOutgoingContext(ctx, Join(existing, add))
}
