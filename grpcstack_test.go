package grpcstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMethodDescFullName(t *testing.T) {
	m := MethodDesc{Service: "pkg.Greeter", Method: "SayHello"}
	assert.Equal(t, "/pkg.Greeter/SayHello", m.FullName())
}

func TestMethodKindStreamingFlags(t *testing.T) {
	assert.False(t, Unary.ClientStreams())
	assert.False(t, Unary.ServerStreams())
	assert.True(t, ClientStreaming.ClientStreams())
	assert.False(t, ClientStreaming.ServerStreams())
	assert.False(t, ServerStreaming.ClientStreams())
	assert.True(t, ServerStreaming.ServerStreams())
	assert.True(t, DuplexStreaming.ClientStreams())
	assert.True(t, DuplexStreaming.ServerStreams())
}

func TestSplitFullName(t *testing.T) {
	service, method, ok := SplitFullName("/pkg.Greeter/SayHello")
	assert.True(t, ok)
	assert.Equal(t, "pkg.Greeter", service)
	assert.Equal(t, "SayHello", method)

	_, _, ok = SplitFullName("no-leading-slash")
	assert.False(t, ok)

	_, _, ok = SplitFullName("/onlyservice")
	assert.False(t, ok)

	_, _, ok = SplitFullName("//missingservice")
	assert.False(t, ok)
}

func TestMethodKindString(t *testing.T) {
	assert.Equal(t, "DuplexStreaming", DuplexStreaming.String())
	assert.Equal(t, "MethodKind(99)", MethodKind(99).String())
}
