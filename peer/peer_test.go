package peer

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatIPv4(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 443}
	assert.Equal(t, "ipv4:10.0.0.1:443", Format(addr))
}

func TestFormatIPv6(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 443}
	assert.Equal(t, "ipv6:[::1]:443", Format(addr))
}

func TestFormatFallsBackForNonIPAddr(t *testing.T) {
	addr := &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}
	assert.Equal(t, addr.String(), Format(addr))
}

func TestContextRoundTrip(t *testing.T) {
	p := &Peer{Addr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 80}}
	ctx := NewContext(context.Background(), p)

	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Same(t, p, got)
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestMatchesAnyDNSNameCaseInsensitive(t *testing.T) {
	info := AuthInfo{SubjectAltNames: []string{"Example.COM"}}
	assert.True(t, info.MatchesAnyDNSName("example.com"))
	assert.False(t, info.MatchesAnyDNSName("other.com"))
}

func TestParseAddrFormatsIPv4RemoteAddr(t *testing.T) {
	addr := ParseAddr("192.0.2.1:1234")
	assert.Equal(t, "ipv4:192.0.2.1:1234", Format(addr))
}

func TestParseAddrFormatsIPv6RemoteAddr(t *testing.T) {
	addr := ParseAddr("[::1]:1234")
	assert.Equal(t, "ipv6:[::1]:1234", Format(addr))
}

func TestParseAddrFallsBackForUnparseableRemoteAddr(t *testing.T) {
	addr := ParseAddr("not-a-host-port")
	assert.Equal(t, "not-a-host-port", Format(addr))
}
