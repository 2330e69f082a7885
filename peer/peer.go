// Package peer describes the remote party of a call: its network address
// and, for TLS connections, the authentication info extracted from its
// certificate.
package peer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AuthInfo carries the identity established by the transport, if any.
type AuthInfo struct {
	TLS               bool
	CommonName        string
	SubjectAltNames   []string
	NegotiatedProtocol string
}

// Peer is attached to a call's context and is immutable once set.
type Peer struct {
	Addr     net.Addr
	AuthInfo AuthInfo
}

// Format renders addr as "ipv4:a.b.c.d:port" or "ipv6:[addr]:port",
// falling back to addr.String() for non-IP network addresses (e.g. a
// Unix domain socket).
func Format(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return addr.String()
	}
	if ip4 := ip.To4(); ip4 != nil {
		return fmt.Sprintf("ipv4:%s:%s", ip4.String(), port)
	}
	return fmt.Sprintf("ipv6:[%s]:%s", ip.String(), port)
}

// ParseAddr turns a "host:port" string (the shape http.Request.RemoteAddr
// always takes for a TCP connection) into a net.Addr, so it can be
// formatted by Format and round-tripped through net.Addr-typed APIs.
// A string that doesn't parse as host:port with an IP host falls back to
// a net.Addr whose String/Network just echo the raw value.
func ParseAddr(raw string) net.Addr {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return rawAddr(raw)
	}
	ip := net.ParseIP(host)
	port, err := strconv.Atoi(portStr)
	if ip == nil || err != nil {
		return rawAddr(raw)
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

// rawAddr is a net.Addr fallback for a remote-address string Format
// can't decompose into an IP and port (e.g. a Unix domain socket path).
type rawAddr string

func (a rawAddr) Network() string { return "unknown" }
func (a rawAddr) String() string  { return string(a) }

// FromTLSState extracts an AuthInfo from a completed TLS handshake,
// taking the leaf certificate's common name and SAN DNS names.
func FromTLSState(state *tls.ConnectionState) AuthInfo {
	info := AuthInfo{TLS: true, NegotiatedProtocol: state.NegotiatedProtocol}
	if len(state.PeerCertificates) == 0 {
		return info
	}
	leaf := state.PeerCertificates[0]
	info.CommonName = leaf.Subject.CommonName
	info.SubjectAltNames = append(info.SubjectAltNames, leaf.DNSNames...)
	return info
}

type peerKey struct{}

// NewContext attaches p to ctx.
func NewContext(ctx context.Context, p *Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// FromContext retrieves the Peer attached to ctx, if any.
func FromContext(ctx context.Context) (*Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(*Peer)
	return p, ok
}

// MatchesAnyDNSName reports whether name equals one of info's SAN DNS
// names, case-insensitively.
func (info AuthInfo) MatchesAnyDNSName(name string) bool {
	name = strings.ToLower(name)
	for _, san := range info.SubjectAltNames {
		if strings.ToLower(san) == name {
			return true
		}
	}
	return false
}
