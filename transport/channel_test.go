package transport_test

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/varavelio/grpcstack/transport"
)

func TestNewChannelTransportWithoutTLSForcesPlaintextHTTP2(t *testing.T) {
	tr := transport.NewChannelTransport()
	assert.True(t, tr.AllowHTTP)
	assert.NotNil(t, tr.DialTLSContext)
	assert.Nil(t, tr.TLSClientConfig)
}

func TestNewChannelTransportWithTLSUsesALPN(t *testing.T) {
	cfg := &tls.Config{ServerName: "example.com"}
	tr := transport.NewChannelTransport(transport.WithTransportTLSConfig(cfg))
	assert.Same(t, cfg, tr.TLSClientConfig)
	assert.False(t, tr.AllowHTTP)
	assert.Nil(t, tr.DialTLSContext)
}
