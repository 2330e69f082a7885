package client

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/varavelio/grpcstack/client/throttle"
	"github.com/varavelio/grpcstack/compression"
	"github.com/varavelio/grpcstack/event"
	"github.com/varavelio/grpcstack/serviceconfig"
)

// PerRPCCredentials injects metadata into every call made through a
// Channel, the same seam real gRPC exposes as credentials.PerRPCCredentials.
type PerRPCCredentials interface {
	GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error)
}

// Channel is the long-lived client-side handle: one HTTP client, one
// compression registry, one service-config table, and exactly one retry
// throttle shared by every call made through it.
type Channel struct {
	Target string // e.g. "https://api.example.com"
	HTTP   *http.Client

	Registry      *compression.Registry
	ServiceConfig *serviceconfig.Config
	Throttle      *throttle.Throttle
	Sink          event.Sink
	Logger        logrus.FieldLogger

	MaxReceiveMessageSize int
	MaxSendMessageSize    int
	SendEncoding          string
	CompressionLevel      compression.Level
	MaxAttemptsCap        int

	Credentials PerRPCCredentials
}

// ChannelOption configures a Channel at construction using the
// functional-option builder style.
type ChannelOption func(*Channel)

func WithHTTPClient(c *http.Client) ChannelOption {
	return func(ch *Channel) { ch.HTTP = c }
}

func WithChannelCompressionRegistry(r *compression.Registry) ChannelOption {
	return func(ch *Channel) { ch.Registry = r }
}

func WithServiceConfig(cfg *serviceconfig.Config) ChannelOption {
	return func(ch *Channel) { ch.ServiceConfig = cfg }
}

func WithChannelEventSink(s event.Sink) ChannelOption {
	return func(ch *Channel) { ch.Sink = s }
}

func WithChannelLogger(log logrus.FieldLogger) ChannelOption {
	return func(ch *Channel) { ch.Logger = log }
}

func WithMaxReceiveMessageSize(n int) ChannelOption {
	return func(ch *Channel) { ch.MaxReceiveMessageSize = n }
}

func WithMaxSendMessageSize(n int) ChannelOption {
	return func(ch *Channel) { ch.MaxSendMessageSize = n }
}

func WithSendEncoding(name string, level compression.Level) ChannelOption {
	return func(ch *Channel) { ch.SendEncoding = name; ch.CompressionLevel = level }
}

func WithPerRPCCredentials(c PerRPCCredentials) ChannelOption {
	return func(ch *Channel) { ch.Credentials = c }
}

func WithMaxAttemptsCap(n int) ChannelOption {
	return func(ch *Channel) { ch.MaxAttemptsCap = n }
}

// NewChannel builds a Channel with the given target and defaults
// (full-token throttle, default compression registry, unlimited message
// sizes), then applies opts.
func NewChannel(target string, opts ...ChannelOption) *Channel {
	ch := &Channel{
		Target:                target,
		HTTP:                  http.DefaultClient,
		Registry:              compression.DefaultRegistry(),
		Throttle:              throttle.New(100, 0.1),
		Sink:                  event.Nop,
		MaxReceiveMessageSize: -1,
		MaxSendMessageSize:    -1,
		MaxAttemptsCap:        5,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}
