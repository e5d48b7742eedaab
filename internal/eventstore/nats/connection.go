package nats

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream is the slice of the jetstream API the adapter uses.
// Narrowed for testability.
type JetStream interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	OrderedConsumer(ctx context.Context, stream string, cfg jetstream.OrderedConsumerConfig) (jetstream.Consumer, error)
	Stream(ctx context.Context, stream string) (jetstream.Stream, error)
}

// Compile-time check that the real jetstream client satisfies JetStream.
var _ JetStream = jetstream.JetStream(nil)

// natsConnect is a variable to allow mocking in tests.
var natsConnect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

// jetStreamNew is a variable to allow mocking in tests.
var jetStreamNew = func(nc *nats.Conn) (JetStream, error) {
	return jetstream.New(nc)
}
