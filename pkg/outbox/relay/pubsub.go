package relay

import (
	"context"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/keymarket-backend/pkg/outbox/registry"
)

type publisherSource interface {
	Publisher(name string) *gcppubsub.Publisher
}

// PubSubSink sends messages through cached Pub/Sub publishers.
type PubSubSink struct {
	source publisherSource
}

func NewPubSubSink(source publisherSource) (*PubSubSink, error) {
	if source == nil {
		return nil, fmt.Errorf("pubsub client required")
	}
	return &PubSubSink{source: source}, nil
}

func (s *PubSubSink) Send(ctx context.Context, topic string, msg Message) error {
	pub := s.source.Publisher(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %q", topic))
	}
	_, err := pub.Publish(ctx, &gcppubsub.Message{Data: msg.Data, Attributes: msg.Attributes}).Get(ctx)
	return err
}
