package redisstream

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coachchat/pkg/logging"
)

// PubSub bundles the publisher/subscriber pair a channel bus runs on.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Redis is set when the pair is backed by Redis Streams; the channel registry can share it.
	Redis *redis.Client
}

func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.Subscriber != nil {
		if err := p.Subscriber.Close(); err != nil {
			firstErr = err
		}
	}
	// gochannel serves both roles from one value; closing it twice is a no-op there.
	if p.Publisher != nil {
		if err := p.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Redis != nil {
		// the stream publisher may already have closed the shared client
		_ = p.Redis.Close()
	}
	return firstErr
}

// NewClient returns a go-redis client for the configured server.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
}

// BuildPubSub constructs a Redis Streams backed publisher/subscriber when enabled.
// If settings.Enabled is false, it returns a persistent in-memory gochannel so late watchers still replay the channel.
func BuildPubSub(s Settings) (*PubSub, error) {
	logger := logging.NewWatermillLogger(log.Logger)

	if !s.Enabled {
		gc := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          true,
		}, logger)
		return &PubSub{Publisher: gc, Subscriber: gc}, nil
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	s = withProcessGroup(s)
	client := NewClient(s)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	log.Info().Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("using redis streams channel bus")
	return &PubSub{Publisher: pub, Subscriber: sub, Redis: client}, nil
}
