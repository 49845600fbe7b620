package streamtransport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/workoutstream/pkg/redisstream"
)

// Backend wraps transport setup concerns (in-memory or redis) and exposes
// publisher/subscriber construction for job channels.
type Backend interface {
	Publisher() message.Publisher
	SubscriberFactory() SubscriberFactory
	RedisClient() redis.UniversalClient
	Close() error
}

// NewInMemoryPubSub returns an ordered in-process pub/sub: Publish returns
// only after the subscriber acked, so sequential publishes arrive in order.
func NewInMemoryPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
}

type inMemoryBackend struct {
	pubsub *gochannel.GoChannel
}

type redisBackend struct {
	client    *redis.Client
	publisher message.Publisher
	settings  redisstream.Settings
	logger    watermill.LoggerAdapter
	// instance scopes consumer groups to this process, so every process
	// receives every chunk of the jobs it binds.
	instance string
}

const groupDestroyTimeout = 5 * time.Second

// NewBackend builds the Redis Streams backend when enabled, the in-memory one otherwise.
func NewBackend(ctx context.Context, s redisstream.Settings, logger zerolog.Logger) (Backend, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	wl := NewWatermillLogger(logger)
	if !s.Enabled {
		return &inMemoryBackend{pubsub: NewInMemoryPubSub(wl)}, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	client := redisstream.NewClient(s)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", s.Addr)
	}
	// watermill-redisstream closes the client it was given, so the publisher
	// and every subscriber get their own.
	pubClient := redisstream.NewClient(s)
	pub, err := redisstream.BuildPublisher(pubClient, wl)
	if err != nil {
		_ = pubClient.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "build redis publisher")
	}
	return &redisBackend{
		client:    client,
		publisher: pub,
		settings:  s,
		logger:    wl,
		instance:  uuid.NewString(),
	}, nil
}

func (b *inMemoryBackend) Publisher() message.Publisher { return b.pubsub }

func (b *inMemoryBackend) SubscriberFactory() SubscriberFactory { return SharedSubscriber(b.pubsub) }

func (b *inMemoryBackend) RedisClient() redis.UniversalClient { return nil }

func (b *inMemoryBackend) Close() error { return b.pubsub.Close() }

func (b *redisBackend) Publisher() message.Publisher { return b.publisher }

// SubscriberFactory gives every channel a consumer group of its own, scoped
// to this backend instance and created at the stream tail, so a new binding
// does not replay history. The group is destroyed when the channel's
// subscriber closes.
func (b *redisBackend) SubscriberFactory() SubscriberFactory {
	return func(ctx context.Context, channel string) (message.Subscriber, bool, error) {
		topic := TopicForChannel(channel)
		group := b.groupFor(channel)
		if err := redisstream.EnsureGroupAtTail(ctx, b.client, topic, group); err != nil {
			return nil, false, err
		}
		consumer := b.settings.Consumer + ":" + uuid.NewString()
		subClient := redisstream.NewClient(b.settings)
		sub, err := redisstream.BuildGroupSubscriber(subClient, group, consumer, b.logger)
		if err != nil {
			_ = subClient.Close()
			_ = redisstream.DestroyGroup(ctx, b.client, topic, group)
			return nil, false, err
		}
		return &groupSubscriber{
			Subscriber: sub,
			destroy: func(ctx context.Context) error {
				return redisstream.DestroyGroup(ctx, b.client, topic, group)
			},
		}, true, nil
	}
}

func (b *redisBackend) groupFor(channel string) string {
	return b.settings.Group + ":" + b.instance + ":" + channel
}

// groupSubscriber destroys its consumer group after the subscriber closed.
type groupSubscriber struct {
	message.Subscriber
	destroy func(ctx context.Context) error
}

func (s *groupSubscriber) Close() error {
	err := s.Subscriber.Close()
	if s.destroy == nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), groupDestroyTimeout)
	defer cancel()
	if derr := s.destroy(ctx); derr != nil && err == nil {
		err = derr
	}
	return err
}

func (b *redisBackend) RedisClient() redis.UniversalClient { return b.client }

func (b *redisBackend) Close() error {
	var first error
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			first = errors.Wrap(err, "close redis publisher")
		}
	}
	if err := b.client.Close(); err != nil && first == nil {
		first = errors.Wrap(err, "close redis client")
	}
	return first
}
