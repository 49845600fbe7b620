package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewClient opens a client for the configured server.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
}

// BuildPublisher returns a Redis Streams publisher; each topic is a stream.
func BuildPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if client == nil {
		return nil, errors.New("redis publisher: client is nil")
	}
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if client == nil {
		return nil, errors.New("redis subscriber: client is nil")
	}
	if strings.TrimSpace(group) == "" {
		return nil, errors.New("redis subscriber: group is empty")
	}
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if client == nil {
		return errors.New("redis: client is nil")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// DestroyGroup removes a consumer group. A missing stream or group is not an error.
func DestroyGroup(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if client == nil {
		return errors.New("redis: client is nil")
	}
	err := client.XGroupDestroy(ctx, stream, group).Err()
	if err != nil {
		if strings.Contains(err.Error(), "requires the key to exist") {
			return nil
		}
		return errors.Wrapf(err, "destroy consumer group %s on %s", group, stream)
	}
	log.Debug().Str("stream", stream).Str("group", group).Msg("destroyed redis consumer group")
	return nil
}
