package redisstream

import (
	"context"
	"encoding/json"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Watch tails the mirror stream through a consumer group and calls fn for
// every frame until ctx is done or fn returns an error. Undecodable entries
// are acknowledged and skipped.
func Watch(ctx context.Context, s Settings, fn func(MirrorFrame) error) error {
	s = s.withDefaults()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	defer func() { _ = client.Close() }()

	if err := EnsureGroupAtTail(ctx, client, s.Stream, s.Group); err != nil {
		return err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return errors.Wrap(err, "redisstream: build subscriber")
	}
	defer func() { _ = sub.Close() }()

	return consume(ctx, sub, s.Stream, fn)
}

func consume(ctx context.Context, sub message.Subscriber, stream string, fn func(MirrorFrame) error) error {
	msgs, err := sub.Subscribe(ctx, stream)
	if err != nil {
		return errors.Wrapf(err, "redisstream: subscribe %s", stream)
	}
	logger := log.With().Str("component", "redisstream").Str("stream", stream).Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var frame MirrorFrame
			if err := json.Unmarshal(msg.Payload, &frame); err != nil {
				logger.Debug().Err(err).Str("message_uuid", msg.UUID).Msg("skipping undecodable frame")
				msg.Ack()
				continue
			}
			if err := fn(frame); err != nil {
				msg.Nack()
				return err
			}
			msg.Ack()
		}
	}
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if it
// does not exist, so a new watcher does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means it already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
