package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultPublishTimeout = 2 * time.Second

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRedisSink(client *redis.Client, channel string, logger zerolog.Logger) *RedisSink {
	return &RedisSink{
		client:  client,
		channel: channel,
		timeout: defaultPublishTimeout,
		logger:  logger.With().Str("component", "redis-events").Logger(),
	}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("encode event")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn().Err(err).
			Str("event", string(ev.Kind)).
			Str("doc", ev.DocumentID).
			Msg("publish event")
	}
}
