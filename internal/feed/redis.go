package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"airguard/internal/config"
	"airguard/internal/metrics"
	"airguard/internal/model"
)

const publishTimeout = 2 * time.Second

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisPublisher forwards events to a redis channel for dashboards running
// in other processes. Publish only queues; Run does the network I/O.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	queue   chan []byte
	logger  *slog.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, buffer int, logger *slog.Logger) *RedisPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan []byte, buffer),
		logger:  logger,
	}
}

func (p *RedisPublisher) Publish(ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case p.queue <- payload:
	default:
		metrics.IncFeedDropped("redis")
	}
}

// Run publishes queued events until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.queue:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := p.client.Publish(pubCtx, p.channel, payload).Err()
			cancel()
			if err != nil {
				metrics.IncFeedDropped("redis")
				if p.logger != nil {
					p.logger.Warn("redis publish failed", "channel", p.channel, "error", err)
				}
			}
		}
	}
}
