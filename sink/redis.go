// RedisSink publishes audit/telemetry records via Redis PUBLISH, adapted
// from the teacher's adapter/redis.Adapter: same Config shape, same
// exponential-backoff retry loop, now generalized to iox.Retry and to any
// named topic instead of one fixed run-completion channel.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lumenflow/lumenflow/iox"
)

// DefaultRedisChannel is the channel used when Config.Channel is empty.
const DefaultRedisChannel = "lumenflow:events"

// DefaultRedisTimeout is the default per-publish timeout.
const DefaultRedisTimeout = 5 * time.Second

// DefaultRedisRetries is the default number of retry attempts.
const DefaultRedisRetries = 3

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	// URL is the Redis connection URL (required). Format:
	// redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default DefaultRedisChannel).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// RedisSink publishes each Emit call as a PUBLISH to a configured channel.
type RedisSink struct {
	config RedisConfig
	client *goredis.Client
}

// NewRedisSink creates a Redis sink from the given config.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("sink: redis sink requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sink: invalid redis URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("sink: retries must be >= 0, got %d", cfg.Retries)
	}

	return &RedisSink{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Emit publishes the record as JSON, retrying with exponential backoff on
// connection errors.
func (r *RedisSink) Emit(ctx context.Context, topic string, record any) error {
	body, err := marshalRecord(topic, record)
	if err != nil {
		return fmt.Errorf("sink: marshal event: %w", err)
	}

	return iox.Retry(ctx, iox.RetryConfig{Attempts: 1 + r.config.Retries, BaseDelay: 500 * time.Millisecond},
		func(ctx context.Context) error {
			publishCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
			defer cancel()
			return r.client.Publish(publishCtx, r.config.Channel, body).Err()
		})
}

// Close releases the underlying Redis client.
func (r *RedisSink) Close() error {
	return r.client.Close()
}

var _ Sink = (*RedisSink)(nil)
