package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures the Redis publisher.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	// QueueSize and SendTimeout default to DefaultQueueSize and
	// DefaultSendTimeout.
	QueueSize   int
	SendTimeout time.Duration
}

// Redis publishes markers as JSON with PUBLISH on {prefix}:{source id}.
// Publish only queues the marker; delivery happens in the background.
type Redis struct {
	client   *redis.Client
	channel  string
	sourceID string
	queue    *sendQueue
}

// ChannelFor builds the pub/sub channel for sourceID.
func ChannelFor(prefix, sourceID string) string {
	if prefix == "" {
		return sourceID
	}
	return prefix + ":" + sourceID
}

// NewRedis connects to Redis and checks the connection with PING.
func NewRedis(ctx context.Context, opts RedisOptions, sourceID string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", opts.Addr, err)
	}

	p := &Redis{client: client, channel: ChannelFor(opts.ChannelPrefix, sourceID), sourceID: sourceID}
	p.queue = newSendQueue("redis", opts.QueueSize, opts.SendTimeout, p.send)
	slog.Info("Redis marker publisher connected", "addr", opts.Addr, "channel", p.channel)
	return p, nil
}

func (p *Redis) SourceID() string { return p.sourceID }

// Channel returns the pub/sub channel.
func (p *Redis) Channel() string { return p.channel }

// Publish stamps the marker and queues it without waiting for the broker.
func (p *Redis) Publish(ctx context.Context, value int) error {
	return p.queue.enqueue(newMarker(p.sourceID, value))
}

func (p *Redis) send(ctx context.Context, m Marker) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", p.channel, err)
	}
	return nil
}

// Close flushes queued markers for a bounded time, then disconnects.
func (p *Redis) Close() error {
	p.queue.close(closeFlushTimeout)
	return p.client.Close()
}
