// Package publisher broadcasts trigger markers to live consumers. Delivery
// is best effort: nothing is acknowledged and nothing is retried.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/bcilibrelab/streamrec/internal/clock"
	"github.com/bcilibrelab/streamrec/internal/config"
)

// Marker is one published event.
type Marker struct {
	SourceID  string  `json:"source_id"`
	Value     int     `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// Publisher publishes markers under a fixed source id.
type Publisher interface {
	SourceID() string
	// Publish sends value stamped with the local clock.
	Publish(ctx context.Context, value int) error
	Close() error
}

func newMarker(sourceID string, value int) Marker {
	return Marker{SourceID: sourceID, Value: value, Timestamp: clock.Local()}
}

type nopPublisher struct {
	sourceID string
}

// Nop returns a publisher that discards markers.
func Nop(sourceID string) Publisher {
	return nopPublisher{sourceID: sourceID}
}

func (p nopPublisher) SourceID() string                   { return p.sourceID }
func (p nopPublisher) Publish(context.Context, int) error { return nil }
func (p nopPublisher) Close() error                       { return nil }

// tee publishes to the hub and to a remote transport.
type tee struct {
	hub    Publisher
	remote Publisher
}

func (t tee) SourceID() string { return t.remote.SourceID() }

func (t tee) Publish(ctx context.Context, value int) error {
	return errors.Join(t.hub.Publish(ctx, value), t.remote.Publish(ctx, value))
}

func (t tee) Close() error {
	return errors.Join(t.hub.Close(), t.remote.Close())
}

// New opens the publisher selected by cfg.Type for sourceID. When hub is not
// nil, markers are also broadcast on it regardless of the transport.
func New(ctx context.Context, cfg config.PublisherConfig, hub *Hub, sourceID string) (Publisher, error) {
	var remote Publisher
	switch cfg.Type {
	case "", "none":
		if hub != nil {
			return hub.Publisher(sourceID), nil
		}
		return Nop(sourceID), nil
	case "hub":
		if hub == nil {
			hub = NewHub()
		}
		return hub.Publisher(sourceID), nil
	case "mqtt":
		p, err := NewMQTT(ctx, MQTTOptions{
			Broker:      cfg.Broker,
			ClientID:    cfg.ClientID,
			Username:    cfg.Username,
			Password:    cfg.Password,
			TopicPrefix: cfg.TopicPrefix,
		}, sourceID)
		if err != nil {
			return nil, err
		}
		remote = p
	case "redis":
		p, err := NewRedis(ctx, RedisOptions{
			Addr:          cfg.RedisAddr,
			Password:      cfg.Password,
			DB:            cfg.RedisDB,
			ChannelPrefix: cfg.TopicPrefix,
		}, sourceID)
		if err != nil {
			return nil, err
		}
		remote = p
	default:
		return nil, fmt.Errorf("unknown publisher type %q", cfg.Type)
	}

	if hub == nil {
		return remote, nil
	}
	return tee{hub: hub.Publisher(sourceID), remote: remote}, nil
}
