package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// ConnectTimeout bounds the whole connect retry loop.
	ConnectTimeout time.Duration
	QueueSize      int
	SendTimeout    time.Duration
}

// MQTT publishes markers as JSON at QoS 0 on {prefix}/{source id}.
type MQTT struct {
	client   mqtt.Client
	topic    string
	sourceID string
	queue    *sendQueue
}

// TopicFor builds the topic for sourceID. Wildcards are replaced and the
// leading separator of absolute paths is dropped.
func TopicFor(prefix, sourceID string) string {
	r := strings.NewReplacer("+", "_", "#", "_")
	id := strings.TrimLeft(r.Replace(sourceID), "/")
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return id
	}
	return prefix + "/" + id
}

// NewMQTT connects to the broker, retrying with exponential backoff.
func NewMQTT(ctx context.Context, opts MQTTOptions, sourceID string) (*MQTT, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)

	client := mqtt.NewClient(co)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		token := client.Connect()
		if !token.WaitTimeout(timeout) {
			return fmt.Errorf("connect timeout")
		}
		return token.Error()
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2.,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", opts.Broker, err)
	}

	p := &MQTT{client: client, topic: TopicFor(opts.TopicPrefix, sourceID), sourceID: sourceID}
	p.queue = newSendQueue("mqtt", opts.QueueSize, opts.SendTimeout, p.send)
	slog.Info("MQTT marker publisher connected", "broker", opts.Broker, "topic", p.topic)
	return p, nil
}

func (p *MQTT) SourceID() string { return p.sourceID }

// Topic returns the publish topic.
func (p *MQTT) Topic() string { return p.topic }

// Publish stamps the marker and queues it without waiting for the broker.
func (p *MQTT) Publish(ctx context.Context, value int) error {
	return p.queue.enqueue(newMarker(p.sourceID, value))
}

func (p *MQTT) send(ctx context.Context, m Marker) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("publish on %s: %w", p.topic, ctx.Err())
	}
}

func (p *MQTT) Close() error {
	p.queue.close(closeFlushTimeout)
	p.client.Disconnect(250)
	return nil
}
