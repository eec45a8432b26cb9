// Package broker adapts a Redis Pub/Sub connection into the
// transport.Sink/transport.Source contract: PSubscribe realizes the five
// inbound topic patterns, Publish realizes the three outbound leaves.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/telemetry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

// inboundPatterns are the glob patterns PSubscribe registers, matching the
// topic grammar mcp/dev/{device_id}/{leaf}.
var inboundPatterns = []string{
	"mcp/dev/*/announce",
	"mcp/dev/*/status",
	"mcp/dev/*/events",
	"mcp/dev/*/ports/announce",
	"mcp/dev/*/ports/data",
}

// Options configures a broker-backed transport.
type Options struct {
	// Client is the Redis client used for Publish/PSubscribe. Required.
	Client *redis.Client
	// Buffer sizes the inbound frame channel. Defaults to 256.
	Buffer int
	// Logger receives warnings when the inbound queue saturates. Defaults
	// to a no-op logger.
	Logger telemetry.Logger
}

// Transport is a broker-backed transport.Source and transport.Sink. All
// devices rooted on the broker share this single sink — there is no
// per-device connection concept at the broker.
type Transport struct {
	client  *redis.Client
	frames  chan transport.Frame
	discs   chan transport.Disconnect
	logger  telemetry.Logger
}

// New constructs and starts a broker Transport: it opens a PSubscribe on the
// five inbound patterns and begins forwarding messages into the frame
// channel. Cancel ctx to stop the subscription.
func New(ctx context.Context, opts Options) (*Transport, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("broker: redis client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	t := &Transport{
		client: opts.Client,
		frames: make(chan transport.Frame, buffer),
		discs:  make(chan transport.Disconnect),
		logger: logger,
	}

	pubsub := opts.Client.PSubscribe(ctx, inboundPatterns...)
	go t.run(ctx, pubsub)
	return t, nil
}

func (t *Transport) run(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			frame := transport.Frame{
				Topic:   msg.Channel,
				Payload: json.RawMessage(msg.Payload),
				Origin:  t,
			}
			select {
			case t.frames <- frame:
			default:
				t.logger.Warn(ctx, "broker inbound queue full, dropping frame", "topic", msg.Channel)
			}
		}
	}
}

// Frames implements transport.Source.
func (t *Transport) Frames() <-chan transport.Frame { return t.frames }

// Disconnects implements transport.Source. The broker never reports
// connection-level disconnects.
func (t *Transport) Disconnects() <-chan transport.Disconnect { return t.discs }

// Send implements transport.Sink by publishing payload, JSON-encoded, to the
// given topic/channel.
func (t *Transport) Send(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: encode payload: %w", err)
	}
	return t.client.Publish(ctx, topic, data).Err()
}

// Transport implements transport.Sink.
func (t *Transport) Transport() model.Transport { return model.TransportBroker }
