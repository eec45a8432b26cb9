// Package transport defines the single dispatch contract both the broker
// adapter and the stream-socket adapter implement, and the frames they feed
// into the protocol handler.
package transport

import (
	"context"
	"encoding/json"

	"github.com/fieldmesh/reflexbridge/internal/model"
)

// Sink is the outbound half of a transport: something the command router and
// port router can hand a topic-addressed payload to. A broker adapter has
// one Sink shared by every device rooted on it; a stream adapter hands out
// one Sink per accepted connection.
type Sink interface {
	// Send writes payload addressed to topic. Broker sinks publish topic as
	// a channel name; stream sinks write {"topic":topic,"payload":payload}
	// as one newline-terminated JSON line.
	Send(ctx context.Context, topic string, payload any) error
	// Transport identifies which kind of transport this sink belongs to.
	Transport() model.Transport
}

// Frame is one inbound message handed from a transport adapter to the
// protocol handler.
type Frame struct {
	// Topic is "mcp/dev/{device_id}/{leaf}".
	Topic string
	// Payload is the raw JSON payload object, decoded on demand by the
	// protocol handler into the leaf-specific shape.
	Payload json.RawMessage
	// Origin is the Sink outbound replies to this frame's device should be
	// sent through. For broker frames this is the shared broker sink; for
	// stream frames this is the originating connection's sink.
	Origin Sink
}

// Source is the inbound half of a transport: a channel of frames the
// protocol handler drains. Both adapters push into a internally bounded
// channel and Frames returns the receive end.
type Source interface {
	Frames() <-chan Frame
	// Disconnects reports connection-level disconnect notifications, used
	// by the stream adapter to mark a device offline when its socket
	// closes. A broker source never sends on this channel — there is no
	// connection concept at the broker.
	Disconnects() <-chan Disconnect
}

// Disconnect notifies that a stream connection tied to a device closed.
type Disconnect struct {
	Sink Sink
}

// DeviceTopic builds the full "mcp/dev/{device_id}/{leaf}" topic a Sink
// publishes or writes. Both adapters publish/write the topic they're given
// verbatim — the caller, not the Sink, owns addressing it to a device.
func DeviceTopic(deviceID, leaf string) string {
	return "mcp/dev/" + deviceID + "/" + leaf
}
