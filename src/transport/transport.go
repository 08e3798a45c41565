// Package transport defines the collaborator contract between the connection
// registry and the underlying realtime fabric. Two implementations exist: the
// in-process broker (single-binary deployments, tests) and the websocket
// client in socket.go. The registry is the only caller allowed to subscribe
// or remove channels; consumers reach the transport solely to attach raw
// listeners.
package transport

import (
	"context"

	"github.com/fleetlink/realtime/src/types"
)

// AckStatus is the transport's asynchronous acknowledgement of a subscribe
// attempt. Exactly one of the first three settles the attempt; AckClosed may
// also arrive later as a lifecycle notification.
type AckStatus string

const (
	AckSubscribed   AckStatus = "SUBSCRIBED"
	AckChannelError AckStatus = "CHANNEL_ERROR"
	AckTimedOut     AckStatus = "TIMED_OUT"
	AckClosed       AckStatus = "CLOSED"
)

// SendOK is the send status reported on successful delivery. Any other
// string is a failure.
const SendOK = "ok"

// Listener kinds accepted by Channel.On.
const (
	KindBroadcast = "broadcast"
)

// AckFunc receives subscribe acknowledgements. err is non-nil only for
// AckChannelError.
type AckFunc func(status AckStatus, err error)

// ChannelConfig fixes per-channel transport behavior at creation time.
type ChannelConfig struct {
	// BroadcastSelf controls whether the sender receives its own broadcasts.
	BroadcastSelf bool
	// BroadcastAck requires the fabric to acknowledge delivery of sends.
	BroadcastAck bool
	// PresenceKey identifies this client in presence state. Empty means the
	// fabric assigns one.
	PresenceKey string
}

// Channel is one joined topic on the transport.
type Channel interface {
	// Topic returns the channel's topic name.
	Topic() string

	// Subscribe joins the topic. ack is invoked asynchronously with the
	// outcome and again with AckClosed when the topic is torn down.
	Subscribe(ack AckFunc)

	// Send delivers a broadcast envelope to all subscribers of the topic.
	// The returned status is SendOK on success.
	Send(ctx context.Context, env types.BroadcastEnvelope) (string, error)

	// Track publishes this client's presence state on the topic.
	Track(ctx context.Context, state types.PresenceState) error

	// Untrack withdraws this client's presence state.
	Untrack(ctx context.Context) error

	// On attaches a raw listener. For KindBroadcast the filter's "event" key
	// selects which broadcast events reach the handler; an empty filter
	// matches all.
	On(kind string, filter map[string]string, handler func(payload map[string]any))

	// OnPresence attaches one handler for all presence notifications,
	// discriminated by the event's Kind tag. A single registration covers
	// sync, join, and leave.
	OnPresence(handler func(ev types.PresenceEvent))
}

// Transport creates and removes channels.
type Transport interface {
	// Channel returns a handle for the topic, creating it if needed. The
	// config applies on first creation only.
	Channel(topic string, cfg ChannelConfig) Channel

	// RemoveChannel leaves the topic and releases the handle. The handle's
	// ack callback observes AckClosed.
	RemoveChannel(ch Channel) error
}
