package bridge

import "github.com/fleetlink/realtime/src/types"

// Bridge relays broadcast envelopes between broker instances.
type Bridge interface {
	// Publish sends an envelope to all other instances via the bridge.
	Publish(topic string, env types.BroadcastEnvelope) error

	// Start begins listening for envelopes from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget is implemented by the broker to receive relayed envelopes.
type BroadcastTarget interface {
	BroadcastToLocal(topic string, env types.BroadcastEnvelope)
}
