// Package types holds the shared contract between realtime producers and
// consumers: channel names, event names, roles, and the records exchanged
// through the connection registry. Producers and consumers compile against
// the same constants; nothing here is versioned or persisted.
package types

import "time"

// ChannelName identifies a pub/sub topic. The set is closed: policy in the
// auth package switches exhaustively over these values, so adding a channel
// without updating policy fails to compile.
type ChannelName string

const (
	ChannelDriverLocations ChannelName = "driver-locations"
	ChannelDriverStatus    ChannelName = "driver-status"
	ChannelAdminCommands   ChannelName = "admin-commands"
)

// Event names carried on the channels above. Events suffixed ":updated" are
// server-enriched rebroadcasts carrying denormalized fields so consumers
// avoid a secondary lookup.
const (
	EventDriverLocation        = "driver:location"
	EventDriverLocationUpdated = "driver:location:updated"
	EventDriverStatus          = "driver:status"
	EventDriverStatusUpdated   = "driver:status:updated"
	EventAdminMessage          = "admin:message"
)

// UserType is the role attached to an authenticated user profile.
type UserType string

const (
	UserTypeClient     UserType = "CLIENT"
	UserTypeDriver     UserType = "DRIVER"
	UserTypeAdmin      UserType = "ADMIN"
	UserTypeSuperAdmin UserType = "SUPER_ADMIN"
	UserTypeVendor     UserType = "VENDOR"
	UserTypeHelpdesk   UserType = "HELPDESK"
)

// ConnState is the lifecycle phase of one channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// ConnectionState is the per-channel state record kept by the registry.
// Never-subscribed channels read as the zero record with StateDisconnected.
type ConnectionState struct {
	State             ConnState `json:"state"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Err               error     `json:"-"`
}

// ActorContext is the resolved identity used for authorization decisions.
// DriverID is set only for DRIVER actors that have an associated driver
// record; a driver without one is valid (not yet assigned a vehicle).
type ActorContext struct {
	UserID   string   `json:"user_id"`
	UserType UserType `json:"user_type"`
	DriverID string   `json:"driver_id,omitempty"`
}

// BroadcastEnvelope is the wire shape of a channel broadcast.
type BroadcastEnvelope struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// NewBroadcast builds an envelope with the fixed "broadcast" type tag.
func NewBroadcast(event string, payload map[string]any) BroadcastEnvelope {
	return BroadcastEnvelope{Type: "broadcast", Event: event, Payload: payload}
}

// PresenceState is the arbitrary keyed record an actor tracks on a channel.
type PresenceState map[string]any

// PresenceEventKind discriminates the presence notifications a channel emits.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent is a single presence notification. Key identifies the actor
// whose state changed; State is empty for leave events.
type PresenceEvent struct {
	Kind  PresenceEventKind `json:"kind"`
	Key   string            `json:"key"`
	State PresenceState     `json:"state,omitempty"`
}

// SubscriptionOptions carries the lifecycle callbacks for one subscription.
// All fields are optional. OnDisconnect fires when the transport reports the
// channel closed after a successful subscribe; OnError fires on subscribe
// timeout or a transport-reported channel error.
type SubscriptionOptions struct {
	OnConnect    func()
	OnDisconnect func()
	OnError      func(err error)
}
