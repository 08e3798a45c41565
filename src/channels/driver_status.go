package channels

import (
	"context"

	"github.com/fleetlink/realtime/src/registry"
	"github.com/fleetlink/realtime/src/types"
)

// StatusPayload is the raw availability report a driver publishes.
type StatusPayload struct {
	DriverID string `json:"driverId"`
	Status   string `json:"status"` // online, busy, offline
}

// StatusUpdatePayload is the server-enriched rebroadcast.
type StatusUpdatePayload struct {
	StatusPayload
	DriverName     string `json:"driverName,omitempty"`
	PreviousStatus string `json:"previousStatus,omitempty"`
}

// StatusCallbacks extends the lifecycle callbacks with typed decoders for
// the status events.
type StatusCallbacks struct {
	types.SubscriptionOptions
	OnStatus       func(StatusPayload)
	OnStatusUpdate func(StatusUpdatePayload)
}

// DriverStatusChannel is the typed façade over the driver-status channel.
// It is the presence-bearing channel: online drivers track a presence record
// that dashboards observe through one discriminated callback.
type DriverStatusChannel struct {
	channel
}

// NewDriverStatusChannel binds a wrapper to the registry.
func NewDriverStatusChannel(reg *registry.Registry) *DriverStatusChannel {
	return &DriverStatusChannel{channel: newChannel(reg, types.ChannelDriverStatus)}
}

// Subscribe joins the channel and wires any typed callbacks.
func (c *DriverStatusChannel) Subscribe(ctx context.Context, cb StatusCallbacks, actor *types.ActorContext) error {
	if err := c.subscribe(ctx, cb.SubscriptionOptions, actor); err != nil {
		return err
	}
	if cb.OnStatus != nil {
		handler := cb.OnStatus
		_ = c.On(types.EventDriverStatus, func(payload map[string]any) {
			var p StatusPayload
			if err := decode(payload, &p); err == nil {
				handler(p)
			}
		})
	}
	if cb.OnStatusUpdate != nil {
		handler := cb.OnStatusUpdate
		_ = c.On(types.EventDriverStatusUpdated, func(payload map[string]any) {
			var p StatusUpdatePayload
			if err := decode(payload, &p); err == nil {
				handler(p)
			}
		})
	}
	return nil
}

// SendStatus publishes a raw driver availability report.
func (c *DriverStatusChannel) SendStatus(ctx context.Context, p StatusPayload, actor *types.ActorContext) error {
	payload, err := toMap(p)
	if err != nil {
		return err
	}
	return c.reg.Broadcast(ctx, c.name, types.EventDriverStatus, payload, actor)
}

// BroadcastStatusUpdated publishes the server-enriched status event.
func (c *DriverStatusChannel) BroadcastStatusUpdated(ctx context.Context, p StatusUpdatePayload, actor *types.ActorContext) error {
	payload, err := toMap(p)
	if err != nil {
		return err
	}
	return c.reg.Broadcast(ctx, c.name, types.EventDriverStatusUpdated, payload, actor)
}

// TrackPresence publishes this client's presence record on the channel.
func (c *DriverStatusChannel) TrackPresence(ctx context.Context, state types.PresenceState) error {
	return c.reg.TrackPresence(ctx, c.name, state)
}

// UntrackPresence withdraws the presence record.
func (c *DriverStatusChannel) UntrackPresence(ctx context.Context) error {
	return c.reg.UntrackPresence(ctx, c.name)
}

// OnPresence registers one handler covering sync, join, and leave,
// discriminated by the event's Kind tag. A single registration replaces the
// easy-to-miswire triple listener.
func (c *DriverStatusChannel) OnPresence(handler func(ev types.PresenceEvent)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return ErrNotSubscribed
	}
	c.handle.OnPresence(handler)
	return nil
}

// Unsubscribe untracks presence before tearing the channel down. The order
// matters: removing the channel first would leave a stale presence record on
// the fabric.
func (c *DriverStatusChannel) Unsubscribe(ctx context.Context) error {
	if err := c.reg.UntrackPresence(ctx, c.name); err != nil {
		return err
	}
	return c.unsubscribe(ctx)
}
