package channels

import (
	"context"

	"github.com/fleetlink/realtime/src/registry"
	"github.com/fleetlink/realtime/src/types"
)

// LocationPayload is the raw position report a driver publishes.
type LocationPayload struct {
	DriverID   string  `json:"driverId"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Heading    float64 `json:"heading,omitempty"`
	SpeedKmh   float64 `json:"speedKmh,omitempty"`
	ReportedAt string  `json:"reportedAt,omitempty"`
}

// LocationUpdatePayload is the server-enriched rebroadcast. It carries
// denormalized driver and order fields so dashboards skip a secondary
// lookup.
type LocationUpdatePayload struct {
	LocationPayload
	DriverName   string `json:"driverName,omitempty"`
	VehiclePlate string `json:"vehiclePlate,omitempty"`
	OrderID      string `json:"orderId,omitempty"`
}

// LocationCallbacks extends the lifecycle callbacks with typed decoders for
// the location events.
type LocationCallbacks struct {
	types.SubscriptionOptions
	OnLocation       func(LocationPayload)
	OnLocationUpdate func(LocationUpdatePayload)
}

// DriverLocationChannel is the typed façade over the driver-locations
// channel.
type DriverLocationChannel struct {
	channel
}

// NewDriverLocationChannel binds a wrapper to the registry.
func NewDriverLocationChannel(reg *registry.Registry) *DriverLocationChannel {
	return &DriverLocationChannel{channel: newChannel(reg, types.ChannelDriverLocations)}
}

// Subscribe joins the channel and wires any typed callbacks as broadcast
// listeners. A nil actor is resolved through the gate.
func (c *DriverLocationChannel) Subscribe(ctx context.Context, cb LocationCallbacks, actor *types.ActorContext) error {
	if err := c.subscribe(ctx, cb.SubscriptionOptions, actor); err != nil {
		return err
	}
	if cb.OnLocation != nil {
		handler := cb.OnLocation
		_ = c.On(types.EventDriverLocation, func(payload map[string]any) {
			var p LocationPayload
			if err := decode(payload, &p); err == nil {
				handler(p)
			}
		})
	}
	if cb.OnLocationUpdate != nil {
		handler := cb.OnLocationUpdate
		_ = c.On(types.EventDriverLocationUpdated, func(payload map[string]any) {
			var p LocationUpdatePayload
			if err := decode(payload, &p); err == nil {
				handler(p)
			}
		})
	}
	return nil
}

// SendLocation publishes a raw driver position report. High-frequency
// reporters pass the actor they already hold to skip the identity lookup.
func (c *DriverLocationChannel) SendLocation(ctx context.Context, p LocationPayload, actor *types.ActorContext) error {
	payload, err := toMap(p)
	if err != nil {
		return err
	}
	return c.reg.Broadcast(ctx, c.name, types.EventDriverLocation, payload, actor)
}

// BroadcastLocationUpdated publishes the server-enriched position event.
func (c *DriverLocationChannel) BroadcastLocationUpdated(ctx context.Context, p LocationUpdatePayload, actor *types.ActorContext) error {
	payload, err := toMap(p)
	if err != nil {
		return err
	}
	return c.reg.Broadcast(ctx, c.name, types.EventDriverLocationUpdated, payload, actor)
}

// Unsubscribe leaves the channel.
func (c *DriverLocationChannel) Unsubscribe(ctx context.Context) error {
	return c.unsubscribe(ctx)
}
