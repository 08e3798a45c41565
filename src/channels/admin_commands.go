package channels

import (
	"context"

	"github.com/fleetlink/realtime/src/registry"
	"github.com/fleetlink/realtime/src/types"
)

// AdminMessagePayload is a command or notice pushed to admin dashboards.
type AdminMessagePayload struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"` // info, warning, critical
	TargetID string `json:"targetId,omitempty"` // optional order or driver scope
	IssuedBy string `json:"issuedBy,omitempty"`
}

// AdminCallbacks extends the lifecycle callbacks with a typed decoder for
// admin messages.
type AdminCallbacks struct {
	types.SubscriptionOptions
	OnMessage func(AdminMessagePayload)
}

// AdminCommandsChannel is the typed façade over the admin-commands channel.
type AdminCommandsChannel struct {
	channel
}

// NewAdminCommandsChannel binds a wrapper to the registry.
func NewAdminCommandsChannel(reg *registry.Registry) *AdminCommandsChannel {
	return &AdminCommandsChannel{channel: newChannel(reg, types.ChannelAdminCommands)}
}

// Subscribe joins the channel and wires the typed callback.
func (c *AdminCommandsChannel) Subscribe(ctx context.Context, cb AdminCallbacks, actor *types.ActorContext) error {
	if err := c.subscribe(ctx, cb.SubscriptionOptions, actor); err != nil {
		return err
	}
	if cb.OnMessage != nil {
		handler := cb.OnMessage
		_ = c.On(types.EventAdminMessage, func(payload map[string]any) {
			var p AdminMessagePayload
			if err := decode(payload, &p); err == nil {
				handler(p)
			}
		})
	}
	return nil
}

// SendMessage publishes an admin message.
func (c *AdminCommandsChannel) SendMessage(ctx context.Context, p AdminMessagePayload, actor *types.ActorContext) error {
	payload, err := toMap(p)
	if err != nil {
		return err
	}
	return c.reg.Broadcast(ctx, c.name, types.EventAdminMessage, payload, actor)
}

// Unsubscribe leaves the channel.
func (c *AdminCommandsChannel) Unsubscribe(ctx context.Context) error {
	return c.unsubscribe(ctx)
}
