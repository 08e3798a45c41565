// Package channels exposes typed façades over the generic channel primitive.
// Each wrapper binds one fixed channel name and its event constants, so
// producers and consumers never spell topic strings by hand.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/fleetlink/realtime/src/registry"
	"github.com/fleetlink/realtime/src/transport"
	"github.com/fleetlink/realtime/src/types"
)

// ErrNotSubscribed is returned when a listener is attached before Subscribe.
var ErrNotSubscribed = errors.New("Channel not subscribed")

// channel is the shared core of the domain wrappers: the fixed name, the
// registry, and the raw-listener table that makes Off possible without
// transport-side listener removal.
type channel struct {
	name types.ChannelName
	reg  *registry.Registry

	mu       sync.Mutex
	handle   transport.Channel
	raw      map[string]func(payload map[string]any)
	attached map[string]bool // events with a transport listener installed
}

func newChannel(reg *registry.Registry, name types.ChannelName) channel {
	return channel{
		name:     name,
		reg:      reg,
		raw:      make(map[string]func(map[string]any)),
		attached: make(map[string]bool),
	}
}

func (c *channel) subscribe(ctx context.Context, opts types.SubscriptionOptions, actor *types.ActorContext) error {
	handle, err := c.reg.Subscribe(ctx, c.name, opts, actor)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	return nil
}

func (c *channel) unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	c.handle = nil
	c.attached = make(map[string]bool)
	c.raw = make(map[string]func(map[string]any))
	c.mu.Unlock()
	return c.reg.Unsubscribe(ctx, c.name)
}

// On attaches a raw listener for one event. The handler receives the
// envelope's inner payload. The transport listener is installed once per
// event; the handler table indirection lets Off detach without transport
// support.
func (c *channel) On(event string, handler func(payload map[string]any)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return ErrNotSubscribed
	}
	c.raw[event] = handler
	if !c.attached[event] {
		c.attached[event] = true
		ev := event
		c.handle.On(transport.KindBroadcast, map[string]string{"event": ev}, func(envelope map[string]any) {
			c.mu.Lock()
			h := c.raw[ev]
			c.mu.Unlock()
			if h == nil {
				return
			}
			inner, _ := envelope["payload"].(map[string]any)
			h(inner)
		})
	}
	return nil
}

// Off detaches the listener for one event. Detaching an event with no
// listener is a no-op.
func (c *channel) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.raw, event)
}

// IsConnected reports whether the bound channel is connected.
func (c *channel) IsConnected() bool { return c.reg.IsConnected(c.name) }

// ConnectionState returns the bound channel's state record.
func (c *channel) ConnectionState() types.ConnectionState { return c.reg.ConnectionState(c.name) }

// toMap flattens a typed payload into the envelope's map form.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// decode fills a typed payload from the envelope's map form.
func decode(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
