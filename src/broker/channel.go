package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/fleetlink/realtime/src/transport"
	"github.com/fleetlink/realtime/src/types"
	"github.com/google/uuid"
)

var (
	errForeignChannel = errors.New("channel does not belong to this broker")
	errNotJoined      = errors.New("channel is not joined")
)

type broadcastListener struct {
	event   string // empty matches all events
	handler func(payload map[string]any)
}

// LocalChannel is one subscriber handle on a broker topic.
type LocalChannel struct {
	broker      *Broker
	topic       string
	cfg         transport.ChannelConfig
	presenceKey string

	mu      sync.RWMutex
	ack     transport.AckFunc
	joined  bool
	closed  bool
	tracked bool
	bcast   []broadcastListener
	onPres  []func(ev types.PresenceEvent)
}

func newLocalChannel(b *Broker, topic string, cfg transport.ChannelConfig) *LocalChannel {
	key := cfg.PresenceKey
	if key == "" {
		key = uuid.New().String()
	}
	return &LocalChannel{
		broker:      b,
		topic:       topic,
		cfg:         cfg,
		presenceKey: key,
	}
}

// Topic returns the topic name.
func (c *LocalChannel) Topic() string { return c.topic }

// Subscribe joins the topic. The ack fires asynchronously, matching the
// remote transport's contract so registry code behaves identically on both.
func (c *LocalChannel) Subscribe(ack transport.AckFunc) {
	c.mu.Lock()
	c.ack = ack
	alreadyJoined := c.joined
	c.joined = true
	c.closed = false // a closed handle may rejoin
	c.mu.Unlock()

	if alreadyJoined {
		go c.notifyAck(transport.AckSubscribed, nil)
		return
	}

	snapshot := c.broker.join(c)
	go func() {
		c.notifyAck(transport.AckSubscribed, nil)
		for key, state := range snapshot {
			c.deliverPresence(types.PresenceEvent{
				Kind:  types.PresenceSync,
				Key:   key,
				State: state,
			})
		}
	}()
}

// Send broadcasts an envelope to the topic and forwards it to the bridge.
func (c *LocalChannel) Send(ctx context.Context, env types.BroadcastEnvelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "error", err
	}
	c.mu.RLock()
	joined := c.joined && !c.closed
	c.mu.RUnlock()
	if !joined {
		return "error", errNotJoined
	}

	c.broker.publishToBridge(c.topic, env)
	c.broker.dispatch(c.topic, env, c)
	return transport.SendOK, nil
}

// Track publishes presence state for this handle's key.
func (c *LocalChannel) Track(ctx context.Context, state types.PresenceState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.joined || c.closed {
		c.mu.Unlock()
		return errNotJoined
	}
	c.tracked = true
	c.mu.Unlock()

	c.broker.track(c, state)
	return nil
}

// Untrack withdraws presence state. Untracking when nothing is tracked is a
// no-op.
func (c *LocalChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	wasTracked := c.tracked
	c.tracked = false
	c.mu.Unlock()

	if !wasTracked {
		return nil
	}
	c.broker.untrack(c)
	return nil
}

// On attaches a raw broadcast listener. Unknown kinds are ignored.
func (c *LocalChannel) On(kind string, filter map[string]string, handler func(payload map[string]any)) {
	if kind != transport.KindBroadcast {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bcast = append(c.bcast, broadcastListener{event: filter["event"], handler: handler})
}

// OnPresence attaches one handler covering sync, join, and leave.
func (c *LocalChannel) OnPresence(handler func(ev types.PresenceEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPres = append(c.onPres, handler)
}

// deliver invokes matching broadcast listeners with the full envelope map
// ({type, event, payload}), the shape raw listeners see on every transport.
func (c *LocalChannel) deliver(env types.BroadcastEnvelope) {
	c.mu.RLock()
	listeners := make([]broadcastListener, len(c.bcast))
	copy(listeners, c.bcast)
	c.mu.RUnlock()

	wire := map[string]any{
		"type":    env.Type,
		"event":   env.Event,
		"payload": env.Payload,
	}
	for _, l := range listeners {
		if l.event == "" || l.event == env.Event {
			l.handler(wire)
		}
	}
}

func (c *LocalChannel) deliverPresence(ev types.PresenceEvent) {
	c.mu.RLock()
	handlers := make([]func(types.PresenceEvent), len(c.onPres))
	copy(handlers, c.onPres)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *LocalChannel) wasTracked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracked
}

func (c *LocalChannel) notifyAck(status transport.AckStatus, err error) {
	c.mu.RLock()
	ack := c.ack
	c.mu.RUnlock()
	if ack != nil {
		ack(status, err)
	}
}

// close leaves the topic and emits the CLOSED lifecycle ack once.
func (c *LocalChannel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.joined = false
	c.mu.Unlock()

	c.broker.leave(c)
	c.notifyAck(transport.AckClosed, nil)
}
