package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/fleetlink/realtime/config"
	"github.com/fleetlink/realtime/src/types"
	"github.com/rs/zerolog"
)

// SocketTransport is the remote transport: one websocket carrying every
// channel, multiplexed by topic. Heartbeats run here; reconnection is the
// caller's concern (a dropped socket closes every channel, and callers
// resubscribe through the registry).
type SocketTransport struct {
	url    string
	cfg    *config.RealtimeConfig
	logger zerolog.Logger

	mu       sync.Mutex
	writeMu  sync.Mutex // websocket writes must not interleave
	conn     *websocket.Conn
	channels map[string]*socketChannel
	replies  map[string]func(ok bool, reason string)
	ref      int
	done     chan struct{}
}

// NewSocketTransport creates a transport dialing the given gateway URL.
// http(s) schemes are rewritten to ws(s).
func NewSocketTransport(rawURL string, cfg *config.RealtimeConfig, logger zerolog.Logger) *SocketTransport {
	if cfg == nil {
		cfg = config.Default()
	}
	wsURL := rawURL
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + wsURL[len("https"):]
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[len("http"):]
	}
	return &SocketTransport{
		url:      wsURL,
		cfg:      cfg,
		logger:   logger.With().Str("component", "socket-transport").Logger(),
		channels: make(map[string]*socketChannel),
		replies:  make(map[string]func(bool, string)),
	}
}

// Connect dials the gateway and starts the read and heartbeat loops.
// Connecting an already-connected transport is a no-op.
func (t *SocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	t.conn = conn
	t.done = make(chan struct{})

	go t.readLoop(conn, t.done)
	go t.heartbeat(t.done)
	return nil
}

// Disconnect closes the socket. Every joined channel observes CLOSED.
func (t *SocketTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	err := conn.Close()
	t.closeAllChannels()
	return err
}

// Channel returns the handle for a topic, creating it on first use.
func (t *SocketTransport) Channel(topic string, cfg ChannelConfig) Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[topic]; ok {
		return ch
	}
	ch := &socketChannel{tr: t, topic: topic, cfg: cfg}
	t.channels[topic] = ch
	return ch
}

// RemoveChannel leaves the topic and drops the handle.
func (t *SocketTransport) RemoveChannel(ch Channel) error {
	sc, ok := ch.(*socketChannel)
	if !ok {
		return errors.New("channel does not belong to this transport")
	}

	t.mu.Lock()
	delete(t.channels, sc.topic)
	t.mu.Unlock()

	_ = t.write(WireMessage{
		Topic:   sc.topic,
		Event:   WireEventLeave,
		Payload: map[string]any{},
		Ref:     t.nextRef(),
		JoinRef: sc.joinRefValue(),
	})
	sc.notifyAck(AckClosed, nil)
	return nil
}

func (t *SocketTransport) nextRef() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ref++
	return fmt.Sprintf("%d", t.ref)
}

func (t *SocketTransport) write(msg WireMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (t *SocketTransport) registerReply(ref string, fn func(ok bool, reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[ref] = fn
}

func (t *SocketTransport) takeReply(ref string) func(ok bool, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn := t.replies[ref]
	delete(t.replies, ref)
	return fn
}

func (t *SocketTransport) channelFor(topic string) *socketChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[topic]
}

func (t *SocketTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		var msg WireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.logger.Warn().Err(err).Msg("socket read failed, closing channels")
			t.closeAllChannels()
			return
		}
		t.dispatch(msg)
	}
}

func (t *SocketTransport) dispatch(msg WireMessage) {
	switch msg.Event {
	case WireEventReply:
		if fn := t.takeReply(msg.Ref); fn != nil {
			status, _ := msg.Payload["status"].(string)
			reason, _ := msg.Payload["reason"].(string)
			fn(status == WireStatusOK, reason)
		}
	case WireEventBroadcast:
		if ch := t.channelFor(msg.Topic); ch != nil {
			ch.deliverBroadcast(msg.Payload)
		}
	case WireEventPresence:
		if ch := t.channelFor(msg.Topic); ch != nil {
			ch.deliverPresence(msg.Payload)
		}
	case WireEventClose:
		if ch := t.channelFor(msg.Topic); ch != nil {
			ch.notifyAck(AckClosed, nil)
		}
	}
}

func (t *SocketTransport) closeAllChannels() {
	t.mu.Lock()
	chans := make([]*socketChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		ch.notifyAck(AckClosed, nil)
	}
}

func (t *SocketTransport) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = t.write(WireMessage{
				Topic:   WireTopicControl,
				Event:   WireEventHeartbeat,
				Payload: map[string]any{},
				Ref:     t.nextRef(),
			})
		}
	}
}

type socketListener struct {
	event   string // empty matches all events
	handler func(payload map[string]any)
}

// socketChannel is one joined topic on the socket transport.
type socketChannel struct {
	tr    *SocketTransport
	topic string
	cfg   ChannelConfig

	mu      sync.RWMutex
	ack     AckFunc
	joinRef string
	bcast   []socketListener
	onPres  []func(types.PresenceEvent)
}

func (c *socketChannel) Topic() string { return c.topic }

// Subscribe sends the join frame. The ack settles on the gateway's reply,
// or TIMED_OUT if none arrives within the subscribe window.
func (c *socketChannel) Subscribe(ack AckFunc) {
	ref := c.tr.nextRef()

	c.mu.Lock()
	c.ack = ack
	c.joinRef = ref
	c.mu.Unlock()

	settled := make(chan struct{})
	c.tr.registerReply(ref, func(ok bool, reason string) {
		close(settled)
		if ok {
			c.notifyAck(AckSubscribed, nil)
			return
		}
		c.notifyAck(AckChannelError, errors.New(reason))
	})

	err := c.tr.write(WireMessage{
		Topic: c.topic,
		Event: WireEventJoin,
		Payload: map[string]any{
			"broadcast_self": c.cfg.BroadcastSelf,
			"broadcast_ack":  c.cfg.BroadcastAck,
			"presence_key":   c.cfg.PresenceKey,
		},
		Ref:     ref,
		JoinRef: ref,
	})
	if err != nil {
		if c.tr.takeReply(ref) != nil {
			c.notifyAck(AckChannelError, err)
		}
		return
	}

	go func() {
		timer := time.NewTimer(c.tr.cfg.SubscribeTimeout)
		defer timer.Stop()
		select {
		case <-settled:
		case <-timer.C:
			if c.tr.takeReply(ref) != nil {
				c.notifyAck(AckTimedOut, nil)
			}
		}
	}()
}

// Send writes a broadcast frame and waits for the delivery reply when the
// channel was configured with acknowledgements.
func (c *socketChannel) Send(ctx context.Context, env types.BroadcastEnvelope) (string, error) {
	ref := c.tr.nextRef()
	msg := WireMessage{
		Topic: c.topic,
		Event: WireEventBroadcast,
		Payload: map[string]any{
			"type":    env.Type,
			"event":   env.Event,
			"payload": env.Payload,
		},
		Ref:     ref,
		JoinRef: c.joinRefValue(),
	}

	if !c.cfg.BroadcastAck {
		if err := c.tr.write(msg); err != nil {
			return "error", err
		}
		return SendOK, nil
	}

	result := make(chan string, 1)
	c.tr.registerReply(ref, func(ok bool, reason string) {
		if ok {
			result <- SendOK
			return
		}
		if reason == "" {
			reason = "error"
		}
		result <- reason
	})
	if err := c.tr.write(msg); err != nil {
		c.tr.takeReply(ref)
		return "error", err
	}

	select {
	case status := <-result:
		return status, nil
	case <-ctx.Done():
		c.tr.takeReply(ref)
		return "error", ctx.Err()
	}
}

// Track publishes presence state.
func (c *socketChannel) Track(ctx context.Context, state types.PresenceState) error {
	return c.tr.write(WireMessage{
		Topic: c.topic,
		Event: WireEventPresence,
		Payload: map[string]any{
			"type":  "track",
			"state": map[string]any(state),
		},
		Ref:     c.tr.nextRef(),
		JoinRef: c.joinRefValue(),
	})
}

// Untrack withdraws presence state.
func (c *socketChannel) Untrack(ctx context.Context) error {
	return c.tr.write(WireMessage{
		Topic:   c.topic,
		Event:   WireEventPresence,
		Payload: map[string]any{"type": "untrack"},
		Ref:     c.tr.nextRef(),
		JoinRef: c.joinRefValue(),
	})
}

// On attaches a raw broadcast listener. Unknown kinds are ignored.
func (c *socketChannel) On(kind string, filter map[string]string, handler func(payload map[string]any)) {
	if kind != KindBroadcast {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bcast = append(c.bcast, socketListener{event: filter["event"], handler: handler})
}

// OnPresence attaches one handler covering sync, join, and leave.
func (c *socketChannel) OnPresence(handler func(ev types.PresenceEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPres = append(c.onPres, handler)
}

// deliverBroadcast invokes matching listeners with the full envelope map
// ({type, event, payload}) exactly as it arrived on the wire.
func (c *socketChannel) deliverBroadcast(payload map[string]any) {
	event, _ := payload["event"].(string)

	c.mu.RLock()
	listeners := make([]socketListener, len(c.bcast))
	copy(listeners, c.bcast)
	c.mu.RUnlock()

	for _, l := range listeners {
		if l.event == "" || l.event == event {
			l.handler(payload)
		}
	}
}

func (c *socketChannel) deliverPresence(payload map[string]any) {
	kind, _ := payload["kind"].(string)
	key, _ := payload["key"].(string)
	state, _ := payload["state"].(map[string]any)
	ev := types.PresenceEvent{
		Kind:  types.PresenceEventKind(kind),
		Key:   key,
		State: types.PresenceState(state),
	}

	c.mu.RLock()
	handlers := make([]func(types.PresenceEvent), len(c.onPres))
	copy(handlers, c.onPres)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *socketChannel) joinRefValue() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joinRef
}

func (c *socketChannel) notifyAck(status AckStatus, err error) {
	c.mu.RLock()
	ack := c.ack
	c.mu.RUnlock()
	if ack != nil {
		ack(status, err)
	}
}
