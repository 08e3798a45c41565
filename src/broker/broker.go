// Package broker is the in-process realtime fabric. It implements the
// transport contract directly, backing single-binary deployments and tests,
// and optionally relays broadcasts to sibling instances through a bridge.
package broker

import (
	"sync"

	"github.com/fleetlink/realtime/src/transport"
	"github.com/fleetlink/realtime/src/types"
	"github.com/rs/zerolog"
)

// Bridge publishes broadcast envelopes to other broker instances.
// Defined here to avoid a circular import with the bridge files.
type Bridge interface {
	Publish(topic string, env types.BroadcastEnvelope) error
	Available() bool
}

// Broker fans broadcasts and presence updates out to channel handles joined
// to the same topic.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	bridge Bridge
	logger zerolog.Logger
}

type topicState struct {
	name     string
	subs     map[*LocalChannel]struct{}
	presence map[string]types.PresenceState
}

// New creates an empty broker.
func New(logger zerolog.Logger) *Broker {
	return &Broker{
		topics: make(map[string]*topicState),
		logger: logger.With().Str("component", "broker").Logger(),
	}
}

// SetBridge attaches a cross-instance bridge. When set, broadcasts are also
// forwarded to sibling instances.
func (b *Broker) SetBridge(br Bridge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bridge = br
}

// Channel returns a new handle for the topic. Each call creates an
// independent subscriber; callers that want one handle per topic cache it
// themselves (the connection registry does).
func (b *Broker) Channel(topic string, cfg transport.ChannelConfig) transport.Channel {
	return newLocalChannel(b, topic, cfg)
}

// RemoveChannel leaves the topic and notifies the handle with a CLOSED ack.
func (b *Broker) RemoveChannel(ch transport.Channel) error {
	lc, ok := ch.(*LocalChannel)
	if !ok {
		return errForeignChannel
	}
	lc.close()
	return nil
}

// Close tears down every joined handle on every topic.
func (b *Broker) Close() {
	b.mu.RLock()
	var all []*LocalChannel
	for _, ts := range b.topics {
		for lc := range ts.subs {
			all = append(all, lc)
		}
	}
	b.mu.RUnlock()

	for _, lc := range all {
		lc.close()
	}
}

// TopicCounts returns topic names with their subscriber counts.
func (b *Broker) TopicCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.topics))
	for name, ts := range b.topics {
		out[name] = len(ts.subs)
	}
	return out
}

// SubscriberCount returns the number of handles joined to a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ts, ok := b.topics[topic]
	if !ok {
		return 0
	}
	return len(ts.subs)
}

// BroadcastToLocal delivers an envelope from the bridge to local subscribers
// only. It does not re-publish, preventing relay loops.
func (b *Broker) BroadcastToLocal(topic string, env types.BroadcastEnvelope) {
	b.dispatch(topic, env, nil)
}

// join registers a handle under its topic and returns a snapshot of current
// presence for the initial sync.
func (b *Broker) join(lc *LocalChannel) map[string]types.PresenceState {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[lc.topic]
	if !ok {
		ts = &topicState{
			name:     lc.topic,
			subs:     make(map[*LocalChannel]struct{}),
			presence: make(map[string]types.PresenceState),
		}
		b.topics[lc.topic] = ts
	}
	ts.subs[lc] = struct{}{}

	snapshot := make(map[string]types.PresenceState, len(ts.presence))
	for k, v := range ts.presence {
		snapshot[k] = v
	}
	return snapshot
}

// leave removes a handle and drops its presence entry if tracked.
func (b *Broker) leave(lc *LocalChannel) {
	b.mu.Lock()
	ts, ok := b.topics[lc.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(ts.subs, lc)
	tracked := false
	if _, ok := ts.presence[lc.presenceKey]; ok && lc.wasTracked() {
		delete(ts.presence, lc.presenceKey)
		tracked = true
	}
	empty := len(ts.subs) == 0
	if empty {
		delete(b.topics, lc.topic)
	}
	b.mu.Unlock()

	if tracked && !empty {
		b.dispatchPresence(lc.topic, types.PresenceEvent{
			Kind: types.PresenceLeave,
			Key:  lc.presenceKey,
		})
	}
}

// dispatch delivers an envelope to every subscriber of the topic except the
// sender when its config disables self-echo.
func (b *Broker) dispatch(topic string, env types.BroadcastEnvelope, sender *LocalChannel) {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	if !ok {
		b.mu.RUnlock()
		return
	}
	targets := make([]*LocalChannel, 0, len(ts.subs))
	for lc := range ts.subs {
		if lc == sender && sender != nil && !sender.cfg.BroadcastSelf {
			continue
		}
		targets = append(targets, lc)
	}
	b.mu.RUnlock()

	for _, lc := range targets {
		lc.deliver(env)
	}
}

// publishToBridge forwards an envelope to the bridge if one is attached.
func (b *Broker) publishToBridge(topic string, env types.BroadcastEnvelope) {
	b.mu.RLock()
	br := b.bridge
	b.mu.RUnlock()

	if br == nil || !br.Available() {
		return
	}
	if err := br.Publish(topic, env); err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("bridge publish failed")
	}
}

// track stores a presence state and reports whether the key is new.
func (b *Broker) track(lc *LocalChannel, state types.PresenceState) {
	b.mu.Lock()
	ts, ok := b.topics[lc.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	ts.presence[lc.presenceKey] = state
	b.mu.Unlock()

	b.dispatchPresence(lc.topic, types.PresenceEvent{
		Kind:  types.PresenceJoin,
		Key:   lc.presenceKey,
		State: state,
	})
}

// untrack removes a presence state if present.
func (b *Broker) untrack(lc *LocalChannel) {
	b.mu.Lock()
	ts, ok := b.topics[lc.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, had := ts.presence[lc.presenceKey]; !had {
		b.mu.Unlock()
		return
	}
	delete(ts.presence, lc.presenceKey)
	b.mu.Unlock()

	b.dispatchPresence(lc.topic, types.PresenceEvent{
		Kind: types.PresenceLeave,
		Key:  lc.presenceKey,
	})
}

func (b *Broker) dispatchPresence(topic string, ev types.PresenceEvent) {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	if !ok {
		b.mu.RUnlock()
		return
	}
	targets := make([]*LocalChannel, 0, len(ts.subs))
	for lc := range ts.subs {
		targets = append(targets, lc)
	}
	b.mu.RUnlock()

	for _, lc := range targets {
		lc.deliverPresence(ev)
	}
}
