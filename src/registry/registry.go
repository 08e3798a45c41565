// Package registry owns the process's realtime connection: one transport,
// one cached channel handle per channel name, per-channel state records, and
// the authorization gate consulted before any transport call.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetlink/realtime/config"
	"github.com/fleetlink/realtime/src/auth"
	"github.com/fleetlink/realtime/src/transport"
	"github.com/fleetlink/realtime/src/types"
	"github.com/rs/zerolog"
)

// ErrSubscribeInFlight is returned when Subscribe is called for a channel
// whose previous subscribe has not settled yet. The earlier design let the
// second caller silently overwrite the first caller's lifecycle callbacks;
// rejecting the latecomer is deterministic.
var ErrSubscribeInFlight = errors.New("subscribe already in flight for channel")

// subscription holds one subscribe attempt's callbacks and its settlement.
// The ack callback distinguishes first settlement (resolving the waiting
// Subscribe call) from later lifecycle notifications (a CLOSED after
// SUBSCRIBED fires OnDisconnect, never re-settles).
type subscription struct {
	opts    types.SubscriptionOptions
	result  chan error
	once    sync.Once
	settled bool
	mu      sync.Mutex
}

func newSubscription(opts types.SubscriptionOptions) *subscription {
	return &subscription{opts: opts, result: make(chan error, 1)}
}

// trySettle delivers the outcome exactly once. Reports whether this call was
// the first settlement.
func (s *subscription) trySettle(err error) bool {
	first := false
	s.once.Do(func() {
		s.mu.Lock()
		s.settled = true
		s.mu.Unlock()
		s.result <- err
		first = true
	})
	return first
}

func (s *subscription) isSettled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}

// Registry multiplexes named channels over one transport. Construct once at
// process start and inject into consumers; Default/ResetDefault exist for
// test harnesses and callers ported from the singleton design.
type Registry struct {
	cfg    *config.RealtimeConfig
	tr     transport.Transport
	gate   *auth.Gate
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[types.ChannelName]transport.Channel
	subs    map[types.ChannelName]*subscription
	states  *stateTracker
}

// New creates a registry over the given transport and gate.
func New(cfg *config.RealtimeConfig, tr transport.Transport, gate *auth.Gate, logger zerolog.Logger) *Registry {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Registry{
		cfg:     cfg,
		tr:      tr,
		gate:    gate,
		logger:  logger.With().Str("component", "registry").Logger(),
		handles: make(map[types.ChannelName]transport.Channel),
		subs:    make(map[types.ChannelName]*subscription),
		states:  newStateTracker(),
	}
}

// Transport exposes the raw transport, only for attaching additional raw
// event listeners. Callers must never subscribe or remove channels through
// it; the registry owns that lifecycle.
func (r *Registry) Transport() transport.Transport { return r.tr }

// Channel returns the cached handle for a name, creating it on first use.
// All channels share a fixed config: no broadcast self-echo, delivery
// acknowledgement required, fabric-assigned presence key.
func (r *Registry) Channel(name types.ChannelName) transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelLocked(name)
}

func (r *Registry) channelLocked(name types.ChannelName) transport.Channel {
	if h, ok := r.handles[name]; ok {
		return h
	}
	h := r.tr.Channel(string(name), transport.ChannelConfig{
		BroadcastSelf: false,
		BroadcastAck:  true,
		PresenceKey:   "",
	})
	r.handles[name] = h
	return h
}

// Subscribe authorizes the actor, joins the channel, and blocks until the
// transport acknowledges or the configured timeout elapses. A nil actor is
// resolved through the gate; latency-sensitive callers that already hold
// identity pass it to skip the lookup.
func (r *Registry) Subscribe(ctx context.Context, name types.ChannelName, opts types.SubscriptionOptions, actor *types.ActorContext) (transport.Channel, error) {
	if actor == nil {
		resolved, err := r.gate.ResolveActor(ctx)
		if err != nil {
			return nil, err
		}
		actor = resolved
	}
	if !r.gate.CanSubscribe(actor, name) {
		r.logger.Warn().
			Str("channel", string(name)).
			Str("user_type", string(actor.UserType)).
			Msg("subscribe denied")
		return nil, types.NewAccessDenied(name)
	}

	r.mu.Lock()
	if existing, ok := r.subs[name]; ok && !existing.isSettled() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSubscribeInFlight, name)
	}
	r.states.connecting(name)
	handle := r.channelLocked(name)
	sub := newSubscription(opts)
	r.subs[name] = sub
	r.mu.Unlock()

	handle.Subscribe(func(status transport.AckStatus, err error) {
		r.handleAck(name, sub, status, err)
	})

	timer := time.NewTimer(r.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case err := <-sub.result:
		if err != nil {
			return nil, err
		}
		return handle, nil
	case <-timer.C:
		terr := &types.TimeoutError{Channel: name}
		if sub.trySettle(terr) {
			r.states.failed(name, terr)
			if sub.opts.OnError != nil {
				sub.opts.OnError(terr)
			}
		}
		return nil, terr
	case <-ctx.Done():
		err := ctx.Err()
		if sub.trySettle(err) {
			r.states.failed(name, err)
		}
		return nil, err
	}
}

// handleAck processes a transport acknowledgement for one subscription.
func (r *Registry) handleAck(name types.ChannelName, sub *subscription, status transport.AckStatus, ackErr error) {
	switch status {
	case transport.AckSubscribed:
		if !sub.trySettle(nil) {
			return
		}
		r.states.connected(name)
		r.logger.Info().Str("channel", string(name)).Msg("subscribed")
		if sub.opts.OnConnect != nil {
			sub.opts.OnConnect()
		}

	case transport.AckChannelError:
		cerr := &types.ChannelError{Channel: name, Cause: ackErr}
		if !sub.trySettle(cerr) {
			return
		}
		r.states.failed(name, cerr)
		r.logger.Error().Err(cerr).Str("channel", string(name)).Msg("channel error")
		if sub.opts.OnError != nil {
			sub.opts.OnError(cerr)
		}

	case transport.AckTimedOut:
		terr := &types.TimeoutError{Channel: name}
		if !sub.trySettle(terr) {
			return
		}
		r.states.failed(name, terr)
		if sub.opts.OnError != nil {
			sub.opts.OnError(terr)
		}

	case transport.AckClosed:
		// Lifecycle notification, never a settlement. Before settlement the
		// registry timeout handles the attempt; after, this is a disconnect.
		if !sub.isSettled() {
			return
		}
		r.mu.Lock()
		current := r.subs[name] == sub
		if current {
			delete(r.subs, name)
		}
		r.mu.Unlock()
		if !current {
			// The registry already tore this subscription down.
			return
		}
		r.states.disconnected(name)
		r.logger.Info().Str("channel", string(name)).Msg("channel closed")
		if sub.opts.OnDisconnect != nil {
			sub.opts.OnDisconnect()
		}
	}
}

// Unsubscribe removes the channel and resets its state. Unsubscribing a
// never-subscribed name succeeds as a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, name types.ChannelName) error {
	r.mu.Lock()
	handle, ok := r.handles[name]
	delete(r.handles, name)
	delete(r.subs, name)
	r.mu.Unlock()

	r.states.disconnected(name)
	if !ok {
		return nil
	}
	if err := r.tr.RemoveChannel(handle); err != nil {
		return fmt.Errorf("remove channel %s: %w", name, err)
	}
	r.logger.Info().Str("channel", string(name)).Msg("unsubscribed")
	return nil
}

// DisconnectAll unsubscribes every tracked channel concurrently.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	names := make([]types.ChannelName, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name types.ChannelName) {
			defer wg.Done()
			errs[i] = r.Unsubscribe(ctx, name)
		}(i, name)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// IsConnected reports whether the channel is in the connected state.
func (r *Registry) IsConnected(name types.ChannelName) bool {
	return r.states.get(name).State == types.StateConnected
}

// ConnectionState returns the channel's state record.
func (r *Registry) ConnectionState(name types.ChannelName) types.ConnectionState {
	return r.states.get(name)
}

// Broadcast authorizes and sends an envelope on a connected channel.
func (r *Registry) Broadcast(ctx context.Context, name types.ChannelName, event string, payload map[string]any, actor *types.ActorContext) error {
	r.mu.Lock()
	handle, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s is not subscribed", name)
	}
	if r.states.get(name).State != types.StateConnected {
		return fmt.Errorf("%s is not connected", name)
	}

	if actor == nil {
		resolved, err := r.gate.ResolveActor(ctx)
		if err != nil {
			return err
		}
		actor = resolved
	}
	if err := r.gate.CanBroadcast(actor, name, event, payload); err != nil {
		r.logger.Warn().
			Str("channel", string(name)).
			Str("event", event).
			Str("user_type", string(actor.UserType)).
			Msg("broadcast denied")
		return err
	}

	status, err := handle.Send(ctx, types.NewBroadcast(event, payload))
	if err != nil || status != transport.SendOK {
		r.logger.Error().Err(err).Str("channel", string(name)).Str("status", status).Msg("broadcast failed")
		return &types.BroadcastError{Channel: name}
	}
	return nil
}

// TrackPresence publishes presence state on a connected channel.
func (r *Registry) TrackPresence(ctx context.Context, name types.ChannelName, state types.PresenceState) error {
	r.mu.Lock()
	handle, ok := r.handles[name]
	r.mu.Unlock()
	if !ok || r.states.get(name).State != types.StateConnected {
		return fmt.Errorf("%s is not subscribed", name)
	}
	return handle.Track(ctx, state)
}

// UntrackPresence withdraws presence state. Untracking a channel that was
// never subscribed succeeds as a no-op.
func (r *Registry) UntrackPresence(ctx context.Context, name types.ChannelName) error {
	r.mu.Lock()
	handle, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return handle.Untrack(ctx)
}

// Default-instance plumbing, reserved for test harnesses and callers ported
// from the singleton design. New construction paths should inject *Registry.
var (
	defaultMu      sync.Mutex
	defaultReg     *Registry
	defaultFactory func() *Registry
)

// SetDefaultFactory installs the constructor Default uses on first call.
func SetDefaultFactory(f func() *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFactory = f
}

// Default returns the process-wide registry, creating it lazily from the
// installed factory.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReg == nil && defaultFactory != nil {
		defaultReg = defaultFactory()
	}
	return defaultReg
}

// ResetDefault tears down all channels of the default registry and discards
// it. The next Default call constructs a fresh instance.
func ResetDefault(ctx context.Context) {
	defaultMu.Lock()
	reg := defaultReg
	defaultReg = nil
	defaultMu.Unlock()

	if reg != nil {
		_ = reg.DisconnectAll(ctx)
	}
}
