package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetlink/realtime/src/transport"
	"github.com/fleetlink/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	return New(zerolog.Nop())
}

// joinChannel creates a handle and waits for the SUBSCRIBED ack.
func joinChannel(t *testing.T, b *Broker, topic string, cfg transport.ChannelConfig) transport.Channel {
	t.Helper()
	ch := b.Channel(topic, cfg)
	acked := make(chan transport.AckStatus, 4)
	ch.Subscribe(func(status transport.AckStatus, err error) {
		acked <- status
	})
	select {
	case status := <-acked:
		require.Equal(t, transport.AckSubscribed, status)
	case <-time.After(time.Second):
		t.Fatal("no subscribe ack")
	}
	return ch
}

type envelopeRecorder struct {
	mu   sync.Mutex
	seen []map[string]any
}

func (r *envelopeRecorder) handler(payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, payload)
}

func (r *envelopeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestBroadcastFanOut(t *testing.T) {
	b := newTestBroker(t)
	sender := joinChannel(t, b, "updates", transport.ChannelConfig{})
	receiver := joinChannel(t, b, "updates", transport.ChannelConfig{})

	rec := &envelopeRecorder{}
	receiver.On(transport.KindBroadcast, map[string]string{"event": "order:created"}, rec.handler)

	status, err := sender.Send(context.Background(), types.NewBroadcast("order:created", map[string]any{"id": "o-1"}))
	require.NoError(t, err)
	assert.Equal(t, transport.SendOK, status)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "order:created", rec.seen[0]["event"])
	inner := rec.seen[0]["payload"].(map[string]any)
	assert.Equal(t, "o-1", inner["id"])
}

func TestBroadcastSelfEchoDisabled(t *testing.T) {
	b := newTestBroker(t)
	sender := joinChannel(t, b, "updates", transport.ChannelConfig{BroadcastSelf: false})

	rec := &envelopeRecorder{}
	sender.On(transport.KindBroadcast, nil, rec.handler)

	_, err := sender.Send(context.Background(), types.NewBroadcast("ping", nil))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count())
}

func TestBroadcastSelfEchoEnabled(t *testing.T) {
	b := newTestBroker(t)
	sender := joinChannel(t, b, "updates", transport.ChannelConfig{BroadcastSelf: true})

	rec := &envelopeRecorder{}
	sender.On(transport.KindBroadcast, nil, rec.handler)

	_, err := sender.Send(context.Background(), types.NewBroadcast("ping", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count())
}

func TestEventFilterExcludesOtherEvents(t *testing.T) {
	b := newTestBroker(t)
	sender := joinChannel(t, b, "updates", transport.ChannelConfig{})
	receiver := joinChannel(t, b, "updates", transport.ChannelConfig{})

	rec := &envelopeRecorder{}
	receiver.On(transport.KindBroadcast, map[string]string{"event": "a"}, rec.handler)

	_, err := sender.Send(context.Background(), types.NewBroadcast("b", nil))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count())
}

func TestSendRequiresJoin(t *testing.T) {
	b := newTestBroker(t)
	ch := b.Channel("updates", transport.ChannelConfig{})

	status, err := ch.Send(context.Background(), types.NewBroadcast("ping", nil))
	require.Error(t, err)
	assert.NotEqual(t, transport.SendOK, status)
}

func TestRemoveChannelAcksClosed(t *testing.T) {
	b := newTestBroker(t)
	ch := b.Channel("updates", transport.ChannelConfig{})

	var mu sync.Mutex
	var acks []transport.AckStatus
	subscribed := make(chan struct{})
	ch.Subscribe(func(status transport.AckStatus, err error) {
		mu.Lock()
		acks = append(acks, status)
		mu.Unlock()
		if status == transport.AckSubscribed {
			close(subscribed)
		}
	})
	<-subscribed

	require.NoError(t, b.RemoveChannel(ch))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, acks, 2)
	assert.Equal(t, transport.AckClosed, acks[1])
	assert.Equal(t, 0, b.SubscriberCount("updates"))
}

func TestPresenceJoinLeaveAndSync(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	driver := joinChannel(t, b, "driver-status", transport.ChannelConfig{PresenceKey: "d-1"})
	require.NoError(t, driver.Track(ctx, types.PresenceState{"status": "online"}))

	// A watcher joining later receives the existing record as a sync event.
	watcher := b.Channel("driver-status", transport.ChannelConfig{})
	var mu sync.Mutex
	var events []types.PresenceEvent
	watcher.OnPresence(func(ev types.PresenceEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	subscribed := make(chan struct{})
	watcher.Subscribe(func(status transport.AckStatus, err error) {
		if status == transport.AckSubscribed {
			close(subscribed)
		}
	})
	<-subscribed

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, types.PresenceSync, events[0].Kind)
	assert.Equal(t, "d-1", events[0].Key)
	assert.Equal(t, "online", events[0].State["status"])
	mu.Unlock()

	// Untrack reaches the watcher as a leave event.
	require.NoError(t, driver.Untrack(ctx))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, types.PresenceLeave, events[1].Kind)
	assert.Equal(t, "d-1", events[1].Key)
	mu.Unlock()

	// Untracking again is a no-op.
	require.NoError(t, driver.Untrack(ctx))
}

func TestTrackRequiresJoin(t *testing.T) {
	b := newTestBroker(t)
	ch := b.Channel("driver-status", transport.ChannelConfig{})
	assert.Error(t, ch.Track(context.Background(), types.PresenceState{"status": "online"}))
}

func TestTopicCounts(t *testing.T) {
	b := newTestBroker(t)
	joinChannel(t, b, "a", transport.ChannelConfig{})
	joinChannel(t, b, "a", transport.ChannelConfig{})
	joinChannel(t, b, "b", transport.ChannelConfig{})

	counts := b.TopicCounts()
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 1, counts["b"])
}

type recordingBridge struct {
	mu        sync.Mutex
	published []string
	available bool
}

func (r *recordingBridge) Publish(topic string, env types.BroadcastEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, topic+"/"+env.Event)
	return nil
}

func (r *recordingBridge) Available() bool { return r.available }

func TestBridgePublishAndLocalRelay(t *testing.T) {
	b := newTestBroker(t)
	br := &recordingBridge{available: true}
	b.SetBridge(br)

	sender := joinChannel(t, b, "updates", transport.ChannelConfig{})
	receiver := joinChannel(t, b, "updates", transport.ChannelConfig{})
	rec := &envelopeRecorder{}
	receiver.On(transport.KindBroadcast, nil, rec.handler)

	_, err := sender.Send(context.Background(), types.NewBroadcast("ping", nil))
	require.NoError(t, err)

	br.mu.Lock()
	assert.Equal(t, []string{"updates/ping"}, br.published)
	br.mu.Unlock()

	// A relayed envelope reaches local subscribers without re-publishing.
	b.BroadcastToLocal("updates", types.NewBroadcast("pong", nil))
	assert.Equal(t, 2, rec.count())
	br.mu.Lock()
	assert.Len(t, br.published, 1)
	br.mu.Unlock()
}

func TestCloseTearsDownAllChannels(t *testing.T) {
	b := newTestBroker(t)
	ch1 := joinChannel(t, b, "a", transport.ChannelConfig{})
	_ = joinChannel(t, b, "b", transport.ChannelConfig{})

	b.Close()
	assert.Equal(t, 0, b.SubscriberCount("a"))
	assert.Equal(t, 0, b.SubscriberCount("b"))

	_, err := ch1.Send(context.Background(), types.NewBroadcast("ping", nil))
	assert.Error(t, err)
}
