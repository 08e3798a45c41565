package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetlink/realtime/config"
	"github.com/fleetlink/realtime/src/auth"
	"github.com/fleetlink/realtime/src/broker"
	"github.com/fleetlink/realtime/src/registry"
	"github.com/fleetlink/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticIdentity resolves every lookup to one fixed actor.
type staticIdentity struct {
	userType types.UserType
	driverID string
}

func (s *staticIdentity) CurrentUser(ctx context.Context) (*auth.Identity, error) {
	return &auth.Identity{ID: "u-1"}, nil
}

func (s *staticIdentity) Profile(ctx context.Context, userID string) (*auth.Profile, error) {
	return &auth.Profile{Type: s.userType}, nil
}

func (s *staticIdentity) Driver(ctx context.Context, userID string) (*auth.DriverRecord, error) {
	if s.driverID == "" {
		return nil, nil
	}
	return &auth.DriverRecord{ID: s.driverID}, nil
}

func newRegistry(t *testing.T, b *broker.Broker, ident auth.IdentityProvider) *registry.Registry {
	t.Helper()
	cfg := config.Default()
	cfg.SubscribeTimeout = time.Second
	gate := auth.NewGate(ident, zerolog.Nop())
	return registry.New(cfg, b, gate, zerolog.Nop())
}

var (
	driverCtx = &types.ActorContext{UserID: "u-d", UserType: types.UserTypeDriver, DriverID: "d-1"}
	adminCtx  = &types.ActorContext{UserID: "u-a", UserType: types.UserTypeAdmin}
)

func TestDriverLocationTypedDelivery(t *testing.T) {
	b := broker.New(zerolog.Nop())
	adminReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeAdmin})
	driverReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeDriver, driverID: "d-1"})
	ctx := context.Background()

	var mu sync.Mutex
	var got []LocationPayload
	watcher := NewDriverLocationChannel(adminReg)
	require.NoError(t, watcher.Subscribe(ctx, LocationCallbacks{
		OnLocation: func(p LocationPayload) {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		},
	}, adminCtx))
	assert.True(t, watcher.IsConnected())

	reporter := NewDriverLocationChannel(driverReg)
	require.NoError(t, reporter.Subscribe(ctx, LocationCallbacks{}, driverCtx))

	require.NoError(t, reporter.SendLocation(ctx, LocationPayload{
		DriverID:  "d-1",
		Latitude:  52.37,
		Longitude: 4.89,
	}, driverCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "d-1", got[0].DriverID)
	assert.Equal(t, 52.37, got[0].Latitude)
	assert.Equal(t, 4.89, got[0].Longitude)
}

func TestLocationUpdatedEnrichedDelivery(t *testing.T) {
	b := broker.New(zerolog.Nop())
	adminReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeAdmin})
	clientReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeAdmin})
	ctx := context.Background()

	var mu sync.Mutex
	var got []LocationUpdatePayload
	watcher := NewDriverLocationChannel(clientReg)
	require.NoError(t, watcher.Subscribe(ctx, LocationCallbacks{
		OnLocationUpdate: func(p LocationUpdatePayload) {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		},
	}, adminCtx))

	enricher := NewDriverLocationChannel(adminReg)
	require.NoError(t, enricher.Subscribe(ctx, LocationCallbacks{}, adminCtx))
	require.NoError(t, enricher.BroadcastLocationUpdated(ctx, LocationUpdatePayload{
		LocationPayload: LocationPayload{DriverID: "d-1", Latitude: 1, Longitude: 2},
		DriverName:      "Sam",
		VehiclePlate:    "AB-12-CD",
		OrderID:         "o-9",
	}, adminCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "Sam", got[0].DriverName)
	assert.Equal(t, "o-9", got[0].OrderID)
}

func TestOnBeforeSubscribe(t *testing.T) {
	b := broker.New(zerolog.Nop())
	reg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeAdmin})

	ch := NewDriverLocationChannel(reg)
	err := ch.On(types.EventDriverLocation, func(map[string]any) {})
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestOffDetachesListener(t *testing.T) {
	b := broker.New(zerolog.Nop())
	adminReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeAdmin})
	driverReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeDriver, driverID: "d-1"})
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	watcher := NewDriverLocationChannel(adminReg)
	require.NoError(t, watcher.Subscribe(ctx, LocationCallbacks{}, adminCtx))
	require.NoError(t, watcher.On(types.EventDriverLocation, func(map[string]any) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	reporter := NewDriverLocationChannel(driverReg)
	require.NoError(t, reporter.Subscribe(ctx, LocationCallbacks{}, driverCtx))

	require.NoError(t, reporter.SendLocation(ctx, LocationPayload{DriverID: "d-1"}, driverCtx))
	watcher.Off(types.EventDriverLocation)
	require.NoError(t, reporter.SendLocation(ctx, LocationPayload{DriverID: "d-1"}, driverCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestDriverStatusPresenceFlow(t *testing.T) {
	b := broker.New(zerolog.Nop())
	adminReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeAdmin})
	driverReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeDriver, driverID: "d-1"})
	ctx := context.Background()

	watcher := NewDriverStatusChannel(adminReg)
	require.NoError(t, watcher.Subscribe(ctx, StatusCallbacks{}, adminCtx))

	var mu sync.Mutex
	var events []types.PresenceEvent
	require.NoError(t, watcher.OnPresence(func(ev types.PresenceEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	driver := NewDriverStatusChannel(driverReg)
	require.NoError(t, driver.Subscribe(ctx, StatusCallbacks{}, driverCtx))
	require.NoError(t, driver.TrackPresence(ctx, types.PresenceState{"status": "online"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, types.PresenceJoin, events[0].Kind)
	assert.Equal(t, "online", events[0].State["status"])
	mu.Unlock()

	// Unsubscribe untracks first, so the watcher observes the leave.
	require.NoError(t, driver.Unsubscribe(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, types.PresenceLeave, events[1].Kind)
	mu.Unlock()

	// No stale record remains: a late joiner sees no presence sync.
	lateReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeAdmin})
	late := NewDriverStatusChannel(lateReg)
	var lateEvents int
	require.NoError(t, late.Subscribe(ctx, StatusCallbacks{}, adminCtx))
	require.NoError(t, late.OnPresence(func(ev types.PresenceEvent) {
		mu.Lock()
		lateEvents++
		mu.Unlock()
	}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, lateEvents)
	mu.Unlock()
}

func TestTrackPresenceBeforeSubscribe(t *testing.T) {
	b := broker.New(zerolog.Nop())
	reg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeDriver, driverID: "d-1"})
	ctx := context.Background()

	ch := NewDriverStatusChannel(reg)
	err := ch.TrackPresence(ctx, types.PresenceState{"status": "online"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not subscribed")

	// Untrack on the same unsubscribed channel resolves without error.
	assert.NoError(t, ch.UntrackPresence(ctx))
}

func TestAdminMessageTypedDelivery(t *testing.T) {
	b := broker.New(zerolog.Nop())
	senderReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeAdmin})
	watcherReg := newRegistry(t, b, &staticIdentity{userType: types.UserTypeSuperAdmin})
	ctx := context.Background()

	var mu sync.Mutex
	var got []AdminMessagePayload
	watcher := NewAdminCommandsChannel(watcherReg)
	superAdmin := &types.ActorContext{UserID: "u-s", UserType: types.UserTypeSuperAdmin}
	require.NoError(t, watcher.Subscribe(ctx, AdminCallbacks{
		OnMessage: func(p AdminMessagePayload) {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		},
	}, superAdmin))

	sender := NewAdminCommandsChannel(senderReg)
	require.NoError(t, sender.Subscribe(ctx, AdminCallbacks{}, adminCtx))
	require.NoError(t, sender.SendMessage(ctx, AdminMessagePayload{
		Message:  "pause dispatching",
		Severity: "warning",
	}, adminCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "pause dispatching", got[0].Message)
	assert.Equal(t, "warning", got[0].Severity)
}
