package registry

import (
	"sync"
	"time"

	"github.com/fleetlink/realtime/src/types"
)

// stateTracker keeps one ConnectionState record per channel name. Reads of
// never-seen names return the zero record with StateDisconnected.
//
// Transitions: disconnected -> connecting on subscribe; connecting ->
// connected on SUBSCRIBED; connecting -> error on CHANNEL_ERROR or TIMED_OUT
// (terminal until a fresh subscribe restarts at connecting); any ->
// disconnected on unsubscribe, CLOSED, or reset.
type stateTracker struct {
	mu     sync.RWMutex
	states map[types.ChannelName]types.ConnectionState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[types.ChannelName]types.ConnectionState)}
}

func (t *stateTracker) get(name types.ChannelName) types.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[name]; ok {
		return s
	}
	return types.ConnectionState{State: types.StateDisconnected}
}

// connecting marks a subscribe attempt. A name that has been seen before is
// a reconnect, so the attempt counter advances.
func (t *stateTracker) connecting(name types.ChannelName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.states[name]
	attempts := 0
	if seen {
		attempts = prev.ReconnectAttempts + 1
	}
	t.states[name] = types.ConnectionState{
		State:             types.StateConnecting,
		ReconnectAttempts: attempts,
	}
}

func (t *stateTracker) connected(name types.ChannelName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[name]
	s.State = types.StateConnected
	s.ConnectedAt = time.Now()
	s.Err = nil
	t.states[name] = s
}

func (t *stateTracker) failed(name types.ChannelName, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[name]
	s.State = types.StateError
	s.Err = err
	t.states[name] = s
}

// disconnected resets the record to the default, as if never seen.
func (t *stateTracker) disconnected(name types.ChannelName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, name)
}
