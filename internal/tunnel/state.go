package tunnel

import (
	"sync"
	"time"
)

// State represents the lifecycle phase of one tunnel.
type State string

const (
	StatePending     State = "pending"
	StateConnecting  State = "connecting"
	StateEstablished State = "established"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// String returns the string representation of a State.
func (s State) String() string {
	return string(s)
}

// Transition records a state change for debugging.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Callback is called when a tunnel's state changes. The callback receives
// the target key, old state, and new state.
type Callback func(key string, from, to State)

// maxTransitionsPerKey limits the number of stored state transitions per target.
const maxTransitionsPerKey = 50

// Tracker manages tunnel states, transition history, and callbacks.
type Tracker struct {
	mu          sync.RWMutex
	states      map[string]State
	transitions map[string][]Transition
	callbacks   []Callback
}

// NewTracker creates a new state tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states:      make(map[string]State),
		transitions: make(map[string][]Transition),
	}
}

// Get returns the current state for the target key. Returns StateClosed if
// no state has been set.
func (t *Tracker) Get(key string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[key]
	if !ok {
		return StateClosed
	}
	return state
}

// Set updates the state for the key. If the state actually changed, it
// records the transition and fires registered callbacks. Returns the
// previous state.
func (t *Tracker) Set(key string, newState State) State {
	t.mu.Lock()
	oldState, ok := t.states[key]
	if !ok {
		oldState = StateClosed
	}

	if oldState == newState {
		t.mu.Unlock()
		return oldState
	}

	t.states[key] = newState

	trans := Transition{
		From:      oldState,
		To:        newState,
		Timestamp: time.Now(),
	}
	transitions := t.transitions[key]
	transitions = append(transitions, trans)
	if len(transitions) > maxTransitionsPerKey {
		transitions = transitions[len(transitions)-maxTransitionsPerKey:]
	}
	t.transitions[key] = transitions

	// Copy callbacks under lock to fire outside lock
	cbs := make([]Callback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	// Fire callbacks outside the lock to avoid deadlocks
	for _, cb := range cbs {
		cb(key, oldState, newState)
	}

	return oldState
}

// Remove drops the state for the key. Transition history is kept so it
// remains available for debugging.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}

// Transitions returns a copy of the state transition history for the key.
func (t *Tracker) Transitions(key string) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	transitions := t.transitions[key]
	result := make([]Transition, len(transitions))
	copy(result, transitions)
	return result
}

// All returns a copy of all current states.
func (t *Tracker) All() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make(map[string]State, len(t.states))
	for k, v := range t.states {
		result[k] = v
	}
	return result
}

// OnChange registers a callback that fires when any tunnel's state changes.
func (t *Tracker) OnChange(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
