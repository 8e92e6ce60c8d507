package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
)

// State represents the runtime state of the sync core.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Running      State = "RUNNING"
	Degraded     State = "DEGRADED"
	Stopped      State = "STOPPED"
)

// validTransitions defines allowed state transitions. Stopped is terminal.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Running, Stopped},
	AuthRequired: {Running, Stopped},
	Running:      {Degraded, AuthRequired, Stopped},
	Degraded:     {Running, AuthRequired, Stopped},
	Stopped:      {},
}

// Machine tracks and enforces runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	since   time.Time
	bus     *bus.Bus
	now     func() time.Time
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	m := &Machine{current: Booting, bus: b, now: time.Now}
	m.since = m.now()
	return m
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the current state, why it was entered and when.
func (m *Machine) Snapshot() (State, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.reason, m.since
}

// Transition moves to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.Set(to, "")
}

// Set moves to a new state and records the reason. Staying in the same
// state only updates the reason and emits nothing.
func (m *Machine) Set(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		m.reason = reason
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	m.since = m.now()
	m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to, Reason: reason})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
