package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/tgcrm/internal/bus"
)

// State is the live-listener connection state.
type State string

const (
	Idle         State = "IDLE"
	Standby      State = "STANDBY" // another worker holds the listener lock
	Connecting   State = "CONNECTING"
	CatchingUp   State = "CATCHING_UP"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Stopped      State = "STOPPED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Standby, Reconnecting, Stopped},
	Standby:      {Connecting, Reconnecting, Stopped},
	Connecting:   {CatchingUp, Reconnecting, Standby, Stopped},
	CatchingUp:   {Live, Reconnecting, Standby, Stopped},
	Live:         {Reconnecting, Standby, Stopped},
	Reconnecting: {Connecting, Standby, Stopped},
	Stopped:      {Connecting},
}

// Machine tracks and enforces listener state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Active reports whether this process is the one holding the stream.
func (m *Machine) Active() bool {
	switch m.Current() {
	case Connecting, CatchingUp, Live:
		return true
	}
	return false
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Emit(bus.ListenerStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
