package status

import (
	"testing"
	"time"

	"github.com/matheus3301/tgcrm/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
	if m.Active() {
		t.Error("Active() = true in IDLE")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Idle, Standby},
		{Standby, Connecting},
		{Connecting, CatchingUp},
		{CatchingUp, Live},
		{Live, Reconnecting},
		{Live, Standby},
		{Reconnecting, Connecting},
		{Stopped, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Live},
		{Standby, Live},
		{Connecting, Live},
		{Stopped, Live},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state changed to %s on rejected transition", m.Current())
			}
		})
	}
}

func TestActive(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Live)
	if !m.Active() {
		t.Error("Active() = false in LIVE")
	}
	if err := m.Transition(Standby); err != nil {
		t.Fatal(err)
	}
	if m.Active() {
		t.Error("Active() = true in STANDBY")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("listener.", 10)
	defer unsub()

	m := NewMachine(b)
	before := m.Since()
	time.Sleep(time.Millisecond)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	if !m.Since().After(before) {
		t.Error("Since() not updated on transition")
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.ListenerStatusChanged {
			t.Errorf("event kind = %q, want %q", evt.Kind, bus.ListenerStatusChanged)
		}
		sc, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if sc.From != Idle || sc.To != Connecting {
			t.Errorf("change = %s -> %s, want IDLE -> CONNECTING", sc.From, sc.To)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status change event")
	}
}

// walkTo drives m from IDLE to target through valid transitions.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:         {},
		Standby:      {Standby},
		Connecting:   {Connecting},
		CatchingUp:   {Connecting, CatchingUp},
		Live:         {Connecting, CatchingUp, Live},
		Reconnecting: {Connecting, Reconnecting},
		Stopped:      {Stopped},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
