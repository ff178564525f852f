package status

import (
	"fmt"
	"slices"
	"testing"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Pending {
		t.Errorf("initial state = %s, want pending", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from Delivery
		to   Delivery
	}{
		{Pending, Sending},
		{Sending, Sent},
		{Sending, Failed},
		{Sent, Delivered},
		{Failed, Retrying},
		{Retrying, Sending},
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

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from Delivery
		to   Delivery
	}{
		{Pending, Sent},       // skips sending
		{Sent, Sending},       // backward
		{Delivered, Sent},     // backward
		{Failed, Sending},     // must go through retrying
		{Retrying, Sent},      // skips sending
		{Pending, Delivered},  // skips everything
		{Delivered, Retrying}, // delivered is terminal
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (unchanged)", m.Current(), tt.from)
			}
		})
	}
}

func TestPath(t *testing.T) {
	tests := []struct {
		from, to Delivery
		want     []Delivery
		ok       bool
	}{
		{Pending, Pending, nil, true},
		{Pending, Sent, []Delivery{Sending, Sent}, true},
		{Failed, Sent, []Delivery{Retrying, Sending, Sent}, true},
		{Sending, Delivered, []Delivery{Sent, Delivered}, true},
		{Delivered, Sent, nil, false},
		{Sent, Failed, nil, false},
	}
	for _, tt := range tests {
		got, ok := Path(tt.from, tt.to)
		if ok != tt.ok || !slices.Equal(got, tt.want) {
			t.Errorf("Path(%s, %s) = %v, %v; want %v, %v", tt.from, tt.to, got, ok, tt.want, tt.ok)
		}
	}
}

// TestRetryCycleReportsEveryStep verifies a failed send followed by a retry
// passes through retrying and sending, never skipping a step.
func TestRetryCycleReportsEveryStep(t *testing.T) {
	var seen []Delivery
	m := NewMachine(func(c Change) { seen = append(seen, c.To) })

	for _, s := range []Delivery{Sending, Failed, Retrying, Sending, Sent} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	want := []Delivery{Sending, Failed, Retrying, Sending, Sent}
	if !slices.Equal(seen, want) {
		t.Errorf("steps = %v, want %v", seen, want)
	}
}

func TestAdvanceIgnoresStaleStatus(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Delivered)
	if m.Advance(Sent) {
		t.Error("Advance(delivered -> sent) should be refused")
	}
	if m.Current() != Delivered {
		t.Errorf("state = %s, want delivered", m.Current())
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse("sent"); err != nil {
		t.Errorf("Parse(sent) error = %v", err)
	}
	if _, err := Parse("read"); err == nil {
		t.Error("Parse(read) should fail")
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target Delivery) {
	t.Helper()
	if !m.Advance(target) {
		t.Fatalf("walkTo(%s) from %s: unreachable", target, m.Current())
	}
}

func TestDeliveryStringer(t *testing.T) {
	var s fmt.Stringer = Delivered
	if s.String() != "delivered" {
		t.Errorf("String() = %q, want delivered", s.String())
	}
}
