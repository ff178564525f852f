// Package status implements the per-message delivery state machine.
package status

import (
	"fmt"
	"slices"
	"sync"
)

// Delivery is a message delivery status.
type Delivery string

const (
	Pending   Delivery = "pending"
	Sending   Delivery = "sending"
	Sent      Delivery = "sent"
	Delivered Delivery = "delivered"
	Failed    Delivery = "failed"
	Retrying  Delivery = "retrying"
)

// validTransitions defines allowed delivery transitions. Nothing moves
// backward except through the failed → retrying → sending branch.
var validTransitions = map[Delivery][]Delivery{
	Pending:   {Sending},
	Sending:   {Sent, Failed},
	Sent:      {Delivered},
	Delivered: {},
	Failed:    {Retrying},
	Retrying:  {Sending},
}

// Parse validates a status string received from the remote store.
func Parse(s string) (Delivery, error) {
	d := Delivery(s)
	if _, ok := validTransitions[d]; !ok {
		return "", fmt.Errorf("unknown delivery status %q", s)
	}
	return d, nil
}

// CanTransition reports whether from → to is a single legal step.
func CanTransition(from, to Delivery) bool {
	return slices.Contains(validTransitions[from], to)
}

func (d Delivery) String() string { return string(d) }

// Durable reports whether the status implies the remote store acknowledged
// the message.
func (d Delivery) Durable() bool {
	return d == Sent || d == Delivered
}

// Path returns the legal steps leading from → to, excluding from itself.
// ok is false when to is unreachable. Path(x, x) is empty and ok.
func Path(from, to Delivery) (steps []Delivery, ok bool) {
	if from == to {
		return nil, true
	}
	prev := map[Delivery]Delivery{from: ""}
	queue := []Delivery{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range validTransitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				for s := to; s != from; s = prev[s] {
					steps = append(steps, s)
				}
				slices.Reverse(steps)
				return steps, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

// Machine tracks and enforces one message's delivery transitions.
type Machine struct {
	mu      sync.RWMutex
	current Delivery
	onStep  func(Change)
}

// NewMachine creates a machine starting in Pending. onStep, if non-nil, is
// called synchronously for every step taken.
func NewMachine(onStep func(Change)) *Machine {
	return &Machine{current: Pending, onStep: onStep}
}

// Current returns the current status.
func (m *Machine) Current() Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts a single step. Returns error if the step is illegal.
func (m *Machine) Transition(to Delivery) error {
	m.mu.Lock()
	if !CanTransition(m.current, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := Change{From: m.current, To: to}
	m.current = to
	m.mu.Unlock()

	if m.onStep != nil {
		m.onStep(change)
	}
	return nil
}

// Advance walks the shortest legal path to target. It returns false, leaving
// the status untouched, when target is unreachable (for example a stale
// "sent" arriving after "delivered").
func (m *Machine) Advance(target Delivery) bool {
	m.mu.Lock()
	steps, ok := Path(m.current, target)
	if !ok {
		m.mu.Unlock()
		return false
	}
	var changes []Change
	for _, s := range steps {
		changes = append(changes, Change{From: m.current, To: s})
		m.current = s
	}
	m.mu.Unlock()

	if m.onStep != nil {
		for _, c := range changes {
			m.onStep(c)
		}
	}
	return true
}

// Change is one delivery step.
type Change struct {
	From Delivery
	To   Delivery
}
