// Package lifecycle provides the validated state transition kernel, the two
// specialized machines built on it (execution and junction), and the
// monotonic run pipeline tracker.
package lifecycle

import (
	"sync"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// State is a named machine state.
type State string

// Machine is a generic validated transition table. It is immutable after
// construction and safe for concurrent use.
type Machine struct {
	name        string
	initial     State
	transitions map[State]map[State]bool
	terminal    map[State]bool
}

// NewMachine builds a machine from its transition table. States listed in
// terminal accept no outgoing transitions even if the table names some.
func NewMachine(name string, initial State, transitions map[State][]State, terminal []State) *Machine {
	table := make(map[State]map[State]bool, len(transitions))
	for from, tos := range transitions {
		set := make(map[State]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		table[from] = set
	}
	term := make(map[State]bool, len(terminal))
	for _, s := range terminal {
		term[s] = true
	}
	return &Machine{name: name, initial: initial, transitions: table, terminal: term}
}

// Name returns the machine's name, used in violation messages.
func (m *Machine) Name() string { return m.name }

// Initial returns the entry state.
func (m *Machine) Initial() State { return m.initial }

// IsTerminal reports whether s accepts no further transitions.
func (m *Machine) IsTerminal(s State) bool { return m.terminal[s] }

// CanTransition reports whether from → to is declared legal.
func (m *Machine) CanTransition(from, to State) bool {
	if m.terminal[from] {
		return false
	}
	return m.transitions[from][to]
}

// Validate returns an INVARIANT_VIOLATION envelope when from → to is not a
// declared transition. Entities in a terminal state are immutable.
func (m *Machine) Validate(from, to State) error {
	if m.terminal[from] {
		return fault.Newf(fault.CodeInvariantViolation,
			"%s: state %q is terminal, no transition to %q", m.name, from, to)
	}
	if !m.transitions[from][to] {
		return fault.Newf(fault.CodeInvariantViolation,
			"%s: illegal transition %q -> %q", m.name, from, to)
	}
	return nil
}

// Transition is one recorded state change.
type Transition struct {
	From      State  `json:"from"`
	To        State  `json:"to"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// Instance tracks one entity through a machine, recording every transition.
type Instance struct {
	mu      sync.Mutex
	machine *Machine
	current State
	history []Transition
	clock   clock.Clock
}

// NewInstance starts an instance at the machine's initial state.
func (m *Machine) NewInstance(clk clock.Clock) *Instance {
	if clk == nil {
		clk = clock.System()
	}
	return &Instance{machine: m, current: m.initial, clock: clk}
}

// Current returns the instance's state.
func (i *Instance) Current() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

// Done reports whether the instance reached a terminal state.
func (i *Instance) Done() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.machine.IsTerminal(i.current)
}

// Advance moves to the target state after validation. Advancing to the
// current state is an idempotent no-op.
func (i *Instance) Advance(to State) error {
	return i.advance(to, "")
}

// AdvanceWithReason is Advance with a reason recorded on the transition.
func (i *Instance) AdvanceWithReason(to State, reason string) error {
	return i.advance(to, reason)
}

func (i *Instance) advance(to State, reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if to == i.current {
		return nil
	}
	if err := i.machine.Validate(i.current, to); err != nil {
		return err
	}
	i.history = append(i.history, Transition{
		From:      i.current,
		To:        to,
		Timestamp: i.clock.NowISO(),
		Reason:    reason,
	})
	i.current = to
	return nil
}

// History returns a copy of the recorded transitions.
func (i *Instance) History() []Transition {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Transition, len(i.history))
	copy(out, i.history)
	return out
}
