// Package statemachine generalizes the teacher's flat string-keyed state
// machine (prifi-lib/utils/statemachine.go) into a table-driven one: each
// state names the message types it accepts in that state and the state a
// successful handler moves to next. This mirrors CSDCNetRound's own
// InitServer/InitClient, which build up a table of AddState/AddTransition
// calls and a single SetCycleState hook for the phase boundary.
package statemachine

import "fmt"

// Handler processes one message and returns the next state to enter, or
// an error which the machine surfaces without moving.
type Handler func(msgType string, body []byte) (next string, err error)

// State describes one node of the machine: a set of message types it
// will dispatch while active, and an optional action run on entry (used,
// for instance, to kick off a client's own submission as soon as it
// enters the state that allows it).
type State struct {
	Name        string
	OnEntry     func()
	Transitions map[string]Handler
}

// Machine is a table-driven state machine with one extra hook,
// CycleState, used to carry whatever the last state of a phase returns
// into the first state of the next phase without that state needing to
// name its own successor explicitly.
type Machine struct {
	states  map[string]*State
	current string

	// CycleState is entered automatically whenever AdvancePhase is
	// called, the way CSDCNetRound's SetCycleState rewinds a finished
	// round back to its submission state for the next phase.
	CycleState string

	// OnTransition, if set, is called after every successful state
	// change, mirroring the teacher's log-on-transition callback.
	OnTransition func(from, to string)
}

// New creates an empty machine.
func New() *Machine {
	return &Machine{states: make(map[string]*State)}
}

// AddState registers a state. Calling it twice for the same name
// replaces the previous definition.
func (m *Machine) AddState(name string, onEntry func()) *State {
	s := &State{Name: name, OnEntry: onEntry, Transitions: make(map[string]Handler)}
	m.states[name] = s
	return s
}

// AddTransition registers handler as the way state name reacts to
// msgType.
func (m *Machine) AddTransition(name, msgType string, handler Handler) error {
	s, ok := m.states[name]
	if !ok {
		return fmt.Errorf("statemachine: unknown state %q", name)
	}
	s.Transitions[msgType] = handler
	return nil
}

// Start enters the named initial state.
func (m *Machine) Start(name string) error {
	if _, ok := m.states[name]; !ok {
		return fmt.Errorf("statemachine: unknown state %q", name)
	}
	return m.enter(name)
}

func (m *Machine) enter(name string) error {
	from := m.current
	s, ok := m.states[name]
	if !ok {
		return fmt.Errorf("statemachine: unknown state %q", name)
	}
	m.current = name
	if s.OnEntry != nil {
		s.OnEntry()
	}
	if m.OnTransition != nil && from != "" {
		m.OnTransition(from, name)
	}
	return nil
}

// State returns the current state's name.
func (m *Machine) State() string {
	return m.current
}

// AssertState returns an error if the machine is not currently in name,
// the way the teacher's AssertState guards a handler against being
// invoked out of order.
func (m *Machine) AssertState(name string) error {
	if m.current != name {
		return fmt.Errorf("statemachine: expected state %q, got %q", name, m.current)
	}
	return nil
}

// Dispatch runs msgType's handler in the current state and transitions to
// whatever state it returns.
func (m *Machine) Dispatch(msgType string, body []byte) error {
	s, ok := m.states[m.current]
	if !ok {
		return fmt.Errorf("statemachine: in unknown state %q", m.current)
	}
	h, ok := s.Transitions[msgType]
	if !ok {
		return fmt.Errorf("statemachine: state %q has no handler for %q", m.current, msgType)
	}
	next, err := h(msgType, body)
	if err != nil {
		return err
	}
	if next == "" {
		return nil
	}
	return m.enter(next)
}

// AdvancePhase moves the machine straight to CycleState, the state a new
// phase always begins in.
func (m *Machine) AdvancePhase() error {
	if m.CycleState == "" {
		return fmt.Errorf("statemachine: no cycle state configured")
	}
	return m.enter(m.CycleState)
}
