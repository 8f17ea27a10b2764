// Package fsm is a generic table-driven finite state machine, grounded
// on the teacher's ad hoc state vocabulary in internal/engine/state.go
// (IsActiveState, named state constants) formalized into a reusable type.
package fsm

import (
	"sync"

	"github.com/re-cinq/conduit/internal/errs"
)

// Table maps a state to its valid successor states. A state with no
// entry (or an empty slice) is terminal.
type Table[S comparable] map[S][]S

// Machine is a thread-safe state machine over a comparable state type S.
type Machine[S comparable] struct {
	mu          sync.Mutex
	transitions Table[S]
	state       S
	label       string
}

// New constructs a Machine with the given transition table, initial
// state, and a label used in TransitionError messages.
func New[S comparable](transitions Table[S], initial S, label string) *Machine[S] {
	return &Machine[S]{transitions: transitions, state: initial, label: label}
}

// State returns the current state.
func (m *Machine[S]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanTransition reports whether `to` is a valid successor of the current state.
func (m *Machine[S]) CanTransition(to S) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canTransitionLocked(to)
}

func (m *Machine[S]) canTransitionLocked(to S) bool {
	for _, s := range m.transitions[m.state] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to `to`, returning a *errs.Error of kind
// transition_error if the move is invalid.
func (m *Machine[S]) Transition(to S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canTransitionLocked(to) {
		return errs.TransitionError("invalid %s transition: %v -> %v", m.label, m.state, to)
	}
	m.state = to
	return nil
}

// TryTransition attempts the move and reports success instead of erroring.
func (m *Machine[S]) TryTransition(to S) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canTransitionLocked(to) {
		return false
	}
	m.state = to
	return true
}

// IsTerminal reports whether the current state has no valid successors.
func (m *Machine[S]) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transitions[m.state]) == 0
}
