package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Definition is an immutable transition table. Machines started from the
// same definition share it, so a table can be built once at init time and
// used for every entity that follows it.
type Definition struct {
	// [from][event] -> candidate transitions, first passing guard set wins
	transitions map[string]map[string][]Transition
}

// NewDefinition validates and indexes the given transitions.
func NewDefinition(transitions ...Transition) (*Definition, error) {
	d := &Definition{transitions: make(map[string]map[string][]Transition)}
	for i, t := range transitions {
		if t.From == nil || t.To == nil || t.Event == nil {
			return nil, fmt.Errorf("transition %d: %w", i, ErrInvalidTransition)
		}
		byEvent, ok := d.transitions[t.From.Name()]
		if !ok {
			byEvent = make(map[string][]Transition)
			d.transitions[t.From.Name()] = byEvent
		}
		byEvent[t.Event.Name()] = append(byEvent[t.Event.Name()], t)
	}
	return d, nil
}

// MustDefinition is NewDefinition that panics on an invalid table.
func MustDefinition(transitions ...Transition) *Definition {
	d, err := NewDefinition(transitions...)
	if err != nil {
		panic(fmt.Sprintf("statemachine: %v", err))
	}
	return d
}

// Start returns a machine positioned at initial.
func (d *Definition) Start(initial State) StateMachine {
	return &machine{def: d, current: initial}
}

func (d *Definition) match(ctx context.Context, from State, event Event, data any) (*Transition, error) {
	candidates := d.transitions[from.Name()][event.Name()]
	if len(candidates) == 0 {
		return nil, NewErrNoTransitionAvailable(from.Name(), event.Name())
	}
	for i, t := range candidates {
		if guardsPass(ctx, t.Guards, from, event, data) {
			return &candidates[i], nil
		}
	}
	return nil, NewErrTransitionRejected(from.Name(), event.Name())
}

func guardsPass(ctx context.Context, guards []Guard, from State, event Event, data any) bool {
	for _, g := range guards {
		if g != nil && !g(ctx, from, event, data) {
			return false
		}
	}
	return true
}

type machine struct {
	def     *Definition
	mu      sync.RWMutex
	current State
}

func (m *machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *machine) Fire(ctx context.Context, event Event, data any) error {
	if event == nil {
		return ErrInvalidEvent
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.def.match(ctx, m.current, event, data)
	if err != nil {
		return err
	}
	m.current = t.To
	return nil
}

func (m *machine) CanFire(ctx context.Context, event Event, data any) bool {
	if event == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, err := m.def.match(ctx, m.current, event, data)
	return err == nil
}
