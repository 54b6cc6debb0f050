package statemachine

import "context"

// State represents a state in the state machine.
type State interface {
	Name() string
}

// Event represents an event that can trigger a state transition.
type Event interface {
	Name() string
}

// Guard evaluates whether a transition should be allowed based on runtime conditions.
type Guard func(ctx context.Context, from State, event Event, data any) bool

// Transition defines a state change triggered by an event.
// All guards must pass for the transition to proceed.
type Transition struct {
	From   State
	To     State
	Event  Event
	Guards []Guard
}

// StateMachine defines the finite state machine operations.
type StateMachine interface {
	Current() State
	Fire(ctx context.Context, event Event, data any) error
	CanFire(ctx context.Context, event Event, data any) bool
}

// StringState is a string-based State.
type StringState string

func (s StringState) Name() string { return string(s) }

// StringEvent is a string-based Event.
type StringEvent string

func (e StringEvent) Name() string { return string(e) }
