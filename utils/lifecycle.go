package utils

import (
	"sync/atomic"

	"github.com/saiset-co/sai-memcache/types"
)

// State is a component lifecycle phase.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Lifecycle guards Start and Stop of a component. The zero value is stopped.
type Lifecycle struct {
	state atomic.Int32
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

func (l *Lifecycle) IsRunning() bool {
	return l.State() == StateRunning
}

func (l *Lifecycle) Transition(from, to State) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}

func (l *Lifecycle) Set(s State) {
	l.state.Store(int32(s))
}

// BeginStart moves a stopped component to starting.
func (l *Lifecycle) BeginStart() error {
	if !l.Transition(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

// BeginStop moves a running component to stopping.
func (l *Lifecycle) BeginStop() error {
	if !l.Transition(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	return nil
}
