package recorder

import "sync"

// State is the lifecycle state of a recording session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// StateFlag is the state shared between the acquisition loop and whoever
// stops it.
type StateFlag struct {
	mu    sync.Mutex
	state State
}

// Load returns the current state.
func (f *StateFlag) Load() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition moves from one state to another and reports whether the flag
// was in from.
func (f *StateFlag) Transition(from, to State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != from {
		return false
	}
	f.state = to
	recordingState.Set(float64(to))
	return true
}
