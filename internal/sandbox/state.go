package sandbox

// State represents the lifecycle state of a sandbox.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StatePaused   State = "paused"
	StateError    State = "error"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateStarting, StateRunning, StateStopping, StateStopped, StatePaused, StateError:
		return true
	}
	return false
}

// HoldsContainer reports whether a sandbox in this state owns a container.
func (s State) HoldsContainer() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StatePaused:
		return true
	}
	return false
}

// transitions is the edge set of the lifecycle state machine. Any state may
// additionally move to error (reconciliation downgrade or failed operation).
var transitions = map[State][]State{
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateStopping},
	StateRunning:  {StateStopping, StatePaused},
	StateStopping: {StateStopped},
	StateStopped:  {StateStarting},
	StatePaused:   {StateRunning, StateStopping},
	StateError:    {StateStarting},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	if to == StateError {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Deletable reports whether Delete is allowed from this state without first
// stopping the container. Delete on a running sandbox stops it first.
func (s State) Deletable() bool {
	switch s {
	case StateCreated, StateStopped, StateError:
		return true
	}
	return false
}
