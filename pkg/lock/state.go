package lock

// State is the position of the lock loop in its state machine.
type State int32

const (
	// StateStarting is the state of a loop that was spawned but did not run yet.
	StateStarting State = iota
	// StateConnecting is entered while a connection and a transaction are opened.
	StateConnecting
	// StateAttemptingLock is entered while blocked on the lock statement.
	StateAttemptingLock
	// StateActive is entered once the lock statement was granted.
	StateActive
	// StateFaulted is entered after any failure, while backing off.
	StateFaulted
	// StateStopped is the terminal state, also reported before the first Start.
	StateStopped
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateAttemptingLock:
		return "attempting_lock"
	case StateActive:
		return "active"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
