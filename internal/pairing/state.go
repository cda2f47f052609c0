package pairing

// State is the current phase of the pairing machine. Exactly one state is
// current at any time; transitions are the only mutator.
type State string

const (
	// StateIdle is the initial state and the state after an explicit Stop.
	StateIdle State = "idle"

	// StateSearching means the probe loop is running.
	StateSearching State = "searching"

	// StateConnected means a twin was found.
	StateConnected State = "connected"

	// StateListening means the retry budget ran out without finding a
	// twin. A steady state, not a failure; a manual wake may still pull
	// the twin toward us.
	StateListening State = "listening"

	// StateDeploying covers the signal wait and the deploy sequence.
	// A successful deploy terminates here.
	StateDeploying State = "deploying"

	// StateError is terminal until a fresh Start.
	StateError State = "error"
)

func (s State) String() string { return string(s) }
