package session

// State identifies where a session is in its lifecycle.
//
// All transitions are driven by the [Controller]:
//
//	idle -> connecting -> recording -> stopping -> completed
//
// Any of connecting, recording or stopping can instead land in error when the
// device, the network or the service fails. A stop request that arrives while
// still connecting aborts the opens and returns to idle: nothing was recorded,
// so no session existed.
type State string

const (
	// StateIdle means no session resources are held.
	StateIdle State = "idle"

	// StateConnecting means the microphone and the service connection are
	// being acquired. No audio has been recorded yet.
	StateConnecting State = "connecting"

	// StateRecording means audio is flowing to the service and recognition
	// events are flowing back.
	StateRecording State = "recording"

	// StateStopping means the end-of-stream marker has been sent and the
	// session is draining trailing recognition events.
	StateStopping State = "stopping"

	// StateCompleted means the session ended cleanly and the transcript is
	// final.
	StateCompleted State = "completed"

	// StateError means the session ended because something failed. The
	// transcript collected up to the failure is preserved.
	StateError State = "error"
)

// Active reports whether the state holds live resources (microphone, socket).
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateRecording, StateStopping:
		return true
	}
	return false
}

// CanStart reports whether a new session may be started from this state.
func (s State) CanStart() bool {
	switch s {
	case StateIdle, StateCompleted, StateError:
		return true
	}
	return false
}
