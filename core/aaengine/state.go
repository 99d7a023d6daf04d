package aaengine

// State is the position of an operation in its lifecycle.
type State string

const (
	StateBuilt          State = "built"
	StatePrefundChecked State = "prefund_checked"
	StateAuthorized     State = "authorized"
	StateSigned         State = "signed"
	StateSubmitted      State = "submitted"

	StateConfirmed State = "confirmed"
	StateReverted  State = "reverted"
	StateTimedOut  State = "timed_out"
	StateRejected  State = "rejected"
	// StateFailed is a terminal failure before anything reached the bundler.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition can happen. TimedOut is
// not terminal: Reconcile may still move it to Confirmed or Reverted.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateReverted, StateRejected, StateFailed:
		return true
	}
	return false
}
