package fiber

// FiberState is the lifecycle state of a [Fiber].
//
// State machine:
//
//	StateInit   → StateExec                          [Resume]
//	StateExec   → StateHold | StateReady             [YieldToHold, YieldToReady]
//	StateExec   → StateTerm | StateExcept            [callback returned or panicked]
//	StateHold   → StateExec                          [Resume]
//	StateReady  → StateExec                          [Resume]
//	StateTerm   → StateInit                          [Reset]
//	StateExcept → StateInit                          [Reset]
//	StateInit   → StateInit                          [Reset]
//
// The outbound state of a suspending fiber is only published once the switch
// back to the resumer has completed, so a fiber observed in any state other
// than StateExec is never still running.
type FiberState int32

const (
	// StateInit is a fiber that was constructed or reset and has not run yet.
	StateInit FiberState = iota
	// StateHold is a suspended fiber waiting to be resumed explicitly.
	StateHold
	// StateExec is a fiber currently running on some thread.
	StateExec
	// StateTerm is a fiber whose callback returned normally.
	StateTerm
	// StateReady is a suspended fiber that may be dispatched again.
	StateReady
	// StateExcept is a fiber whose callback panicked.
	StateExcept
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHold:
		return "HOLD"
	case StateExec:
		return "EXEC"
	case StateTerm:
		return "TERM"
	case StateReady:
		return "READY"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is StateTerm or StateExcept.
func (s FiberState) Terminal() bool {
	return s == StateTerm || s == StateExcept
}

// resettable reports whether a fiber in this state may release or reuse its
// stack.
func (s FiberState) resettable() bool {
	return s == StateInit || s.Terminal()
}
