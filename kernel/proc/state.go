package proc

import "fmt"

// State is a process lifecycle state. Values are single bits so allowed
// transitions can be kept as masks.
type State uint32

const (
	Created   State = 0x01
	RunnableS State = 0x02
	RunningS  State = 0x04
	Waiting   State = 0x08
	Dying     State = 0x10
	RunnableM State = 0x20
	RunningM  State = 0x40
)

var stateNames = map[State]string{
	Created:   "CREATED",
	RunnableS: "RUNNABLE_S",
	RunningS:  "RUNNING_S",
	Waiting:   "WAITING",
	Dying:     "DYING",
	RunnableM: "RUNNABLE_M",
	RunningM:  "RUNNING_M",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint32(s))
}

// transitions maps each state to the mask of states it may move to. DYING
// only goes back to CREATED when the slot is recycled for a new process.
var transitions = map[State]State{
	Created:   RunnableS,
	RunnableS: RunningS | Dying,
	RunningS:  RunnableS | RunnableM | Waiting | Dying,
	Waiting:   RunnableS,
	Dying:     Created,
	RunnableM: RunningM | Dying,
	RunningM:  RunnableS | RunnableM | Dying,
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	if to == 0 || to&(to-1) != 0 {
		return false
	}
	allowed, ok := transitions[from]
	return ok && allowed&to != 0
}

// setState validates and applies a transition. Caller holds p's lock.
func (p *Proc) setState(to State) {
	if !CanTransition(p.state, to) {
		invariant("invalid state transition %s to %s (pid %d)", p.state, to, p.pid)
	}
	p.state = to
}

// InvariantError is the panic value for broken locking or ordering
// contracts. Nothing recovers from it except the kernel's top-level guard.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return e.Msg }

func invariant(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}
