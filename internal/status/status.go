// Package status defines the closed set of submission states and the legal
// moves between them.
package status

import "fmt"

type ID int

const (
	InQueue           ID = 1
	Processing        ID = 2
	Accepted          ID = 3
	WrongAnswer       ID = 4
	TimeLimitExceeded ID = 5
	RuntimeError      ID = 6
)

var names = map[ID]string{
	InQueue:           "In Queue",
	Processing:        "Processing",
	Accepted:          "Accepted",
	WrongAnswer:       "Wrong Answer",
	TimeLimitExceeded: "Time Limit Exceeded",
	RuntimeError:      "Compilation/Runtime Error",
}

// All returns every status in id order.
func All() []ID {
	return []ID{InQueue, Processing, Accepted, WrongAnswer, TimeLimitExceeded, RuntimeError}
}

func (id ID) String() string {
	if name, ok := names[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(id))
}

func (id ID) Valid() bool {
	_, ok := names[id]
	return ok
}

func (id ID) IsTerminal() bool {
	return id >= Accepted && id <= RuntimeError
}

// CanTransition reports whether a submission in state from may move to to.
// Staying in the same state is allowed so that re-running a step is safe.
func CanTransition(from, to ID) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case InQueue:
		return to == Processing
	case Processing:
		return to.IsTerminal()
	default:
		return false
	}
}
