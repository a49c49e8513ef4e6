package task

import (
	"fmt"
	"slices"

	"github.com/iambrandonn/orca/internal/protocol"
)

var transitions = map[protocol.TaskStatus][]protocol.TaskStatus{
	protocol.TaskQueued:        {protocol.TaskRunning, protocol.TaskFailed, protocol.TaskCanceled},
	protocol.TaskRunning:       {protocol.TaskAwaitingInput, protocol.TaskSucceeded, protocol.TaskFailed, protocol.TaskCanceled},
	protocol.TaskAwaitingInput: {protocol.TaskRunning, protocol.TaskSucceeded, protocol.TaskFailed, protocol.TaskCanceled},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no way out.
func CanTransition(from, to protocol.TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionError is returned for a move the state machine does not allow
type TransitionError struct {
	TaskID string
	From   protocol.TaskStatus
	To     protocol.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}
