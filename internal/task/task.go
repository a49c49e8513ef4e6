// Package task owns the task lifecycle: the status state machine, durable
// task records and the Manager that drives each task from submission to a
// terminal status.
package task

import (
	"fmt"
	"time"

	"github.com/iambrandonn/orca/internal/protocol"
)

// Task is the durable record of one unit of agent work
type Task struct {
	ID          string              `json:"task_id"`
	ChannelID   string              `json:"channel_id"`
	Status      protocol.TaskStatus `json:"status"`
	Prompt      string              `json:"prompt"`
	RepoRef     string              `json:"repo_ref,omitempty"`
	ContainerID string              `json:"container_id,omitempty"`
	// Error is set only when Status is failed.
	Error       *protocol.TaskError `json:"error,omitempty"`
	OutputLog   string              `json:"output_log,omitempty"`
	Result      string              `json:"result,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// transition moves t to status, enforcing the state machine. failure is
// recorded only for the failed status.
func (t *Task) transition(to protocol.TaskStatus, failure *protocol.TaskError, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	if to == protocol.TaskFailed {
		t.Error = failure
	}
	if to.IsTerminal() {
		completed := now
		t.CompletedAt = &completed
	}
	return nil
}

// assignContainer records the container. It cannot change once set.
func (t *Task) assignContainer(id string) error {
	if t.ContainerID != "" && t.ContainerID != id {
		return fmt.Errorf("task %s already bound to container %s", t.ID, t.ContainerID)
	}
	t.ContainerID = id
	return nil
}
