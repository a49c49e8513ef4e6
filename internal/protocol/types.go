package protocol

import (
	"time"
)

// EventType represents the kind of a task event
type EventType string

const (
	EventAssistantText EventType = "assistant_text"
	EventToolCall      EventType = "tool_call"
	EventError         EventType = "error"
	// EventInputRequest is emitted when the agent blocks waiting for operator input.
	EventInputRequest EventType = "input_request"
	// EventDone terminates a task's stream. Exactly one is delivered per execution.
	EventDone EventType = "done"
)

// Payload keys shared by producers and consumers of events.
const (
	PayloadText      = "text"
	PayloadToolName  = "name"
	PayloadToolID    = "id"
	PayloadToolArgs  = "input"
	PayloadMessage   = "message"
	PayloadPrompt    = "prompt"
	PayloadResult    = "result"
	PayloadIsError   = "is_error"
	// PayloadTerminal is true when the done event came from an explicit
	// terminal record rather than the end of the output stream.
	PayloadTerminal  = "terminal"
	PayloadStatus    = "status"
	PayloadError     = "error"
	PayloadErrorKind = "error_kind"
	PayloadExitCode  = "exit_code"
)

// Event is one typed unit of agent output
type Event struct {
	TaskID     string         `json:"task_id"`
	Seq        int64          `json:"seq"`
	Type       EventType      `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventDone
}

// String returns the payload value stored under key, or "" when absent.
func (e Event) String(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// Bool returns the payload value stored under key, or false when absent.
func (e Event) Bool(key string) bool {
	if e.Payload == nil {
		return false
	}
	b, _ := e.Payload[key].(bool)
	return b
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskQueued        TaskStatus = "queued"
	TaskRunning       TaskStatus = "running"
	TaskAwaitingInput TaskStatus = "awaiting_input"
	TaskSucceeded     TaskStatus = "succeeded"
	TaskFailed        TaskStatus = "failed"
	TaskCanceled      TaskStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// ContainerState represents the lifecycle state of a container record
type ContainerState string

const (
	ContainerCreating ContainerState = "creating"
	ContainerRunning  ContainerState = "running"
	ContainerStopped  ContainerState = "stopped"
	ContainerRemoved  ContainerState = "removed"
)

// IsLive reports whether the record still owns a runtime container.
func (s ContainerState) IsLive() bool {
	return s == ContainerCreating || s == ContainerRunning || s == ContainerStopped
}

// Role identifies the author of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single entry in a session's history
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
