package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSerialization(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	evt := Event{
		TaskID: "task-general-1",
		Seq:    3,
		Type:   EventToolCall,
		Payload: map[string]any{
			PayloadToolName: "Write",
			PayloadToolArgs: map[string]any{"file_path": "hello.txt"},
		},
		OccurredAt: at,
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))

	if diff := cmp.Diff(evt, decoded); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Write", decoded.String(PayloadToolName))
	assert.False(t, decoded.IsTerminal())
}

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskQueued, false},
		{TaskRunning, false},
		{TaskAwaitingInput, false},
		{TaskSucceeded, true},
		{TaskFailed, true},
		{TaskCanceled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestTaskErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("docker: connection refused")
	err := fmt.Errorf("acquire: %w", NewTaskError(KindContainerAcquisition, cause, "creating container for %s", "t-1"))

	assert.ErrorIs(t, err, ErrContainerAcquisition)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrExecutionTimeout)

	te := AsTaskError(err, KindAgentExit)
	require.NotNil(t, te)
	assert.Equal(t, KindContainerAcquisition, te.Kind)
	assert.Contains(t, te.Message, "connection refused")
}

func TestAsTaskErrorFallback(t *testing.T) {
	te := AsTaskError(errors.New("boom"), KindAgentExit)
	require.NotNil(t, te)
	assert.Equal(t, KindAgentExit, te.Kind)
	assert.ErrorIs(t, te, ErrAgentExit)

	assert.Nil(t, AsTaskError(nil, KindAgentExit))
}

func TestTaskErrorJSONOmitsCause(t *testing.T) {
	te := &TaskError{Kind: KindAgentExit, Message: "agent exited", ExitCode: 2}
	data, err := json.Marshal(te)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"agent_exit","message":"agent exited","exit_code":2}`, string(data))
	assert.Equal(t, "agent_exit: agent exited (exit code 2)", te.Error())
}
