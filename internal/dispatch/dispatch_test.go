package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/orca/internal/classify"
	"github.com/iambrandonn/orca/internal/llm"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/session"
	"github.com/iambrandonn/orca/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeModel struct {
	mu       sync.Mutex
	answers  []string
	err      error
	requests []llm.Request
}

func (f *fakeModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	answer := f.answers[0]
	if len(f.answers) > 1 {
		f.answers = f.answers[1:]
	}
	return answer, nil
}

type fakeTasks struct {
	mu        sync.Mutex
	submitted []task.SubmitRequest
	final     task.Task
	events    chan protocol.Event
	release   chan struct{}
}

func newFakeTasks(final task.Task) *fakeTasks {
	return &fakeTasks{final: final, events: make(chan protocol.Event, 1), release: make(chan struct{})}
}

func (f *fakeTasks) Submit(ctx context.Context, req task.SubmitRequest) (task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return task.Task{ID: f.final.ID, ChannelID: req.ChannelID, Prompt: req.Prompt, Status: protocol.TaskQueued}, nil
}

func (f *fakeTasks) Subscribe(ctx context.Context, taskID string) (<-chan protocol.Event, error) {
	return f.events, nil
}

func (f *fakeTasks) Wait(ctx context.Context, taskID string) (task.Task, error) {
	<-f.release
	return f.final, nil
}

type fixture struct {
	sessions *session.MemoryStore
	model    *fakeModel
	tasks    *fakeTasks
	d        *Dispatcher
}

func newFixture(t *testing.T, final task.Task, answers ...string) *fixture {
	t.Helper()
	if len(answers) == 0 {
		answers = []string{"quick"}
	}
	model := &fakeModel{answers: answers}
	classifier, err := classify.New(model, classify.Options{}, testLogger())
	require.NoError(t, err)

	sessions := session.NewMemoryStore()
	tasks := newFakeTasks(final)
	return &fixture{
		sessions: sessions,
		model:    model,
		tasks:    tasks,
		d:        New(sessions, classifier, model, tasks, Options{HistoryTurns: 3}, testLogger()),
	}
}

func TestQuickQueryUsesRecentHistory(t *testing.T) {
	f := newFixture(t, task.Task{}, "quick", "Paris.")
	ctx := context.Background()

	for _, text := range []string{"old question", "old answer", "older"} {
		require.NoError(t, f.sessions.Append(ctx, "chan", protocol.Turn{Role: protocol.RoleUser, Text: text}))
	}

	reply, err := f.d.Handle(ctx, Inbound{ChannelID: "chan", Text: "What's the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, QuickReply{Answer: "Paris."}, reply)

	// classification call, then the answer call over the last 3 turns
	require.Len(t, f.model.requests, 2)
	answerReq := f.model.requests[1]
	require.Len(t, answerReq.Messages, 3)
	assert.Equal(t, "old answer", answerReq.Messages[0].Text)
	assert.Equal(t, "What's the capital of France?", answerReq.Messages[2].Text)
	assert.Equal(t, protocol.RoleUser, answerReq.Messages[2].Role)

	turns, err := f.sessions.History(ctx, "chan", 0)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	assert.Equal(t, protocol.RoleAssistant, turns[4].Role)
	assert.Equal(t, "Paris.", turns[4].Text)
	assert.Empty(t, f.tasks.submitted)
}

func TestTaskMessageIsSubmitted(t *testing.T) {
	final := task.Task{ID: "task-1", Status: protocol.TaskSucceeded, Result: "Created hello.txt"}
	f := newFixture(t, final)
	ctx := context.Background()

	reply, err := f.d.Handle(ctx, Inbound{ChannelID: "chan", Text: "/task clone https://github.com/acme/widgets.git and add a README"})
	require.NoError(t, err)

	tr, ok := reply.(TaskReply)
	require.True(t, ok, "got %T", reply)
	assert.Equal(t, "task-1", tr.TaskID)
	assert.NotNil(t, tr.Events)

	require.Len(t, f.tasks.submitted, 1)
	assert.Equal(t, task.SubmitRequest{
		ChannelID: "chan",
		Prompt:    "clone https://github.com/acme/widgets.git and add a README",
		RepoRef:   "https://github.com/acme/widgets.git",
	}, f.tasks.submitted[0])
	assert.Empty(t, f.model.requests, "deterministic trigger needs no model call")

	close(f.tasks.release)
	f.d.Wait()

	turns, err := f.sessions.History(ctx, "chan", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, protocol.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Created hello.txt", turns[1].Text)
}

func TestFailedTaskSummaryCarriesOneMessage(t *testing.T) {
	final := task.Task{
		ID:     "task-2",
		Status: protocol.TaskFailed,
		Error:  protocol.NewTaskError(protocol.KindExecutionTimeout, nil, "agent exceeded the 30m0s wall-clock limit"),
	}
	f := newFixture(t, final)
	ctx := context.Background()

	_, err := f.d.Handle(ctx, Inbound{ChannelID: "chan", Text: "create a file notes.md"})
	require.NoError(t, err)
	close(f.tasks.release)
	f.d.Wait()

	turns, err := f.sessions.History(ctx, "chan", 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "Task task-2 failed: agent exceeded the 30m0s wall-clock limit", turns[0].Text)
}

func TestModelErrorOnQuickQuery(t *testing.T) {
	f := newFixture(t, task.Task{})
	f.model.err = errors.New("overloaded")
	ctx := context.Background()

	_, err := f.d.Handle(ctx, Inbound{ChannelID: "chan", Text: "hello there"})
	require.Error(t, err)

	turns, err := f.sessions.History(ctx, "chan", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1, "user turn is kept")
}

func TestHandleValidatesInput(t *testing.T) {
	f := newFixture(t, task.Task{})
	_, err := f.d.Handle(context.Background(), Inbound{Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = f.d.Handle(context.Background(), Inbound{ChannelID: "c", Text: "   "})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "Task t finished.", Summary(task.Task{ID: "t", Status: protocol.TaskSucceeded}))
	assert.Equal(t, "Task t was canceled.", Summary(task.Task{ID: "t", Status: protocol.TaskCanceled}))
	assert.Equal(t, "Task t failed.", Summary(task.Task{ID: "t", Status: protocol.TaskFailed}))
}
