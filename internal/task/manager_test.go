package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/orca/internal/container"
	"github.com/iambrandonn/orca/internal/eventlog"
	"github.com/iambrandonn/orca/internal/executor"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/retry"
	"github.com/iambrandonn/orca/internal/runtime"
	"github.com/iambrandonn/orca/internal/runtime/runtimetest"
	"github.com/iambrandonn/orca/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	rt         *runtimetest.Runtime
	containers *container.Manager
	tasks      *Manager
	eventDir   string
}

type harnessOptions struct {
	script      runtimetest.ExecFunc
	executor    executor.Options
	store       Store
	historySize int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	rt := runtimetest.New()
	rt.OnExec = opts.script

	dir := t.TempDir()
	containers, err := container.NewManager(rt, nil, container.Options{
		Image:         "orca-agent:test",
		Limits:        runtime.Limits{MemoryBytes: 512 << 20, CPUs: 1},
		Env:           map[string]string{"ANTHROPIC_API_KEY": "sk-test"},
		WorkspaceRoot: filepath.Join(dir, "workspaces"),
		Retry:         retry.Config{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, testLogger())
	require.NoError(t, err)

	exec := executor.New(rt, containers, opts.executor, testLogger())
	eventDir := filepath.Join(dir, "events")
	tasks := NewManager(opts.store, containers, exec, Options{EventDir: eventDir, HistorySize: opts.historySize}, testLogger())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
	})
	return &harness{rt: rt, containers: containers, tasks: tasks, eventDir: eventDir}
}

func script(s runtimetest.Script) runtimetest.ExecFunc {
	return func(runtimetest.Container, runtime.ExecSpec) runtimetest.Script { return s }
}

func collect(t *testing.T, ch <-chan protocol.Event) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatalf("event channel not closed; got %d events", len(events))
		}
	}
}

func waitTask(t *testing.T, m *Manager, id string) Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tk, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return tk
}

func types(events []protocol.Event) []protocol.EventType {
	out := make([]protocol.EventType, len(events))
	for i, evt := range events {
		out[i] = evt.Type
	}
	return out
}

func assertOrdered(t *testing.T, events []protocol.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Seq, events[i].Seq, "events out of order at %d", i)
	}
}

const successOutput = `{"type":"assistant","message":{"content":[{"type":"text","text":"Creating the file."},{"type":"tool_use","id":"tu_1","name":"Write","input":{"file_path":"hello.txt"}}]}}
{"type":"result","subtype":"success","is_error":false,"result":"Created hello.txt"}
`

func TestTaskSucceeds(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{
		Files:  map[string]string{"hello.txt": "hi\n"},
		Chunks: []string{successOutput[:40], successOutput[40:]},
	})})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "chan-1", Prompt: "create hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskQueued, tk.Status)

	events, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, []protocol.EventType{protocol.EventAssistantText, protocol.EventToolCall, protocol.EventDone}, types(got))
	assertOrdered(t, got)
	done := got[len(got)-1]
	assert.Equal(t, "succeeded", done.String(protocol.PayloadStatus))
	assert.Equal(t, "Created hello.txt", done.String(protocol.PayloadResult))

	final := waitTask(t, h.tasks, tk.ID)
	assert.Equal(t, protocol.TaskSucceeded, final.Status)
	assert.Nil(t, final.Error)
	assert.Equal(t, "Created hello.txt", final.Result)
	assert.Equal(t, container.ContainerName(tk.ID), final.ContainerID)
	assert.Equal(t, eventlog.PathFor(h.eventDir, tk.ID), final.OutputLog)
}

func TestFinishedTaskIsReplayedFromEventLog(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{Chunks: []string{successOutput}})})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "chan-1", Prompt: "p"})
	require.NoError(t, err)
	live, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	first := collect(t, live)
	waitTask(t, h.tasks, tk.ID)

	require.Eventually(t, func() bool { return h.tasks.lookup(tk.ID) == nil }, 5*time.Second, 5*time.Millisecond)

	replay, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types(first), types(collect(t, replay)))
}

func TestLateSubscriberSeesEveryEvent(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{
		Chunks:     []string{`{"type":"text","text":"one"}` + "\n", `{"type":"text","text":"two"}` + "\n"},
		AwaitInput: true,
		AfterInput: []string{`{"type":"done"}` + "\n"},
	})})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "p"})
	require.NoError(t, err)

	early, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	<-early
	<-early

	late, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", (<-late).String(protocol.PayloadText))
	assert.Equal(t, "two", (<-late).String(protocol.PayloadText))
}

func TestAcquisitionFailureFailsTask(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.rt.SetUnavailable(true)
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "p"})
	require.NoError(t, err)
	events, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	got := collect(t, events)

	require.Equal(t, []protocol.EventType{protocol.EventError, protocol.EventDone}, types(got))
	assert.Equal(t, string(protocol.KindContainerAcquisition), got[1].String(protocol.PayloadErrorKind))

	final := waitTask(t, h.tasks, tk.ID)
	assert.Equal(t, protocol.TaskFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.ErrorIs(t, final.Error, protocol.ErrContainerAcquisition)
	assert.Empty(t, final.ContainerID)
}

func TestTimeoutFailsTaskAndKeepsContainer(t *testing.T) {
	h := newHarness(t, harnessOptions{
		script: script(runtimetest.Script{
			Chunks: []string{`{"type":"text","text":"thinking"}` + "\n"},
			Block:  true,
		}),
		executor: executor.Options{Timeout: 50 * time.Millisecond},
	})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "loop forever"})
	require.NoError(t, err)
	events, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)
	got := collect(t, events)

	require.NotEmpty(t, got)
	done := got[len(got)-1]
	assert.Equal(t, protocol.EventDone, done.Type)
	assert.Equal(t, string(protocol.KindExecutionTimeout), done.String(protocol.PayloadErrorKind))

	final := waitTask(t, h.tasks, tk.ID)
	assert.Equal(t, protocol.TaskFailed, final.Status)
	assert.ErrorIs(t, final.Error, protocol.ErrExecutionTimeout)

	procs := h.rt.Processes()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Killed())

	rec, ok := h.containers.Get(tk.ID)
	require.True(t, ok)
	c, ok := h.rt.Container(rec.RuntimeID)
	require.True(t, ok)
	assert.True(t, c.Running)
}

func TestCancelStopsAgentWithoutDone(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{
		Chunks: []string{`{"type":"text","text":"starting"}` + "\n"},
		Block:  true,
	})})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "p"})
	require.NoError(t, err)
	events, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, protocol.EventAssistantText, first.Type)

	require.NoError(t, h.tasks.Cancel(ctx, tk.ID))
	for _, evt := range collect(t, events) {
		assert.NotEqual(t, protocol.EventDone, evt.Type)
	}

	final := waitTask(t, h.tasks, tk.ID)
	assert.Equal(t, protocol.TaskCanceled, final.Status)
	assert.Nil(t, final.Error)

	require.Eventually(t, func() bool {
		procs := h.rt.Processes()
		return len(procs) == 1 && procs[0].Killed()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.rt.Live(), "container retained after cancel")

	var te *TransitionError
	assert.ErrorAs(t, h.tasks.Cancel(ctx, tk.ID), &te)
}

func TestInputRequestRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOptions{
		script: script(runtimetest.Script{
			Chunks:     []string{`{"type":"input_request","prompt":"Which branch?"}` + "\n"},
			AwaitInput: true,
			AfterInput: []string{`{"type":"result","subtype":"success","result":"pushed to main"}` + "\n"},
		}),
		executor: executor.Options{Interactive: true},
	})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "push it"})
	require.NoError(t, err)
	events, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)

	req := <-events
	require.Equal(t, protocol.EventInputRequest, req.Type)
	assert.Equal(t, "Which branch?", req.String(protocol.PayloadPrompt))

	current, err := h.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskAwaitingInput, current.Status)

	require.NoError(t, h.tasks.ProvideInput(ctx, tk.ID, "main"))
	assert.ErrorIs(t, h.tasks.ProvideInput(ctx, tk.ID, "again"), ErrNotAwaitingInput)

	rest := collect(t, events)
	require.NotEmpty(t, rest)
	assert.Equal(t, protocol.EventDone, rest[len(rest)-1].Type)

	final := waitTask(t, h.tasks, tk.ID)
	assert.Equal(t, protocol.TaskSucceeded, final.Status)
	assert.Equal(t, "main\n", h.rt.Processes()[0].Input())
}

func TestInputRequestFromHeadlessAgentStaysRunning(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{
		Chunks: []string{
			`{"type":"input_request","prompt":"Which branch?"}` + "\n",
			`{"type":"result","subtype":"success","result":"used main"}` + "\n",
		},
	})})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "push it"})
	require.NoError(t, err)
	events, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.EventInputRequest, got[0].Type)

	final := waitTask(t, h.tasks, tk.ID)
	assert.Equal(t, protocol.TaskSucceeded, final.Status)
	assert.ErrorIs(t, h.tasks.ProvideInput(ctx, tk.ID, "main"), ErrNotAwaitingInput)
	assert.Nil(t, h.rt.Processes()[0].Stdin())
}

func TestExitWithoutResultFails(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{
		Chunks: []string{`{"type":"text","text":"all done, trust me"}` + "\n"},
	})})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "p"})
	require.NoError(t, err)
	final := waitTask(t, h.tasks, tk.ID)

	assert.Equal(t, protocol.TaskFailed, final.Status)
	assert.ErrorIs(t, final.Error, protocol.ErrAgentExit)
	assert.Equal(t, "all done, trust me", final.Result)
}

func TestNonZeroExitFailsEvenWithResult(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{
		Chunks:   []string{`{"type":"result","subtype":"success","result":"ok"}` + "\n"},
		ExitCode: 3,
	})})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "p"})
	require.NoError(t, err)
	final := waitTask(t, h.tasks, tk.ID)

	assert.Equal(t, protocol.TaskFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, 3, final.Error.ExitCode)
}

func TestMalformedRecordsDoNotFailTask(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{
		Chunks: []string{
			"{not json\n",
			`{"type":"text","text":"fine"}` + "\n",
			`{"type":"tool"}` + "\n",
			`{"type":"done","result":"ok"}` + "\n",
		},
	})})
	ctx := context.Background()

	tk, err := h.tasks.Submit(ctx, SubmitRequest{ChannelID: "c", Prompt: "p"})
	require.NoError(t, err)
	events, err := h.tasks.Subscribe(ctx, tk.ID)
	require.NoError(t, err)

	assert.Equal(t, []protocol.EventType{protocol.EventAssistantText, protocol.EventDone}, types(collect(t, events)))
	assert.Equal(t, protocol.TaskSucceeded, waitTask(t, h.tasks, tk.ID).Status)
}

func TestConcurrentTasksAreIndependent(t *testing.T) {
	h := newHarness(t, harnessOptions{script: func(c runtimetest.Container, spec runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{
			Chunks: []string{
				fmt.Sprintf(`{"type":"text","text":"%s"}`+"\n", c.Name),
				`{"type":"done"}` + "\n",
			},
			Delay: time.Millisecond,
		}
	}})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := h.tasks.Submit(ctx, SubmitRequest{TaskID: fmt.Sprintf("task-%d", i), ChannelID: "c", Prompt: "p"})
			if !assert.NoError(t, err) {
				return
			}
			events, err := h.tasks.Subscribe(ctx, tk.ID)
			if !assert.NoError(t, err) {
				return
			}
			got := collect(t, events)
			if assert.Len(t, got, 2) {
				assert.Equal(t, container.ContainerName(tk.ID), got[0].String(protocol.PayloadText))
				assert.Equal(t, tk.ID, got[0].TaskID)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, h.rt.CreateCalls())
}

func TestSubmitDuplicateID(t *testing.T) {
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{Block: true})})
	ctx := context.Background()

	first, err := h.tasks.Submit(ctx, SubmitRequest{TaskID: "dup", ChannelID: "c", Prompt: "p"})
	require.NoError(t, err)
	again, err := h.tasks.Submit(ctx, SubmitRequest{TaskID: "dup", ChannelID: "c", Prompt: "other"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "p", again.Prompt)

	require.NoError(t, h.tasks.Cancel(ctx, "dup"))
	require.Eventually(t, func() bool { return h.tasks.lookup("dup") == nil }, 5*time.Second, 5*time.Millisecond)

	_, err = h.tasks.Submit(ctx, SubmitRequest{TaskID: "dup", ChannelID: "c", Prompt: "p"})
	assert.ErrorIs(t, err, ErrExists)
}

func TestRecoverFailsUnfinishedTasks(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "orca.db"))
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLiteStore(db)
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	for _, st := range []protocol.TaskStatus{protocol.TaskRunning, protocol.TaskAwaitingInput, protocol.TaskSucceeded} {
		require.NoError(t, s.Create(ctx, Task{
			ID: "t-" + string(st), ChannelID: "c", Status: st, Prompt: "p", CreatedAt: now, UpdatedAt: now,
		}))
	}

	h := newHarness(t, harnessOptions{store: s})
	n, err := h.tasks.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	running, err := h.tasks.Get(ctx, "t-running")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskFailed, running.Status)
	require.NotNil(t, running.Error)
	assert.Equal(t, protocol.KindAgentExit, running.Error.Kind)

	done, err := h.tasks.Get(ctx, "t-succeeded")
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskSucceeded, done.Status)
}

func TestUnknownTask(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	_, err := h.tasks.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.tasks.Subscribe(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.tasks.Cancel(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, h.tasks.ProvideInput(ctx, "nope", "x"), ErrNotFound)
}

func TestNewTaskID(t *testing.T) {
	at := time.Date(2026, 7, 4, 15, 30, 0, 0, time.UTC)
	id := NewTaskID("slack/C123 general", at)
	assert.Regexp(t, `^slack_C123_general-20260704T153000-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewTaskID("slack/C123 general", at))
}

// gatedStore blocks Create for one task id until release is closed.
type gatedStore struct {
	*MemoryStore
	id      string
	entered chan struct{}
	release chan struct{}
	fail    error
}

func (s *gatedStore) Create(ctx context.Context, t Task) error {
	if t.ID == s.id {
		close(s.entered)
		<-s.release
		if s.fail != nil {
			return s.fail
		}
	}
	return s.MemoryStore.Create(ctx, t)
}

func TestSlowCreateDoesNotBlockOtherTasks(t *testing.T) {
	st := &gatedStore{MemoryStore: NewMemoryStore(), id: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, harnessOptions{
		script: script(runtimetest.Script{Chunks: []string{successOutput}}),
		store:  st,
	})
	ctx := context.Background()

	slowErr := make(chan error, 1)
	go func() {
		_, err := h.tasks.Submit(ctx, SubmitRequest{TaskID: "slow", ChannelID: "c", Prompt: "wait"})
		slowErr <- err
	}()
	<-st.entered

	fast := make(chan error, 1)
	go func() {
		_, err := h.tasks.Submit(ctx, SubmitRequest{TaskID: "fast", ChannelID: "c", Prompt: "go"})
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit of another task waited on a slow store write")
	}
	assert.Equal(t, protocol.TaskSucceeded, waitTask(t, h.tasks, "fast").Status)

	close(st.release)
	require.NoError(t, <-slowErr)
	assert.Equal(t, protocol.TaskSucceeded, waitTask(t, h.tasks, "slow").Status)
}

func TestFailedCreateReleasesTheID(t *testing.T) {
	st := &gatedStore{
		MemoryStore: NewMemoryStore(),
		id:          "doomed",
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
		fail:        errors.New("disk full"),
	}
	close(st.release)
	h := newHarness(t, harnessOptions{script: script(runtimetest.Script{Chunks: []string{successOutput}}), store: st})
	ctx := context.Background()

	_, err := h.tasks.Submit(ctx, SubmitRequest{TaskID: "doomed", ChannelID: "c", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	_, err = h.tasks.Get(ctx, "doomed")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.rt.Execs())
}

func TestLaggingSubscriberCatchesUpFromEventLog(t *testing.T) {
	var out strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&out, `{"type":"text","text":"t%d"}`+"\n", i)
	}
	out.WriteString(`{"type":"result","subtype":"success","result":"ok"}` + "\n")

	st := &gatedStore{MemoryStore: NewMemoryStore(), id: "lag", entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, harnessOptions{
		script:      script(runtimetest.Script{Chunks: []string{out.String()}}),
		store:       st,
		historySize: 3,
	})
	ctx := context.Background()

	submitted := make(chan error, 1)
	go func() {
		_, err := h.tasks.Submit(ctx, SubmitRequest{TaskID: "lag", ChannelID: "c", Prompt: "talk a lot"})
		submitted <- err
	}()
	<-st.entered
	lt := h.tasks.lookup("lag")
	require.NotNil(t, lt)
	events, err := h.tasks.Subscribe(ctx, "lag")
	require.NoError(t, err)
	close(st.release)
	require.NoError(t, <-submitted)

	// nobody reads until the task is over
	assert.Equal(t, protocol.TaskSucceeded, waitTask(t, h.tasks, "lag").Status)
	lt.mu.Lock()
	held := len(lt.history)
	lt.mu.Unlock()
	assert.LessOrEqual(t, held, 3)

	got := collect(t, events)
	require.Len(t, got, 21)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
	assert.Equal(t, "t1", got[0].String(protocol.PayloadText))
	assert.Equal(t, protocol.EventDone, got[20].Type)
}
