package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/orca/internal/container"
	"github.com/iambrandonn/orca/internal/eventlog"
	"github.com/iambrandonn/orca/internal/executor"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/stream"
)

// ErrNotAwaitingInput is returned by ProvideInput for a task that did not ask.
var ErrNotAwaitingInput = errors.New("task is not awaiting input")

// Containers hands out per-task containers
type Containers interface {
	Acquire(ctx context.Context, taskID string) (container.Handle, error)
	Release(taskID string)
}

// Runner starts agent runs
type Runner interface {
	Start(ctx context.Context, req executor.Request) (*executor.Run, error)
}

// Observer is told when tasks start and finish
type Observer interface {
	TaskStarted()
	TaskFinished(status protocol.TaskStatus)
}

type nopObserver struct{}

func (nopObserver) TaskStarted()                     {}
func (nopObserver) TaskFinished(protocol.TaskStatus) {}

// DefaultHistorySize bounds the events a live task keeps in memory.
const DefaultHistorySize = 1024

// Options configures a Manager
type Options struct {
	// EventDir holds one NDJSON event log per task. Empty disables logs.
	EventDir string
	// HistorySize bounds the events kept in memory per live task when its
	// event log is available. Slow subscribers read older events back from
	// the log.
	HistorySize int
	Stream      stream.Options
	Observer Observer
	Now      func() time.Time
}

// SubmitRequest describes a new task
type SubmitRequest struct {
	// TaskID is optional; one is derived from the channel and time if empty.
	TaskID    string
	ChannelID string
	Prompt    string
	RepoRef   string
}

// Manager runs each task through acquire, execute and stream to a
// terminal status. Tasks are independent; state for one task is guarded by
// that task's own lock.
type Manager struct {
	store      Store
	containers Containers
	runner     Runner
	opts       Options
	logger     *slog.Logger

	mu   sync.Mutex
	live map[string]*liveTask
	wg   sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(store Store, containers Containers, runner Runner, opts Options, logger *slog.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Manager{
		store:      store,
		containers: containers,
		runner:     runner,
		opts:       opts,
		logger:     logger,
		live:       make(map[string]*liveTask),
	}
}

// NewTaskID derives a task id from the channel and submission time.
func NewTaskID(channelID string, at time.Time) string {
	var b strings.Builder
	for _, r := range channelID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		b.WriteString("task")
	}
	return fmt.Sprintf("%s-%s-%s", b.String(), at.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

// Submit records a QUEUED task and starts its pipeline. Submitting an id
// that is still live returns the live task; an id that already finished
// is rejected with ErrExists.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Task{}, errors.New("task prompt is required")
	}
	now := m.opts.Now()
	if req.TaskID == "" {
		req.TaskID = NewTaskID(req.ChannelID, now)
	}

	t := Task{
		ID:        req.TaskID,
		ChannelID: req.ChannelID,
		Status:    protocol.TaskQueued,
		Prompt:    req.Prompt,
		RepoRef:   req.RepoRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.opts.EventDir != "" {
		t.OutputLog = eventlog.PathFor(m.opts.EventDir, t.ID)
	}

	// Reserve the id, then write the record under the task's own lock so
	// other tasks are not held up by the store.
	runCtx, cancel := context.WithCancel(context.Background())
	lt := newLiveTask(t, cancel, m.opts.HistorySize)
	lt.mu.Lock()

	m.mu.Lock()
	if existing, ok := m.live[req.TaskID]; ok {
		m.mu.Unlock()
		lt.mu.Unlock()
		cancel()
		return existing.snapshot(), nil
	}
	m.live[t.ID] = lt
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.store.Create(ctx, t); err != nil {
		// never persisted: settle anyone who looked it up meanwhile
		lt.task.Status = protocol.TaskFailed
		close(lt.finished)
		lt.closeLocked()
		lt.mu.Unlock()
		m.mu.Lock()
		delete(m.live, t.ID)
		m.mu.Unlock()
		m.wg.Done()
		cancel()
		return Task{}, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	lt.mu.Unlock()

	m.opts.Observer.TaskStarted()
	m.logger.Info("task queued", "task_id", t.ID, "channel_id", t.ChannelID, "repo", t.RepoRef)

	go func() {
		defer m.wg.Done()
		m.execute(runCtx, lt)
	}()
	return t, nil
}

// Get returns the current task record.
func (m *Manager) Get(ctx context.Context, taskID string) (Task, error) {
	if lt := m.lookup(taskID); lt != nil {
		return lt.snapshot(), nil
	}
	return m.store.Get(ctx, taskID)
}

// Subscribe returns the task's events in seq order, starting from the first
// one. The channel closes after done, when the task is canceled or when ctx
// ends. A finished task is replayed from its event log.
func (m *Manager) Subscribe(ctx context.Context, taskID string) (<-chan protocol.Event, error) {
	if lt := m.lookup(taskID); lt != nil {
		ch := make(chan protocol.Event)
		go lt.follow(ctx, ch, m.logger.With("task_id", taskID))
		return ch, nil
	}

	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var events []protocol.Event
	if t.OutputLog != "" {
		events, err = eventlog.ReadEvents(t.OutputLog, m.logger)
		if err != nil {
			return nil, err
		}
	}
	if t.Status == protocol.TaskCanceled {
		// canceled tasks end without done
		events = withoutDone(events)
	}
	ch := make(chan protocol.Event, len(events))
	for _, evt := range events {
		ch <- evt
	}
	close(ch)
	return ch, nil
}

// Wait blocks until the task is terminal and returns its final record.
func (m *Manager) Wait(ctx context.Context, taskID string) (Task, error) {
	lt := m.lookup(taskID)
	if lt == nil {
		return m.store.Get(ctx, taskID)
	}
	select {
	case <-lt.finished:
		return lt.snapshot(), nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Cancel moves a non-terminal task to CANCELED, kills its agent and drops
// every event not yet delivered. The container is kept.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	lt := m.lookup(taskID)
	if lt == nil {
		t, err := m.store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		return &TransitionError{TaskID: taskID, From: t.Status, To: protocol.TaskCanceled}
	}

	lt.mu.Lock()
	if err := m.transitionLocked(ctx, lt, protocol.TaskCanceled, nil); err != nil {
		lt.mu.Unlock()
		return err
	}
	lt.canceled = true
	run, events := lt.run, lt.events
	lt.broadcastLocked()
	lt.mu.Unlock()

	m.logger.Info("task canceled", "task_id", taskID)
	if events != nil {
		events.Discard()
	}
	if run != nil {
		run.Cancel()
	}
	lt.cancel()
	return nil
}

// ProvideInput answers an input request. The text goes to the agent's stdin
// and the task returns to RUNNING.
func (m *Manager) ProvideInput(ctx context.Context, taskID, text string) error {
	lt := m.lookup(taskID)
	if lt == nil {
		if _, err := m.store.Get(ctx, taskID); err != nil {
			return err
		}
		return ErrNotAwaitingInput
	}

	lt.mu.Lock()
	run := lt.run
	awaiting := lt.task.Status == protocol.TaskAwaitingInput
	lt.mu.Unlock()
	if !awaiting || run == nil {
		return ErrNotAwaitingInput
	}

	if err := run.WriteInput(text); err != nil {
		return fmt.Errorf("send input to task %s: %w", taskID, err)
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.task.Status != protocol.TaskAwaitingInput {
		// finished or canceled while the input was being written
		return nil
	}
	return m.transitionLocked(ctx, lt, protocol.TaskRunning, nil)
}

// Recover fails tasks a previous process left unfinished. Their agents died
// with that process.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stale, err := m.store.List(ctx, protocol.TaskQueued, protocol.TaskRunning, protocol.TaskAwaitingInput)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range stale {
		if m.lookup(t.ID) != nil {
			continue
		}
		failure := protocol.NewTaskError(protocol.KindAgentExit, nil, "orchestrator restarted")
		if err := t.transition(protocol.TaskFailed, failure, m.opts.Now()); err != nil {
			return n, err
		}
		if err := m.store.Update(ctx, t); err != nil {
			return n, err
		}
		m.logger.Warn("failed task left over from previous run", "task_id", t.ID)
		n++
	}
	return n, nil
}

// Shutdown cancels every live task and waits for their pipelines.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Cancel(ctx, id); err != nil {
			var te *TransitionError
			if !errors.As(err, &te) {
				m.logger.Warn("cancel on shutdown failed", "task_id", id, "error", err)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(taskID string) *liveTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[taskID]
}

// transitionLocked applies and persists a status change. lt.mu must be held.
func (m *Manager) transitionLocked(ctx context.Context, lt *liveTask, to protocol.TaskStatus, failure *protocol.TaskError) error {
	if err := lt.task.transition(to, failure, m.opts.Now()); err != nil {
		return err
	}
	m.persistLocked(ctx, lt)
	m.logger.Debug("task status changed", "task_id", lt.task.ID, "status", to)
	if to.IsTerminal() {
		m.opts.Observer.TaskFinished(to)
		close(lt.finished)
	}
	return nil
}

func (m *Manager) persistLocked(ctx context.Context, lt *liveTask) {
	if err := m.store.Update(context.WithoutCancel(ctx), lt.task); err != nil {
		m.logger.Error("failed to persist task", "task_id", lt.task.ID, "error", err)
	}
}

func withoutDone(events []protocol.Event) []protocol.Event {
	out := events[:0:0]
	for _, evt := range events {
		if !evt.IsTerminal() {
			out = append(out, evt)
		}
	}
	return out
}
