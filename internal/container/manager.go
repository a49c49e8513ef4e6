// Package container owns the per-task container registry: it creates,
// reuses and reaps the isolated environments tasks run in.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iambrandonn/orca/internal/fsutil"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/retry"
	"github.com/iambrandonn/orca/internal/runtime"
)

// DefaultMountPath is where a task's workspace appears inside its container.
const DefaultMountPath = "/workspace"

// Acquisition outcomes reported to the Observer.
const (
	OutcomeReused  = "reused"
	OutcomeStarted = "started"
	OutcomeCreated = "created"
	OutcomeFailed  = "failed"
)

// Observer receives registry activity. Implementations must be safe for
// concurrent use.
type Observer interface {
	AcquireObserved(outcome string, d time.Duration)
	ContainersLive(n int)
	ContainerReaped()
}

type nopObserver struct{}

func (nopObserver) AcquireObserved(string, time.Duration) {}
func (nopObserver) ContainersLive(int)                    {}
func (nopObserver) ContainerReaped()                      {}

// Options configures a Manager
type Options struct {
	Image  string
	Limits runtime.Limits
	// Env is the container environment: the model credential and nothing
	// else by default.
	Env           map[string]string
	WorkspaceRoot string
	MountPath     string
	Network       string
	StopTimeout   time.Duration
	Retry         retry.Config
	Observer      Observer
	Now           func() time.Time
}

// Handle is what a caller gets back from Acquire
type Handle struct {
	TaskID        string
	Name          string
	RuntimeID     string
	WorkspacePath string
	MountPath     string
}

type entry struct {
	// rec is written with both the task's key lock and Manager.mu held.
	rec      Record
	lastUsed atomic.Int64
	leases   atomic.Int32
}

// Manager is the container registry
type Manager struct {
	rt     runtime.Runtime
	store  RecordStore
	opts   Options
	logger *slog.Logger

	locks *keyedMutex

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager creates a Manager. Limits are mandatory.
func NewManager(rt runtime.Runtime, store RecordStore, opts Options, logger *slog.Logger) (*Manager, error) {
	if opts.Limits.MemoryBytes <= 0 || opts.Limits.CPUs <= 0 {
		return nil, fmt.Errorf("container limits are required (memory=%d cpus=%g)",
			opts.Limits.MemoryBytes, opts.Limits.CPUs)
	}
	if opts.Image == "" {
		return nil, errors.New("container image is required")
	}
	if opts.WorkspaceRoot == "" {
		return nil, errors.New("workspace root is required")
	}
	if opts.MountPath == "" {
		opts.MountPath = DefaultMountPath
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if store == nil {
		store = NewMemoryRecordStore()
	}

	return &Manager{
		rt:      rt,
		store:   store,
		opts:    opts,
		logger:  logger,
		locks:   newKeyedMutex(),
		entries: make(map[string]*entry),
	}, nil
}

// ContainerName derives the runtime container name for a task.
func ContainerName(taskID string) string {
	return "orca-task-" + sanitize(taskID)
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := b.String()
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// Acquire returns the running container for taskID, starting a stopped one
// or creating one when none exists. Concurrent calls for the same task id
// observe a single container. The caller holds a lease until Release.
func (m *Manager) Acquire(ctx context.Context, taskID string) (Handle, error) {
	if taskID == "" {
		return Handle{}, protocol.NewTaskError(protocol.KindContainerAcquisition, nil, "task id is required")
	}

	unlock := m.locks.Lock(taskID)
	defer unlock()

	start := time.Now()
	h, outcome, err := m.acquireLocked(ctx, taskID)
	m.opts.Observer.AcquireObserved(outcome, time.Since(start))
	m.opts.Observer.ContainersLive(m.liveCount())
	if err != nil {
		m.logger.Error("container acquisition failed", "task_id", taskID, "error", err)
		if errors.Is(err, runtime.ErrUnavailable) {
			err = protocol.NewTaskError(protocol.KindRuntimeUnavailable, err, "container runtime unreachable")
		}
		return Handle{}, protocol.NewTaskError(protocol.KindContainerAcquisition, err,
			"acquire container for task %s", taskID)
	}

	m.logger.Debug("container acquired",
		"task_id", taskID,
		"container", h.Name,
		"outcome", outcome)
	return h, nil
}

func (m *Manager) acquireLocked(ctx context.Context, taskID string) (Handle, string, error) {
	if e := m.lookup(taskID); e != nil {
		switch e.rec.State {
		case protocol.ContainerRunning:
			m.lease(ctx, e)
			return m.handle(e.rec), OutcomeReused, nil

		case protocol.ContainerStopped:
			err := m.rt.Start(ctx, e.rec.RuntimeID)
			if err == nil {
				rec := e.rec
				rec.State = protocol.ContainerRunning
				m.update(ctx, e, rec)
				m.lease(ctx, e)
				return m.handle(e.rec), OutcomeStarted, nil
			}
			if !errors.Is(err, runtime.ErrNotFound) {
				return Handle{}, OutcomeFailed, fmt.Errorf("start stopped container: %w", err)
			}
			m.logger.Info("stopped container vanished, recreating", "task_id", taskID)

		case protocol.ContainerCreating:
			// left over from an interrupted create
			if e.rec.RuntimeID != "" {
				m.discardRuntime(ctx, e.rec.RuntimeID)
			}
		}
	}

	h, err := m.create(ctx, taskID)
	if err != nil {
		return Handle{}, OutcomeFailed, err
	}
	return h, OutcomeCreated, nil
}

func (m *Manager) create(ctx context.Context, taskID string) (Handle, error) {
	now := m.opts.Now()
	name := ContainerName(taskID)
	if err := os.MkdirAll(m.opts.WorkspaceRoot, 0o700); err != nil {
		return Handle{}, fmt.Errorf("create workspace root: %w", err)
	}
	workspace, err := fsutil.ResolveWithin(m.opts.WorkspaceRoot, sanitize(taskID))
	if err != nil {
		return Handle{}, fmt.Errorf("workspace for %s: %w", taskID, err)
	}
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return Handle{}, fmt.Errorf("create workspace: %w", err)
	}

	e := &entry{rec: Record{
		TaskID:        taskID,
		Name:          name,
		State:         protocol.ContainerCreating,
		WorkspacePath: workspace,
		LastUsed:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}
	e.lastUsed.Store(now.UnixNano())
	m.mu.Lock()
	m.entries[taskID] = e
	m.mu.Unlock()
	m.persist(ctx, e.rec)

	spec := runtime.CreateSpec{
		Name:           name,
		Image:          m.opts.Image,
		Env:            m.opts.Env,
		WorkspaceHost:  workspace,
		WorkspaceMount: m.opts.MountPath,
		Limits:         m.opts.Limits,
		Network:        m.opts.Network,
		Labels:         map[string]string{"orca.task": taskID},
	}

	var runtimeID string
	err = retry.Do(ctx, m.opts.Retry, m.logger, func(ctx context.Context) error {
		// A same-named container from an earlier crash would block create.
		m.discardRuntime(ctx, name)

		id, err := m.rt.Create(ctx, spec)
		if err != nil {
			return err
		}
		if err := m.rt.Start(ctx, id); err != nil {
			m.discardRuntime(ctx, id)
			return err
		}
		runtimeID = id
		return nil
	})
	if err != nil {
		rec := e.rec
		rec.State = protocol.ContainerRemoved
		m.update(ctx, e, rec)
		return Handle{}, err
	}

	rec := e.rec
	rec.RuntimeID = runtimeID
	rec.State = protocol.ContainerRunning
	m.update(ctx, e, rec)
	m.lease(ctx, e)

	m.logger.Info("container created",
		"task_id", taskID,
		"container", name,
		"runtime_id", runtimeID)
	return m.handle(e.rec), nil
}

// Release ends a lease taken by Acquire. The container keeps running until
// it is reaped or cleaned up.
func (m *Manager) Release(taskID string) {
	unlock := m.locks.Lock(taskID)
	defer unlock()

	e := m.lookup(taskID)
	if e == nil {
		return
	}
	if e.leases.Add(-1) < 0 {
		e.leases.Store(0)
	}
	m.touchEntry(e)

	rec := e.rec
	rec.LastUsed = time.Unix(0, e.lastUsed.Load()).UTC()
	m.update(context.Background(), e, rec)
}

// Touch records activity on taskID's container.
func (m *Manager) Touch(taskID string) {
	if e := m.lookup(taskID); e != nil {
		m.touchEntry(e)
	}
}

func (m *Manager) touchEntry(e *entry) {
	e.lastUsed.Store(m.opts.Now().UnixNano())
}

// lease touches before the handle is handed out so a concurrent sweep that
// re-checks last-used sees the activity.
func (m *Manager) lease(ctx context.Context, e *entry) {
	m.touchEntry(e)
	e.leases.Add(1)
	rec := e.rec
	rec.LastUsed = time.Unix(0, e.lastUsed.Load()).UTC()
	m.update(ctx, e, rec)
}

// Reap stops and removes containers idle longer than threshold. Idleness is
// judged against last-used values captured when the sweep starts; a
// container touched or leased after that point is skipped.
func (m *Manager) Reap(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := m.opts.Now().Add(-threshold).UnixNano()

	type candidate struct {
		taskID   string
		lastUsed int64
	}
	var candidates []candidate

	m.mu.RLock()
	for id, e := range m.entries {
		if !e.rec.State.IsLive() {
			continue
		}
		lu := e.lastUsed.Load()
		if lu < cutoff && e.leases.Load() == 0 {
			candidates = append(candidates, candidate{taskID: id, lastUsed: lu})
		}
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].taskID < candidates[j].taskID })

	reaped := 0
	var errs []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := m.reapOne(ctx, c.taskID, c.lastUsed)
		if err != nil {
			errs = append(errs, fmt.Errorf("reap %s: %w", c.taskID, err))
			continue
		}
		if ok {
			reaped++
		}
	}

	m.opts.Observer.ContainersLive(m.liveCount())
	if reaped > 0 {
		m.logger.Info("reaped idle containers", "count", reaped, "threshold", threshold)
	}
	return reaped, errors.Join(errs...)
}

func (m *Manager) reapOne(ctx context.Context, taskID string, seen int64) (bool, error) {
	unlock := m.locks.Lock(taskID)
	defer unlock()

	e := m.lookup(taskID)
	if e == nil || !e.rec.State.IsLive() {
		return false, nil
	}
	if e.leases.Load() > 0 || e.lastUsed.Load() != seen {
		m.logger.Debug("container became active during sweep, keeping", "task_id", taskID)
		return false, nil
	}

	if err := m.teardown(ctx, e); err != nil {
		return false, err
	}
	m.opts.Observer.ContainerReaped()
	m.logger.Info("reaped idle container",
		"task_id", taskID,
		"container", e.rec.Name,
		"idle_since", time.Unix(0, seen).UTC())
	return true, nil
}

// Cleanup stops and removes taskID's container regardless of idleness.
func (m *Manager) Cleanup(ctx context.Context, taskID string) error {
	unlock := m.locks.Lock(taskID)
	defer unlock()

	e := m.lookup(taskID)
	if e == nil || !e.rec.State.IsLive() {
		return nil
	}
	if err := m.teardown(ctx, e); err != nil {
		return err
	}
	m.opts.Observer.ContainersLive(m.liveCount())
	return nil
}

// teardown requires the task's key lock.
func (m *Manager) teardown(ctx context.Context, e *entry) error {
	if id := e.rec.RuntimeID; id != "" {
		if err := m.rt.Stop(ctx, id, m.opts.StopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("stop container: %w", err)
		}
		if err := m.rt.Remove(ctx, id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	rec := e.rec
	rec.State = protocol.ContainerRemoved
	m.update(ctx, e, rec)
	return nil
}

// Reconcile loads persisted records and refreshes their state from the
// runtime. It runs once at startup before any Acquire.
func (m *Manager) Reconcile(ctx context.Context) error {
	records, err := m.store.LoadRecords(ctx)
	if err != nil {
		return fmt.Errorf("load container records: %w", err)
	}

	runtimeDown := false
	for _, rec := range records {
		if rec.State.IsLive() && !runtimeDown {
			switch {
			case rec.RuntimeID == "":
				rec.State = protocol.ContainerRemoved
			default:
				info, err := m.rt.Inspect(ctx, rec.RuntimeID)
				switch {
				case errors.Is(err, runtime.ErrNotFound):
					rec.State = protocol.ContainerRemoved
				case errors.Is(err, runtime.ErrUnavailable):
					m.logger.Warn("runtime unavailable, keeping persisted container states", "error", err)
					runtimeDown = true
				case err != nil:
					m.logger.Warn("inspect failed during reconcile", "task_id", rec.TaskID, "error", err)
				case info.Running:
					rec.State = protocol.ContainerRunning
				default:
					rec.State = protocol.ContainerStopped
				}
			}
		}

		e := &entry{rec: rec}
		e.lastUsed.Store(rec.LastUsed.UnixNano())
		m.mu.Lock()
		m.entries[rec.TaskID] = e
		m.mu.Unlock()
		m.persist(ctx, rec)
	}

	m.opts.Observer.ContainersLive(m.liveCount())
	m.logger.Info("container registry reconciled", "records", len(records), "live", m.liveCount())
	return nil
}

// Get returns the record for taskID.
func (m *Manager) Get(taskID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[taskID]
	if !ok {
		return Record{}, false
	}
	return m.snapshot(e), true
}

// Records returns every record sorted by task id.
func (m *Manager) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, m.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// RunReaper sweeps every interval until ctx ends.
func (m *Manager) RunReaper(ctx context.Context, interval, threshold time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("container reaper started", "interval", interval, "idle_threshold", threshold)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Reap(ctx, threshold); err != nil && ctx.Err() == nil {
				m.logger.Warn("reaper sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) snapshot(e *entry) Record {
	rec := e.rec
	rec.LastUsed = time.Unix(0, e.lastUsed.Load()).UTC()
	return rec
}

func (m *Manager) lookup(taskID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[taskID]
}

func (m *Manager) update(ctx context.Context, e *entry, rec Record) {
	rec.UpdatedAt = m.opts.Now()
	m.mu.Lock()
	e.rec = rec
	m.mu.Unlock()
	m.persist(ctx, rec)
}

func (m *Manager) persist(ctx context.Context, rec Record) {
	if err := m.store.SaveRecord(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("failed to persist container record", "task_id", rec.TaskID, "error", err)
	}
}

func (m *Manager) discardRuntime(ctx context.Context, id string) {
	if err := m.rt.Remove(ctx, id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		m.logger.Debug("discard container failed", "container", id, "error", err)
	}
}

func (m *Manager) handle(rec Record) Handle {
	return Handle{
		TaskID:        rec.TaskID,
		Name:          rec.Name,
		RuntimeID:     rec.RuntimeID,
		WorkspacePath: rec.WorkspacePath,
		MountPath:     m.opts.MountPath,
	}
}

func (m *Manager) liveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.rec.State.IsLive() {
			n++
		}
	}
	return n
}
