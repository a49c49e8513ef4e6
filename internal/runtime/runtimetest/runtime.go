// Package runtimetest provides a scripted in-memory container runtime.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/orca/internal/runtime"
)

// Script describes what an exec does.
type Script struct {
	// Files are written under the container's workspace before any output.
	Files map[string]string
	// Chunks are written to the output in order, exactly as given.
	Chunks []string
	Delay  time.Duration
	// AwaitInput makes the process wait for a stdin write after Chunks and
	// then write AfterInput.
	AwaitInput bool
	AfterInput []string
	// Block keeps the process alive after its output until killed.
	Block    bool
	ExitCode int
}

// ExecFunc chooses the script for an exec.
type ExecFunc func(c Container, spec runtime.ExecSpec) Script

// Container is the fake's record of a created container
type Container struct {
	ID      string
	Name    string
	Running bool
	Spec    runtime.CreateSpec
}

// Runtime is a runtime.Runtime backed by memory.
type Runtime struct {
	// CreateDelay slows Create to widen race windows in tests.
	CreateDelay time.Duration
	// OnExec picks the script for each exec. Nil runs an empty successful exec.
	OnExec ExecFunc

	mu          sync.Mutex
	containers  map[string]*Container
	removed     map[string]bool
	next        int
	createCalls int
	failCreates int
	unavailable bool
	execs       []ExecRecord
	procs       []*Process
}

// ExecRecord is one observed exec call
type ExecRecord struct {
	ContainerID string
	Spec        runtime.ExecSpec
}

// New creates an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		removed:    make(map[string]bool),
	}
}

// SetUnavailable makes every call fail with runtime.ErrUnavailable.
func (r *Runtime) SetUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

// FailCreates makes the next n Create calls fail.
func (r *Runtime) FailCreates(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCreates = n
}

// CreateCalls returns how many times Create was invoked.
func (r *Runtime) CreateCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createCalls
}

// Container returns a copy of the container with id.
func (r *Runtime) Container(id string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Removed reports whether id was removed.
func (r *Runtime) Removed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed[id]
}

// Live returns the number of containers that exist.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Execs returns every exec observed so far.
func (r *Runtime) Execs() []ExecRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecRecord(nil), r.execs...)
}

// Processes returns every process started so far.
func (r *Runtime) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.procs...)
}

func (r *Runtime) checkAvailable() error {
	if r.unavailable {
		return fmt.Errorf("fake runtime: %w", runtime.ErrUnavailable)
	}
	return nil
}

func (r *Runtime) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkAvailable()
}

func (r *Runtime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	if r.CreateDelay > 0 {
		select {
		case <-time.After(r.CreateDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if err := r.checkAvailable(); err != nil {
		return "", err
	}
	if r.failCreates > 0 {
		r.failCreates--
		return "", fmt.Errorf("fake runtime: create %s failed", spec.Name)
	}
	if spec.Limits.MemoryBytes <= 0 || spec.Limits.CPUs <= 0 {
		return "", fmt.Errorf("fake runtime: create %s without limits", spec.Name)
	}
	for _, c := range r.containers {
		if c.Name == spec.Name {
			return "", fmt.Errorf("fake runtime: name %s already in use", spec.Name)
		}
	}

	r.next++
	id := fmt.Sprintf("ctr-%04d", r.next)
	r.containers[id] = &Container{ID: id, Name: spec.Name, Spec: spec}
	return id, nil
}

func (r *Runtime) lookup(id string) (*Container, error) {
	if err := r.checkAvailable(); err != nil {
		return nil, err
	}
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("fake runtime: %s: %w", id, runtime.ErrNotFound)
	}
	return c, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.Running = true
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	c.Running = false
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookup(id); err != nil {
		return err
	}
	delete(r.containers, id)
	r.removed[id] = true
	return nil
}

// Vanish deletes a container behind the caller's back, as if removed out of band.
func (r *Runtime) Vanish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
}

func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return runtime.Info{}, err
	}
	return runtime.Info{ID: c.ID, Name: c.Name, Running: c.Running}, nil
}

func (r *Runtime) Exec(ctx context.Context, id string, spec runtime.ExecSpec) (runtime.Process, error) {
	r.mu.Lock()
	c, err := r.lookup(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if !c.Running {
		r.mu.Unlock()
		return nil, fmt.Errorf("fake runtime: container %s is not running", id)
	}
	snapshot := *c
	r.execs = append(r.execs, ExecRecord{ContainerID: id, Spec: spec})
	r.mu.Unlock()

	script := Script{}
	if r.OnExec != nil {
		script = r.OnExec(snapshot, spec)
	}

	for name, content := range script.Files {
		path := filepath.Join(snapshot.Spec.WorkspaceHost, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}

	p := newProcess(spec.Stdin)
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.mu.Unlock()

	go p.run(ctx, script)
	return p, nil
}

// Process is a scripted runtime.Process
type Process struct {
	out   *io.PipeReader
	pw    *io.PipeWriter
	stdin *stdinRecorder

	kill     chan struct{}
	killOnce sync.Once
	done     chan struct{}
	exitCode int

	mu     sync.Mutex
	killed bool
}

func newProcess(withStdin bool) *Process {
	pr, pw := io.Pipe()
	p := &Process{
		out:  pr,
		pw:   pw,
		kill: make(chan struct{}),
		done: make(chan struct{}),
	}
	if withStdin {
		p.stdin = &stdinRecorder{lines: make(chan string, 16)}
	}
	return p
}

func (p *Process) run(ctx context.Context, s Script) {
	defer close(p.done)
	defer p.pw.Close()

	write := func(chunks []string) bool {
		for _, c := range chunks {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-p.kill:
					return false
				case <-ctx.Done():
					return false
				}
			}
			if _, err := p.pw.Write([]byte(c)); err != nil {
				return false
			}
		}
		return true
	}

	if !write(s.Chunks) {
		p.exitKilled()
		return
	}

	if s.AwaitInput && p.stdin != nil {
		select {
		case <-p.stdin.lines:
		case <-p.kill:
			p.exitKilled()
			return
		case <-ctx.Done():
			p.exitKilled()
			return
		}
		if !write(s.AfterInput) {
			p.exitKilled()
			return
		}
	}

	if s.Block {
		select {
		case <-p.kill:
		case <-ctx.Done():
		}
		p.exitKilled()
		return
	}

	p.exitCode = s.ExitCode
}

func (p *Process) exitKilled() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exitCode = 137
}

func (p *Process) Output() io.Reader { return p.out }

func (p *Process) Stdin() io.WriteCloser {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exitCode, nil
}

func (p *Process) Kill(ctx context.Context) error {
	p.killOnce.Do(func() { close(p.kill) })
	return nil
}

// Killed reports whether the process ended because it was killed.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Input returns everything written to stdin.
func (p *Process) Input() string {
	if p.stdin == nil {
		return ""
	}
	return p.stdin.String()
}

type stdinRecorder struct {
	mu     sync.Mutex
	buf    strings.Builder
	lines  chan string
	closed bool
}

func (s *stdinRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.buf.Write(b)
	select {
	case s.lines <- string(b):
	default:
	}
	return len(b), nil
}

func (s *stdinRecorder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stdinRecorder) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
