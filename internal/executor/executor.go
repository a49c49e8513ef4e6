// Package executor runs the coding agent inside a task's container.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iambrandonn/orca/internal/container"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/runtime"
)

var (
	// DefaultAgentCmd runs the Claude CLI headless with line-delimited JSON output.
	DefaultAgentCmd = []string{"claude", "-p", "--output-format", "stream-json", "--verbose"}
	// DefaultAllowedTools is the fixed tool allow-list handed to the agent.
	DefaultAllowedTools = []string{"Bash", "Read", "Write", "Edit", "Glob", "Grep"}
)

const (
	DefaultTimeout      = 30 * time.Minute
	DefaultCloneTimeout = 5 * time.Minute

	tokenEnv = "ORCA_SCM_TOKEN"
	// credentialHelper answers git's credential prompt from the environment
	// so the token never appears in argv or the repository config.
	credentialHelper = `credential.helper=!f() { echo username=x-access-token; echo "password=$` + tokenEnv + `"; }; f`
)

// ErrNoInput is returned by WriteInput when the agent was started without
// an input channel.
var ErrNoInput = errors.New("agent does not accept input")

// Toucher is told about every interaction with a task's container.
type Toucher interface {
	Touch(taskID string)
}

// Options configures an Executor
type Options struct {
	AgentCmd     []string
	AllowedTools []string
	Timeout      time.Duration
	CloneTimeout time.Duration
	// SCMToken authenticates clones of private repositories. Optional.
	SCMToken string
	// Interactive keeps the agent's stdin open for input replies. The agent
	// command must read a stream from stdin (--input-format stream-json);
	// otherwise stdin is closed so a headless agent never waits on it.
	Interactive bool
}

// Request is one agent run
type Request struct {
	Handle  container.Handle
	Prompt  string
	RepoRef string
}

// Executor starts agent runs
type Executor struct {
	rt      runtime.Runtime
	toucher Toucher
	opts    Options
	logger  *slog.Logger
}

// New creates an Executor.
func New(rt runtime.Runtime, toucher Toucher, opts Options, logger *slog.Logger) *Executor {
	if len(opts.AgentCmd) == 0 {
		opts.AgentCmd = DefaultAgentCmd
	}
	if opts.AllowedTools == nil {
		opts.AllowedTools = DefaultAllowedTools
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CloneTimeout <= 0 {
		opts.CloneTimeout = DefaultCloneTimeout
	}
	return &Executor{rt: rt, toucher: toucher, opts: opts, logger: logger}
}

// Start prepares the workspace and launches the agent. The wall-clock limit
// covers the clone and the agent together. The returned Run's output must be
// drained. Canceling ctx cancels the run.
func (e *Executor) Start(ctx context.Context, req Request) (*Run, error) {
	logger := e.logger.With("task_id", req.Handle.TaskID, "container", req.Handle.Name)
	deadline := time.Now().Add(e.opts.Timeout)

	if req.RepoRef != "" {
		if err := e.clone(ctx, req, deadline, logger); err != nil {
			return nil, err
		}
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, protocol.NewTaskError(protocol.KindExecutionTimeout, nil,
			"wall-clock limit of %s reached before the agent started", e.opts.Timeout)
	}

	cmd := e.AgentCommand(req.Prompt)
	runCtx, cancel := context.WithCancel(context.Background())
	proc, err := e.rt.Exec(runCtx, req.Handle.RuntimeID, runtime.ExecSpec{
		Cmd:     cmd,
		WorkDir: req.Handle.MountPath,
		Stdin:   e.opts.Interactive,
	})
	if err != nil {
		cancel()
		return nil, protocol.NewTaskError(protocol.KindAgentExit, err, "start agent")
	}
	e.toucher.Touch(req.Handle.TaskID)

	r := &Run{
		taskID:  req.Handle.TaskID,
		proc:    proc,
		toucher: e.toucher,
		cancel:  cancel,
		timeout: e.opts.Timeout,
		logger:  logger,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	r.output = &touchingReader{r: proc.Output(), taskID: r.taskID, toucher: e.toucher}

	timer := time.AfterFunc(remaining, func() { r.stop(stopTimeout) })
	go func() {
		select {
		case <-ctx.Done():
			r.stop(stopCanceled)
		case <-r.done:
		}
	}()
	go r.wait(timer)

	logger.Info("agent started", "timeout", remaining.Round(time.Millisecond), "interactive", e.opts.Interactive)
	return r, nil
}

// AgentCommand builds the argv for the agent process. Options end with "--"
// so a variadic flag such as --allowedTools cannot take the prompt.
func (e *Executor) AgentCommand(prompt string) []string {
	cmd := append([]string(nil), e.opts.AgentCmd...)
	if len(e.opts.AllowedTools) > 0 && !slices.Contains(cmd, "--allowedTools") {
		cmd = append(cmd, "--allowedTools", strings.Join(e.opts.AllowedTools, ","))
	}
	return append(cmd, "--", prompt)
}

var repoRefPattern = regexp.MustCompile(`^(https://|ssh://|git@)[A-Za-z0-9._~:/?#@!$&'()*+,;=%-]+$`)

// ValidRepoRef reports whether ref looks like a clonable remote.
func ValidRepoRef(ref string) bool {
	return repoRefPattern.MatchString(ref)
}

func (e *Executor) clone(ctx context.Context, req Request, deadline time.Time, logger *slog.Logger) error {
	if !ValidRepoRef(req.RepoRef) {
		return protocol.NewTaskError(protocol.KindRepoClone, nil, "unsupported repository reference %q", req.RepoRef)
	}

	if err := resetWorkspace(req.Handle.WorkspacePath); err != nil {
		return protocol.NewTaskError(protocol.KindRepoClone, err, "reset workspace")
	}

	cmd := []string{"git"}
	var env map[string]string
	if e.opts.SCMToken != "" {
		env = map[string]string{tokenEnv: e.opts.SCMToken}
		cmd = append(cmd, "-c", credentialHelper)
	}
	cmd = append(cmd, "clone", "--quiet", "--", req.RepoRef, ".")

	cloneDeadline := time.Now().Add(e.opts.CloneTimeout)
	if deadline.Before(cloneDeadline) {
		cloneDeadline = deadline
	}
	cloneCtx, cancel := context.WithDeadline(ctx, cloneDeadline)
	defer cancel()

	logger.Info("cloning repository", "repo", req.RepoRef)
	proc, err := e.rt.Exec(cloneCtx, req.Handle.RuntimeID, runtime.ExecSpec{
		Cmd:     cmd,
		Env:     env,
		WorkDir: req.Handle.MountPath,
	})
	if err != nil {
		return protocol.NewTaskError(protocol.KindRepoClone, err, "start git clone")
	}
	e.toucher.Touch(req.Handle.TaskID)

	out, _ := io.ReadAll(io.LimitReader(proc.Output(), 16*1024))
	_, _ = io.Copy(io.Discard, proc.Output())
	code, err := proc.Wait()
	if err != nil {
		return protocol.NewTaskError(protocol.KindRepoClone, err, "git clone %s", req.RepoRef)
	}
	if cloneCtx.Err() != nil {
		if ctx.Err() == nil && !time.Now().Before(deadline) {
			return protocol.NewTaskError(protocol.KindExecutionTimeout, nil,
				"wall-clock limit of %s reached while cloning %s", e.opts.Timeout, req.RepoRef)
		}
		return protocol.NewTaskError(protocol.KindRepoClone, cloneCtx.Err(), "git clone %s", req.RepoRef)
	}
	if code != 0 {
		te := protocol.NewTaskError(protocol.KindRepoClone, nil, "git clone %s failed: %s",
			req.RepoRef, strings.TrimSpace(string(out)))
		te.ExitCode = code
		return te
	}
	return nil
}

// resetWorkspace empties dir without removing it; it is the container's
// bind-mount source.
func resetWorkspace(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(dir, 0o700)
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

type stopReason int32

const (
	stopNone stopReason = iota
	stopTimeout
	stopCanceled
)

// Result is the outcome of a finished run
type Result struct {
	ExitCode int
	// Err is nil when the agent exited zero on its own.
	Err      *protocol.TaskError
	Duration time.Duration
}

// Run is a live agent process
type Run struct {
	taskID  string
	proc    runtime.Process
	output  io.Reader
	toucher Toucher
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
	started time.Time

	reason  atomic.Int32
	stdinMu sync.Mutex

	done   chan struct{}
	result Result
}

// Output is the agent's combined output. It must be read to EOF.
func (r *Run) Output() io.Reader {
	return r.output
}

// AcceptsInput reports whether WriteInput can reach the agent.
func (r *Run) AcceptsInput() bool {
	return r.proc.Stdin() != nil
}

// WriteInput sends one line to the agent's stdin.
func (r *Run) WriteInput(text string) error {
	stdin := r.proc.Stdin()
	if stdin == nil {
		return ErrNoInput
	}
	r.stdinMu.Lock()
	defer r.stdinMu.Unlock()
	if _, err := io.WriteString(stdin, strings.TrimRight(text, "\n")+"\n"); err != nil {
		return fmt.Errorf("write agent input: %w", err)
	}
	r.toucher.Touch(r.taskID)
	return nil
}

// Cancel kills the agent. The container is left running.
func (r *Run) Cancel() {
	r.stop(stopCanceled)
}

// Done is closed when the process has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the process exits.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

func (r *Run) stop(reason stopReason) {
	if !r.reason.CompareAndSwap(int32(stopNone), int32(reason)) {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}

	if reason == stopTimeout {
		r.logger.Warn("agent exceeded wall-clock limit, killing", "timeout", r.timeout)
	} else {
		r.logger.Info("killing agent on cancel")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.proc.Kill(ctx); err != nil {
			r.logger.Warn("kill agent failed", "error", err)
		}
		r.cancel()
	}()
}

func (r *Run) wait(timer *time.Timer) {
	code, err := r.proc.Wait()
	timer.Stop()
	r.cancel()

	res := Result{ExitCode: code, Duration: time.Since(r.started)}
	switch stopReason(r.reason.Load()) {
	case stopTimeout:
		res.Err = protocol.NewTaskError(protocol.KindExecutionTimeout, nil,
			"agent exceeded the %s wall-clock limit", r.timeout)
	case stopCanceled:
		res.Err = protocol.NewTaskError(protocol.KindCanceled, nil, "agent run canceled")
	default:
		switch {
		case err != nil:
			res.Err = protocol.NewTaskError(protocol.KindAgentExit, err, "agent process failed")
		case code != 0:
			res.Err = protocol.NewTaskError(protocol.KindAgentExit, nil, "agent exited unsuccessfully")
			res.Err.ExitCode = code
		}
	}
	r.result = res

	if res.Err != nil {
		r.logger.Warn("agent run failed",
			"exit_code", code,
			"duration", res.Duration.Round(time.Millisecond),
			"kind", res.Err.Kind,
			"error", res.Err.Message)
	} else {
		r.logger.Info("agent exited",
			"exit_code", code,
			"duration", res.Duration.Round(time.Millisecond))
	}
	close(r.done)
}

type touchingReader struct {
	r       io.Reader
	taskID  string
	toucher Toucher
}

func (t *touchingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.toucher.Touch(t.taskID)
	}
	return n, err
}
