package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultKillGrace is how long a killed process gets between SIGTERM and SIGKILL.
const DefaultKillGrace = 5 * time.Second

// DockerCLI implements Runtime by shelling out to the docker CLI.
type DockerCLI struct {
	bin       string
	killGrace time.Duration
	logger    *slog.Logger
}

// NewDockerCLI creates a docker CLI runtime.
func NewDockerCLI(logger *slog.Logger) *DockerCLI {
	bin := "docker"
	if p, err := exec.LookPath("docker"); err == nil {
		bin = p
	}
	return &DockerCLI{bin: bin, killGrace: DefaultKillGrace, logger: logger}
}

// run executes docker with args. env entries are added to the docker
// client's own environment so that "-e KEY" forwards them by name.
func (d *DockerCLI) run(ctx context.Context, env map[string]string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envPairs(env)...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", classify(args, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func classify(args []string, stderr string, err error) error {
	verb := ""
	if len(args) > 0 {
		verb = args[0]
	}
	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("docker %s: %w: %v", verb, ErrUnavailable, err)
	case strings.Contains(stderr, "Cannot connect to the Docker daemon"),
		strings.Contains(stderr, "error during connect"):
		return fmt.Errorf("docker %s: %w: %s", verb, ErrUnavailable, stderr)
	case strings.Contains(stderr, "No such container"),
		strings.Contains(stderr, "No such object"):
		return fmt.Errorf("docker %s: %w: %s", verb, ErrNotFound, stderr)
	default:
		return fmt.Errorf("docker %s: %s: %w", verb, stderr, err)
	}
}

func (d *DockerCLI) Ping(ctx context.Context) error {
	_, err := d.run(ctx, nil, "version", "--format", "{{.Server.Version}}")
	if err != nil && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (d *DockerCLI) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if spec.Limits.MemoryBytes <= 0 || spec.Limits.CPUs <= 0 {
		return "", fmt.Errorf("docker create %s: memory and cpu limits are required", spec.Name)
	}
	args := []string{"create",
		"--name", spec.Name,
		"--memory", strconv.FormatInt(spec.Limits.MemoryBytes, 10),
		"--cpus", strconv.FormatFloat(spec.Limits.CPUs, 'f', -1, 64),
		"--security-opt", "no-new-privileges",
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}
	if spec.Limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(spec.Limits.PidsLimit, 10))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k)
	}
	if spec.WorkspaceHost != "" {
		args = append(args, "-v", spec.WorkspaceHost+":"+spec.WorkspaceMount, "-w", spec.WorkspaceMount)
	}
	args = append(args, spec.Image, "sleep", "infinity")

	id, err := d.run(ctx, spec.Env, args...)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (d *DockerCLI) Start(ctx context.Context, id string) error {
	_, err := d.run(ctx, nil, "start", id)
	return err
}

func (d *DockerCLI) Stop(ctx context.Context, id string, timeout time.Duration) error {
	args := []string{"stop"}
	if timeout > 0 {
		args = append(args, "-t", strconv.Itoa(int(timeout.Seconds())))
	}
	args = append(args, id)
	_, err := d.run(ctx, nil, args...)
	return err
}

func (d *DockerCLI) Remove(ctx context.Context, id string) error {
	_, err := d.run(ctx, nil, "rm", "-f", id)
	return err
}

type dockerInspection struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Created string `json:"Created"`
	State   struct {
		Running bool `json:"Running"`
	} `json:"State"`
}

func (d *DockerCLI) Inspect(ctx context.Context, id string) (Info, error) {
	out, err := d.run(ctx, nil, "inspect", "--type", "container", id)
	if err != nil {
		return Info{}, err
	}

	var inspections []dockerInspection
	if err := json.Unmarshal([]byte(out), &inspections); err != nil {
		return Info{}, fmt.Errorf("parse inspect output: %w", err)
	}
	if len(inspections) == 0 {
		return Info{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}

	insp := inspections[0]
	created, _ := time.Parse(time.RFC3339Nano, insp.Created)
	return Info{
		ID:        insp.ID,
		Name:      strings.TrimPrefix(insp.Name, "/"),
		Running:   insp.State.Running,
		CreatedAt: created,
	}, nil
}

// pidWrapper records the exec'd process id inside the container so Kill can
// signal it; killing the docker client alone leaves it running.
const pidWrapper = `echo $$ > "$0"; exec "$@"`

func (d *DockerCLI) Exec(ctx context.Context, id string, spec ExecSpec) (Process, error) {
	if len(spec.Cmd) == 0 {
		return nil, fmt.Errorf("docker exec %s: empty command", id)
	}

	pidFile := "/tmp/orca-exec-" + uuid.NewString() + ".pid"
	args := []string{"exec"}
	if spec.Stdin {
		args = append(args, "-i")
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k)
	}
	args = append(args, id, "sh", "-c", pidWrapper, pidFile)
	args = append(args, spec.Cmd...)

	cmd := exec.Command(d.bin, args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), envPairs(spec.Env)...)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	p := &dockerProcess{
		docker:    d,
		container: id,
		pidFile:   pidFile,
		cmd:       cmd,
		output:    pr,
		done:      make(chan struct{}),
	}

	if spec.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("docker exec stdin: %w", err)
		}
		p.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, classify(args, "", err)
	}

	go p.wait(pw)

	// Bind the process lifetime to ctx like exec.CommandContext, but through
	// Kill so the in-container process is signaled too.
	go func() {
		select {
		case <-ctx.Done():
			killCtx, cancel := context.WithTimeout(context.Background(), d.killGrace+5*time.Second)
			defer cancel()
			if err := p.Kill(killCtx); err != nil {
				d.logger.Warn("failed to kill exec after context end", "container", id, "error", err)
			}
		case <-p.done:
		}
	}()

	return p, nil
}

type dockerProcess struct {
	docker    *DockerCLI
	container string
	pidFile   string
	cmd       *exec.Cmd
	output    *io.PipeReader
	stdin     io.WriteCloser

	done     chan struct{}
	exitCode int
	err      error

	killOnce sync.Once
	killErr  error
}

func (p *dockerProcess) wait(pw *io.PipeWriter) {
	err := p.cmd.Wait()
	pw.Close()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
		p.err = err
	}
	close(p.done)
}

func (p *dockerProcess) Output() io.Reader     { return p.output }
func (p *dockerProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *dockerProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

// Kill sends SIGTERM to the in-container process, then SIGKILL after the
// grace period, then kills the docker client.
func (p *dockerProcess) Kill(ctx context.Context) error {
	p.killOnce.Do(func() {
		p.killErr = p.kill(ctx)
	})
	return p.killErr
}

func (p *dockerProcess) kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	signal := func(sig string) error {
		_, err := p.docker.run(ctx, nil, "exec", p.container, "sh", "-c",
			`kill -`+sig+` "$(cat "$0")" 2>/dev/null || true`, p.pidFile)
		return err
	}

	if err := signal("TERM"); err != nil {
		p.docker.logger.Debug("SIGTERM via docker exec failed", "container", p.container, "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.docker.killGrace):
	case <-ctx.Done():
	}

	if err := signal("KILL"); err != nil {
		p.docker.logger.Debug("SIGKILL via docker exec failed", "container", p.container, "error", err)
	}
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill docker exec client: %w", err)
		}
	}
	return nil
}

func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
