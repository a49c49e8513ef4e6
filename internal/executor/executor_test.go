package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/orca/internal/container"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/runtime"
	"github.com/iambrandonn/orca/internal/runtime/runtimetest"
)

type countingToucher struct {
	n atomic.Int64
}

func (c *countingToucher) Touch(string) { c.n.Add(1) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	rt      *runtimetest.Runtime
	handle  container.Handle
	toucher *countingToucher
}

func newFixture(t *testing.T, onExec runtimetest.ExecFunc) *fixture {
	t.Helper()
	rt := runtimetest.New()
	rt.OnExec = onExec

	m, err := container.NewManager(rt, nil, container.Options{
		Image:         "orca-agent:test",
		Limits:        runtime.Limits{MemoryBytes: 1 << 30, CPUs: 1},
		WorkspaceRoot: t.TempDir(),
	}, testLogger())
	require.NoError(t, err)

	h, err := m.Acquire(context.Background(), "task-exec")
	require.NoError(t, err)

	return &fixture{rt: rt, handle: h, toucher: &countingToucher{}}
}

func isClone(spec runtime.ExecSpec) bool {
	return slices.Contains(spec.Cmd, "clone")
}

func TestRunStreamsOutputAndExitCode(t *testing.T) {
	f := newFixture(t, func(c runtimetest.Container, spec runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{
			Files:  map[string]string{"hello.txt": "hi\n"},
			Chunks: []string{`{"type":"text",`, `"text":"ok"}` + "\n", `{"type":"done"}` + "\n"},
		}
	})
	ex := New(f.rt, f.toucher, Options{}, testLogger())

	run, err := ex.Start(context.Background(), Request{Handle: f.handle, Prompt: "create hello.txt"})
	require.NoError(t, err)

	out, err := io.ReadAll(run.Output())
	require.NoError(t, err)
	assert.Equal(t, `{"type":"text","text":"ok"}`+"\n"+`{"type":"done"}`+"\n", string(out))

	res := run.Wait()
	assert.Nil(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Greater(t, f.toucher.n.Load(), int64(1))

	// The agent's file lands in the task workspace only.
	assert.FileExists(t, filepath.Join(f.handle.WorkspacePath, "hello.txt"))
	_, statErr := os.Stat("hello.txt")
	assert.True(t, os.IsNotExist(statErr))

	execs := f.rt.Execs()
	require.Len(t, execs, 1)
	spec := execs[0].Spec
	assert.Equal(t, container.DefaultMountPath, spec.WorkDir)
	assert.False(t, spec.Stdin, "headless agents get no stdin")
	assert.Equal(t, []string{"--", "create hello.txt"}, spec.Cmd[len(spec.Cmd)-2:])
	assert.Contains(t, strings.Join(spec.Cmd, " "), "--allowedTools Bash,Read,Write,Edit,Glob,Grep")
}

func TestAgentCommandRespectsExplicitAllowList(t *testing.T) {
	ex := New(runtimetest.New(), &countingToucher{}, Options{
		AgentCmd: []string{"agent", "--allowedTools", "Read"},
	}, testLogger())

	assert.Equal(t, []string{"agent", "--allowedTools", "Read", "--", "do it"}, ex.AgentCommand("do it"))
}

func TestDefaultAgentCommandShape(t *testing.T) {
	ex := New(runtimetest.New(), &countingToucher{}, Options{}, testLogger())

	assert.Equal(t, []string{
		"claude", "-p", "--output-format", "stream-json", "--verbose",
		"--allowedTools", "Bash,Read,Write,Edit,Glob,Grep",
		"--", "--help me",
	}, ex.AgentCommand("--help me"))
}

func TestWriteInputRequiresInteractive(t *testing.T) {
	f := newFixture(t, func(runtimetest.Container, runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{Chunks: []string{`{"type":"done"}` + "\n"}}
	})
	ex := New(f.rt, f.toucher, Options{}, testLogger())

	run, err := ex.Start(context.Background(), Request{Handle: f.handle, Prompt: "p"})
	require.NoError(t, err)
	assert.False(t, run.AcceptsInput())
	assert.ErrorIs(t, run.WriteInput("main"), ErrNoInput)

	_, _ = io.Copy(io.Discard, run.Output())
	assert.Nil(t, run.Wait().Err)
}

func TestCloneCountsAgainstWallClock(t *testing.T) {
	f := newFixture(t, func(c runtimetest.Container, spec runtime.ExecSpec) runtimetest.Script {
		if isClone(spec) {
			return runtimetest.Script{Chunks: []string{"Cloning\n", "slowly\n"}, Delay: time.Second}
		}
		return runtimetest.Script{Chunks: []string{`{"type":"done"}` + "\n"}}
	})
	ex := New(f.rt, f.toucher, Options{Timeout: 50 * time.Millisecond, CloneTimeout: time.Hour}, testLogger())

	started := time.Now()
	_, err := ex.Start(context.Background(), Request{
		Handle:  f.handle,
		Prompt:  "p",
		RepoRef: "https://github.com/acme/widgets.git",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrExecutionTimeout)
	assert.Less(t, time.Since(started), 900*time.Millisecond)
	assert.Len(t, f.rt.Execs(), 1, "the agent never starts")
}

func TestNonZeroExitIsAgentExit(t *testing.T) {
	f := newFixture(t, func(runtimetest.Container, runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{Chunks: []string{"boom\n"}, ExitCode: 2}
	})
	ex := New(f.rt, f.toucher, Options{}, testLogger())

	run, err := ex.Start(context.Background(), Request{Handle: f.handle, Prompt: "p"})
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, run.Output())

	res := run.Wait()
	require.NotNil(t, res.Err)
	assert.ErrorIs(t, res.Err, protocol.ErrAgentExit)
	assert.Equal(t, 2, res.Err.ExitCode)
}

func TestTimeoutKillsAgentAndKeepsContainer(t *testing.T) {
	f := newFixture(t, func(runtimetest.Container, runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{Chunks: []string{`{"type":"text","text":"working"}` + "\n"}, Block: true}
	})
	ex := New(f.rt, f.toucher, Options{Timeout: 50 * time.Millisecond}, testLogger())

	run, err := ex.Start(context.Background(), Request{Handle: f.handle, Prompt: "loop forever"})
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, run.Output())

	res := run.Wait()
	require.NotNil(t, res.Err)
	assert.Equal(t, protocol.KindExecutionTimeout, res.Err.Kind)
	assert.ErrorIs(t, res.Err, protocol.ErrExecutionTimeout)

	procs := f.rt.Processes()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Killed())

	c, ok := f.rt.Container(f.handle.RuntimeID)
	require.True(t, ok, "container is retained after timeout")
	assert.True(t, c.Running)
}

func TestCancelKillsAgent(t *testing.T) {
	f := newFixture(t, func(runtimetest.Container, runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{Block: true}
	})
	ex := New(f.rt, f.toucher, Options{}, testLogger())

	run, err := ex.Start(context.Background(), Request{Handle: f.handle, Prompt: "p"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, run.Output())
	}()

	run.Cancel()
	res := run.Wait()
	wg.Wait()

	require.NotNil(t, res.Err)
	assert.Equal(t, protocol.KindCanceled, res.Err.Kind)
}

func TestContextCancelStopsRun(t *testing.T) {
	f := newFixture(t, func(runtimetest.Container, runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{Block: true}
	})
	ex := New(f.rt, f.toucher, Options{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	run, err := ex.Start(ctx, Request{Handle: f.handle, Prompt: "p"})
	require.NoError(t, err)
	go func() { _, _ = io.Copy(io.Discard, run.Output()) }()

	cancel()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after context cancel")
	}
	assert.Equal(t, protocol.KindCanceled, run.Wait().Err.Kind)
}

func TestWriteInputReachesAgent(t *testing.T) {
	f := newFixture(t, func(runtimetest.Container, runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{
			Chunks:     []string{`{"type":"input_request","prompt":"branch?"}` + "\n"},
			AwaitInput: true,
			AfterInput: []string{`{"type":"done"}` + "\n"},
		}
	})
	ex := New(f.rt, f.toucher, Options{Interactive: true}, testLogger())

	run, err := ex.Start(context.Background(), Request{Handle: f.handle, Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, run.AcceptsInput())
	assert.True(t, f.rt.Execs()[0].Spec.Stdin)

	buf := make([]byte, 256)
	n, err := run.Output().Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "input_request")

	require.NoError(t, run.WriteInput("main"))
	rest, err := io.ReadAll(run.Output())
	require.NoError(t, err)
	assert.Contains(t, string(rest), "done")

	assert.Nil(t, run.Wait().Err)
	assert.Equal(t, "main\n", f.rt.Processes()[0].Input())
}

func TestCloneIsIdempotent(t *testing.T) {
	var clones atomic.Int32
	f := newFixture(t, func(c runtimetest.Container, spec runtime.ExecSpec) runtimetest.Script {
		if !isClone(spec) {
			return runtimetest.Script{}
		}
		if clones.Add(1) == 1 {
			return runtimetest.Script{Files: map[string]string{"README.md": "v1", "old.go": "package old"}}
		}
		return runtimetest.Script{Files: map[string]string{"README.md": "v2"}}
	})
	ex := New(f.rt, f.toucher, Options{}, testLogger())

	stale := filepath.Join(f.handle.WorkspacePath, "leftover", "notes.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	req := Request{Handle: f.handle, Prompt: "p", RepoRef: "https://github.com/acme/widgets.git"}
	for i := 0; i < 2; i++ {
		run, err := ex.Start(context.Background(), req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, run.Output())
		require.Nil(t, run.Wait().Err)
	}

	entries, err := os.ReadDir(f.handle.WorkspacePath)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"README.md"}, names)

	data, err := os.ReadFile(filepath.Join(f.handle.WorkspacePath, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	cloneSpec := f.rt.Execs()[0].Spec
	assert.Equal(t, []string{"git", "clone", "--quiet", "--", "https://github.com/acme/widgets.git", "."}, cloneSpec.Cmd)
	assert.Empty(t, cloneSpec.Env)
}

func TestCloneTokenStaysOutOfArgv(t *testing.T) {
	f := newFixture(t, nil)
	ex := New(f.rt, f.toucher, Options{SCMToken: "ghp_secret"}, testLogger())

	run, err := ex.Start(context.Background(), Request{
		Handle:  f.handle,
		Prompt:  "p",
		RepoRef: "https://github.com/acme/private.git",
	})
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, run.Output())
	run.Wait()

	cloneSpec := f.rt.Execs()[0].Spec
	assert.NotContains(t, strings.Join(cloneSpec.Cmd, " "), "ghp_secret")
	assert.Equal(t, "ghp_secret", cloneSpec.Env[tokenEnv])

	agentSpec := f.rt.Execs()[1].Spec
	assert.Empty(t, agentSpec.Env, "the agent does not receive the token")
}

func TestCloneFailureStopsBeforeAgent(t *testing.T) {
	f := newFixture(t, func(c runtimetest.Container, spec runtime.ExecSpec) runtimetest.Script {
		return runtimetest.Script{Chunks: []string{"fatal: repository not found\n"}, ExitCode: 128}
	})
	ex := New(f.rt, f.toucher, Options{}, testLogger())

	_, err := ex.Start(context.Background(), Request{
		Handle:  f.handle,
		Prompt:  "p",
		RepoRef: "https://github.com/acme/missing.git",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrRepoClone)
	assert.Contains(t, err.Error(), "repository not found")
	assert.Len(t, f.rt.Execs(), 1, "agent never started")
}

func TestRejectsOptionLikeRepoRef(t *testing.T) {
	f := newFixture(t, nil)
	ex := New(f.rt, f.toucher, Options{}, testLogger())

	_, err := ex.Start(context.Background(), Request{
		Handle:  f.handle,
		Prompt:  "p",
		RepoRef: "--upload-pack=touch /tmp/pwned",
	})
	assert.ErrorIs(t, err, protocol.ErrRepoClone)
	assert.Empty(t, f.rt.Execs())
}

func TestValidRepoRef(t *testing.T) {
	assert.True(t, ValidRepoRef("https://github.com/acme/widgets"))
	assert.True(t, ValidRepoRef("git@github.com:acme/widgets.git"))
	assert.True(t, ValidRepoRef("ssh://git@gitlab.com/acme/widgets.git"))
	assert.False(t, ValidRepoRef("file:///etc"))
	assert.False(t, ValidRepoRef("https://github.com/acme/widgets; rm -rf /"))
}
