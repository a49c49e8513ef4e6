// Package runtime is the port to the container runtime that hosts task
// environments.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/iambrandonn/orca/internal/protocol"
)

var (
	// ErrNotFound reports that the runtime has no container with the given id.
	ErrNotFound = errors.New("runtime: container not found")
	// ErrUnavailable reports that the runtime daemon cannot be reached.
	ErrUnavailable = protocol.ErrRuntimeUnavailable
)

// Limits bound a container's resources. Both fields are mandatory.
type Limits struct {
	MemoryBytes int64
	CPUs        float64
	PidsLimit   int64
}

// CreateSpec describes a task container
type CreateSpec struct {
	Name  string
	Image string
	// Env is the full container environment. Values never appear in argv.
	Env map[string]string
	// WorkspaceHost is bind-mounted at WorkspaceMount and used as workdir.
	WorkspaceHost  string
	WorkspaceMount string
	Limits         Limits
	Network        string
	Labels         map[string]string
}

// ExecSpec describes a process to run in a container
type ExecSpec struct {
	Cmd     []string
	Env     map[string]string
	WorkDir string
	// Stdin keeps a writable stdin open for the process.
	Stdin bool
}

// Info is the runtime's view of a container
type Info struct {
	ID        string
	Name      string
	Running   bool
	CreatedAt time.Time
}

// Process is a running exec
type Process interface {
	// Output is the combined stdout and stderr, delivered as produced. It
	// reaches EOF once the process exits. Callers must drain it.
	Output() io.Reader
	// Stdin is nil unless ExecSpec.Stdin was set.
	Stdin() io.WriteCloser
	// Wait blocks until exit. A non-zero exit is reported through the code,
	// not the error.
	Wait() (exitCode int, err error)
	// Kill terminates the process inside the container.
	Kill(ctx context.Context) error
}

// Runtime manages containers on the local host
type Runtime interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, spec CreateSpec) (id string, err error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Info, error)
	Exec(ctx context.Context, id string, spec ExecSpec) (Process, error)
}
