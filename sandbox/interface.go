package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/isdmx/runbox/limits"
)

// Errors returned by runtimes and the pool.
var (
	// ErrProvision wraps any failure to bring up a fresh sandbox.
	ErrProvision = errors.New("sandbox provision failed")
	// ErrNotFound is returned when the runtime no longer knows a handle.
	ErrNotFound = errors.New("sandbox not found")
	// ErrClosed is returned by Acquire after Drain.
	ErrClosed = errors.New("sandbox pool is closed")
)

// Container labels applied to every sandbox.
const (
	LabelManaged  = "runbox.managed"
	LabelCreated  = "runbox.created"
	LabelLanguage = "runbox.language"
	LabelInstance = "runbox.instance"
)

// KeepAliveCmd holds the sandbox open between exec calls.
var KeepAliveCmd = []string{"sleep", "infinity"}

// CreateSpec describes a sandbox to create.
type CreateSpec struct {
	Name        string
	Image       string
	WorkDir     string
	User        string
	Constraints limits.Constraints
	Labels      map[string]string
}

// File is a file materialized into the sandbox working directory.
type File struct {
	Name    string
	Content []byte
	Mode    int64
}

// ExecRequest is one command run inside a sandbox.
type ExecRequest struct {
	Cmd     []string
	WorkDir string
	User    string
	Env     []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExecResult is the outcome of an exec.
type ExecResult struct {
	ExitCode int
}

// ContainerState is the runtime's view of a sandbox.
type ContainerState struct {
	Running   bool
	OOMKilled bool
	Pid       int
}

// Managed is a labelled sandbox reported by the runtime.
type Managed struct {
	Handle    string
	CreatedAt time.Time
}

// Runtime is a container engine capable of hosting sandboxes.
type Runtime interface {
	Name() string
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, image string) error
	// Create creates and starts a sandbox running KeepAliveCmd.
	Create(ctx context.Context, spec CreateSpec) (handle string, err error)
	CopyFiles(ctx context.Context, handle, dir, user string, files []File) error
	Exec(ctx context.Context, handle string, req ExecRequest) (ExecResult, error)
	Inspect(ctx context.Context, handle string) (ContainerState, error)
	// Update changes the memory and pids ceilings of a running sandbox.
	Update(ctx context.Context, handle string, cons limits.Constraints) error
	Usage(ctx context.Context, handle string) (limits.Usage, error)
	Kill(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
	List(ctx context.Context) ([]Managed, error)
}

// Command is an external process invocation.
type Command struct {
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command, streaming its stdio
func (RealCommandRunner) RunCommand(ctx context.Context, c Command) (int, error) {
	if len(c.Args) < 1 {
		return 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) && ctx.Err() == nil {
			return exitError.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// runCaptured runs args and collects stdout and stderr.
func runCaptured(ctx context.Context, r CommandRunner, stdin io.Reader, args ...string) (stdout, stderr string, exitCode int, err error) {
	var outBuf, errBuf bytes.Buffer
	exitCode, err = r.RunCommand(ctx, Command{Args: args, Stdin: stdin, Stdout: &outBuf, Stderr: &errBuf})
	return outBuf.String(), errBuf.String(), exitCode, err
}
