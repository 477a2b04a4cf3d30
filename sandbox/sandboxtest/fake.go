// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
//
// Commands are matched against registered Programs by substring of the joined
// command line. A Program runs in its own goroutine and sees the container's
// files, its stdio and a channel closed when the container is killed, so tests
// can script cooperative and hostile behaviour alike.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/isdmx/runbox/limits"
	"github.com/isdmx/runbox/sandbox"
)

// ExitKilled is the exit status reported for a process killed with SIGKILL.
const ExitKilled = 137

// Program simulates a command. It returns the exit code.
type Program func(ctx context.Context, p *Process) int

// Process is the view a Program has of its execution.
type Process struct {
	Container *Container
	Request   sandbox.ExecRequest
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	Killed    <-chan struct{}
}

// Container is a fake sandbox.
type Container struct {
	Handle    string
	Spec      sandbox.CreateSpec
	CreatedAt time.Time

	mu        sync.Mutex
	files     map[string][]byte
	running   bool
	removed   bool
	oomKilled bool
	usage     limits.Usage
	current   limits.Constraints
	killed    chan struct{}
	killOnce  sync.Once
}

// File returns the content at the absolute path name.
func (c *Container) File(name string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[name]
	return data, ok
}

// WriteFile stores a file in the container filesystem.
func (c *Container) WriteFile(name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[name] = append([]byte(nil), data...)
}

// FileNames returns the sorted paths present in the container.
func (c *Container) FileNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.files))
	for name := range c.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetUsage sets what Usage reports for the container.
func (c *Container) SetUsage(u limits.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = u
}

// SetOOMKilled marks the container as having hit its memory limit.
func (c *Container) SetOOMKilled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.oomKilled = true
}

// Running reports whether the container is alive.
func (c *Container) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Removed reports whether the container was removed.
func (c *Container) Removed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Constraints returns the ceilings currently applied to the container.
func (c *Container) Constraints() limits.Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Stop makes the container exit without a kill, as a crashed init would.
func (c *Container) Stop() {
	c.kill()
}

func (c *Container) kill() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.killOnce.Do(func() { close(c.killed) })
}

type programEntry struct {
	match string
	prog  Program
}

// Runtime is an in-memory sandbox.Runtime.
type Runtime struct {
	mu          sync.Mutex
	seq         int
	containers  map[string]*Container
	history     []*Container
	programs    []programEntry
	execs       []string
	failCreates int
	createErr   error
	createDelay time.Duration
	pingErr     error
	usageErr    error
	execErr     error
	updateErr   error
	updates     int
	pulled      []string
	kills       int
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{containers: make(map[string]*Container)}
}

var _ sandbox.Runtime = (*Runtime)(nil)

// Handle registers prog for commands containing match. Longer matches win.
func (r *Runtime) Handle(match string, prog Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs = append(r.programs, programEntry{match: match, prog: prog})
	sort.SliceStable(r.programs, func(i, j int) bool {
		return len(r.programs[i].match) > len(r.programs[j].match)
	})
}

// FailCreates makes the next n Create calls fail with err.
func (r *Runtime) FailCreates(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCreates = n
	r.createErr = err
}

// SetCreateDelay slows every Create down by d.
func (r *Runtime) SetCreateDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createDelay = d
}

// SetPingError makes Ping fail.
func (r *Runtime) SetPingError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingErr = err
}

// SetUsageError makes Usage fail.
func (r *Runtime) SetUsageError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usageErr = err
}

// SetExecError makes every Exec fail with err. A nil err restores normal
// behaviour.
func (r *Runtime) SetExecError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execErr = err
}

// SetUpdateError makes every Update fail with err.
func (r *Runtime) SetUpdateError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr = err
}

// Updates returns how many Update calls were made.
func (r *Runtime) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// Container returns a container by handle, including removed ones.
func (r *Runtime) Container(handle string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.history {
		if c.Handle == handle {
			return c, true
		}
	}
	return nil, false
}

// Created returns every container ever created, in order.
func (r *Runtime) Created() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Container(nil), r.history...)
}

// Live returns the number of containers not yet removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Execs returns the joined command lines of every exec, in order.
func (r *Runtime) Execs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.execs...)
}

// Kills returns the number of Kill calls.
func (r *Runtime) Kills() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kills
}

// Pulled returns the images passed to EnsureImage.
func (r *Runtime) Pulled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pulled...)
}

// AddLeftover registers a labelled container the pool does not know about.
func (r *Runtime) AddLeftover(createdAt time.Time) string {
	c := r.newContainer(sandbox.CreateSpec{
		Labels: map[string]string{sandbox.LabelCreated: strconv.FormatInt(createdAt.Unix(), 10)},
	})
	c.CreatedAt = createdAt
	return c.Handle
}

func (r *Runtime) newContainer(spec sandbox.CreateSpec) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	c := &Container{
		Handle:    fmt.Sprintf("fake-%04d", r.seq),
		Spec:      spec,
		CreatedAt: time.Now(),
		files:     make(map[string][]byte),
		running:   true,
		current:   spec.Constraints,
		killed:    make(chan struct{}),
	}
	r.containers[c.Handle] = c
	r.history = append(r.history, c)
	return c
}

func (r *Runtime) lookup(handle string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, handle)
	}
	return c, nil
}

// Name implements sandbox.Runtime.
func (*Runtime) Name() string { return "fake" }

// Ping implements sandbox.Runtime.
func (r *Runtime) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

// EnsureImage implements sandbox.Runtime.
func (r *Runtime) EnsureImage(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulled = append(r.pulled, image)
	return nil
}

// Create implements sandbox.Runtime.
func (r *Runtime) Create(ctx context.Context, spec sandbox.CreateSpec) (string, error) {
	r.mu.Lock()
	delay := r.createDelay
	var err error
	if r.failCreates > 0 {
		r.failCreates--
		err = r.createErr
		if err == nil {
			err = fmt.Errorf("fake create failure")
		}
	}
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return r.newContainer(spec).Handle, nil
}

// CopyFiles implements sandbox.Runtime.
func (r *Runtime) CopyFiles(ctx context.Context, handle, dir, _ string, files []sandbox.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := r.lookup(handle)
	if err != nil {
		return err
	}
	if !c.Running() {
		return fmt.Errorf("container %s is not running", handle)
	}
	if _, err := sandbox.BuildArchive(files); err != nil {
		return err
	}
	for _, f := range files {
		c.WriteFile(path.Join(dir, f.Name), f.Content)
	}
	return nil
}

// Exec implements sandbox.Runtime.
func (r *Runtime) Exec(ctx context.Context, handle string, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	c, err := r.lookup(handle)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	if !c.Running() {
		return sandbox.ExecResult{}, fmt.Errorf("container %s is not running", handle)
	}

	line := strings.Join(req.Cmd, " ")
	r.mu.Lock()
	r.execs = append(r.execs, line)
	if r.execErr != nil {
		err := r.execErr
		r.mu.Unlock()
		return sandbox.ExecResult{}, err
	}
	var prog Program
	for _, e := range r.programs {
		if strings.Contains(line, e.match) {
			prog = e.prog
			break
		}
	}
	r.mu.Unlock()

	if prog == nil {
		return sandbox.ExecResult{ExitCode: 0}, nil
	}

	stdin := req.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	proc := &Process{
		Container: c,
		Request:   req,
		Stdin:     stdin,
		Stdout:    stdout,
		Stderr:    stderr,
		Killed:    c.killed,
	}

	done := make(chan int, 1)
	go func() { done <- prog(ctx, proc) }()

	select {
	case code := <-done:
		return sandbox.ExecResult{ExitCode: code}, nil
	case <-c.killed:
		return sandbox.ExecResult{ExitCode: ExitKilled}, nil
	case <-ctx.Done():
		return sandbox.ExecResult{}, ctx.Err()
	}
}

// Inspect implements sandbox.Runtime.
func (r *Runtime) Inspect(_ context.Context, handle string) (sandbox.ContainerState, error) {
	c, err := r.lookup(handle)
	if err != nil {
		return sandbox.ContainerState{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return sandbox.ContainerState{Running: c.running, OOMKilled: c.oomKilled, Pid: 1}, nil
}

// Update implements sandbox.Runtime.
func (r *Runtime) Update(_ context.Context, handle string, cons limits.Constraints) error {
	r.mu.Lock()
	updateErr := r.updateErr
	r.updates++
	r.mu.Unlock()
	if updateErr != nil {
		return updateErr
	}

	c, err := r.lookup(handle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = cons
	return nil
}

// Usage implements sandbox.Runtime.
func (r *Runtime) Usage(_ context.Context, handle string) (limits.Usage, error) {
	r.mu.Lock()
	usageErr := r.usageErr
	r.mu.Unlock()
	if usageErr != nil {
		return limits.Usage{}, usageErr
	}

	c, err := r.lookup(handle)
	if err != nil {
		return limits.Usage{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage, nil
}

// Kill implements sandbox.Runtime.
func (r *Runtime) Kill(_ context.Context, handle string) error {
	r.mu.Lock()
	r.kills++
	r.mu.Unlock()

	c, err := r.lookup(handle)
	if err != nil {
		return nil
	}
	c.kill()
	return nil
}

// Remove implements sandbox.Runtime.
func (r *Runtime) Remove(_ context.Context, handle string) error {
	r.mu.Lock()
	c, ok := r.containers[handle]
	delete(r.containers, handle)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	c.kill()
	c.mu.Lock()
	c.removed = true
	c.mu.Unlock()
	return nil
}

// List implements sandbox.Runtime.
func (r *Runtime) List(context.Context) ([]sandbox.Managed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sandbox.Managed, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, sandbox.Managed{Handle: c.Handle, CreatedAt: c.CreatedAt})
	}
	return out, nil
}
