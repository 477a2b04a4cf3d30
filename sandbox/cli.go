package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/limits"
)

// CLIRuntime implements Runtime by shelling out to a docker-compatible
// binary such as docker or podman.
type CLIRuntime struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCLICommandRunner sets the CommandRunner for CLIRuntime
func WithCLICommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(c *CLIRuntime) {
		c.cmdRunner = cmdRunner
	}
}

// NewCLIRuntime creates a runtime driving binary.
func NewCLIRuntime(log *zap.Logger, binary string, opts ...CLIRuntimeOption) *CLIRuntime {
	c := &CLIRuntime{
		logger:    log,
		binary:    binary,
		cmdRunner: &RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Runtime.
func (c *CLIRuntime) Name() string { return c.binary }

func (c *CLIRuntime) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	stdout, stderr, exitCode, err := runCaptured(ctx, c.cmdRunner, stdin, append([]string{c.binary}, args...)...)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", c.binary, args[0], err)
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if isNoSuchContainer(msg) {
			return "", fmt.Errorf("%s %s: %w: %s", c.binary, args[0], ErrNotFound, msg)
		}
		return "", fmt.Errorf("%s %s exited with %d: %s", c.binary, args[0], exitCode, msg)
	}
	return strings.TrimSpace(stdout), nil
}

func isNoSuchContainer(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no such container") || strings.Contains(lower, "no such object") ||
		strings.Contains(lower, "no container with name or id")
}

// Ping implements Runtime.
func (c *CLIRuntime) Ping(ctx context.Context) error {
	if _, err := c.run(ctx, nil, "version"); err != nil {
		return fmt.Errorf("container engine unreachable: %w", err)
	}
	return nil
}

// EnsureImage implements Runtime.
func (c *CLIRuntime) EnsureImage(ctx context.Context, img string) error {
	if _, err := c.run(ctx, nil, "image", "inspect", img); err == nil {
		return nil
	}
	c.logger.Info("pulling image", zap.String("image", img), zap.String("binary", c.binary))
	if _, err := c.run(ctx, nil, "pull", img); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	return nil
}

// Create implements Runtime.
func (c *CLIRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	id, err := c.run(ctx, nil, createArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return id, nil
}

func createArgs(spec CreateSpec) []string {
	cons := spec.Constraints
	args := []string{
		"run", "-d",
		"--init",
		"--label", LabelManaged + "=true",
		"--memory", fmt.Sprintf("%db", cons.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%db", cons.MemoryBytes),
		"--cpus", strconv.FormatFloat(float64(cons.NanoCPUs)/1e9, 'f', -1, 64),
		"--pids-limit", strconv.FormatInt(cons.PidsLimit, 10),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", spec.User,
		"--workdir", spec.WorkDir,
		"--tmpfs", "/tmp:" + tmpfsOptions(cons.TmpfsBytes, false),
		"--tmpfs", spec.WorkDir + ":" + tmpfsOptions(cons.TmpfsBytes, true),
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if cons.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	for _, u := range cons.Ulimits() {
		args = append(args, "--ulimit", u.String())
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	args = append(args, spec.Image)
	return append(args, KeepAliveCmd...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CopyFiles implements Runtime.
func (c *CLIRuntime) CopyFiles(ctx context.Context, handle, dir, user string, files []File) error {
	archive, err := BuildArchive(files)
	if err != nil {
		return err
	}

	args := append([]string{"exec", "-i", "--user", user, handle}, extractArgs(dir)...)
	if _, err := c.run(ctx, bytes.NewReader(archive), args...); err != nil {
		return fmt.Errorf("failed to copy files: %w", err)
	}
	return nil
}

// Exec implements Runtime. The exit code of the exec client is the exit code
// of the command.
func (c *CLIRuntime) Exec(ctx context.Context, handle string, req ExecRequest) (ExecResult, error) {
	args := []string{c.binary, "exec", "-i"}
	if req.User != "" {
		args = append(args, "--user", req.User)
	}
	if req.WorkDir != "" {
		args = append(args, "--workdir", req.WorkDir)
	}
	for _, e := range req.Env {
		args = append(args, "--env", e)
	}
	args = append(args, handle)
	args = append(args, req.Cmd...)

	stdin := req.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	exitCode, err := c.cmdRunner.RunCommand(ctx, Command{
		Args:   args,
		Stdin:  stdin,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
		return ExecResult{}, fmt.Errorf("%s exec: %w", c.binary, err)
	}
	return ExecResult{ExitCode: exitCode}, nil
}

// Inspect implements Runtime.
func (c *CLIRuntime) Inspect(ctx context.Context, handle string) (ContainerState, error) {
	out, err := c.run(ctx, nil, "inspect", "--format", "{{.State.Running}} {{.State.OOMKilled}} {{.State.Pid}}", handle)
	if err != nil {
		return ContainerState{}, err
	}
	return parseState(out)
}

func parseState(out string) (ContainerState, error) {
	fields := strings.Fields(out)
	if len(fields) != 3 {
		return ContainerState{}, fmt.Errorf("unexpected inspect output %q", out)
	}
	running, err := strconv.ParseBool(fields[0])
	if err != nil {
		return ContainerState{}, fmt.Errorf("unexpected inspect output %q: %w", out, err)
	}
	oom, err := strconv.ParseBool(fields[1])
	if err != nil {
		return ContainerState{}, fmt.Errorf("unexpected inspect output %q: %w", out, err)
	}
	pid, err := strconv.Atoi(fields[2])
	if err != nil {
		return ContainerState{}, fmt.Errorf("unexpected inspect output %q: %w", out, err)
	}
	return ContainerState{Running: running, OOMKilled: oom, Pid: pid}, nil
}

// Update implements Runtime.
func (c *CLIRuntime) Update(ctx context.Context, handle string, cons limits.Constraints) error {
	_, err := c.run(ctx, nil, "update",
		"--memory", fmt.Sprintf("%db", cons.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%db", cons.MemoryBytes),
		"--pids-limit", strconv.FormatInt(cons.PidsLimit, 10),
		handle)
	if err != nil {
		return fmt.Errorf("failed to update container: %w", err)
	}
	return nil
}

// Usage implements Runtime.
func (c *CLIRuntime) Usage(ctx context.Context, handle string) (limits.Usage, error) {
	out, err := c.run(ctx, nil, "stats", "--no-stream", "--format", "{{.MemUsage}}|{{.PIDs}}", handle)
	if err != nil {
		return limits.Usage{}, err
	}
	return parseStats(out)
}

// parseStats reads "12.5MiB / 128MiB|3".
func parseStats(out string) (limits.Usage, error) {
	mem, pids, ok := strings.Cut(strings.TrimSpace(out), "|")
	if !ok {
		return limits.Usage{}, fmt.Errorf("unexpected stats output %q", out)
	}
	used, _, _ := strings.Cut(mem, "/")
	memBytes, err := units.RAMInBytes(strings.TrimSpace(used))
	if err != nil {
		return limits.Usage{}, fmt.Errorf("unexpected memory usage %q: %w", used, err)
	}
	procs, err := strconv.ParseInt(strings.TrimSpace(pids), 10, 64)
	if err != nil {
		return limits.Usage{}, fmt.Errorf("unexpected pid count %q: %w", pids, err)
	}
	return limits.Usage{MemoryBytes: memBytes, Processes: procs}, nil
}

// Kill implements Runtime.
func (c *CLIRuntime) Kill(ctx context.Context, handle string) error {
	_, err := c.run(ctx, nil, "kill", "--signal", "KILL", handle)
	if err == nil || isGone(err) {
		return nil
	}
	return err
}

// isGone matches errors for containers that are missing or already stopped.
func isGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, ErrNotFound.Error()) || strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "container state improper")
}

// Remove implements Runtime.
func (c *CLIRuntime) Remove(ctx context.Context, handle string) error {
	_, err := c.run(ctx, nil, "rm", "-f", "-v", handle)
	if err == nil || isGone(err) {
		return nil
	}
	return err
}

// List implements Runtime.
func (c *CLIRuntime) List(ctx context.Context) ([]Managed, error) {
	ids, err := c.run(ctx, nil, "ps", "-a", "-q", "--no-trunc", "--filter", "label="+LabelManaged+"=true")
	if err != nil {
		return nil, err
	}
	if ids == "" {
		return nil, nil
	}

	args := append([]string{"inspect", "--format", `{{.Id}} {{index .Config.Labels "` + LabelCreated + `"}}`}, strings.Fields(ids)...)
	out, err := c.run(ctx, nil, args...)
	if err != nil {
		return nil, err
	}
	return parseManaged(out), nil
}

func parseManaged(out string) []Managed {
	var managed []Managed
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		m := Managed{Handle: fields[0]}
		if len(fields) > 1 {
			if sec, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				m.CreatedAt = time.Unix(sec, 0)
			}
		}
		managed = append(managed, m)
	}
	return managed
}
