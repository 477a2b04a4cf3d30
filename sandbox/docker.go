package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/limits"
	"github.com/isdmx/runbox/logger"
)

// execPollInterval is how often a finished exec stream is polled for its
// exit code.
const execPollInterval = 10 * time.Millisecond

// DockerRuntime implements Runtime with the Docker Engine API.
type DockerRuntime struct {
	logger *zap.Logger
	cli    *client.Client
}

// DockerRuntimeOption defines a functional option for DockerRuntime
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerClient sets the Docker API client
func WithDockerClient(cli *client.Client) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.cli = cli
	}
}

// NewDockerRuntime connects to the daemon configured by the DOCKER_*
// environment variables unless a client is supplied.
func NewDockerRuntime(log *zap.Logger, opts ...DockerRuntimeOption) (*DockerRuntime, error) {
	d := &DockerRuntime{logger: log}
	for _, opt := range opts {
		opt(d)
	}

	if d.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		d.cli = cli
	}
	return d, nil
}

// Name implements Runtime.
func (*DockerRuntime) Name() string { return "docker" }

// Ping implements Runtime.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// EnsureImage pulls img unless it is already present.
func (d *DockerRuntime) EnsureImage(ctx context.Context, img string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	d.logger.Info("pulling image", zap.String("image", img))
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	// the pull only completes once the progress stream is consumed
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	d.logger.Info("pulled image", zap.String("image", img))
	return nil
}

// Create implements Runtime.
func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, containerConfig(spec), hostConfig(spec), nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.Remove(context.WithoutCancel(ctx), resp.ID); rmErr != nil {
			d.logger.Warn("failed to remove unstarted container", zap.String(logger.KeyHandle, resp.ID), zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

func containerConfig(spec CreateSpec) *container.Config {
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelManaged] = "true"

	return &container.Config{
		Image:           spec.Image,
		Cmd:             KeepAliveCmd,
		User:            spec.User,
		WorkingDir:      spec.WorkDir,
		Labels:          labels,
		NetworkDisabled: spec.Constraints.NetworkDisabled,
		Tty:             false,
	}
}

func hostConfig(spec CreateSpec) *container.HostConfig {
	c := spec.Constraints
	pids := c.PidsLimit
	initProcess := true

	networkMode := container.NetworkMode("none")
	if !c.NetworkDisabled {
		networkMode = "bridge"
	}

	return &container.HostConfig{
		Resources: container.Resources{
			Memory:     c.MemoryBytes,
			MemorySwap: c.MemoryBytes, // no swap
			NanoCPUs:   c.NanoCPUs,
			PidsLimit:  &pids,
			Ulimits:    c.Ulimits(),
		},
		Init:        &initProcess,
		NetworkMode: networkMode,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp":       tmpfsOptions(c.TmpfsBytes, false),
			spec.WorkDir: tmpfsOptions(c.TmpfsBytes, true),
		},
	}
}

func tmpfsOptions(size int64, exec bool) string {
	mode := "noexec"
	if exec {
		mode = "exec"
	}
	return fmt.Sprintf("rw,%s,nosuid,size=%d,mode=1777", mode, size)
}

// CopyFiles streams a tar archive into dir through an exec of tar.
func (d *DockerRuntime) CopyFiles(ctx context.Context, handle, dir, user string, files []File) error {
	archive, err := BuildArchive(files)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	res, err := d.Exec(ctx, handle, ExecRequest{
		Cmd:    extractArgs(dir),
		User:   user,
		Stdin:  bytes.NewReader(archive),
		Stdout: io.Discard,
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to copy files: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to copy files: tar exited with %d: %s", res.ExitCode, stderr.String())
	}
	return nil
}

// Exec runs req inside the sandbox and blocks until it exits or ctx ends.
func (d *DockerRuntime) Exec(ctx context.Context, handle string, req ExecRequest) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          req.Cmd,
		User:         req.User,
		WorkingDir:   req.WorkDir,
		Env:          req.Env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, wrapDockerError(handle, "failed to create exec", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	go func() {
		if req.Stdin != nil {
			_, _ = io.Copy(attach.Conn, req.Stdin)
		}
		_ = attach.CloseWrite()
	}()

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil && ctx.Err() == nil {
			return ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-copied
		return ExecResult{}, ctx.Err()
	}

	return d.waitExec(ctx, created.ID)
}

func (d *DockerRuntime) waitExec(ctx context.Context, execID string) (ExecResult, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return ExecResult{ExitCode: inspect.ExitCode}, nil
		}

		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Inspect implements Runtime.
func (d *DockerRuntime) Inspect(ctx context.Context, handle string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return ContainerState{}, wrapDockerError(handle, "failed to inspect container", err)
	}
	if info.State == nil {
		return ContainerState{}, nil
	}
	return ContainerState{
		Running:   info.State.Running,
		OOMKilled: info.State.OOMKilled,
		Pid:       info.State.Pid,
	}, nil
}

// Update implements Runtime.
func (d *DockerRuntime) Update(ctx context.Context, handle string, cons limits.Constraints) error {
	if _, err := d.cli.ContainerUpdate(ctx, handle, updateConfig(cons)); err != nil {
		return wrapDockerError(handle, "failed to update container", err)
	}
	return nil
}

func updateConfig(cons limits.Constraints) container.UpdateConfig {
	pids := cons.PidsLimit
	return container.UpdateConfig{
		Resources: container.Resources{
			Memory:     cons.MemoryBytes,
			MemorySwap: cons.MemoryBytes,
			PidsLimit:  &pids,
		},
	}
}

type statsSnapshot struct {
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
	PidsStats struct {
		Current uint64 `json:"current"`
	} `json:"pids_stats"`
}

// usage mirrors the docker CLI: page cache that can be reclaimed is not
// counted against the container.
func (s statsSnapshot) usage() limits.Usage {
	mem := s.MemoryStats.Usage
	for _, key := range []string{"inactive_file", "total_inactive_file"} {
		if v, ok := s.MemoryStats.Stats[key]; ok && v < mem {
			mem -= v
			break
		}
	}
	return limits.Usage{
		MemoryBytes: int64(mem),
		Processes:   int64(s.PidsStats.Current),
	}
}

// Usage implements Runtime.
func (d *DockerRuntime) Usage(ctx context.Context, handle string) (limits.Usage, error) {
	stats, err := d.cli.ContainerStatsOneShot(ctx, handle)
	if err != nil {
		return limits.Usage{}, wrapDockerError(handle, "failed to read stats", err)
	}
	defer stats.Body.Close()

	var snap statsSnapshot
	if err := json.NewDecoder(stats.Body).Decode(&snap); err != nil {
		return limits.Usage{}, fmt.Errorf("failed to decode stats: %w", err)
	}
	return snap.usage(), nil
}

// Kill implements Runtime. Killing a stopped or missing container succeeds.
func (d *DockerRuntime) Kill(ctx context.Context, handle string) error {
	err := d.cli.ContainerKill(ctx, handle, "KILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("failed to kill container: %w", err)
}

// Remove implements Runtime. Removing a missing container succeeds.
func (d *DockerRuntime) Remove(ctx context.Context, handle string) error {
	err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("failed to remove container: %w", err)
}

// List implements Runtime.
func (d *DockerRuntime) List(ctx context.Context) ([]Managed, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]Managed, 0, len(containers))
	for _, c := range containers {
		out = append(out, Managed{Handle: c.ID, CreatedAt: createdAt(c.Labels[LabelCreated], c.Created)})
	}
	return out, nil
}

// createdAt prefers the creation label, falling back to the engine's
// timestamp.
func createdAt(label string, fallback int64) time.Time {
	if sec, err := strconv.ParseInt(label, 10, 64); err == nil {
		return time.Unix(sec, 0)
	}
	return time.Unix(fallback, 0)
}

func wrapDockerError(handle, msg string, err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %s: %w", msg, ErrNotFound, handle, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
