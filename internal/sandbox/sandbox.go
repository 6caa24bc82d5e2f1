// Package sandbox wraps the Docker SDK to provide container-based task
// execution: create a bounded sandbox per mission, attach its combined
// log stream, exec commands inside it, and tear it down cleanly.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/logger"
)

const (
	labelManaged = "missionctl.managed"
	labelMission = "missionctl.mission"

	// DefaultImage is used when CreateOptions.Image is empty.
	DefaultImage = "node:18-alpine"

	defaultMemoryBytes int64 = 1 << 30 // 1 GiB
	defaultCPUQuota    int64 = 100000  // 1 CPU (100000/100000 CFS quota/period)
	defaultPidsLimit   int64 = 100

	defaultStopGrace = 10 * time.Second
)

// Mount describes a bind mount from host into the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateOptions configures a new sandbox container.
type CreateOptions struct {
	MissionID string
	Image     string // defaults to DefaultImage
	Cmd       []string
	Env       []string
	WorkDir   string
	Mounts    []Mount
}

// Info mirrors the subset of container inspect state callers need.
type Info struct {
	ID       string
	Name     string
	Image    string
	Running  bool
	ExitCode int
	Status   string
}

// Manager wraps a Docker client to provide the sandbox lifecycle operations
// MissionDriver and Recovery depend on.
type Manager struct {
	cli *client.Client
	log *logger.Logger
}

// New creates a Manager. dockerHost may be empty to use the environment
// default (DOCKER_HOST or the local socket).
func New(dockerHost string, log *logger.Logger) (*Manager, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Manager{cli: cli, log: log}, nil
}

// Close releases the underlying Docker client connection.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// Ping checks the runtime is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// PullIfNeeded pulls imageName unless it is already present locally.
func (m *Manager) PullIfNeeded(ctx context.Context, imageName string) error {
	_, _, err := m.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	reader, err := m.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull output for %s: %w", imageName, err)
	}
	return nil
}

// Create builds, starts, and returns the container ID for a new managed
// sandbox bound to opts.MissionID. The caller is responsible for recording
// the returned ID against its own Process row.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (string, error) {
	img := opts.Image
	if img == "" {
		img = DefaultImage
	}

	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, mc := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   mc.Source,
			Target:   mc.Target,
			ReadOnly: mc.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        opts.Cmd,
		Env:        opts.Env,
		WorkingDir: opts.WorkDir,
		User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Labels: map[string]string{
			labelManaged: "true",
			labelMission: opts.MissionID,
		},
	}

	pidsLimit := defaultPidsLimit
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:    defaultMemoryBytes,
			CPUQuota:  defaultCPUQuota,
			PidsLimit: &pidsLimit,
		},
		Init: boolPtr(true),
	}

	resp, err := m.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("creating container for mission %s: %w", opts.MissionID, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("starting container %s: %w", resp.ID, err)
	}

	if m.log != nil {
		m.log.Info("sandbox: container started",
			zap.String("container_id", resp.ID),
			zap.String("mission_id", opts.MissionID),
		)
	}
	return resp.ID, nil
}

// Exec runs argv inside an existing container and returns its combined
// stdout+stderr once the exec session completes.
func (m *Manager) Exec(ctx context.Context, containerID string, argv []string) (string, int, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := m.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", -1, fmt.Errorf("creating exec in %s: %w", containerID, err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("attaching exec in %s: %w", containerID, err)
	}
	defer attach.Close()

	output, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", -1, fmt.Errorf("reading exec output from %s: %w", containerID, err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return string(output), -1, fmt.Errorf("inspecting exec in %s: %w", containerID, err)
	}
	return string(output), inspect.ExitCode, nil
}

// AttachLogs returns a follow stream of combined stdout+stderr with
// timestamps, matching Orchestrator's output-event contract so both
// producers can share the same wiring code in MissionDriver.
func (m *Manager) AttachLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	reader, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching logs for %s: %w", containerID, err)
	}
	return reader, nil
}

// Stop sends SIGTERM and waits up to grace before the daemon escalates to
// SIGKILL. grace<=0 uses the spec default of 10s.
func (m *Manager) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	if grace <= 0 {
		grace = defaultStopGrace
	}
	secs := int(grace.Seconds())
	err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil && !isIgnorable(err) {
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

// Remove deletes a container together with its anonymous volumes.
// force=true also removes a still-running container; "not found" is
// swallowed as idempotent.
func (m *Manager) Remove(ctx context.Context, containerID string, force bool) error {
	err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && !isIgnorable(err) {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

// Kill sends signal (default SIGTERM) directly, bypassing the stop grace
// period.
func (m *Manager) Kill(ctx context.Context, containerID, signal string) error {
	if signal == "" {
		signal = "SIGTERM"
	}
	err := m.cli.ContainerKill(ctx, containerID, signal)
	if err != nil && !isIgnorable(err) {
		return fmt.Errorf("killing container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns the container's current run state.
func (m *Manager) Inspect(ctx context.Context, containerID string) (Info, error) {
	data, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Info{}, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}
	name := data.Name
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return Info{
		ID:       data.ID,
		Name:     name,
		Image:    data.Config.Image,
		Running:  data.State.Running,
		ExitCode: data.State.ExitCode,
		Status:   data.State.Status,
	}, nil
}

// ListManaged returns every container carrying the managed label,
// regardless of mission.
func (m *Manager) ListManaged(ctx context.Context) ([]Info, error) {
	return m.list(ctx, map[string]string{labelManaged: "true"})
}

// ListForMission returns containers managed for a specific mission.
func (m *Manager) ListForMission(ctx context.Context, missionID string) ([]Info, error) {
	return m.list(ctx, map[string]string{labelManaged: "true", labelMission: missionID})
}

func (m *Manager) list(ctx context.Context, labels map[string]string) ([]Info, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{ID: c.ID, Name: name, Image: c.Image, Status: c.Status, Running: c.State == "running"})
	}
	return infos, nil
}

// Cleanup best-effort stops and removes every managed container, used
// during graceful shutdown.
func (m *Manager) Cleanup(ctx context.Context) {
	infos, err := m.ListManaged(ctx)
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).Warn("sandbox: cleanup list failed")
		}
		return
	}
	for _, info := range infos {
		if err := m.Stop(ctx, info.ID, 5*time.Second); err != nil && m.log != nil {
			m.log.WithError(err).Warn("sandbox: cleanup stop failed", zap.String("container_id", info.ID))
		}
		if err := m.Remove(ctx, info.ID, true); err != nil && m.log != nil {
			m.log.WithError(err).Warn("sandbox: cleanup remove failed", zap.String("container_id", info.ID))
		}
	}
}

// isIgnorable reports whether err is a "not found" failure, which is
// swallowed as idempotent. A stop of an already-stopped container needs no
// case here: the daemon answers it with 304, which the client does not
// return as an error.
func isIgnorable(err error) bool {
	if err == nil {
		return false
	}
	return client.IsErrNotFound(err)
}

func boolPtr(b bool) *bool { return &b }
