package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/patchverify/patchverify/pkg/utils"
	log "github.com/sirupsen/logrus"
)

const (
	installMount = "/install"
	probeMount   = "/probe"
)

// dockerAPIClient is the subset of the Docker API the executor uses.
type dockerAPIClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerExecutor runs each probe in a fresh container with no network and a
// read-only root filesystem.
type DockerExecutor struct {
	cli dockerAPIClient
	// Images maps a language to the image used to run it.
	Images  map[string]string
	TempDir string
}

// NewDockerExecutor connects to the daemon configured in the environment.
func NewDockerExecutor(images map[string]string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerExecutor(cli, images), nil
}

func newDockerExecutor(cli dockerAPIClient, images map[string]string) *DockerExecutor {
	merged := map[string]string{
		LanguagePython: "python:3.12-slim",
		LanguageNode:   "node:20-slim",
	}
	for k, v := range images {
		merged[k] = v
	}
	return &DockerExecutor{cli: cli, Images: merged}
}

func containerCommand(proc Procedure, script string, limits Limits) []string {
	var argv []string
	if proc.Language == LanguageNode {
		argv = []string{"node", fmt.Sprintf("--max-old-space-size=%d", limits.MemoryBytes>>20), script}
	} else {
		argv = []string{"python3", "-s", "-B", script}
	}
	return append(argv, proc.Args...)
}

func hostConfig(installDir, probeDir string, limits Limits) *container.HostConfig {
	pids := limits.Pids
	return &container.HostConfig{
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,size=64m"},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: installDir, Target: installMount, ReadOnly: true},
			{Type: mount.TypeBind, Source: probeDir, Target: probeMount, ReadOnly: true},
		},
		Resources: container.Resources{
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes,
			NanoCPUs:   int64(limits.CPUs * 1e9),
			PidsLimit:  &pids,
		},
	}
}

// Run creates, starts and waits for a container, then collects its logs.
// The container is force-removed on every path.
func (d *DockerExecutor) Run(ctx context.Context, proc Procedure, install InstallHandle, limits Limits) (Result, error) {
	limits = limits.withDefaults()
	name, err := scriptName(proc.Language)
	if err != nil {
		return Result{}, err
	}
	img, ok := d.Images[proc.Language]
	if !ok {
		return Result{}, fmt.Errorf("%w: no image for %q", ErrUnsupportedLanguage, proc.Language)
	}

	probeDir, err := os.MkdirTemp(d.TempDir, "patchverify-probe-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(probeDir)
	if err := os.WriteFile(filepath.Join(probeDir, name), []byte(proc.Script), 0o644); err != nil {
		return Result{}, err
	}
	installDir, err := filepath.Abs(install.Dir)
	if err != nil {
		return Result{}, err
	}

	env := []string{"PYTHONPATH=" + installMount, "PYTHONDONTWRITEBYTECODE=1", "PYTHONFAULTHANDLER=1", "NODE_PATH=" + installMount + "/node_modules", "HOME=/tmp"}
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           img,
			Cmd:             containerCommand(proc, probeMount+"/"+name, limits),
			Env:             env,
			WorkingDir:      "/tmp",
			User:            "65534:65534",
			NetworkDisabled: true,
		},
		hostConfig(installDir, probeDir, limits), nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create container: %w", err)
	}
	logger := log.WithFields(log.Fields{"procedure": proc.Name, "version": install.Version, "container": shortID(resp.ID)})
	defer func() {
		// The caller's context may already be done.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			logger.Warnf("removing probe container: %v", err)
		}
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("failed to start container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()
	statusCh, errCh := d.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)

	res := Result{}
	select {
	case st := <-statusCh:
		res.ExitCode = int(st.StatusCode)
		res.Signal = signalFromExitCode(res.ExitCode)
		if st.Error != nil && st.Error.Message != "" {
			logger.Debugf("container wait reported: %s", st.Error.Message)
		}
	case err := <-errCh:
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("waiting for container: %w", err)
		}
		res.TimedOut = true
		res.ExitCode = -1
		if err := d.cli.ContainerKill(context.Background(), resp.ID, "SIGKILL"); err != nil {
			logger.Debugf("killing timed out container: %v", err)
		}
	}
	res.Duration = time.Since(start)

	out := utils.NewLimitedBuffer(limits.MaxOutputBytes)
	logs, err := d.cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		logger.Warnf("reading container logs: %v", err)
	} else {
		if _, err := stdcopy.StdCopy(out, out, logs); err != nil {
			logger.Debugf("demultiplexing container logs: %v", err)
		}
		logs.Close()
	}
	res.Output = out.Bytes()
	res.Truncated = out.Truncated()
	logger.Debugf("probe container exited with code %d after %v", res.ExitCode, res.Duration)
	return res, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
