package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDockerAPIClientImpl struct {
	mu       sync.Mutex
	created  *container.Config
	host     *container.HostConfig
	script   []byte
	removed  []string
	killed   []string
	startErr error
	waitFunc func(ctx context.Context) (<-chan container.WaitResponse, <-chan error)
	logs     []byte
}

func (m *mockDockerAPIClientImpl) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, _ string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created, m.host = cfg, host
	for _, mt := range host.Mounts {
		if mt.Target == probeMount {
			m.script, _ = os.ReadFile(filepath.Join(mt.Source, "probe.py"))
		}
	}
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (m *mockDockerAPIClientImpl) ContainerStart(context.Context, string, container.StartOptions) error {
	return m.startErr
}

func (m *mockDockerAPIClientImpl) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return m.waitFunc(ctx)
}

func (m *mockDockerAPIClientImpl) ContainerKill(_ context.Context, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, id)
	return nil
}

func (m *mockDockerAPIClientImpl) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.logs)), nil
}

func (m *mockDockerAPIClientImpl) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.Force {
		m.removed = append(m.removed, id)
	}
	return nil
}

func exitWith(code int64) func(context.Context) (<-chan container.WaitResponse, <-chan error) {
	return func(context.Context) (<-chan container.WaitResponse, <-chan error) {
		st := make(chan container.WaitResponse, 1)
		st <- container.WaitResponse{StatusCode: code}
		return st, make(chan error)
	}
}

func blockUntilDone(ctx context.Context) (<-chan container.WaitResponse, <-chan error) {
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return make(chan container.WaitResponse), errCh
}

func muxLogs(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	require.NoError(t, err)
	return buf.Bytes()
}

var pyProc = Procedure{Name: "input_validation", Language: LanguagePython, Script: "print('hi')", Args: []string{"requests"}}

func TestDockerExecutorIsolation(t *testing.T) {
	m := &mockDockerAPIClientImpl{waitFunc: exitWith(0), logs: muxLogs(t, "out\n", "err\n")}
	d := newDockerExecutor(m, nil)
	d.TempDir = t.TempDir()
	install := InstallHandle{Package: "requests", Version: "2.31.0", Dir: t.TempDir()}

	res, err := d.Run(context.Background(), pyProc, install, Limits{MemoryBytes: 256 << 20, Pids: 64})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\nerr\n", string(res.Output))

	assert.Equal(t, "python:3.12-slim", m.created.Image)
	assert.Equal(t, []string{"python3", "-s", "-B", "/probe/probe.py", "requests"}, m.created.Cmd)
	assert.True(t, m.created.NetworkDisabled)
	assert.Contains(t, m.created.Env, "PYTHONPATH=/install")
	assert.Equal(t, []byte("print('hi')"), m.script)

	h := m.host
	assert.Equal(t, container.NetworkMode("none"), h.NetworkMode)
	assert.True(t, h.ReadonlyRootfs)
	assert.Equal(t, int64(256<<20), h.Resources.Memory)
	assert.Equal(t, int64(1e9), h.Resources.NanoCPUs)
	require.NotNil(t, h.Resources.PidsLimit)
	assert.Equal(t, int64(64), *h.Resources.PidsLimit)
	for _, mt := range h.Mounts {
		assert.True(t, mt.ReadOnly, "mount %s must be read-only", mt.Target)
	}
	assert.Equal(t, []string{"0123456789abcdef0123"}, m.removed)
}

func TestDockerExecutorCrashSignal(t *testing.T) {
	m := &mockDockerAPIClientImpl{waitFunc: exitWith(139)}
	d := newDockerExecutor(m, nil)

	res, err := d.Run(context.Background(), pyProc, InstallHandle{Dir: t.TempDir()}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "SIGSEGV", res.Signal)
	assert.True(t, res.Crashed())
}

func TestDockerExecutorTimeout(t *testing.T) {
	m := &mockDockerAPIClientImpl{waitFunc: blockUntilDone}
	d := newDockerExecutor(m, nil)

	res, err := d.Run(context.Background(), pyProc, InstallHandle{Dir: t.TempDir()}, Limits{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Len(t, m.killed, 1)
	assert.Len(t, m.removed, 1)
}

func TestDockerExecutorCanceled(t *testing.T) {
	m := &mockDockerAPIClientImpl{waitFunc: blockUntilDone}
	d := newDockerExecutor(m, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := d.Run(ctx, pyProc, InstallHandle{Dir: t.TempDir()}, Limits{Timeout: time.Minute})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, m.removed, 1, "canceled runs still reclaim the container")
}

func TestDockerExecutorStartFailureRemoves(t *testing.T) {
	m := &mockDockerAPIClientImpl{startErr: errors.New("no such image"), waitFunc: exitWith(0)}
	d := newDockerExecutor(m, nil)

	_, err := d.Run(context.Background(), pyProc, InstallHandle{Dir: t.TempDir()}, Limits{})
	require.Error(t, err)
	assert.Len(t, m.removed, 1)
}

func TestDockerExecutorUnsupportedLanguage(t *testing.T) {
	d := newDockerExecutor(&mockDockerAPIClientImpl{}, nil)
	_, err := d.Run(context.Background(), Procedure{Language: "ruby"}, InstallHandle{}, Limits{})
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestSignalFromExitCode(t *testing.T) {
	assert.Equal(t, "", signalFromExitCode(1))
	assert.Equal(t, "SIGKILL", signalFromExitCode(137))
	assert.Equal(t, "SIGABRT", signalFromExitCode(134))
	assert.Equal(t, "SIG50", signalFromExitCode(178))
}
