package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/patchverify/patchverify/pkg/utils"
	log "github.com/sirupsen/logrus"
)

// ProcessExecutor runs probes as local child processes in their own
// process group.
type ProcessExecutor struct {
	// Interpreters maps a language to the command prefix that runs a script
	// file appended as the last argument.
	Interpreters map[string][]string
	// Prlimit is the prlimit binary applied to python runs; empty disables it.
	Prlimit string
	TempDir string
}

// NewProcessExecutor returns an executor using python3 and node from PATH.
func NewProcessExecutor() *ProcessExecutor {
	e := &ProcessExecutor{
		Interpreters: map[string][]string{
			LanguagePython: {"python3", "-s", "-B"},
			LanguageNode:   {"node"},
		},
	}
	if p, err := exec.LookPath("prlimit"); err == nil {
		e.Prlimit = p
	}
	return e
}

func (e *ProcessExecutor) command(proc Procedure, install InstallHandle, limits Limits, script string) ([]string, []string, error) {
	interp, ok := e.Interpreters[proc.Language]
	if !ok || len(interp) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, proc.Language)
	}
	argv := append([]string{}, interp...)
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + filepath.Dir(script),
		"LANG=C.UTF-8",
	}
	switch proc.Language {
	case LanguagePython:
		env = append(env, "PYTHONPATH="+install.Dir, "PYTHONDONTWRITEBYTECODE=1", "PYTHONFAULTHANDLER=1")
		if e.Prlimit != "" {
			argv = append([]string{e.Prlimit, "--as=" + strconv.FormatInt(limits.MemoryBytes, 10), "--"}, argv...)
		}
	case LanguageNode:
		env = append(env, "NODE_PATH="+filepath.Join(install.Dir, "node_modules"))
		// V8 reserves far more address space than it uses, so cap the heap instead.
		argv = append(argv, "--max-old-space-size="+strconv.FormatInt(limits.MemoryBytes>>20, 10))
	}
	argv = append(argv, script)
	return append(argv, proc.Args...), env, nil
}

// Run executes proc with the install on the module search path. The whole
// process group is killed when the time limit or ctx expires.
func (e *ProcessExecutor) Run(ctx context.Context, proc Procedure, install InstallHandle, limits Limits) (Result, error) {
	limits = limits.withDefaults()
	name, err := scriptName(proc.Language)
	if err != nil {
		return Result{}, err
	}
	workdir, err := os.MkdirTemp(e.TempDir, "patchverify-probe-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(workdir)

	script := filepath.Join(workdir, name)
	if err := os.WriteFile(script, []byte(proc.Script), 0o600); err != nil {
		return Result{}, err
	}
	argv, env, err := e.command(proc, install, limits, script)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	out := utils.NewLimitedBuffer(limits.MaxOutputBytes)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	res := Result{
		Output:    out.Bytes(),
		Truncated: out.Truncated(),
		Duration:  time.Since(start),
		TimedOut:  errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.Signal = exitSignal(cmd.ProcessState)
	}
	logger := log.WithFields(log.Fields{"procedure": proc.Name, "version": install.Version})

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case err == nil, errors.As(err, &exitErr), res.TimedOut:
		logger.Debugf("probe exited with code %d signal %q after %v", res.ExitCode, res.Signal, res.Duration)
		return res, nil
	default:
		return res, fmt.Errorf("starting %s: %w", argv[0], err)
	}
}
