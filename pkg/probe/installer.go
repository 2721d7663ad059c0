package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/patchverify/patchverify/pkg/sandbox"
	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/utils"
	"github.com/patchverify/patchverify/pkg/version"
	log "github.com/sirupsen/logrus"
)

// ErrNoInstaller is returned for ecosystems that cannot be installed for probing.
var ErrNoInstaller = errors.New("no installer for ecosystem")

// Installer places one package version into a directory a probe can load
// it from.
type Installer interface {
	Install(ctx context.Context, ecosystem, pkg, ver string) (*sandbox.InstallHandle, error)
}

// CLIInstaller installs with pip --target and npm --prefix.
type CLIInstaller struct {
	Pip     []string
	NPM     []string
	TempDir string
}

// NewCLIInstaller returns an installer using python3 -m pip and npm from PATH.
func NewCLIInstaller() *CLIInstaller {
	return &CLIInstaller{
		Pip: []string{"python3", "-m", "pip"},
		NPM: []string{"npm"},
	}
}

func (c *CLIInstaller) command(ecosystem, pkg, ver, dir string) ([]string, error) {
	switch version.Canonical(ecosystem) {
	case version.PyPI:
		return append(append([]string{}, c.Pip...),
			"install", pkg+"=="+ver,
			"--target", dir,
			"--quiet", "--disable-pip-version-check", "--no-input", "--prefer-binary"), nil
	case version.NPM:
		// Install scripts are code from the package under test; never run them here.
		return append(append([]string{}, c.NPM...),
			"install", pkg+"@"+ver,
			"--prefix", dir,
			"--ignore-scripts", "--no-audit", "--no-fund", "--silent"), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoInstaller, ecosystem)
}

// Install runs the package manager into a fresh temporary directory. The
// returned handle is removed by its Cleanup.
func (c *CLIInstaller) Install(ctx context.Context, ecosystem, pkg, ver string) (*sandbox.InstallHandle, error) {
	dir, err := os.MkdirTemp(c.TempDir, "patchverify-install-")
	if err != nil {
		return nil, err
	}
	handle := &sandbox.InstallHandle{Ecosystem: ecosystem, Package: pkg, Version: ver, Dir: dir, Temporary: true}
	argv, err := c.command(ecosystem, pkg, ver, dir)
	if err != nil {
		handle.Cleanup()
		return nil, err
	}

	entry := log.WithFields(log.Fields{"package": pkg, "version": ver, "tool": argv[0]})
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		handle.Cleanup()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		handle.Cleanup()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		handle.Cleanup()
		return nil, &types.FetchError{Package: pkg, Version: ver, Err: err}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); utils.LogPipeEntry(stdout, entry, log.DebugLevel) }()
	go func() { defer wg.Done(); utils.LogPipeEntry(stderr, entry, log.InfoLevel) }()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		handle.Cleanup()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &types.FetchError{Package: pkg, Version: ver, Err: fmt.Errorf("%s install failed: %w", argv[0], err)}
	}
	entry.Debugf("installed into %s", dir)
	return handle, nil
}
