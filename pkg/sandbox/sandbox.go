// Package sandbox runs probe scripts against an installed package under
// time, memory and output limits.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	LanguagePython = "python"
	LanguageNode   = "node"
)

// ErrUnsupportedLanguage is returned for procedures the executor cannot run.
var ErrUnsupportedLanguage = errors.New("unsupported probe language")

// Procedure is a script to execute.
type Procedure struct {
	Name     string
	Language string
	Script   string
	// Args follow the script path on the command line.
	Args []string
}

// InstallHandle locates one installed package version.
type InstallHandle struct {
	Ecosystem string
	Package   string
	Version   string
	// Dir is the install target: a pip --target directory or an npm prefix.
	Dir string
	// Temporary installs are removed by Cleanup.
	Temporary bool
}

// Cleanup removes a temporary install.
func (h *InstallHandle) Cleanup() {
	if h == nil || !h.Temporary || h.Dir == "" {
		return
	}
	if err := os.RemoveAll(h.Dir); err != nil {
		log.Warnf("removing install %s: %v", h.Dir, err)
	}
}

// Limits bound a single run.
type Limits struct {
	Timeout        time.Duration
	MemoryBytes    int64
	CPUs           float64
	Pids           int64
	MaxOutputBytes int
}

// DefaultLimits returns the limits used when a field is left zero.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        5 * time.Second,
		MemoryBytes:    512 << 20,
		CPUs:           1,
		Pids:           128,
		MaxOutputBytes: 64 << 10,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.CPUs <= 0 {
		l.CPUs = d.CPUs
	}
	if l.Pids <= 0 {
		l.Pids = d.Pids
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	return l
}

// Result is what a run produced. Output interleaves stdout and stderr.
type Result struct {
	ExitCode  int
	Signal    string
	Output    []byte
	Truncated bool
	Duration  time.Duration
	TimedOut  bool
}

// Crashed reports whether the process died from a fatal signal.
func (r Result) Crashed() bool {
	switch r.Signal {
	case "SIGSEGV", "SIGBUS", "SIGABRT", "SIGILL", "SIGFPE":
		return true
	}
	return false
}

// Executor runs a procedure against an install. An error means the sandbox
// itself failed; a failing script is reported through Result.
type Executor interface {
	Run(ctx context.Context, proc Procedure, install InstallHandle, limits Limits) (Result, error)
}

// signalNames maps the signals a probe can plausibly die from.
var signalNames = map[int]string{
	4:  "SIGILL",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	11: "SIGSEGV",
	15: "SIGTERM",
}

// signalFromExitCode decodes the shell convention of 128+signal.
func signalFromExitCode(code int) string {
	if code <= 128 {
		return ""
	}
	if name, ok := signalNames[code-128]; ok {
		return name
	}
	return fmt.Sprintf("SIG%d", code-128)
}

// scriptName is the file name the script is written to.
func scriptName(language string) (string, error) {
	switch language {
	case LanguagePython:
		return "probe.py", nil
	case LanguageNode:
		return "probe.js", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
}
