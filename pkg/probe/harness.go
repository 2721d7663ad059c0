package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patchverify/patchverify/pkg/sandbox"
	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/utils"
	log "github.com/sirupsen/logrus"
)

const (
	maxLogPerSide = 2 << 10
	importError   = "IMPORT_ERROR"
)

// Harness runs registered procedures against both installs.
type Harness struct {
	Registry *Registry
	Executor sandbox.Executor
	// Limits apply to every run; a procedure timeout overrides Limits.Timeout.
	Limits sandbox.Limits
}

// NewHarness returns a harness over reg and exec with default limits.
func NewHarness(reg *Registry, exec sandbox.Executor) *Harness {
	return &Harness{Registry: reg, Executor: exec, Limits: sandbox.DefaultLimits()}
}

// runClass is how one run relates to the procedure's signatures.
type runClass int

const (
	runUnknown runClass = iota
	runReproduced
	runClean
)

func (c runClass) String() string {
	switch c {
	case runReproduced:
		return "reproduced"
	case runClean:
		return "not reproduced"
	default:
		return "inconclusive"
	}
}

func classify(p *Procedure, res sandbox.Result) runClass {
	if strings.Contains(string(res.Output), importError) {
		return runUnknown
	}
	if p.VulnerableSignature.Match(res) {
		return runReproduced
	}
	if res.TimedOut {
		return runUnknown
	}
	if p.PatchedSignature.empty() || p.PatchedSignature.Match(res) {
		return runClean
	}
	return runUnknown
}

func describe(side string, res sandbox.Result, class runClass, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", side, class)
	if err != nil {
		fmt.Fprintf(&b, " (error: %v)", err)
	} else {
		fmt.Fprintf(&b, " exit=%d", res.ExitCode)
		if res.Signal != "" {
			fmt.Fprintf(&b, " signal=%s", res.Signal)
		}
		if res.TimedOut {
			b.WriteString(" timed out")
		}
	}
	if out := strings.TrimSpace(string(res.Output)); out != "" {
		b.WriteString("\n")
		b.WriteString(utils.Truncate(out, maxLogPerSide))
	}
	return b.String()
}

// Probe runs the procedure registered for rec against both installs. It
// returns Absent when no procedure applies or an install is missing.
func (h *Harness) Probe(ctx context.Context, rec types.VulnerabilityRecord, oldInstall, newInstall *sandbox.InstallHandle) types.Evidence {
	if oldInstall == nil || newInstall == nil {
		return types.Absent{Kind: types.KindProbe, Reason: "package could not be installed for probing"}
	}
	proc, ok := h.Registry.Lookup(oldInstall.Ecosystem, rec)
	if !ok {
		return types.Absent{Kind: types.KindProbe, Reason: "no exercise procedure registered"}
	}

	limits := h.Limits
	if proc.Timeout > 0 {
		limits.Timeout = proc.Timeout
	}
	logger := log.WithFields(log.Fields{"vuln": rec.ID, "procedure": proc.Name})

	run := func(inst *sandbox.InstallHandle) (sandbox.Result, runClass, error) {
		res, err := h.Executor.Run(ctx, proc.sandboxProcedure(*inst), *inst, limits)
		if err != nil {
			return res, runUnknown, &types.ProbeError{VulnID: rec.ID, Err: err}
		}
		return res, classify(proc, res), nil
	}

	start := time.Now()
	oldRes, oldClass, oldErr := run(oldInstall)
	if ctx.Err() != nil {
		return types.Absent{Kind: types.KindProbe, Reason: "probe canceled"}
	}
	newRes, newClass, newErr := run(newInstall)
	if ctx.Err() != nil {
		return types.Absent{Kind: types.KindProbe, Reason: "probe canceled"}
	}
	for _, err := range []error{oldErr, newErr} {
		var pe *types.ProbeError
		if errors.As(err, &pe) {
			logger.Warnf("probe run failed: %v", pe)
		}
	}

	outcome := types.ProbeInconclusive
	switch {
	case newClass == runReproduced:
		outcome = types.ProbeVulnerable
	case oldClass == runReproduced && newClass == runClean:
		outcome = types.ProbePatched
	}
	logger.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Infof("probe outcome %s", outcome)

	return &types.ProbeEvidence{
		VulnID:    rec.ID,
		Outcome:   outcome,
		Procedure: proc.Name,
		Log:       describe("old "+oldInstall.Version, oldRes, oldClass, oldErr) + "\n" + describe("new "+newInstall.Version, newRes, newClass, newErr),
	}
}
