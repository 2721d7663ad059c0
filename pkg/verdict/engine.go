// Package verdict fuses diff, probe and range-claim evidence into one
// verdict per vulnerability.
package verdict

import (
	"fmt"

	"github.com/patchverify/patchverify/pkg/types"
	log "github.com/sirupsen/logrus"
)

type probeState int

const (
	probeWeak probeState = iota // inconclusive or absent
	probePatched
	probeVulnerable
)

type diffState int

const (
	diffAbsent diffState = iota
	diffChanged
	diffUnchanged
)

// inputs is the normalized view of one vulnerability's evidence.
type inputs struct {
	probe   probeState
	diff    diffState
	claimed bool
}

type rule struct {
	id         string
	match      func(in inputs) bool
	status     types.VerdictStatus
	confidence func(p Policy) int
	sources    func(in inputs) []types.EvidenceSource
}

func tags(t ...types.EvidenceSource) func(inputs) []types.EvidenceSource {
	return func(inputs) []types.EvidenceSource { return t }
}

// probeTags lists the probe plus whichever diff evidence backed it.
func probeTags(claimUsed bool) func(inputs) []types.EvidenceSource {
	return func(in inputs) []types.EvidenceSource {
		out := []types.EvidenceSource{types.SourceProbe}
		if in.diff != diffAbsent {
			out = append(out, types.SourceDiff)
		}
		if claimUsed {
			out = append(out, types.SourceRange)
		}
		return out
	}
}

// rules is evaluated top to bottom; the first match wins.
var rules = []rule{
	{
		id:         "patched/changed/claimed",
		match:      func(in inputs) bool { return in.probe == probePatched && in.diff == diffChanged && in.claimed },
		status:     types.Fixed,
		confidence: func(p Policy) int { return p.PatchedChangedClaimed },
		sources:    probeTags(true),
	},
	{
		id:         "patched/changed",
		match:      func(in inputs) bool { return in.probe == probePatched && in.diff == diffChanged },
		status:     types.Fixed,
		confidence: func(p Policy) int { return p.PatchedChanged },
		sources:    probeTags(false),
	},
	{
		id:         "patched",
		match:      func(in inputs) bool { return in.probe == probePatched },
		status:     types.Fixed,
		confidence: func(p Policy) int { return p.Patched },
		sources:    probeTags(false),
	},
	{
		id:         "vulnerable",
		match:      func(in inputs) bool { return in.probe == probeVulnerable },
		status:     types.NotFixed,
		confidence: func(p Policy) int { return p.Vulnerable },
		sources:    probeTags(false),
	},
	{
		id:         "changed/claimed",
		match:      func(in inputs) bool { return in.diff == diffChanged && in.claimed },
		status:     types.Fixed,
		confidence: func(p Policy) int { return p.ChangedClaimed },
		sources:    tags(types.SourceDiff, types.SourceRange),
	},
	{
		id:         "changed/unclaimed",
		match:      func(in inputs) bool { return in.diff == diffChanged },
		status:     types.NotFixed,
		confidence: func(p Policy) int { return p.ChangedUnclaimed },
		sources:    tags(types.SourceDiff, types.SourceRange),
	},
	{
		// Claimed fixed without any relevant code change. Never trusted.
		id:         "unchanged/claimed",
		match:      func(in inputs) bool { return in.diff == diffUnchanged && in.claimed },
		status:     types.Unconfirmed,
		confidence: func(p Policy) int { return p.UnchangedClaimed },
		sources:    tags(types.SourceDiff, types.SourceRange),
	},
	{
		id:         "unchanged/unclaimed",
		match:      func(in inputs) bool { return in.diff == diffUnchanged },
		status:     types.NotFixed,
		confidence: func(p Policy) int { return p.UnchangedUnclaimed },
		sources:    tags(types.SourceDiff, types.SourceRange),
	},
	{
		id:         "unclaimed",
		match:      func(in inputs) bool { return !in.claimed },
		status:     types.NotFixed,
		confidence: func(p Policy) int { return p.Unclaimed },
		sources:    tags(types.SourceRange),
	},
	{
		id:         "no-evidence",
		match:      func(inputs) bool { return true },
		status:     types.Unconfirmed,
		confidence: func(Policy) int { return 0 },
		sources:    tags(),
	},
}

const ruleMalformed = "malformed"

// Engine applies the fusion rules under a confidence policy.
type Engine struct {
	Policy Policy
}

// NewEngine returns an engine using p.
func NewEngine(p Policy) *Engine {
	return &Engine{Policy: p}
}

// Fuse returns the verdict for rec. diff must be Absent or *FileDiffEvidence
// and probe must be Absent or *ProbeEvidence; anything else yields
// UNCONFIRMED with zero confidence.
func (e *Engine) Fuse(rec types.VulnerabilityRecord, diff, probe types.Evidence) types.Verdict {
	in, notes, err := normalize(rec, diff, probe)
	if err != nil {
		log.WithField("vuln", rec.ID).Warnf("malformed evidence: %v", err)
		return types.Verdict{
			CVEID:           rec.ID,
			Status:          types.Unconfirmed,
			Confidence:      0,
			EvidenceSources: []types.EvidenceSource{},
			Rule:            ruleMalformed,
			Notes:           []string{err.Error()},
		}
	}

	for _, r := range rules {
		if !r.match(in) {
			continue
		}
		v := types.Verdict{
			CVEID:           rec.ID,
			Status:          r.status,
			Confidence:      r.confidence(e.Policy),
			EvidenceSources: append([]types.EvidenceSource{}, r.sources(in)...),
			Rule:            r.id,
			Notes:           notes,
		}
		if v.Confidence == 0 {
			v.EvidenceSources = []types.EvidenceSource{}
		}
		if r.id == "unchanged/claimed" {
			v.Notes = append(v.Notes, "claimed fixed but no relevant file changed")
			if t := e.Policy.ConflictNotFixedSeverity; t > 0 && rec.Severity >= t {
				v.Status = types.NotFixed
				v.Rule = "unchanged/claimed/severity"
			}
		}
		return v
	}
	// The last rule matches everything.
	panic("verdict: rule table is not exhaustive")
}

func normalize(rec types.VulnerabilityRecord, diff, probe types.Evidence) (inputs, []string, error) {
	in := inputs{claimed: rec.ClaimedFixed}
	var notes []string
	if !rec.RangeKnown {
		notes = append(notes, "no affected-range data from upstream")
	}

	switch d := diff.(type) {
	case types.Absent:
		if d.Kind != types.KindDiff {
			return in, nil, fmt.Errorf("diff slot holds absent %s evidence", d.Kind)
		}
		in.diff = diffAbsent
		if d.Reason != "" {
			notes = append(notes, "diff absent: "+d.Reason)
		}
	case *types.FileDiffEvidence:
		if d == nil {
			return in, nil, fmt.Errorf("nil diff evidence")
		}
		if d.VulnID != "" && d.VulnID != rec.ID {
			return in, nil, fmt.Errorf("diff evidence for %s attached to %s", d.VulnID, rec.ID)
		}
		in.diff = diffUnchanged
		if d.Changed {
			in.diff = diffChanged
		}
		if d.Fallback {
			notes = append(notes, "no file association known; all changed files treated as relevant")
		}
	case nil:
		return in, nil, fmt.Errorf("missing diff evidence")
	default:
		return in, nil, fmt.Errorf("unexpected %T in diff slot", diff)
	}

	switch p := probe.(type) {
	case types.Absent:
		if p.Kind != types.KindProbe {
			return in, nil, fmt.Errorf("probe slot holds absent %s evidence", p.Kind)
		}
		in.probe = probeWeak
		if p.Reason != "" {
			notes = append(notes, "probe absent: "+p.Reason)
		}
	case *types.ProbeEvidence:
		if p == nil {
			return in, nil, fmt.Errorf("nil probe evidence")
		}
		if p.VulnID != "" && p.VulnID != rec.ID {
			return in, nil, fmt.Errorf("probe evidence for %s attached to %s", p.VulnID, rec.ID)
		}
		switch p.Outcome {
		case types.ProbePatched:
			in.probe = probePatched
		case types.ProbeVulnerable:
			in.probe = probeVulnerable
		case types.ProbeInconclusive:
			in.probe = probeWeak
			notes = append(notes, "probe inconclusive")
		default:
			return in, nil, fmt.Errorf("unknown probe outcome %q", p.Outcome)
		}
	case nil:
		return in, nil, fmt.Errorf("missing probe evidence")
	default:
		return in, nil, fmt.Errorf("unexpected %T in probe slot", probe)
	}
	return in, notes, nil
}
