package verdict

import "fmt"

// Policy holds the confidence assigned by each fusion rule. The numbers are
// tunable but must keep probe evidence above diff+claim evidence, and that
// above claim-only evidence.
type Policy struct {
	PatchedChangedClaimed int `yaml:"patchedChangedClaimed"`
	PatchedChanged        int `yaml:"patchedChanged"`
	Patched               int `yaml:"patched"`
	Vulnerable            int `yaml:"vulnerable"`
	ChangedClaimed        int `yaml:"changedClaimed"`
	ChangedUnclaimed      int `yaml:"changedUnclaimed"`
	UnchangedClaimed      int `yaml:"unchangedClaimed"`
	UnchangedUnclaimed    int `yaml:"unchangedUnclaimed"`
	Unclaimed             int `yaml:"unclaimed"`

	// ConflictNotFixedSeverity, when positive, turns the claimed-fixed but
	// unchanged conflict into NOT_FIXED for records at or above this severity.
	ConflictNotFixedSeverity float64 `yaml:"conflictNotFixedSeverity"`
}

// DefaultPolicy returns the reference confidence table.
func DefaultPolicy() Policy {
	return Policy{
		PatchedChangedClaimed: 100,
		PatchedChanged:        90,
		Patched:               80,
		Vulnerable:            90,
		ChangedClaimed:        65,
		ChangedUnclaimed:      60,
		UnchangedClaimed:      40,
		UnchangedUnclaimed:    60,
		Unclaimed:             55,
	}
}

// Validate checks bounds and the precedence ordering.
func (p Policy) Validate() error {
	values := map[string]int{
		"patchedChangedClaimed": p.PatchedChangedClaimed,
		"patchedChanged":        p.PatchedChanged,
		"patched":               p.Patched,
		"vulnerable":            p.Vulnerable,
		"changedClaimed":        p.ChangedClaimed,
		"changedUnclaimed":      p.ChangedUnclaimed,
		"unchangedClaimed":      p.UnchangedClaimed,
		"unchangedUnclaimed":    p.UnchangedUnclaimed,
		"unclaimed":             p.Unclaimed,
	}
	for name, v := range values {
		if v < 1 || v > 100 {
			return fmt.Errorf("confidence %s=%d out of range [1,100]", name, v)
		}
	}
	if p.PatchedChangedClaimed < p.PatchedChanged || p.PatchedChanged < p.Patched {
		return fmt.Errorf("patched confidences must not increase as diff and claim evidence drop away")
	}
	probeFloor := min(p.Patched, p.Vulnerable)
	if p.ChangedClaimed >= probeFloor || p.ChangedUnclaimed >= probeFloor || p.UnchangedUnclaimed >= probeFloor {
		return fmt.Errorf("diff-backed confidences must stay below probe-backed confidence %d", probeFloor)
	}
	diffFloor := min(p.ChangedClaimed, p.ChangedUnclaimed, p.UnchangedUnclaimed)
	if p.Unclaimed >= diffFloor || p.UnchangedClaimed >= diffFloor {
		return fmt.Errorf("claim-only confidences must stay below diff-backed confidence %d", diffFloor)
	}
	if p.ConflictNotFixedSeverity < 0 || p.ConflictNotFixedSeverity > 10 {
		return fmt.Errorf("conflictNotFixedSeverity %.1f out of range [0,10]", p.ConflictNotFixedSeverity)
	}
	return nil
}
