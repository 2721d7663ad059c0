package version

import (
	log "github.com/sirupsen/logrus"
)

// Range is one affected interval. Introduced is inclusive unless
// IntroducedExclusive is set; an empty Introduced or "0" is unbounded.
// Fixed is exclusive and LastAffected inclusive; with neither the range
// is open-ended.
type Range struct {
	Introduced          string `json:"introduced,omitempty"`
	IntroducedExclusive bool   `json:"introduced_exclusive,omitempty"`
	Fixed               string `json:"fixed,omitempty"`
	LastAffected        string `json:"last_affected,omitempty"`
}

// Affected is the affected-version predicate of a vulnerability: a version
// is affected if it is listed explicitly or falls inside any range.
type Affected struct {
	Ranges   []Range  `json:"ranges,omitempty"`
	Versions []string `json:"versions,omitempty"`
}

// Known reports whether any range data is present.
func (a Affected) Known() bool {
	return len(a.Ranges) > 0 || len(a.Versions) > 0
}

// Contains reports whether v satisfies the predicate. Ranges whose bounds
// do not parse under cmp are skipped.
func (a Affected) Contains(cmp VersionComparer, v string) bool {
	for _, listed := range a.Versions {
		if listed == v || (cmp.IsValid(listed) && cmp.IsValid(v) && cmp.Equal(listed, v)) {
			return true
		}
	}
	if !cmp.IsValid(v) {
		return false
	}
	for _, r := range a.Ranges {
		in, ok := r.contains(cmp, v)
		if !ok {
			log.Debugf("skipping unparsable range %+v", r)
			continue
		}
		if in {
			return true
		}
	}
	return false
}

func (r Range) contains(cmp VersionComparer, v string) (in, ok bool) {
	if r.Introduced != "" && r.Introduced != "0" {
		if !cmp.IsValid(r.Introduced) {
			return false, false
		}
		if r.IntroducedExclusive {
			if !cmp.LessThan(r.Introduced, v) {
				return false, true
			}
		} else if cmp.LessThan(v, r.Introduced) {
			return false, true
		}
	}
	switch {
	case r.Fixed != "":
		if !cmp.IsValid(r.Fixed) {
			return false, false
		}
		return cmp.LessThan(v, r.Fixed), true
	case r.LastAffected != "":
		if !cmp.IsValid(r.LastAffected) {
			return false, false
		}
		return !cmp.LessThan(r.LastAffected, v), true
	default:
		return true, true
	}
}

// ClaimsFixed reports whether upstream metadata says newVer remediates the
// vulnerability: newVer is outside the predicate, or it reaches the fixed
// bound of a range that contains oldVer.
func (a Affected) ClaimsFixed(cmp VersionComparer, oldVer, newVer string) bool {
	if !a.Known() || !cmp.IsValid(newVer) {
		return false
	}
	if !a.Contains(cmp, newVer) {
		return true
	}
	for _, r := range a.Ranges {
		if r.Fixed == "" || !cmp.IsValid(r.Fixed) {
			continue
		}
		if in, ok := r.contains(cmp, oldVer); ok && in && !cmp.LessThan(newVer, r.Fixed) {
			return true
		}
	}
	return false
}

// FixedVersions returns the distinct fixed bounds, in range order.
func (a Affected) FixedVersions() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range a.Ranges {
		if r.Fixed != "" && !seen[r.Fixed] {
			seen[r.Fixed] = true
			out = append(out, r.Fixed)
		}
	}
	return out
}

// Specificity ranks how precisely the predicate pins affected versions.
// Higher is more specific; zero means no range data.
func (a Affected) Specificity() int {
	best := 0
	for _, r := range a.Ranges {
		rank := 1
		lower := r.Introduced != "" && r.Introduced != "0"
		switch {
		case r.Fixed != "" && lower:
			rank = 4
		case r.Fixed != "":
			rank = 3
		case r.LastAffected != "":
			rank = 2
		}
		if rank > best {
			best = rank
		}
	}
	score := best * 2
	if len(a.Versions) > 0 {
		score++
	}
	return score
}
