package resolver

import (
	"slices"
	"strings"

	"github.com/patchverify/patchverify/pkg/vulndb"
)

// merged is one vulnerability assembled from every source that reported it.
type merged struct {
	rec     vulndb.RawRecord
	keys    []string
	sources []string
	sevRank int
	removed bool
}

func severityRank(r vulndb.RawRecord) int {
	switch {
	case r.SeverityKnown && r.SeverityFromScore:
		return 2
	case r.SeverityKnown:
		return 1
	default:
		return 0
	}
}

func recordKeys(r vulndb.RawRecord) []string {
	keys := []string{strings.ToUpper(r.ID)}
	for _, a := range r.Aliases {
		keys = append(keys, strings.ToUpper(a))
	}
	return keys
}

// canonicalID prefers the CVE identifier among the id and aliases.
func canonicalID(r vulndb.RawRecord) string {
	if strings.HasPrefix(strings.ToUpper(r.ID), "CVE-") {
		return strings.ToUpper(r.ID)
	}
	for _, a := range r.Aliases {
		if strings.HasPrefix(strings.ToUpper(a), "CVE-") {
			return strings.ToUpper(a)
		}
	}
	return r.ID
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

// absorb folds other into m. The more specific affected data wins; on a tie
// the earlier source is kept.
func (m *merged) absorb(other vulndb.RawRecord, otherSources []string) {
	if other.Affected.Specificity() > m.rec.Affected.Specificity() {
		m.rec.Affected = other.Affected
	}
	if rank := severityRank(other); rank > m.sevRank {
		m.rec.Severity, m.rec.SeverityKnown, m.rec.SeverityFromScore = other.Severity, other.SeverityKnown, other.SeverityFromScore
		m.sevRank = rank
	}
	if m.rec.Summary == "" {
		m.rec.Summary = other.Summary
	}
	if m.rec.Details == "" {
		m.rec.Details = other.Details
	}
	if m.rec.Published.IsZero() {
		m.rec.Published = other.Published
	}
	m.rec.Aliases = appendUnique(m.rec.Aliases, other.ID)
	m.rec.Aliases = appendUnique(m.rec.Aliases, other.Aliases...)
	m.rec.References = appendUnique(m.rec.References, other.References...)
	m.rec.Paths = appendUnique(m.rec.Paths, other.Paths...)
	m.keys = appendUnique(m.keys, recordKeys(other)...)
	m.sources = appendUnique(m.sources, otherSources...)
}

// mergeRecords merges records that share an identifier or alias, keeping
// first-discovery order. Input order is source order, then feed order.
func mergeRecords(records []vulndb.RawRecord) []*merged {
	var out []*merged
	index := map[string]int{}

	for _, r := range records {
		hits := map[int]bool{}
		for _, k := range recordKeys(r) {
			if i, ok := index[k]; ok {
				hits[i] = true
			}
		}
		if len(hits) == 0 {
			// Feeds may be shared with the cache; never write into their slices.
			r.Aliases = slices.Clone(r.Aliases)
			r.References = slices.Clone(r.References)
			r.Paths = slices.Clone(r.Paths)
			m := &merged{rec: r, keys: recordKeys(r), sources: []string{r.Source}, sevRank: severityRank(r)}
			out = append(out, m)
			for _, k := range m.keys {
				index[k] = len(out) - 1
			}
			continue
		}

		// Fold into the earliest hit; any later hits are now the same
		// vulnerability and are folded in too.
		first := -1
		for i := range hits {
			if first == -1 || i < first {
				first = i
			}
		}
		target := out[first]
		target.absorb(r, []string{r.Source})
		for i := range hits {
			if i == first {
				continue
			}
			target.absorb(out[i].rec, out[i].sources)
			out[i].removed = true
		}
		for _, k := range target.keys {
			index[k] = first
		}
	}

	kept := out[:0]
	for _, m := range out {
		if !m.removed {
			kept = append(kept, m)
		}
	}
	for _, m := range kept {
		id := canonicalID(m.rec)
		if id != m.rec.ID {
			m.rec.Aliases = appendUnique([]string{m.rec.ID}, m.rec.Aliases...)
			m.rec.ID = id
		}
		var filtered []string
		for _, a := range m.rec.Aliases {
			if !strings.EqualFold(a, id) {
				filtered = append(filtered, a)
			}
		}
		m.rec.Aliases = filtered
	}
	return kept
}
