// Package risk reduces a verdict set to a scan-level score and category.
package risk

import (
	"sort"

	"github.com/patchverify/patchverify/pkg/types"
)

// Thresholds are the lower bounds, on the 0-100 score, of the medium, high
// and critical categories.
type Thresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// DefaultThresholds returns <20 low, 20-49 medium, 50-79 high, >=80 critical.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 20, High: 50, Critical: 80}
}

// Weight is the share of a vulnerability's severity that counts toward risk.
func Weight(s types.VerdictStatus) float64 {
	switch s {
	case types.Fixed:
		return 0
	case types.Unconfirmed:
		return 0.5
	default:
		return 1
	}
}

// Aggregator computes risk under a threshold policy.
type Aggregator struct {
	Thresholds Thresholds
}

// NewAggregator returns an aggregator using the default thresholds.
func NewAggregator() *Aggregator {
	return &Aggregator{Thresholds: DefaultThresholds()}
}

// Aggregate returns 100 * sum(severity*weight) / sum(severity), clamped to
// [0,100]. Verdicts are matched to records by id; a verdict without a
// record uses DefaultSeverity. The result does not depend on verdict order.
func (a *Aggregator) Aggregate(verdicts []types.Verdict, records []types.VulnerabilityRecord) (float64, types.RiskCategory) {
	if len(verdicts) == 0 {
		return 0, a.Category(0)
	}

	severity := make(map[string]float64, len(records))
	for _, r := range records {
		severity[r.ID] = effectiveSeverity(r)
	}

	// Severities are grouped by status and summed in sorted order so the
	// score is bit-identical for any permutation of verdicts.
	byStatus := map[types.VerdictStatus][]float64{}
	for _, v := range verdicts {
		s, ok := severity[v.CVEID]
		if !ok {
			s = types.DefaultSeverity
		}
		byStatus[v.Status] = append(byStatus[v.Status], s)
	}
	fixed := sortedSum(byStatus[types.Fixed])
	unconfirmed := sortedSum(byStatus[types.Unconfirmed])
	notFixed := sortedSum(byStatus[types.NotFixed])
	total := fixed + unconfirmed + notFixed
	if total <= 0 {
		return 0, a.Category(0)
	}

	contribution := notFixed*Weight(types.NotFixed) + unconfirmed*Weight(types.Unconfirmed)
	score := clamp(100 * contribution / total)
	return score, a.Category(score)
}

// Category buckets a score.
func (a *Aggregator) Category(score float64) types.RiskCategory {
	switch {
	case score >= a.Thresholds.Critical:
		return types.RiskCritical
	case score >= a.Thresholds.High:
		return types.RiskHigh
	case score >= a.Thresholds.Medium:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

func effectiveSeverity(r types.VulnerabilityRecord) float64 {
	if !r.SeverityKnown || r.Severity < 0 {
		return types.DefaultSeverity
	}
	if r.Severity > 10 {
		return 10
	}
	return r.Severity
}

func sortedSum(vals []float64) float64 {
	sort.Float64s(vals)
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
