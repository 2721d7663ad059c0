package risk

import (
	"math"
	"math/rand"
	"testing"

	"github.com/patchverify/patchverify/pkg/types"
	"github.com/stretchr/testify/assert"
)

func rec(id string, sev float64) types.VulnerabilityRecord {
	return types.VulnerabilityRecord{ID: id, Severity: sev, SeverityKnown: true}
}

func verdict(id string, s types.VerdictStatus) types.Verdict {
	return types.Verdict{CVEID: id, Status: s}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name      string
		verdicts  []types.Verdict
		records   []types.VulnerabilityRecord
		wantScore float64
		wantCat   types.RiskCategory
	}{
		{
			name:      "no vulnerabilities",
			wantScore: 0,
			wantCat:   types.RiskLow,
		},
		{
			name:      "fixed and conflict",
			verdicts:  []types.Verdict{verdict("A", types.Fixed), verdict("B", types.Unconfirmed)},
			records:   []types.VulnerabilityRecord{rec("A", 7), rec("B", 3)},
			wantScore: 15,
			wantCat:   types.RiskLow,
		},
		{
			name:      "all not fixed",
			verdicts:  []types.Verdict{verdict("A", types.NotFixed), verdict("B", types.NotFixed)},
			records:   []types.VulnerabilityRecord{rec("A", 7), rec("B", 3)},
			wantScore: 100,
			wantCat:   types.RiskCritical,
		},
		{
			name:      "all fixed",
			verdicts:  []types.Verdict{verdict("A", types.Fixed)},
			records:   []types.VulnerabilityRecord{rec("A", 9.8)},
			wantScore: 0,
			wantCat:   types.RiskLow,
		},
		{
			name:      "half not fixed",
			verdicts:  []types.Verdict{verdict("A", types.NotFixed), verdict("B", types.Fixed)},
			records:   []types.VulnerabilityRecord{rec("A", 5), rec("B", 5)},
			wantScore: 50,
			wantCat:   types.RiskHigh,
		},
		{
			name:      "unknown severity defaults",
			verdicts:  []types.Verdict{verdict("A", types.NotFixed), verdict("B", types.Fixed)},
			records:   []types.VulnerabilityRecord{{ID: "A"}, rec("B", 5)},
			wantScore: 50,
			wantCat:   types.RiskHigh,
		},
		{
			name:      "all unconfirmed",
			verdicts:  []types.Verdict{verdict("A", types.Unconfirmed)},
			records:   []types.VulnerabilityRecord{rec("A", 4)},
			wantScore: 50,
			wantCat:   types.RiskHigh,
		},
		{
			name:      "zero total severity",
			verdicts:  []types.Verdict{verdict("A", types.NotFixed)},
			records:   []types.VulnerabilityRecord{rec("A", 0)},
			wantScore: 0,
			wantCat:   types.RiskLow,
		},
	}

	a := NewAggregator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, cat := a.Aggregate(tt.verdicts, tt.records)
			assert.InDelta(t, tt.wantScore, score, 1e-9)
			assert.Equal(t, tt.wantCat, cat)
		})
	}
}

func TestCategoryBoundaries(t *testing.T) {
	a := NewAggregator()
	assert.Equal(t, types.RiskLow, a.Category(19.999))
	assert.Equal(t, types.RiskMedium, a.Category(20))
	assert.Equal(t, types.RiskMedium, a.Category(49.9))
	assert.Equal(t, types.RiskHigh, a.Category(50))
	assert.Equal(t, types.RiskHigh, a.Category(79.99))
	assert.Equal(t, types.RiskCritical, a.Category(80))
	assert.Equal(t, types.RiskCritical, a.Category(100))
}

func TestAggregateIgnoresOrder(t *testing.T) {
	statuses := []types.VerdictStatus{types.Fixed, types.NotFixed, types.Unconfirmed}
	var verdicts []types.Verdict
	var records []types.VulnerabilityRecord
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		id := string(rune('A'+i%26)) + string(rune('a'+i/26))
		records = append(records, rec(id, math.Round(r.Float64()*100)/10))
		verdicts = append(verdicts, verdict(id, statuses[r.Intn(len(statuses))]))
	}

	a := NewAggregator()
	want, wantCat := a.Aggregate(verdicts, records)
	for i := 0; i < 20; i++ {
		shuffled := append([]types.Verdict(nil), verdicts...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, gotCat := a.Aggregate(shuffled, records)
		assert.Equal(t, math.Float64bits(want), math.Float64bits(got))
		assert.Equal(t, wantCat, gotCat)
	}
}

func TestAggregateMonotonic(t *testing.T) {
	records := []types.VulnerabilityRecord{rec("A", 7), rec("B", 3), rec("C", 5)}
	base := []types.Verdict{verdict("A", types.Fixed), verdict("B", types.Fixed), verdict("C", types.Unconfirmed)}

	a := NewAggregator()
	prev, _ := a.Aggregate(base, records)
	for i := range base {
		if base[i].Status != types.Fixed {
			continue
		}
		base[i].Status = types.NotFixed
		next, _ := a.Aggregate(base, records)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestWeight(t *testing.T) {
	assert.Zero(t, Weight(types.Fixed))
	assert.Equal(t, 0.5, Weight(types.Unconfirmed))
	assert.Equal(t, 1.0, Weight(types.NotFixed))
}
