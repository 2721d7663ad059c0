package types

import (
	"time"

	"github.com/patchverify/patchverify/pkg/version"
)

// PackageVersionPair identifies the upgrade under scan.
type PackageVersionPair struct {
	Ecosystem  string `json:"ecosystem"`
	Package    string `json:"package"`
	OldVersion string `json:"old_version"`
	NewVersion string `json:"new_version"`
}

// String returns ecosystem/package@old->new.
func (p PackageVersionPair) String() string {
	return p.Ecosystem + "/" + p.Package + "@" + p.OldVersion + "->" + p.NewVersion
}

// DefaultSeverity is used for records whose source carries no usable severity.
const DefaultSeverity = 5.0

// VulnerabilityRecord is one known vulnerability that affects the old version.
type VulnerabilityRecord struct {
	ID            string           `json:"id"`
	Aliases       []string         `json:"aliases,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	Description   string           `json:"description,omitempty"`
	Severity      float64          `json:"severity"`
	SeverityKnown bool             `json:"severity_known"`
	References    []string         `json:"references,omitempty"`
	Paths         []string         `json:"paths,omitempty"`
	BugClasses    []string         `json:"bug_classes,omitempty"`
	Affected      version.Affected `json:"affected"`
	// AffectsOld is true for every record the resolver returns.
	AffectsOld bool `json:"affects_old"`
	// ClaimedFixed is true when upstream data says the new version is outside
	// the affected predicate.
	ClaimedFixed bool `json:"claimed_fixed"`
	// RangeKnown is false when the record carried no range data at all.
	RangeKnown bool     `json:"range_known"`
	Sources    []string `json:"sources,omitempty"`
}

// SeverityLabel maps a qualitative label to a score on the 0-10 scale.
func SeverityLabel(label string) (float64, bool) {
	switch label {
	case "CRITICAL", "critical", "Critical":
		return 9.0, true
	case "HIGH", "high", "High", "IMPORTANT", "important":
		return 7.5, true
	case "MODERATE", "moderate", "Moderate", "MEDIUM", "medium", "Medium":
		return 5.0, true
	case "LOW", "low", "Low":
		return 2.5, true
	}
	return 0, false
}

// VerdictStatus is the fix determination for one vulnerability.
type VerdictStatus string

const (
	Fixed       VerdictStatus = "FIXED"
	NotFixed    VerdictStatus = "NOT_FIXED"
	Unconfirmed VerdictStatus = "UNCONFIRMED"
)

// EvidenceSource tags which producer contributed to a verdict.
type EvidenceSource string

const (
	SourceProbe EvidenceSource = "probe"
	SourceDiff  EvidenceSource = "diff"
	SourceRange EvidenceSource = "range"
)

// Verdict is the fused determination for one vulnerability.
type Verdict struct {
	CVEID           string           `json:"cve_id"`
	Status          VerdictStatus    `json:"verdict"`
	Confidence      int              `json:"confidence"`
	EvidenceSources []EvidenceSource `json:"evidence_sources"`
	Rule            string           `json:"rule,omitempty"`
	Notes           []string         `json:"notes,omitempty"`
}

// RiskCategory buckets the aggregate risk score.
type RiskCategory string

const (
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskCritical RiskCategory = "critical"
)

// Rank orders categories from low (0) to critical (3); unknown values rank -1.
func (c RiskCategory) Rank() int {
	switch c {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// ScanReport is the immutable outcome of one scan and the persisted/wire form.
type ScanReport struct {
	ScanID string `json:"scan_id"`
	PackageVersionPair
	Verdicts     []Verdict    `json:"verdicts"`
	RiskScore    float64      `json:"risk_score"`
	RiskCategory RiskCategory `json:"risk_category"`
	Degraded     bool         `json:"degraded"`
	Degradation  []string     `json:"degradation,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Counts tallies verdicts by status.
func (r *ScanReport) Counts() map[VerdictStatus]int {
	counts := map[VerdictStatus]int{Fixed: 0, NotFixed: 0, Unconfirmed: 0}
	for _, v := range r.Verdicts {
		counts[v.Status]++
	}
	return counts
}
