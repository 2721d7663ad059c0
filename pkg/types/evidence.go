package types

// EvidenceKind names the producer an evidence value came from.
type EvidenceKind string

const (
	KindDiff  EvidenceKind = "diff"
	KindProbe EvidenceKind = "probe"
)

// Evidence is the closed set of producer outputs: Absent, *FileDiffEvidence
// and *ProbeEvidence. The unexported method keeps other packages from adding
// variants the verdict engine does not know about.
type Evidence interface {
	EvidenceKind() EvidenceKind
	isEvidence()
}

// Absent marks evidence that was not produced, with the reason why.
type Absent struct {
	Kind   EvidenceKind `json:"kind"`
	Reason string       `json:"reason,omitempty"`
}

func (a Absent) EvidenceKind() EvidenceKind { return a.Kind }
func (Absent) isEvidence()                  {}

// FileChange is one changed file. An empty digest means the file does not
// exist on that side.
type FileChange struct {
	Path      string `json:"path"`
	OldDigest string `json:"old_digest,omitempty"`
	NewDigest string `json:"new_digest,omitempty"`
}

// FileDiffEvidence reports whether any file relevant to a vulnerability changed.
type FileDiffEvidence struct {
	VulnID  string       `json:"vuln_id"`
	Changed bool         `json:"changed"`
	Files   []FileChange `json:"files,omitempty"`
	// Fallback is set when no file association was known and all changed
	// files were treated as relevant.
	Fallback bool `json:"fallback,omitempty"`
}

func (*FileDiffEvidence) EvidenceKind() EvidenceKind { return KindDiff }
func (*FileDiffEvidence) isEvidence()                {}

// ProbeOutcome is the classified result of running a probe on both versions.
type ProbeOutcome string

const (
	ProbeVulnerable   ProbeOutcome = "vulnerable"
	ProbePatched      ProbeOutcome = "patched"
	ProbeInconclusive ProbeOutcome = "inconclusive"
)

// ProbeEvidence is the behavioral probe outcome for one vulnerability.
type ProbeEvidence struct {
	VulnID    string       `json:"vuln_id"`
	Outcome   ProbeOutcome `json:"outcome"`
	Procedure string       `json:"procedure,omitempty"`
	// Log holds bounded captured output and exit signals of both runs.
	Log string `json:"log,omitempty"`
}

func (*ProbeEvidence) EvidenceKind() EvidenceKind { return KindProbe }
func (*ProbeEvidence) isEvidence()                {}

// Compile-time checks.
var (
	_ Evidence = Absent{}
	_ Evidence = (*FileDiffEvidence)(nil)
	_ Evidence = (*ProbeEvidence)(nil)
)
