// Package probe runs exercise procedures against the old and new installs
// of a package and classifies whether a vulnerability reproduces.
package probe

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/patchverify/patchverify/pkg/promise"
	"github.com/patchverify/patchverify/pkg/sandbox"
	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/version"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed scripts/*
var scripts embed.FS

// PackageArg in Args is replaced by the package name.
const PackageArg = "{package}"

// Signature describes the observable result of a run. It matches when any
// of its set conditions holds; an empty signature never matches.
type Signature struct {
	OutputPattern  string `yaml:"output_pattern,omitempty"`
	ExitCodes      []int  `yaml:"exit_codes,omitempty"`
	ExceptionClass string `yaml:"exception_class,omitempty"`
	Crash          bool   `yaml:"crash,omitempty"`
	// Timeout counts running past the time limit as a match.
	Timeout bool `yaml:"timeout,omitempty"`

	output    *regexp.Regexp
	exception *regexp.Regexp
}

func (s *Signature) compile() error {
	if s.OutputPattern != "" {
		re, err := regexp.Compile(s.OutputPattern)
		if err != nil {
			return fmt.Errorf("output_pattern: %w", err)
		}
		s.output = re
	}
	if s.ExceptionClass != "" {
		s.exception = regexp.MustCompile(`\b` + regexp.QuoteMeta(s.ExceptionClass) + `\b`)
	}
	return nil
}

func (s *Signature) empty() bool {
	return s.OutputPattern == "" && len(s.ExitCodes) == 0 && s.ExceptionClass == "" && !s.Crash && !s.Timeout
}

// Match reports whether res exhibits the signature.
func (s *Signature) Match(res sandbox.Result) bool {
	if res.TimedOut {
		return s.Timeout
	}
	if s.Crash && res.Crashed() {
		return true
	}
	if slices.Contains(s.ExitCodes, res.ExitCode) {
		return true
	}
	if s.output != nil && s.output.Match(res.Output) {
		return true
	}
	return s.exception != nil && s.exception.Match(res.Output)
}

// Procedure is a registered reproduction for a vulnerability or bug class.
type Procedure struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Ecosystems restricts the procedure; empty means any ecosystem whose
	// language matches.
	Ecosystems      []string      `yaml:"ecosystems,omitempty"`
	Vulnerabilities []string      `yaml:"vulnerabilities,omitempty"`
	BugClasses      []string      `yaml:"bug_classes,omitempty"`
	Language        string        `yaml:"language"`
	Script          string        `yaml:"script,omitempty"`
	ScriptFile      string        `yaml:"script_file,omitempty"`
	Args            []string      `yaml:"args,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`

	VulnerableSignature Signature `yaml:"vulnerable_signature"`
	PatchedSignature    Signature `yaml:"patched_signature,omitempty"`

	// ImportName replaces {package} when the module name differs from the
	// distribution name and the install metadata does not say so.
	ImportName string `yaml:"import_name,omitempty"`
}

func (p *Procedure) validate() error {
	if p.Name == "" {
		return fmt.Errorf("procedure without a name")
	}
	if p.Language != sandbox.LanguagePython && p.Language != sandbox.LanguageNode {
		return fmt.Errorf("procedure %s: language must be %s or %s", p.Name, sandbox.LanguagePython, sandbox.LanguageNode)
	}
	if p.Script == "" {
		return fmt.Errorf("procedure %s: empty script", p.Name)
	}
	if p.VulnerableSignature.empty() {
		return fmt.Errorf("procedure %s: vulnerable_signature is required", p.Name)
	}
	if err := p.VulnerableSignature.compile(); err != nil {
		return fmt.Errorf("procedure %s: vulnerable_signature %w", p.Name, err)
	}
	if err := p.PatchedSignature.compile(); err != nil {
		return fmt.Errorf("procedure %s: patched_signature %w", p.Name, err)
	}
	return nil
}

// sandboxProcedure resolves the argument placeholders for inst.
func (p *Procedure) sandboxProcedure(inst sandbox.InstallHandle) sandbox.Procedure {
	name := p.ImportName
	if name == "" {
		name = importName(p.Language, inst)
	}
	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		args[i] = strings.ReplaceAll(a, PackageArg, name)
	}
	return sandbox.Procedure{Name: p.Name, Language: p.Language, Script: p.Script, Args: args}
}

var nameSeparators = regexp.MustCompile(`[-_.]+`)

func normalizeDist(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(name), "_")
}

// importName maps a distribution name to the name its module is imported
// by. Python installs are consulted for top_level.txt or RECORD.
func importName(language string, inst sandbox.InstallHandle) string {
	if language != sandbox.LanguagePython {
		return inst.Package
	}
	if name, ok := installedTopLevel(inst.Dir, inst.Package); ok {
		return name
	}
	return normalizeDist(inst.Package)
}

// installedTopLevel reads the top-level module of pkg from its dist-info
// directory under dir.
func installedTopLevel(dir, pkg string) (string, bool) {
	if dir == "" {
		return "", false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	want := normalizeDist(pkg)
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".dist-info")
		if !ok || !e.IsDir() {
			continue
		}
		dist, _, _ := strings.Cut(base, "-")
		if normalizeDist(dist) != want {
			continue
		}
		info := filepath.Join(dir, e.Name())
		if data, err := os.ReadFile(filepath.Join(info, "top_level.txt")); err == nil {
			if name := firstModule(strings.Fields(string(data)), want); name != "" {
				return name, true
			}
		}
		if data, err := os.ReadFile(filepath.Join(info, "RECORD")); err == nil {
			if name := firstModule(recordModules(string(data)), want); name != "" {
				return name, true
			}
		}
	}
	return "", false
}

// recordModules lists the top-level modules and packages named in a wheel
// RECORD file.
func recordModules(record string) []string {
	var mods []string
	for _, line := range strings.Split(record, "\n") {
		path, _, _ := strings.Cut(strings.TrimSpace(line), ",")
		if path == "" || strings.HasPrefix(path, "..") {
			continue
		}
		top, rest, nested := strings.Cut(path, "/")
		switch {
		case strings.HasSuffix(top, ".dist-info"), strings.HasSuffix(top, ".data"), top == "__pycache__":
			continue
		case nested && rest != "":
		case strings.HasSuffix(top, ".py"):
			top = strings.TrimSuffix(top, ".py")
		default:
			continue
		}
		if !slices.Contains(mods, top) {
			mods = append(mods, top)
		}
	}
	return mods
}

// firstModule picks the module matching the distribution name, else the
// first public one.
func firstModule(mods []string, want string) string {
	var first string
	for _, m := range mods {
		if m == "" || strings.HasPrefix(m, "_") {
			continue
		}
		if normalizeDist(m) == want {
			return m
		}
		if first == "" {
			first = m
		}
	}
	return first
}

// languageFor returns the probe language of an ecosystem, if any.
func languageFor(ecosystem string) (string, bool) {
	switch version.Canonical(ecosystem) {
	case version.PyPI:
		return sandbox.LanguagePython, true
	case version.NPM:
		return sandbox.LanguageNode, true
	}
	return "", false
}

// Registry holds the known procedures.
type Registry struct {
	procs []*Procedure
}

type builtin struct {
	class       string
	description string
	vulnerable  Signature
	patched     Signature
}

var builtins = []builtin{
	{
		class:       "buffer_overflow",
		description: "oversized input to every public callable",
		vulnerable:  Signature{OutputPattern: `(?m)^CRASH:`, Crash: true},
		patched:     Signature{OutputPattern: `(?m)^HANDLED$`},
	},
	{
		class:       "memory_leak",
		description: "500 iterations with heap growth measured",
		vulnerable:  Signature{OutputPattern: `(?m)^LEAK:`},
		patched:     Signature{OutputPattern: `(?m)^STABLE:`},
	},
	{
		class:       "input_validation",
		description: "empty, null-byte, SQL, script and traversal inputs",
		vulnerable:  Signature{OutputPattern: `(?m)^UNHANDLED:`},
		patched:     Signature{OutputPattern: `(?m)^VALIDATED$`},
	},
	{
		class:       "integer_overflow",
		description: "integer boundary values",
		vulnerable:  Signature{OutputPattern: `(?m)^OVERFLOW:`},
		patched:     Signature{OutputPattern: `(?m)^HANDLED$`},
	},
	{
		class:       "denial_of_service",
		description: "deeply nested and very large inputs",
		vulnerable:  Signature{OutputPattern: `(?m)^ISSUE:`, Timeout: true},
		patched:     Signature{OutputPattern: `(?m)^HANDLED$`},
	},
}

// NewRegistry returns a registry with the built-in bug-class procedures.
func NewRegistry() *Registry {
	r := &Registry{}
	for _, b := range builtins {
		for lang, ext := range map[string]string{sandbox.LanguagePython: "py", sandbox.LanguageNode: "js"} {
			body, err := scripts.ReadFile("scripts/" + b.class + "." + ext)
			if err != nil {
				panic(fmt.Sprintf("missing built-in probe script %s.%s", b.class, ext))
			}
			p := &Procedure{
				Name:                b.class + "/" + lang,
				Description:         b.description,
				BugClasses:          []string{b.class},
				Language:            lang,
				Script:              string(body),
				Args:                []string{PackageArg},
				VulnerableSignature: b.vulnerable,
				PatchedSignature:    b.patched,
			}
			if err := p.validate(); err != nil {
				panic(err)
			}
			r.procs = append(r.procs, p)
		}
	}
	slices.SortFunc(r.procs, func(a, b *Procedure) int { return strings.Compare(a.Name, b.Name) })
	return r
}

type procedureFile struct {
	Procedures []Procedure `yaml:"procedures"`
}

// LoadFile adds procedures from a YAML file. A procedure with the name of
// an existing one replaces it. Relative script_file paths resolve against
// the file's directory.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f procedureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for i := range f.Procedures {
		p := f.Procedures[i]
		if p.Script == "" && p.ScriptFile != "" {
			sf := p.ScriptFile
			if !filepath.IsAbs(sf) {
				sf = filepath.Join(filepath.Dir(path), sf)
			}
			body, err := os.ReadFile(sf)
			if err != nil {
				return fmt.Errorf("procedure %s: %w", p.Name, err)
			}
			p.Script = string(body)
		}
		if err := p.validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		r.add(&p)
	}
	log.Debugf("loaded %d probe procedures from %s", len(f.Procedures), path)
	return nil
}

func (r *Registry) add(p *Procedure) {
	for i, existing := range r.procs {
		if existing.Name == p.Name {
			r.procs[i] = p
			return
		}
	}
	r.procs = append(r.procs, p)
}

// Procedures lists the registered procedures.
func (r *Registry) Procedures() []*Procedure {
	return slices.Clone(r.procs)
}

func (p *Procedure) servesEcosystem(ecosystem string) bool {
	lang, ok := languageFor(ecosystem)
	if !ok || lang != p.Language {
		return false
	}
	if len(p.Ecosystems) == 0 {
		return true
	}
	for _, e := range p.Ecosystems {
		if strings.EqualFold(version.Canonical(e), version.Canonical(ecosystem)) {
			return true
		}
	}
	return false
}

// bugClasses returns the record's bug classes, falling back to the class
// its text suggests.
func bugClasses(rec types.VulnerabilityRecord) []string {
	if len(rec.BugClasses) > 0 {
		return rec.BugClasses
	}
	if c := promise.DetectBugClass(rec.Summary + " " + rec.Description); c != "" {
		return []string{c}
	}
	return nil
}

// Lookup returns the procedure for rec: one naming its id or an alias
// first, then one registered for its bug class.
func (r *Registry) Lookup(ecosystem string, rec types.VulnerabilityRecord) (*Procedure, bool) {
	ids := append([]string{rec.ID}, rec.Aliases...)
	for _, p := range r.procs {
		if !p.servesEcosystem(ecosystem) {
			continue
		}
		for _, v := range p.Vulnerabilities {
			for _, id := range ids {
				if strings.EqualFold(v, id) {
					return p, true
				}
			}
		}
	}
	classes := bugClasses(rec)
	for _, p := range r.procs {
		if !p.servesEcosystem(ecosystem) {
			continue
		}
		for _, c := range classes {
			if slices.Contains(p.BugClasses, c) {
				return p, true
			}
		}
	}
	return nil, false
}
