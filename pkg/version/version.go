package version

import (
	"fmt"
	"sort"
	"strings"
)

// Ecosystem names as used by OSV.
const (
	PyPI      = "PyPI"
	NPM       = "npm"
	Go        = "Go"
	CratesIO  = "crates.io"
	Maven     = "Maven"
	NuGet     = "NuGet"
	RubyGems  = "RubyGems"
	Packagist = "Packagist"
	Debian    = "Debian"
	Ubuntu    = "Ubuntu"
	Alpine    = "Alpine"
	RedHat    = "Red Hat"
	AlmaLinux = "AlmaLinux"
	Rocky     = "Rocky Linux"
)

// ErrUnsupportedEcosystem is returned by ForEcosystem for unknown ecosystem tags.
type ErrUnsupportedEcosystem struct {
	Ecosystem string
}

func (e *ErrUnsupportedEcosystem) Error() string {
	return fmt.Sprintf("unsupported ecosystem %q", e.Ecosystem)
}

// VersionComparer holds the parsing and ordering rules of one versioning scheme.
type VersionComparer struct {
	IsValid  func(string) bool
	LessThan func(string, string) bool
}

// Equal reports whether a and b order equally under the scheme.
func (c VersionComparer) Equal(a, b string) bool {
	if a == b {
		return true
	}
	return !c.LessThan(a, b) && !c.LessThan(b, a)
}

var comparers = map[string]VersionComparer{
	"pypi":        {isValidPythonVersion, isLessThanPythonVersion},
	"npm":         {isValidSemver, isLessThanSemver},
	"crates.io":   {isValidSemver, isLessThanSemver},
	"packagist":   {isValidSemver, isLessThanSemver},
	"rubygems":    {isValidDottedVersion, isLessThanDottedVersion},
	"maven":       {isValidDottedVersion, isLessThanDottedVersion},
	"nuget":       {isValidDottedVersion, isLessThanDottedVersion},
	"go":          {isValidGoVersion, isLessThanGoVersion},
	"debian":      {isValidDebianVersion, isLessThanDebianVersion},
	"ubuntu":      {isValidDebianVersion, isLessThanDebianVersion},
	"alpine":      {isValidAPKVersion, isLessThanAPKVersion},
	"red hat":     {isValidRPMVersion, isLessThanRPMVersion},
	"almalinux":   {isValidRPMVersion, isLessThanRPMVersion},
	"rocky linux": {isValidRPMVersion, isLessThanRPMVersion},
}

// normalize maps an ecosystem tag to its lookup key. OSV suffixes
// distribution ecosystems with a release ("Debian:12", "Alpine:v3.19").
func normalize(ecosystem string) string {
	e := strings.ToLower(strings.TrimSpace(ecosystem))
	if i := strings.Index(e, ":"); i != -1 {
		e = e[:i]
	}
	switch e {
	case "python", "pip":
		return "pypi"
	case "node", "nodejs":
		return "npm"
	case "golang":
		return "go"
	case "cargo", "crates":
		return "crates.io"
	case "redhat", "rhel":
		return "red hat"
	case "rocky":
		return "rocky linux"
	}
	return e
}

// ForEcosystem returns the comparer for an ecosystem tag.
func ForEcosystem(ecosystem string) (VersionComparer, error) {
	cmp, ok := comparers[normalize(ecosystem)]
	if !ok {
		return VersionComparer{}, &ErrUnsupportedEcosystem{Ecosystem: ecosystem}
	}
	return cmp, nil
}

// Canonical returns the OSV spelling of an ecosystem tag, or the input when unknown.
func Canonical(ecosystem string) string {
	n := normalize(ecosystem)
	for _, e := range []string{PyPI, NPM, Go, CratesIO, Maven, NuGet, RubyGems, Packagist, Debian, Ubuntu, Alpine, RedHat, AlmaLinux, Rocky} {
		if strings.ToLower(e) == n {
			return e
		}
	}
	return ecosystem
}

// Supported lists the known ecosystem keys, sorted.
func Supported() []string {
	keys := make([]string, 0, len(comparers))
	for k := range comparers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
