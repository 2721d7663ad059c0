package version

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	pep440 "github.com/aquasecurity/go-pep440-version"
	apkVer "github.com/knqyf263/go-apk-version"
	debVer "github.com/knqyf263/go-deb-version"
	rpmVer "github.com/knqyf263/go-rpm-version"
	log "github.com/sirupsen/logrus"
	gosemver "golang.org/x/mod/semver"
)

func isValidPythonVersion(v string) bool {
	_, err := pep440.Parse(v)
	return err == nil
}

// isLessThanPythonVersion returns false if either side fails to parse.
func isLessThanPythonVersion(v1, v2 string) bool {
	ver1, err := pep440.Parse(v1)
	if err != nil {
		log.Debugf("Error parsing Python version '%s': %v", v1, err)
		return false
	}
	ver2, err := pep440.Parse(v2)
	if err != nil {
		log.Debugf("Error parsing Python version '%s': %v", v2, err)
		return false
	}
	return ver1.LessThan(ver2)
}

func isValidSemver(v string) bool {
	_, err := semver.NewVersion(strings.TrimPrefix(v, "v"))
	return err == nil
}

func isLessThanSemver(v1, v2 string) bool {
	ver1, err1 := semver.NewVersion(strings.TrimPrefix(v1, "v"))
	ver2, err2 := semver.NewVersion(strings.TrimPrefix(v2, "v"))
	if err1 != nil || err2 != nil {
		log.Debugf("Error parsing semver for comparison: '%s' vs '%s'", v1, v2)
		return false
	}
	return ver1.LessThan(ver2)
}

func isValidGoVersion(v string) bool {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return gosemver.IsValid(v)
}

func isLessThanGoVersion(v1, v2 string) bool {
	if !strings.HasPrefix(v1, "v") {
		v1 = "v" + v1
	}
	if !strings.HasPrefix(v2, "v") {
		v2 = "v" + v2
	}
	return gosemver.Compare(v1, v2) < 0
}

func isValidDebianVersion(v string) bool {
	return debVer.Valid(v)
}

func isLessThanDebianVersion(v1, v2 string) bool {
	debV1, err1 := debVer.NewVersion(v1)
	debV2, err2 := debVer.NewVersion(v2)
	if err1 != nil || err2 != nil {
		return false
	}
	return debV1.LessThan(debV2)
}

func isValidAPKVersion(v string) bool {
	return apkVer.Valid(v)
}

func isLessThanAPKVersion(v1, v2 string) bool {
	apkV1, err1 := apkVer.NewVersion(v1)
	apkV2, err2 := apkVer.NewVersion(v2)
	if err1 != nil || err2 != nil {
		return false
	}
	return apkV1.LessThan(apkV2)
}

// go-rpm-version accepts anything; require a leading digit like rpm does for upstream versions.
func isValidRPMVersion(v string) bool {
	if v == "" {
		return false
	}
	s := v
	if i := strings.Index(s, ":"); i != -1 {
		s = s[i+1:]
	}
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func isLessThanRPMVersion(v1, v2 string) bool {
	return rpmVer.NewVersion(v1).LessThan(rpmVer.NewVersion(v2))
}

// Maven, NuGet and RubyGems versions routinely carry four numeric parts
// ("2.13.4.2") which semver rejects. Try semver first, then compare the
// numeric prefix part by part.
func isValidDottedVersion(v string) bool {
	if isValidSemver(v) {
		return true
	}
	return parseDottedParts(v) != nil
}

func isLessThanDottedVersion(v1, v2 string) bool {
	ver1, err1 := semver.NewVersion(strings.TrimPrefix(v1, "v"))
	ver2, err2 := semver.NewVersion(strings.TrimPrefix(v2, "v"))
	if err1 == nil && err2 == nil && len(parseDottedParts(v1)) <= 3 && len(parseDottedParts(v2)) <= 3 {
		return ver1.LessThan(ver2)
	}

	parts1 := parseDottedParts(v1)
	parts2 := parseDottedParts(v2)
	if parts1 == nil || parts2 == nil {
		log.Debugf("Error parsing dotted version for comparison: '%s' vs '%s'", v1, v2)
		return false
	}
	for i := 0; i < len(parts1) || i < len(parts2); i++ {
		var a, b int
		if i < len(parts1) {
			a = parts1[i]
		}
		if i < len(parts2) {
			b = parts2[i]
		}
		if a != b {
			return a < b
		}
	}
	// Same numeric prefix: a qualified version sorts before the release.
	q1, q2 := qualifier(v1), qualifier(v2)
	switch {
	case q1 == q2:
		return false
	case q1 == "":
		return false
	case q2 == "":
		return true
	default:
		return q1 < q2
	}
}

func parseDottedParts(v string) []int {
	v = strings.TrimPrefix(v, "v")
	if idx := strings.IndexAny(v, "-+"); idx != -1 {
		v = v[:idx]
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	if len(parts) > 6 {
		return nil
	}
	result := make([]int, len(parts))
	for i, p := range parts {
		num, err := strconv.Atoi(p)
		if err != nil || num < 0 {
			return nil
		}
		result[i] = num
	}
	return result
}

func qualifier(v string) string {
	if idx := strings.IndexAny(v, "-+"); idx != -1 {
		return strings.ToLower(v[idx+1:])
	}
	return ""
}
