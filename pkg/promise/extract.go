// Package promise reads upstream release notes and extracts the fixes they
// promise: explicit CVE identifiers and bug classes.
package promise

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind distinguishes CVE promises from bug-class-only promises.
type Kind string

const (
	KindCVE    Kind = "cve"
	KindBugFix Kind = "bug_fix"
)

// Promise is one fix claimed by release notes.
type Promise struct {
	Kind        Kind   `json:"kind"`
	ID          string `json:"id"`
	Description string `json:"description"`
	BugClass    string `json:"bug_class,omitempty"`
}

type bugPattern struct {
	class string
	re    *regexp.Regexp
}

// Checked in order; the first match names the class.
var bugPatterns = []bugPattern{
	{"buffer_overflow", regexp.MustCompile(`buffer overflow|stack overflow|heap overflow|out.of.bounds write`)},
	{"memory_leak", regexp.MustCompile(`memory leak|mem leak|resource leak|unreleased memory`)},
	{"null_pointer", regexp.MustCompile(`null pointer|null dereference|nullptr|segfault|segmentation fault`)},
	{"integer_overflow", regexp.MustCompile(`integer overflow|int overflow|arithmetic overflow|wrap.around`)},
	{"input_validation", regexp.MustCompile(`input validation|improper validation|sanitiz|injection|xss|sql injection`)},
	{"use_after_free", regexp.MustCompile(`use.after.free|\buaf\b|dangling pointer|freed memory`)},
	{"race_condition", regexp.MustCompile(`race condition|data race|concurrency|thread safe`)},
	{"denial_of_service", regexp.MustCompile(`denial.of.service|\bdos\b|crash|\bhang\b|infinite loop|deadlock|redos`)},
	{"auth_bypass", regexp.MustCompile(`auth.bypass|authentication bypass|privilege escalat|unauthorized access`)},
	{"information_leak", regexp.MustCompile(`information (leak|disclosure)|data (leak|exposure)|sensitive data`)},
}

var (
	cvePattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,7}`)
	fixVerbs   = regexp.MustCompile(`(?i)\b(fix(ed|es)?|patch(ed)?|resolv(ed|es)?|correct(ed)?|address(ed)?|mitigat(ed)?|remediat(ed)?|clos(ed|es)?)\b`)
)

const maxDescription = 200

// DetectBugClass returns the first bug class whose keywords occur in text.
func DetectBugClass(text string) string {
	lower := strings.ToLower(text)
	for _, p := range bugPatterns {
		if p.re.MatchString(lower) {
			return p.class
		}
	}
	return ""
}

// CVEIDs returns the distinct upper-cased CVE identifiers in text.
func CVEIDs(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range cvePattern.FindAllString(text, -1) {
		id := strings.ToUpper(m)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Extract scans release notes line by line. Every CVE mention is a promise;
// a line with a fix verb and a recognizable bug class but no CVE is a
// bug-fix promise.
func Extract(notes string) []Promise {
	var promises []Promise
	seen := map[string]bool{}
	bugs := 0
	for _, line := range strings.Split(notes, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		desc := line
		if len(desc) > maxDescription {
			desc = desc[:maxDescription]
		}
		class := DetectBugClass(line)

		ids := CVEIDs(line)
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			promises = append(promises, Promise{Kind: KindCVE, ID: id, Description: desc, BugClass: class})
		}
		if len(ids) == 0 && class != "" && fixVerbs.MatchString(line) {
			bugs++
			promises = append(promises, Promise{
				Kind:        KindBugFix,
				ID:          bugID(bugs),
				Description: desc,
				BugClass:    class,
			})
		}
	}
	return promises
}

func bugID(n int) string {
	return fmt.Sprintf("BUG-%03d", n)
}
