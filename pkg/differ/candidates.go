package differ

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/patchverify/patchverify/pkg/types"
)

// candidate is a file or module reference split into lowercase segments,
// with any source extension removed.
type candidate struct {
	segs []string
	// dir is set for package paths, which match every file beneath them.
	dir bool
}

var (
	sourceExt = `py|pyx|pyi|js|mjs|cjs|jsx|ts|tsx|go|rs|rb|php|java|kt|c|cc|cpp|h|hpp|cs`
	fileRe    = regexp.MustCompile(`(?i)[a-z0-9_\-./]*[a-z0-9_\-]\.(?:` + sourceExt + `)\b`)
	dottedRe  = regexp.MustCompile(`\b[a-z_][a-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)+\b`)
	blobRe    = regexp.MustCompile(`/(?:-/)?blob/[^/]+/(.+)$`)
	extRe     = regexp.MustCompile(`(?i)\.(?:` + sourceExt + `)$`)

	// Generic names that would associate a record with unrelated files.
	stopSegs = map[string]bool{
		"index": true, "main": true, "__init__": true, "init": true, "setup": true,
		"utils": true, "util": true, "node": true, "test": true, "tests": true, "lib": true, "src": true,
	}
	hostSuffixes = map[string]bool{"com": true, "org": true, "io": true, "net": true, "dev": true}
)

func split(ref string, sep string) []string {
	ref = strings.ToLower(strings.Trim(ref, "/."))
	ref = extRe.ReplaceAllString(ref, "")
	var segs []string
	for _, s := range strings.Split(ref, sep) {
		if s != "" && s != "." {
			segs = append(segs, s)
		}
	}
	return segs
}

func usable(segs []string) bool {
	if len(segs) == 0 {
		return false
	}
	if len(segs) == 1 && (stopSegs[segs[0]] || len(segs[0]) < 3) {
		return false
	}
	return true
}

// candidates extracts the file and module references of a record: its
// explicit paths, source file names and dotted module names in the text,
// and files named by repository blob URLs.
func candidates(rec types.VulnerabilityRecord) []candidate {
	var out []candidate
	add := func(c candidate) {
		if usable(c.segs) {
			out = append(out, c)
		}
	}

	for _, p := range rec.Paths {
		switch {
		case strings.Contains(p, "/") && !extRe.MatchString(p):
			add(candidate{segs: split(p, "/"), dir: true})
		case strings.Contains(p, "/"):
			add(candidate{segs: split(p, "/")})
		default:
			add(candidate{segs: split(p, ".")})
		}
	}

	text := rec.Summary + "\n" + rec.Description
	files := fileRe.FindAllString(text, -1)
	for _, f := range files {
		add(candidate{segs: split(f, "/")})
	}
	for _, d := range dottedRe.FindAllString(text, -1) {
		if extRe.MatchString(d) {
			continue
		}
		segs := split(d, ".")
		if len(segs) < 2 || hostSuffixes[segs[len(segs)-1]] || len(segs[0]) < 2 {
			continue
		}
		add(candidate{segs: segs})
	}

	for _, ref := range rec.References {
		u, err := url.Parse(ref)
		if err != nil {
			continue
		}
		if m := blobRe.FindStringSubmatch(u.Path); m != nil {
			add(candidate{segs: split(path.Clean(m[1]), "/")})
		}
	}
	return out
}

func hasSuffix(segs, suffix []string) bool {
	if len(suffix) == 0 || len(suffix) > len(segs) {
		return false
	}
	off := len(segs) - len(suffix)
	for i := range suffix {
		if segs[off+i] != suffix[i] {
			return false
		}
	}
	return true
}

// matches reports whether a slash-separated file path is referenced by c.
// Module references may carry trailing class or function names and a
// leading distribution name, so any contiguous slice of c that ends the
// file path counts.
func (c candidate) matches(file string) bool {
	fsegs := split(file, "/")
	if len(fsegs) == 0 {
		return false
	}
	if c.dir {
		last := c.segs[len(c.segs)-1]
		for _, s := range fsegs[:len(fsegs)-1] {
			if s == last {
				return true
			}
		}
		return false
	}
	for start := 0; start < len(c.segs); start++ {
		for end := len(c.segs); end > start; end-- {
			part := c.segs[start:end]
			if len(part) == 1 && stopSegs[part[0]] {
				continue
			}
			if hasSuffix(fsegs, part) {
				return true
			}
		}
	}
	return false
}

func matchesAny(file string, cands []candidate) bool {
	for _, c := range cands {
		if c.matches(file) {
			return true
		}
	}
	return false
}
