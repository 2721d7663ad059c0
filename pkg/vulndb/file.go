package vulndb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/patchverify/patchverify/pkg/version"
	log "github.com/sirupsen/logrus"
)

const fileSource = "local"

// ErrorUnsupported is returned by a document parser that does not recognize its input.
type ErrorUnsupported struct {
	err error
}

func (e *ErrorUnsupported) Error() string { return e.err.Error() }

// DocumentParser decodes one OSV-format JSON file.
type DocumentParser interface {
	Parse([]byte) ([]osvVuln, error)
}

type osvDocumentParser struct{}

func (osvDocumentParser) Parse(b []byte) ([]osvVuln, error) {
	var v osvVuln
	if err := json.Unmarshal(b, &v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, err
		}
		return nil, &ErrorUnsupported{err}
	}
	if v.ID == "" {
		return nil, &ErrorUnsupported{fmt.Errorf("document has no id")}
	}
	return []osvVuln{v}, nil
}

type osvListParser struct{}

func (osvListParser) Parse(b []byte) ([]osvVuln, error) {
	var resp osvResponse
	if err := json.Unmarshal(b, &resp); err != nil || resp.Vulns == nil {
		return nil, &ErrorUnsupported{fmt.Errorf("not an OSV query response")}
	}
	return resp.Vulns, nil
}

type osvArrayParser struct{}

func (osvArrayParser) Parse(b []byte) ([]osvVuln, error) {
	var vulns []osvVuln
	if err := json.Unmarshal(b, &vulns); err != nil {
		return nil, &ErrorUnsupported{fmt.Errorf("not an OSV array")}
	}
	return vulns, nil
}

func parseDocument(path string, b []byte) ([]osvVuln, error) {
	allParsers := []DocumentParser{
		osvArrayParser{},
		osvListParser{},
		osvDocumentParser{},
	}
	for _, parser := range allParsers {
		vulns, err := parser.Parse(b)
		if err == nil {
			return vulns, nil
		} else if _, ok := err.(*ErrorUnsupported); ok {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%s is not a supported OSV document", path)
}

// FileClient reads OSV documents from a directory laid out as
// <dir>/<ecosystem>/<package>/*.json, <dir>/<ecosystem>/*.json or <dir>/*.json.
type FileClient struct {
	Dir string
}

// NewFileClient returns a client over dir.
func NewFileClient(dir string) *FileClient {
	return &FileClient{Dir: dir}
}

func (c *FileClient) Name() string { return fileSource }

// Lookup parses every candidate document and keeps records for the package.
// Unreadable or unsupported files are skipped with a warning.
func (c *FileClient) Lookup(ctx context.Context, q Query) (*Feed, error) {
	if _, err := os.Stat(c.Dir); err != nil {
		return nil, fmt.Errorf("feed directory %s: %w", c.Dir, err)
	}
	eco := version.Canonical(q.Ecosystem)
	var files []string
	for _, pattern := range []string{
		filepath.Join(c.Dir, eco, q.Package, "*.json"),
		filepath.Join(c.Dir, eco, "*.json"),
		filepath.Join(c.Dir, "*.json"),
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	feed := &Feed{Source: fileSource, FetchedAt: now().UTC()}
	seen := map[string]bool{}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(f)
		if err != nil {
			log.Warnf("local feed: skipping %s: %v", f, err)
			continue
		}
		vulns, err := parseDocument(f, b)
		if err != nil {
			log.Warnf("local feed: skipping %s: %v", f, err)
			continue
		}
		for i := range vulns {
			rec, ok := convertOSV(&vulns[i], q, fileSource)
			if !ok || seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			feed.Records = append(feed.Records, rec)
		}
	}
	log.Debugf("local feed: %d records for %s/%s from %d files", len(feed.Records), eco, q.Package, len(files))
	return feed, nil
}
