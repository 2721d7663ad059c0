// Package differ compares two source trees by content digest and relates
// the changed files to vulnerability records.
package differ

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	digest "github.com/opencontainers/go-digest"
	"github.com/patchverify/patchverify/pkg/source"
	"github.com/patchverify/patchverify/pkg/types"
	log "github.com/sirupsen/logrus"
)

// TreeDiff is the file-level difference between two trees.
type TreeDiff struct {
	// Changes holds modified, added and removed files, sorted by path.
	Changes []types.FileChange
	// Files is every path present in either tree, sorted.
	Files     []string
	Unchanged int
	// Skipped holds paths left out of either tree by the fetcher. They are
	// excluded from Changes and Files since their content is unknown.
	Skipped []string
}

// Changed reports whether any file differs.
func (d *TreeDiff) Changed() bool { return len(d.Changes) > 0 }

var skipDirs = map[string]bool{".git": true, ".hg": true, ".svn": true, "__pycache__": true}

// digestTree maps slash-separated relative paths of regular files to their
// sha256 digest.
func digestTree(ctx context.Context, root string) (map[string]digest.Digest, error) {
	out := map[string]digest.Digest{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		dg, err := digest.Canonical.FromReader(f)
		f.Close()
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = dg
		return nil
	})
	return out, err
}

// Analyze digests both trees and lists every file present in only one of
// them or with differing content.
func Analyze(ctx context.Context, oldTree, newTree *source.Tree) (*TreeDiff, error) {
	oldFiles, err := digestTree(ctx, oldTree.Root)
	if err != nil {
		return nil, err
	}
	newFiles, err := digestTree(ctx, newTree.Root)
	if err != nil {
		return nil, err
	}

	d := &TreeDiff{}
	for _, p := range append(slices.Clone(oldTree.Skipped), newTree.Skipped...) {
		delete(oldFiles, p)
		delete(newFiles, p)
		d.Skipped = append(d.Skipped, p)
	}
	slices.Sort(d.Skipped)
	d.Skipped = slices.Compact(d.Skipped)
	if len(d.Skipped) > 0 {
		log.Warnf("%d oversized files excluded from the diff", len(d.Skipped))
	}
	for p, od := range oldFiles {
		d.Files = append(d.Files, p)
		nd, ok := newFiles[p]
		switch {
		case !ok:
			d.Changes = append(d.Changes, types.FileChange{Path: p, OldDigest: od.String()})
		case nd != od:
			d.Changes = append(d.Changes, types.FileChange{Path: p, OldDigest: od.String(), NewDigest: nd.String()})
		default:
			d.Unchanged++
		}
	}
	for p, nd := range newFiles {
		if _, ok := oldFiles[p]; !ok {
			d.Files = append(d.Files, p)
			d.Changes = append(d.Changes, types.FileChange{Path: p, NewDigest: nd.String()})
		}
	}
	slices.Sort(d.Files)
	slices.SortFunc(d.Changes, func(a, b types.FileChange) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})

	log.WithFields(log.Fields{
		"files":   len(d.Files),
		"changed": len(d.Changes),
	}).Debug("compared source trees")
	return d, nil
}

// Evidence relates diff to each record. Records with no file association
// present in either tree fall back to every changed file.
func Evidence(diff *TreeDiff, records []types.VulnerabilityRecord) map[string]types.Evidence {
	out := make(map[string]types.Evidence, len(records))
	for _, rec := range records {
		cands := candidates(rec)
		associated := map[string]bool{}
		for _, f := range diff.Files {
			if matchesAny(f, cands) {
				associated[f] = true
			}
		}

		ev := &types.FileDiffEvidence{VulnID: rec.ID}
		if len(associated) == 0 {
			ev.Fallback = true
			ev.Files = slices.Clone(diff.Changes)
		} else {
			for _, c := range diff.Changes {
				if associated[c.Path] {
					ev.Files = append(ev.Files, c)
				}
			}
		}
		ev.Changed = len(ev.Files) > 0
		out[rec.ID] = ev
	}
	return out
}

// Unavailable marks diff evidence absent for every record.
func Unavailable(records []types.VulnerabilityRecord, reason string) map[string]types.Evidence {
	out := make(map[string]types.Evidence, len(records))
	for _, rec := range records {
		out[rec.ID] = types.Absent{Kind: types.KindDiff, Reason: reason}
	}
	return out
}
