// Package source fetches the published source of a package version into a
// scan-scoped directory tree.
package source

import (
	"context"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
)

// ErrNotHandled is returned by a Fetcher that does not serve the request.
var ErrNotHandled = errors.New("fetcher does not handle this package")

// Tree is an unpacked package version.
type Tree struct {
	Root    string
	Version string
	// Skipped lists paths, relative to Root, left out for exceeding the
	// per-file size cap.
	Skipped []string
	owned   bool
}

// Cleanup removes the tree when it was created by a fetcher.
func (t *Tree) Cleanup() {
	if t == nil || !t.owned || t.Root == "" {
		return
	}
	if err := os.RemoveAll(t.Root); err != nil {
		log.Warnf("removing source tree %s: %v", t.Root, err)
	}
}

// Fetcher retrieves the source of pkg at version.
type Fetcher interface {
	Fetch(ctx context.Context, ecosystem, pkg, version string) (*Tree, error)
}

// Identifier checks that a package exists in its registry.
type Identifier interface {
	Identify(ctx context.Context, ecosystem, pkg string) error
}

// Chain tries each fetcher in order, moving on when one returns
// ErrNotHandled.
type Chain []Fetcher

func (c Chain) Fetch(ctx context.Context, ecosystem, pkg, version string) (*Tree, error) {
	for _, f := range c {
		t, err := f.Fetch(ctx, ecosystem, pkg, version)
		if errors.Is(err, ErrNotHandled) {
			continue
		}
		return t, err
	}
	return nil, ErrNotHandled
}

// DirFetcher serves versions from local directories, keyed by version.
type DirFetcher struct {
	Dirs map[string]string
}

func (d DirFetcher) Fetch(_ context.Context, _, _, version string) (*Tree, error) {
	dir, ok := d.Dirs[version]
	if !ok || dir == "" {
		return nil, ErrNotHandled
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, &os.PathError{Op: "fetch", Path: dir, Err: errors.New("not a directory")}
	}
	return &Tree{Root: dir, Version: version}, nil
}
