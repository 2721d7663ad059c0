package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/version"
	log "github.com/sirupsen/logrus"
)

const (
	npmDefaultURL  = "https://registry.npmjs.org"
	pypiDefaultURL = "https://pypi.org"
)

var errNotFound = errors.New("not found")

// Registry fetches sources from the npm and PyPI registries.
type Registry struct {
	HTTPClient *http.Client
	NPMURL     string
	PyPIURL    string
	// TempDir is the parent of unpacked trees; os.TempDir when empty.
	TempDir       string
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// NewRegistry returns a registry client using the public endpoints.
func NewRegistry() *Registry {
	return &Registry{
		HTTPClient:    &http.Client{Timeout: 2 * time.Minute},
		NPMURL:        npmDefaultURL,
		PyPIURL:       pypiDefaultURL,
		MaxFileBytes:  defaultMaxFileBytes,
		MaxTotalBytes: defaultMaxTotalBytes,
	}
}

// npmPath escapes a possibly scoped package name for the registry.
func npmPath(pkg string) string {
	if strings.HasPrefix(pkg, "@") {
		return "@" + url.PathEscape(pkg[1:])
	}
	return url.PathEscape(pkg)
}

func (r *Registry) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s returned status %d: %s", u, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(out)
}

func (r *Registry) packageURL(ecosystem, pkg string) (string, bool) {
	switch version.Canonical(ecosystem) {
	case version.NPM:
		return strings.TrimSuffix(r.NPMURL, "/") + "/" + npmPath(pkg), true
	case version.PyPI:
		return strings.TrimSuffix(r.PyPIURL, "/") + "/pypi/" + url.PathEscape(pkg) + "/json", true
	}
	return "", false
}

// Identify reports types.ErrUnknownPackage when the registry has no such
// package. Ecosystems without a registry client pass.
func (r *Registry) Identify(ctx context.Context, ecosystem, pkg string) error {
	u, ok := r.packageURL(ecosystem, pkg)
	if !ok {
		return nil
	}
	err := r.getJSON(ctx, u, nil)
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("%w: %s has no package %q", types.ErrUnknownPackage, ecosystem, pkg)
	}
	return err
}

// Versions lists the published versions of pkg in no particular order.
func (r *Registry) Versions(ctx context.Context, ecosystem, pkg string) ([]string, error) {
	u, ok := r.packageURL(ecosystem, pkg)
	if !ok {
		return nil, ErrNotHandled
	}
	var doc struct {
		Versions map[string]json.RawMessage `json:"versions"`
		Releases map[string]json.RawMessage `json:"releases"`
	}
	err := r.getJSON(ctx, u, &doc)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("%w: %s has no package %q", types.ErrUnknownPackage, ecosystem, pkg)
	}
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(doc.Versions)+len(doc.Releases))
	for v := range doc.Versions {
		versions = append(versions, v)
	}
	for v := range doc.Releases {
		versions = append(versions, v)
	}
	return versions, nil
}

type npmVersion struct {
	Dist struct {
		Tarball string `json:"tarball"`
	} `json:"dist"`
}

type pypiRelease struct {
	URLs []struct {
		PackageType string `json:"packagetype"`
		Filename    string `json:"filename"`
		URL         string `json:"url"`
	} `json:"urls"`
}

// artifact is a downloadable archive and how to unpack it.
type artifact struct {
	url   string
	zip   bool
	strip bool
}

func (r *Registry) locate(ctx context.Context, ecosystem, pkg, ver string) (artifact, error) {
	switch version.Canonical(ecosystem) {
	case version.NPM:
		var v npmVersion
		u := strings.TrimSuffix(r.NPMURL, "/") + "/" + npmPath(pkg) + "/" + url.PathEscape(ver)
		if err := r.getJSON(ctx, u, &v); err != nil {
			return artifact{}, err
		}
		if v.Dist.Tarball == "" {
			return artifact{}, errors.New("registry metadata has no tarball")
		}
		return artifact{url: v.Dist.Tarball, strip: true}, nil

	case version.PyPI:
		var rel pypiRelease
		u := strings.TrimSuffix(r.PyPIURL, "/") + "/pypi/" + url.PathEscape(pkg) + "/" + url.PathEscape(ver) + "/json"
		if err := r.getJSON(ctx, u, &rel); err != nil {
			return artifact{}, err
		}
		var wheel *artifact
		for _, f := range rel.URLs {
			name := strings.ToLower(f.Filename)
			switch {
			case f.PackageType == "sdist" && (strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz")):
				return artifact{url: f.URL, strip: true}, nil
			case f.PackageType == "sdist" && strings.HasSuffix(name, ".zip"):
				return artifact{url: f.URL, zip: true, strip: true}, nil
			case f.PackageType == "bdist_wheel" && wheel == nil:
				wheel = &artifact{url: f.URL, zip: true}
			}
		}
		if wheel != nil {
			return *wheel, nil
		}
		return artifact{}, errors.New("release has no sdist or wheel")
	}
	return artifact{}, ErrNotHandled
}

// Fetch downloads and unpacks pkg at ver into a fresh temp directory.
func (r *Registry) Fetch(ctx context.Context, ecosystem, pkg, ver string) (*Tree, error) {
	art, err := r.locate(ctx, ecosystem, pkg, ver)
	if errors.Is(err, ErrNotHandled) {
		return nil, err
	}
	if err != nil {
		return nil, &types.FetchError{Package: pkg, Version: ver, Err: err}
	}

	root, err := os.MkdirTemp(r.TempDir, "patchverify-src-")
	if err != nil {
		return nil, err
	}
	tree := &Tree{Root: root, Version: ver, owned: true}
	if err := r.unpack(ctx, art, tree); err != nil {
		tree.Cleanup()
		return nil, &types.FetchError{Package: pkg, Version: ver, Err: err}
	}
	log.WithFields(log.Fields{
		"package": pkg,
		"version": ver,
		"archive": path.Base(art.url),
	}).Debug("fetched source")
	return tree, nil
}

func (r *Registry) unpack(ctx context.Context, art artifact, tree *Tree) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, art.url, nil)
	if err != nil {
		return err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s returned status %d", art.url, resp.StatusCode)
	}

	x := &extractor{dest: tree.Root, strip: art.strip, maxFile: r.MaxFileBytes, maxTotal: r.MaxTotalBytes}
	defer func() { tree.Skipped = x.skipped }()
	if !art.zip {
		return x.extractTarGz(resp.Body)
	}

	// zip needs random access.
	tmp, err := os.CreateTemp(r.TempDir, "patchverify-dl-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	limit := r.MaxTotalBytes
	if limit <= 0 {
		limit = defaultMaxTotalBytes
	}
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > limit {
		return ErrArchiveTooLarge
	}
	return x.extractZip(tmp.Name())
}
