package source

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxFileBytes  = 16 << 20
	defaultMaxTotalBytes = 512 << 20
)

// ErrUnsafePath is returned for archive members that would land outside the
// extraction root.
var ErrUnsafePath = errors.New("archive member escapes extraction root")

// ErrArchiveTooLarge is returned when the unpacked size exceeds the total cap.
var ErrArchiveTooLarge = errors.New("archive exceeds size limit")

type extractor struct {
	dest     string
	strip    bool
	maxFile  int64
	maxTotal int64
	total    int64
	// skipped holds slash-separated paths relative to dest.
	skipped []string
}

// memberPath maps an archive member name to a destination path. It returns
// "" for members that vanish after stripping.
func (x *extractor) memberPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	if x.strip {
		_, rest, ok := strings.Cut(clean, "/")
		if !ok {
			return "", nil
		}
		clean = rest
	}
	if clean == "." || clean == "" {
		return "", nil
	}
	target := filepath.Join(x.dest, filepath.FromSlash(clean))
	rel, err := filepath.Rel(x.dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func (x *extractor) writeFile(target, name string, size int64, r io.Reader) error {
	if x.maxFile > 0 && size > x.maxFile {
		log.Debugf("skipping %s: %d bytes exceeds per-file cap", name, size)
		rel, err := filepath.Rel(x.dest, target)
		if err != nil {
			return err
		}
		x.skipped = append(x.skipped, filepath.ToSlash(rel))
		return nil
	}
	x.total += size
	if x.maxTotal > 0 && x.total > x.maxTotal {
		return ErrArchiveTooLarge
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	// Headers can lie about size; never copy past it.
	if _, err := io.Copy(f, io.LimitReader(r, size)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// extractTarGz unpacks a gzip-compressed tarball. Only directories and
// regular files are materialized.
func (x *extractor) extractTarGz(r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}
		target, err := x.memberPath(hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.writeFile(target, hdr.Name, hdr.Size, tr); err != nil {
				return err
			}
		default:
			log.Debugf("skipping tar member %s of type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

// extractZip unpacks a zip or wheel archive.
func (x *extractor) extractZip(file string) error {
	zr, err := zip.OpenReader(file)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := x.memberPath(zf.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = x.writeFile(target, zf.Name, int64(zf.UncompressedSize64), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
