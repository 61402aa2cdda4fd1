package dataset

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExtractZip unpacks archive into dest and returns the number of files written.
// Entries whose first path element equals strip are rebased onto dest, so an
// archive rooted at "chest_xray/" lands directly in dest. macOS resource fork
// entries are ignored and entries resolving outside dest are rejected.
func ExtractZip(archive, dest, strip string) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, errors.Wrapf(ErrArchiveCorrupt, "%s: %v", archive, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, errors.Wrapf(ErrExtraction, "create %s: %v", dest, err)
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return 0, errors.Wrapf(ErrExtraction, "%v", err)
	}

	written := 0
	for _, f := range r.File {
		name := entryName(f.Name, strip)
		if name == "" {
			continue
		}
		target := filepath.Join(absDest, name)
		if target != absDest && !strings.HasPrefix(target, absDest+string(os.PathSeparator)) {
			return written, errors.Wrapf(ErrExtraction, "entry %q escapes %s", f.Name, dest)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, errors.Wrapf(ErrExtraction, "create %s: %v", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// entryName maps an archive entry onto a path relative to the destination,
// returning "" for entries that are skipped.
func entryName(name, strip string) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	parts := strings.Split(name, "/")
	for _, p := range parts {
		if p == "__MACOSX" {
			return ""
		}
	}
	if strip != "" && parts[0] == strip {
		parts = parts[1:]
	}
	rel := strings.Join(parts, "/")
	if rel == "" {
		return ""
	}
	return filepath.FromSlash(rel)
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(ErrExtraction, "create %s: %v", filepath.Dir(target), err)
	}
	src, err := f.Open()
	if err != nil {
		return errors.Wrapf(ErrArchiveCorrupt, "open entry %s: %v", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(ErrExtraction, "create %s: %v", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrapf(ErrExtraction, "write %s: %v", target, err)
	}
	if err := dst.Close(); err != nil {
		return errors.Wrapf(ErrExtraction, "close %s: %v", target, err)
	}
	return nil
}
