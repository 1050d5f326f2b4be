package packager

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"
)

// MS-DOS encoding of 1980-01-01 00:00:00, the zip epoch.
const (
	fixedDOSDate uint16 = 1<<5 | 1
	fixedDOSTime uint16 = 0
)

const (
	fileMode       fs.FileMode = 0644
	executableMode fs.FileMode = 0755
)

// archiveEntry is a regular file to be written to the archive.
type archiveEntry struct {
	rel        string
	path       string
	executable bool
}

// collectEntries walks dir and returns every regular file not excluded,
// sorted by slash path. File symlinks are followed; directory and dangling
// symlinks are skipped.
func collectEntries(ctx context.Context, dir string, ex *Excluder) ([]archiveEntry, error) {
	var entries []archiveEntry

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ex.ExcludeDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if ex.ExcludeFile(rel) {
			return nil
		}

		info, err := os.Stat(p)
		if err != nil {
			if d.Type()&fs.ModeSymlink != 0 {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		entries = append(entries, archiveEntry{
			rel:        rel,
			path:       p,
			executable: info.Mode().Perm()&0111 != 0,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

// writeArchive writes entries to w as a deterministic zip.
// Every header carries the same timestamp and a mode derived only from the
// executable bit, so identical content always yields identical bytes.
func writeArchive(ctx context.Context, w io.Writer, entries []archiveEntry) error {
	zw := zip.NewWriter(w)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr := &zip.FileHeader{
			Name:   e.rel,
			Method: zip.Deflate,
		}
		hdr.ModifiedDate = fixedDOSDate
		hdr.ModifiedTime = fixedDOSTime
		if e.executable {
			hdr.SetMode(executableMode)
		} else {
			hdr.SetMode(fileMode)
		}

		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", e.rel, err)
		}
		if err := copyFileTo(fw, e.path); err != nil {
			return fmt.Errorf("failed to add %s: %w", e.rel, err)
		}
	}

	return zw.Close()
}

func copyFileTo(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}
