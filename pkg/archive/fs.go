package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Amaury/arkiv-lock/pkg/fault"
)

var ErrUnsafePath = errors.New("archive: entry name escapes the destination")

// AddTree walks each root and adds every regular file it finds, in byte
// order of entry name, with its permission bits and modification time.
// Entry names are slash-separated and relative to the root's parent, so
// adding "/home/me/photos" yields names like "photos/2024/a.jpg".
// Symlinks, directories and special files are skipped.
func AddTree(w *Writer, roots ...string) error {
	files := make(map[string]string)
	for _, root := range roots {
		root = filepath.Clean(root)
		base := filepath.Dir(root)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			// Overlapping roots yield the same name once.
			name := filepath.ToSlash(rel)
			if prev, ok := files[name]; ok && prev != p {
				return fault.Logicf("%w: %q from %s and %s", ErrDuplicateEntry, name, prev, p)
			}
			files[name] = p
			return nil
		})
		if err != nil {
			return err
		}
	}

	// Add the files in name order.
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := addFile(w, name, files[name]); err != nil {
			return err
		}
	}
	return nil
}

func addFile(w *Writer, name, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	ew, err := w.Open(name, true, WithMode(fi.Mode()), WithModTime(fi.ModTime()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(ew, f); err != nil {
		ew.Close()
		return fmt.Errorf("archive: adding %s: %w", p, err)
	}
	return ew.Close()
}

// Extract restores under dest the entries whose names start with one of the
// prefixes, or every entry when prefixes is empty. Parent directories are
// created as needed. File modes and times are applied after the content is
// written.
func Extract(r *Reader, dest string, prefixes []string) error {
	entries, err := r.Entries()
	if err != nil {
		return err
	}

	// Check every name before touching the filesystem.
	wanted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !matchesPrefix(e.Name, prefixes) {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(e.Name)) {
			return fault.Formatf("%w: %q", ErrUnsafePath, e.Name)
		}
		wanted = append(wanted, e)
	}
	if len(wanted) == 0 {
		return nil
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, e := range wanted {
		if err := extractOne(r, dest, e); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(r *Reader, dest string, e Entry) error {
	out := filepath.Join(dest, filepath.FromSlash(e.Name))
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	rc, err := r.Open(e.Name)
	if err != nil {
		return err
	}
	defer rc.Close()

	// Write the content, then apply mode and time.
	f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(out)
		return fmt.Errorf("archive: extracting %q: %w", e.Name, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	mode := e.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(out, mode); err != nil {
		return err
	}
	if !e.ModTime.IsZero() {
		_ = os.Chtimes(out, time.Now(), e.ModTime)
	}
	return nil
}

// List writes one line per entry matching prefixes:
//
//	-rw-r--r--  1234 2024-01-02 15:04 path/to/file
//
// Times are shown in the local time zone.
func List(r *Reader, w io.Writer, prefixes []string) error {
	entries, err := r.Entries()
	if err != nil {
		return err
	}
	// Listing is in byte order of the logical names.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		if !matchesPrefix(e.Name, prefixes) {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s %10d %s %s\n", e.Mode, e.Size, formatLocalTime(e.ModTime), e.Name); err != nil {
			return err
		}
	}
	return nil
}

// formatLocalTime formats a timestamp in local time as "YYYY-MM-DD HH:MM".
func formatLocalTime(t time.Time) string {
	return t.In(time.Local).Format("2006-01-02 15:04")
}

// matchesPrefix reports whether name starts with one of prefixes. No
// prefixes matches everything.
func matchesPrefix(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
