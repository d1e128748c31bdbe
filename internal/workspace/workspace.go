// Package workspace owns the on-disk layout of the storage root:
//
//	<root>/work/<id>          per-job working directory
//	<root>/artifacts/<id>.md  finished artifact
//	<root>/uploads/<id>       staged upload files
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	workDir      = "work"
	artifactsDir = "artifacts"
	uploadsDir   = "uploads"
	artifactExt  = ".md"
)

type Layout struct {
	root string
}

// New creates the layout's directories under root.
func New(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	l := &Layout{root: abs}
	for _, dir := range []string{workDir, artifactsDir, uploadsDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return l, nil
}

func (l *Layout) Root() string                 { return l.root }
func (l *Layout) WorkDir(id string) string      { return filepath.Join(l.root, workDir, id) }
func (l *Layout) ArtifactPath(id string) string { return filepath.Join(l.root, artifactsDir, id+artifactExt) }
func (l *Layout) UploadDir(id string) string    { return filepath.Join(l.root, uploadsDir, id) }
func (l *Layout) LockPath() string              { return filepath.Join(l.root, ".sweep.lock") }

// Remove deletes everything stored for id. Missing paths are not an error.
func (l *Layout) Remove(id string) error {
	var errs []error
	for _, p := range []string{
		l.WorkDir(id),
		l.ArtifactPath(id),
		l.ArtifactPath(id) + ".tmp",
		l.UploadDir(id),
	} {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset empties dir, creating it if needed.
func Reset(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", filepath.Base(dir), err)
	}
	return os.MkdirAll(dir, 0o755)
}

// Usage returns the number of bytes stored under the root.
func (l *Layout) Usage() (int64, error) {
	return DirSize(l.root)
}

// DirSize sums the sizes of regular files below dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Entry is a top-level item under one of the layout's directories.
type Entry struct {
	ID      string
	Path    string
	ModTime time.Time
}

// Entries lists every job-keyed item on disk.
func (l *Layout) Entries() ([]Entry, error) {
	var out []Entry
	for _, dir := range []string{workDir, artifactsDir, uploadsDir} {
		items, err := os.ReadDir(filepath.Join(l.root, dir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, it := range items {
			info, err := it.Info()
			if err != nil {
				continue
			}
			id := it.Name()
			id = strings.TrimSuffix(id, ".tmp")
			id = strings.TrimSuffix(id, artifactExt)
			out = append(out, Entry{
				ID:      id,
				Path:    filepath.Join(l.root, dir, it.Name()),
				ModTime: info.ModTime(),
			})
		}
	}
	return out, nil
}
