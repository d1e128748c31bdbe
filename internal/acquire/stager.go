package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/workspace"
)

// Stager writes uploaded files to <root>/uploads/<id> while the request is
// still being read. It is the synchronous half of an upload job.
type Stager struct {
	layout   *workspace.Layout
	policy   *Policy
	maxBytes int64
}

func NewStager(layout *workspace.Layout, policy *Policy, maxBytes int64) *Stager {
	return &Stager{layout: layout, policy: policy, maxBytes: maxBytes}
}

type stagedFile struct {
	path string
	size int64
}

func (s *Stager) Stage(ctx context.Context, id string, parts job.PartReader) (src job.Source, err error) {
	dir := s.layout.UploadDir(id)
	if err := workspace.Reset(dir); err != nil {
		return job.Source{}, job.Fail(job.KindInternal, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	files := make(map[string]int64)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return job.Source{}, err
		}
		raw, r, err := parts.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return job.Source{}, job.Fail(job.KindInvalidInput, fmt.Errorf("read upload: %w", err))
		}

		rel, err := CleanPath(raw)
		if err != nil {
			return job.Source{}, job.Fail(job.KindInvalidPath, err)
		}
		if s.policy.Ignored(rel) {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return job.Source{}, job.Fail(job.KindInvalidInput, fmt.Errorf("read upload: %w", err))
			}
			continue
		}

		remaining := s.maxBytes - total + files[rel]
		n, err := writeLimited(filepath.Join(dir, filepath.FromSlash(rel)), r, remaining, s.maxBytes > 0)
		if err != nil {
			return job.Source{}, err
		}
		total += n - files[rel]
		files[rel] = n
	}

	if len(files) == 0 {
		return job.Source{}, job.Failf(job.KindInvalidInput, "no valid files in upload")
	}

	list := make([]stagedFile, 0, len(files))
	for p, n := range files {
		list = append(list, stagedFile{path: p, size: n})
	}
	return job.Source{Files: len(list), Bytes: total, Digest: digest(list)}, nil
}

func (s *Stager) Discard(id string) error {
	return os.RemoveAll(s.layout.UploadDir(id))
}

func writeLimited(dst string, r io.Reader, remaining int64, limited bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, job.Fail(job.KindInvalidPath, fmt.Errorf("create %s: %w", filepath.Base(filepath.Dir(dst)), err))
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, job.Fail(job.KindInvalidPath, fmt.Errorf("create %s: %w", filepath.Base(dst), err))
	}
	defer func() { _ = f.Close() }()

	if limited {
		r = io.LimitReader(r, remaining+1)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		return n, job.Fail(job.KindInvalidInput, fmt.Errorf("write %s: %w", filepath.Base(dst), err))
	}
	if limited && n > remaining {
		return n, job.Failf(job.KindPayloadTooLarge, "upload exceeds the size limit")
	}
	return n, f.Close()
}

// digest hashes the sorted (path, size) pairs of an upload.
func digest(files []stagedFile) string {
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%d\n", f.path, f.size)
	}
	return hex.EncodeToString(h.Sum(nil))
}
