package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/workspace"
)

// UploadAcquirer moves a staged upload into the working directory.
type UploadAcquirer struct {
	layout   *workspace.Layout
	policy   *Policy
	maxBytes int64
}

func NewUploadAcquirer(layout *workspace.Layout, policy *Policy, maxBytes int64) *UploadAcquirer {
	return &UploadAcquirer{layout: layout, policy: policy, maxBytes: maxBytes}
}

func (u *UploadAcquirer) Acquire(ctx context.Context, j *job.Job, workDir string) (Result, error) {
	staged := u.layout.UploadDir(j.ID)
	if _, err := os.Stat(staged); err != nil {
		return Result{}, job.Fail(job.KindInvalidInput, fmt.Errorf("staged upload missing: %w", err))
	}

	var total int64
	kept := 0
	err := filepath.WalkDir(staged, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if full == staged || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(staged, full)
		if err != nil {
			return err
		}
		clean, err := CleanPath(filepath.ToSlash(rel))
		if err != nil {
			return job.Fail(job.KindInvalidPath, err)
		}
		if !d.Type().IsRegular() {
			return job.Failf(job.KindInvalidPath, "%s is not a regular file", clean)
		}
		if u.policy.Ignored(clean) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if u.maxBytes > 0 && total > u.maxBytes {
			return job.Failf(job.KindPayloadTooLarge, "upload exceeds the size limit")
		}
		if err := moveFile(full, filepath.Join(workDir, filepath.FromSlash(clean))); err != nil {
			return err
		}
		kept++
		return nil
	})
	if err != nil {
		var f *job.Failure
		if errors.As(err, &f) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, job.Fail(job.KindInternal, fmt.Errorf("move upload: %w", err))
	}
	if kept == 0 {
		return Result{}, job.Failf(job.KindInvalidInput, "no valid files in upload")
	}
	if err := os.RemoveAll(staged); err != nil {
		return Result{}, job.Fail(job.KindInternal, fmt.Errorf("remove staged upload: %w", err))
	}
	return Result{Root: singleRoot(workDir)}, nil
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
