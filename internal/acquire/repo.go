package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/platform/proc"
)

// Cloner fetches a shallow copy of url into dest.
type Cloner interface {
	Clone(ctx context.Context, url, dest string) error
}

// GoGitCloner clones in-process with go-git.
type GoGitCloner struct{}

func (GoGitCloner) Clone(ctx context.Context, url, dest string) error {
	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	})
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	return nil
}

// CLICloner shells out to the git binary.
type CLICloner struct {
	Bin string
}

func (c CLICloner) Clone(ctx context.Context, url, dest string) error {
	bin := c.Bin
	if bin == "" {
		bin = "git"
	}
	_, err := proc.Run(ctx, proc.Cmd{
		Name: bin,
		Args: []string{"clone", "--depth", "1", "--single-branch", "--no-tags", "--", url, dest},
		Env:  []string{"GIT_TERMINAL_PROMPT=0"},
	})
	return err
}

// RepoAcquirer shallow-clones a job's repository into the working directory.
type RepoAcquirer struct {
	cloner  Cloner
	policy  *Policy
	timeout time.Duration
}

func NewRepoAcquirer(cloner Cloner, policy *Policy, timeout time.Duration) *RepoAcquirer {
	return &RepoAcquirer{cloner: cloner, policy: policy, timeout: timeout}
}

func (r *RepoAcquirer) Acquire(ctx context.Context, j *job.Job, workDir string) (Result, error) {
	u, err := job.ParseRepoURL(j.Source.RepoURL)
	if err != nil {
		return Result{}, job.Fail(job.KindInvalidInput, err)
	}

	cloneCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	dest := filepath.Join(workDir, job.RepoName(u.String()))
	if err := r.cloner.Clone(cloneCtx, u.String(), dest); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
			return Result{}, job.Fail(job.KindTimeout, fmt.Errorf("clone timed out: %w", context.DeadlineExceeded))
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, job.Fail(job.KindCloneFailed, err)
	}

	if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
		return Result{}, job.Fail(job.KindInternal, fmt.Errorf("remove git metadata: %w", err))
	}
	if err := r.policy.Prune(dest); err != nil {
		return Result{}, job.Fail(job.KindInternal, fmt.Errorf("prune clone: %w", err))
	}
	return Result{Root: dest}, nil
}
