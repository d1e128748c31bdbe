// Package acquire materializes a job's input into its working directory.
package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/workspace"
)

// Result describes acquired input.
type Result struct {
	// Root is the directory the extractor should read. It is workDir or a
	// single directory inside it.
	Root string
}

type Acquirer interface {
	Acquire(ctx context.Context, j *job.Job, workDir string) (Result, error)
}

type Registry struct {
	mu        sync.RWMutex
	acquirers map[job.Type]Acquirer
}

func NewRegistry() *Registry {
	return &Registry{acquirers: make(map[job.Type]Acquirer)}
}

func (r *Registry) Register(t job.Type, a Acquirer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquirers[t] = a
}

func (r *Registry) Get(t job.Type) (Acquirer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.acquirers[t]
	if !ok {
		return nil, fmt.Errorf("no acquirer registered for job type %q", t)
	}
	return a, nil
}

// Acquire dispatches on the job type. On failure workDir is left empty, or
// removed entirely when ctx is already done: by then the caller has given up
// on the job and owns cleanup of the directory.
func (r *Registry) Acquire(ctx context.Context, j *job.Job, workDir string) (Result, error) {
	a, err := r.Get(j.Type)
	if err != nil {
		return Result{}, job.Fail(job.KindInternal, err)
	}
	if err := workspace.Reset(workDir); err != nil {
		return Result{}, job.Fail(job.KindInternal, err)
	}
	res, err := a.Acquire(ctx, j, workDir)
	if err != nil {
		wipe := workspace.Reset
		if ctx.Err() != nil {
			wipe = os.RemoveAll
		}
		if rerr := wipe(workDir); rerr != nil {
			slog.Warn("acquire: clear working dir", "job", j.ID, "error", rerr)
		}
		return Result{}, err
	}
	return res, nil
}

// singleRoot descends into dir while it holds exactly one entry that is a
// directory, so archives wrapped in a top-level folder read naturally.
func singleRoot(dir string) string {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 1 || !entries[0].IsDir() {
			return dir
		}
		dir = filepath.Join(dir, entries[0].Name())
	}
}
