// Package pipeline drives a claimed job through acquisition and extraction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/promptman/promptman/internal/acquire"
	"github.com/promptman/promptman/internal/extract"
	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/workspace"
)

const defaultKillGrace = 5 * time.Second

// Runner implements job.Processor.
type Runner struct {
	repo      job.Repository
	acquirer  acquire.Acquirer
	extractor extract.Extractor
	layout    *workspace.Layout
	capacity  job.CapacityGuard
	timeout   time.Duration
	killGrace time.Duration
	now       func() time.Time
}

type Option func(*Runner)

func WithCapacityGuard(g job.CapacityGuard) Option { return func(r *Runner) { r.capacity = g } }
func WithTimeout(d time.Duration) Option           { return func(r *Runner) { r.timeout = d } }

// WithKillGrace bounds how long the runner waits for a stage to return after
// its deadline has passed.
func WithKillGrace(d time.Duration) Option { return func(r *Runner) { r.killGrace = d } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func NewRunner(repo job.Repository, acq acquire.Acquirer, ex extract.Extractor, layout *workspace.Layout, opts ...Option) *Runner {
	r := &Runner{
		repo:      repo,
		acquirer:  acq,
		extractor: ex,
		layout:    layout,
		timeout:   10 * time.Minute,
		killGrace: defaultKillGrace,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Process runs j to a terminal state. The returned error is the job's
// failure, already recorded on the job.
func (r *Runner) Process(ctx context.Context, j *job.Job) error {
	start := j.StartedAt
	if start.IsZero() {
		start = r.now()
	}
	deadline := start.Add(r.timeout)
	jctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	artifact, err := r.supervise(jctx, j)

	// Terminal writes must land even when the worker is shutting down.
	wctx := context.WithoutCancel(ctx)
	r.cleanup(j.ID)

	if err == nil {
		if _, uerr := r.repo.Update(wctx, j.ID, job.Patch{Status: job.StatusCompleted, ArtifactPath: artifact}); uerr != nil {
			slog.Error("pipeline: record completion", "job", j.ID, "error", uerr)
			_ = os.Remove(artifact)
			return uerr
		}
		slog.Info("pipeline: job completed", "job", j.ID, "type", j.Type, "elapsed", r.now().Sub(start))
		return nil
	}

	switch {
	case errors.Is(jctx.Err(), context.DeadlineExceeded):
		err = job.Fail(job.KindTimeout, fmt.Errorf("job exceeded timeout of %s", r.timeout))
	case ctx.Err() != nil:
		err = job.Fail(job.KindInternal, errors.New("job was interrupted by shutdown"))
	}
	r.fail(wctx, j, err)
	return err
}

type outcome struct {
	artifact string
	err      error
}

// supervise runs the stages in their own goroutine and gives up on them a
// grace period after ctx is done.
func (r *Runner) supervise(ctx context.Context, j *job.Job) (string, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("pipeline: panic", "job", j.ID, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: job.Failf(job.KindInternal, "internal error: %v", p)}
			}
		}()
		path, err := r.stages(ctx, j)
		done <- outcome{artifact: path, err: err}
	}()

	select {
	case o := <-done:
		return o.artifact, o.err
	case <-ctx.Done():
	}

	grace := time.NewTimer(r.killGrace)
	defer grace.Stop()
	select {
	case o := <-done:
		if o.err == nil {
			// Finished right at the deadline; the job is still over time.
			_ = os.Remove(o.artifact)
		}
	case <-grace.C:
		slog.Warn("pipeline: stage did not stop within grace period", "job", j.ID, "grace", r.killGrace)
		go r.reap(j.ID, done)
	}
	return "", ctx.Err()
}

// reap waits for an abandoned stage and removes whatever it left behind
// after the job was already failed and cleaned up.
func (r *Runner) reap(id string, done <-chan outcome) {
	o := <-done
	if o.err == nil {
		_ = os.Remove(o.artifact)
	}
	r.cleanup(id)
	slog.Info("pipeline: abandoned stage returned", "job", id)
}

func (r *Runner) stages(ctx context.Context, j *job.Job) (string, error) {
	if r.capacity != nil {
		if err := r.capacity.EnsureCapacity(ctx, 0); err != nil {
			return "", err
		}
	}

	workDir := r.layout.WorkDir(j.ID)
	if _, err := r.repo.Update(ctx, j.ID, job.Patch{WorkingDir: workDir}); err != nil {
		return "", fmt.Errorf("record working dir: %w", err)
	}

	res, err := r.acquirer.Acquire(ctx, j, workDir)
	if err != nil {
		return "", err
	}
	if _, err := r.repo.Update(ctx, j.ID, job.Patch{Status: job.StatusProcessing}); err != nil {
		return "", fmt.Errorf("advance to processing: %w", err)
	}
	slog.Info("pipeline: input acquired", "job", j.ID, "root", res.Root)

	out, err := r.extractor.Extract(ctx, extract.Request{
		InputDir:   res.Root,
		OutputPath: r.layout.ArtifactPath(j.ID),
		Include:    j.Options.IncludePatterns,
		Exclude:    j.Options.ExcludePatterns,
	})
	if err != nil {
		return "", err
	}
	slog.Info("pipeline: artifact written", "job", j.ID, "bytes", out.Bytes, "files", out.Files)
	return out.Path, nil
}

func (r *Runner) cleanup(id string) {
	if err := os.RemoveAll(r.layout.WorkDir(id)); err != nil {
		slog.Warn("pipeline: remove working dir", "job", id, "error", err)
	}
	_ = os.Remove(r.layout.ArtifactPath(id) + ".tmp")
}

func (r *Runner) fail(ctx context.Context, j *job.Job, err error) {
	kind := job.KindOf(err)
	msg := job.Redact(err.Error(), r.layout.Root())
	_ = os.Remove(r.layout.ArtifactPath(j.ID))

	if _, uerr := r.repo.Update(ctx, j.ID, job.Patch{Status: job.StatusFailed, Error: msg, ErrorKind: kind}); uerr != nil {
		if errors.Is(uerr, job.ErrInvalidTransition) {
			slog.Warn("pipeline: job already terminal", "job", j.ID, "error", uerr)
			return
		}
		slog.Error("pipeline: record failure", "job", j.ID, "error", uerr)
		return
	}
	slog.Warn("pipeline: job failed", "job", j.ID, "type", j.Type, "kind", kind, "error", msg)
}
