// Package retention evicts expired jobs and keeps the storage root within
// its capacity limit.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/promptman/promptman/internal/apperror"
	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/workspace"
)

// ErrStorageFull is returned when eviction cannot bring usage under the limit.
var ErrStorageFull = job.Failf(job.KindStorageFull, "storage capacity exceeded")

const listBatch = 100

// Report summarizes one sweep.
type Report struct {
	Recovered int64
	Evicted   int
	Orphans   int
	Usage     int64
}

type Sweeper struct {
	repo       job.Repository
	layout     *workspace.Layout
	retention  time.Duration
	maxBytes   int64
	staleAfter time.Duration
	lock       *flock.Flock
	now        func() time.Time

	// mu serializes sweeps and capacity evictions within the process; the
	// file lock does the same across processes sharing the root.
	mu sync.Mutex
}

type Option func(*Sweeper)

// WithMaxBytes sets the storage capacity. Zero means unbounded.
func WithMaxBytes(n int64) Option { return func(s *Sweeper) { s.maxBytes = n } }

// WithStaleAfter fails in-flight jobs that started longer ago than d.
func WithStaleAfter(d time.Duration) Option { return func(s *Sweeper) { s.staleAfter = d } }

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func NewSweeper(repo job.Repository, layout *workspace.Layout, retention time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		repo:      repo,
		layout:    layout,
		retention: retention,
		lock:      flock.New(layout.LockPath()),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("retention: sweep", "error", err)
			}
		}
	}
}

// Sweep runs one retention pass. If another process holds the sweep lock the
// pass is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLock()
	if err != nil {
		return Report{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !locked {
		slog.Debug("retention: sweep already running elsewhere")
		return Report{}, nil
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("retention: release sweep lock", "error", err)
		}
	}()

	var rep Report
	now := s.now()

	if s.staleAfter > 0 {
		n, err := s.repo.RecoverStale(ctx, now.Add(-s.staleAfter))
		if err != nil {
			return rep, fmt.Errorf("recover stale jobs: %w", err)
		}
		rep.Recovered = n
	}

	cutoff := now.Add(-s.retention)
	for {
		jobs, err := s.repo.ListUpdatedBefore(ctx, cutoff, listBatch)
		if err != nil {
			return rep, fmt.Errorf("list expired jobs: %w", err)
		}
		for i := range jobs {
			if err := s.evict(ctx, &jobs[i]); err != nil {
				return rep, err
			}
			rep.Evicted++
		}
		if len(jobs) < listBatch {
			break
		}
	}

	orphans, err := s.removeOrphans(ctx, cutoff)
	rep.Orphans = orphans
	if err != nil {
		return rep, err
	}

	if err := s.ensureCapacity(ctx, 0); err != nil && !errors.Is(err, ErrStorageFull) {
		return rep, err
	}
	rep.Usage, _ = s.layout.Usage()

	if rep.Recovered > 0 || rep.Evicted > 0 || rep.Orphans > 0 {
		slog.Info("retention: sweep finished",
			"recovered", rep.Recovered, "evicted", rep.Evicted, "orphans", rep.Orphans, "usage", rep.Usage)
	}
	return rep, nil
}

// evict deletes the record first so the job stops being visible before any
// of its files disappear.
func (s *Sweeper) evict(ctx context.Context, j *job.Job) error {
	if err := s.repo.Delete(ctx, j.ID); err != nil && !errors.Is(err, job.ErrNotFound) {
		return fmt.Errorf("delete job %s: %w", j.ID, err)
	}
	if err := s.layout.Remove(j.ID); err != nil {
		// The orphan pass retries.
		slog.Warn("retention: remove job files", "job", j.ID, "error", err)
	}
	slog.Debug("retention: evicted job", "job", j.ID, "status", j.Status)
	return nil
}

func (s *Sweeper) removeOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := s.layout.Entries()
	if err != nil {
		return 0, fmt.Errorf("list storage: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.ModTime.Before(cutoff) {
			continue
		}
		if job.ValidID(e.ID) {
			_, err := s.repo.Get(ctx, e.ID)
			if err == nil {
				continue
			}
			if !apperror.Is(err, apperror.NotFound) {
				return removed, fmt.Errorf("look up %s: %w", e.ID, err)
			}
		}
		if err := os.RemoveAll(e.Path); err != nil {
			slog.Warn("retention: remove orphan", "path", e.Path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// EnsureCapacity evicts the oldest finished jobs until need more bytes fit
// under the limit.
func (s *Sweeper) EnsureCapacity(ctx context.Context, need int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureCapacity(ctx, need)
}

func (s *Sweeper) ensureCapacity(ctx context.Context, need int64) error {
	if s.maxBytes <= 0 {
		return nil
	}
	usage, err := s.layout.Usage()
	if err != nil {
		return fmt.Errorf("measure storage: %w", err)
	}
	if usage+need <= s.maxBytes {
		return nil
	}

	jobs, err := s.repo.ListTerminal(ctx, 0)
	if err != nil {
		return fmt.Errorf("list finished jobs: %w", err)
	}
	for i := range jobs {
		if err := s.evict(ctx, &jobs[i]); err != nil {
			return err
		}
		if usage, err = s.layout.Usage(); err != nil {
			return fmt.Errorf("measure storage: %w", err)
		}
		if usage+need <= s.maxBytes {
			slog.Info("retention: freed storage", "evicted", i+1, "usage", usage)
			return nil
		}
	}
	slog.Warn("retention: storage full", "usage", usage, "need", need, "limit", s.maxBytes)
	return ErrStorageFull
}
