package job

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Processor takes a job that has just entered its acquisition status
// (uploading, cloning or crawling) and carries it to completed or failed.
type Processor interface {
	Process(ctx context.Context, j *Job) error
}

// WorkerPool bounds how many jobs run at once. Each of its workers claims
// the oldest pending job from the store, which moves it to the acquisition
// status for its type and stamps started_at, then hands it to the Processor.
// With every worker busy, submitted jobs wait in pending and are picked up
// in submission order.
type WorkerPool struct {
	repo      Repository
	processor Processor
	ceiling   int
	wake      chan struct{}
	// pollInterval catches jobs queued by another process or missed wakeups.
	pollInterval time.Duration
}

func NewWorkerPool(repo Repository, processor Processor, ceiling int) *WorkerPool {
	if ceiling <= 0 {
		ceiling = 1
	}
	return &WorkerPool{
		repo:         repo,
		processor:    processor,
		ceiling:      ceiling,
		wake:         make(chan struct{}, 1),
		pollInterval: 2 * time.Second,
	}
}

// Notify tells the pool a job was submitted. It never blocks; one pending
// wakeup is enough since a woken worker keeps claiming until the queue is
// empty.
func (wp *WorkerPool) Notify() {
	select {
	case wp.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled. A job already in flight at that point
// is handed the cancelled ctx and Run waits for its Processor to return.
func (wp *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for slot := range wp.ceiling {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wp.work(ctx, slog.With("worker", slot))
		}()
	}
	wg.Wait()
}

func (wp *WorkerPool) work(ctx context.Context, log *slog.Logger) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		for wp.runNext(ctx, log) {
		}

		select {
		case <-ctx.Done():
			return
		case <-wp.wake:
		case <-ticker.C:
		}
	}
}

// runNext claims and processes one job. It reports false when the queue is
// empty, the claim failed or the pool is stopping.
func (wp *WorkerPool) runNext(ctx context.Context, log *slog.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	j, err := wp.repo.ClaimPending(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		log.Error("worker: claim pending", "error", err)
		return false
	case err != nil, j == nil:
		return false
	}

	// The queue may hold more; pass the wakeup on to an idle worker.
	wp.Notify()

	log.Info("worker: job claimed", "job", j.ID, "type", j.Type, "status", j.Status)
	if err := wp.processor.Process(ctx, j); err != nil {
		log.Error("worker: process job", "job", j.ID, "error", err)
	}
	return true
}
