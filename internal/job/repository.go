package job

import (
	"context"
	"io"
	"time"
)

// Repository is the job store. Implementations must apply Update atomically
// per record and reject patches that break the lifecycle (see Job.Apply).
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, p Patch) (*Job, error)
	Delete(ctx context.Context, id string) error
	// ClaimPending moves the oldest pending job into its acquisition status
	// and returns it, or returns nil when nothing is queued.
	ClaimPending(ctx context.Context) (*Job, error)
	ListUpdatedBefore(ctx context.Context, t time.Time, limit int) ([]Job, error)
	ListTerminal(ctx context.Context, limit int) ([]Job, error)
	// RecoverStale fails in-flight jobs started before the given time.
	RecoverStale(ctx context.Context, startedBefore time.Time) (int64, error)
}

// PartReader iterates over the files of an upload. Next returns io.EOF when
// there are no more parts.
type PartReader interface {
	Next() (path string, r io.Reader, err error)
}

// UploadStager persists an upload's files before the job is queued.
type UploadStager interface {
	Stage(ctx context.Context, id string, parts PartReader) (Source, error)
	Discard(id string) error
}

// CapacityGuard makes room on disk for need more bytes or fails.
type CapacityGuard interface {
	EnsureCapacity(ctx context.Context, need int64) error
}
