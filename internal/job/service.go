package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/promptman/promptman/internal/apperror"
)

type Service struct {
	repo      Repository
	stager    UploadStager
	capacity  CapacityGuard
	notify    func()
	retention time.Duration
	now       func() time.Time
}

type ServiceOption func(*Service)

func WithStager(st UploadStager) ServiceOption       { return func(s *Service) { s.stager = st } }
func WithCapacityGuard(g CapacityGuard) ServiceOption { return func(s *Service) { s.capacity = g } }
func WithNotifier(fn func()) ServiceOption            { return func(s *Service) { s.notify = fn } }

// WithRetention makes Get hide jobs that have not been touched for d, even
// before the sweeper has evicted them.
func WithRetention(d time.Duration) ServiceOption { return func(s *Service) { s.retention = d } }

func WithClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, notify: func() {}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitUpload stages the uploaded files and queues a job for them.
func (s *Service) SubmitUpload(ctx context.Context, req UploadRequest, parts PartReader) (string, error) {
	if s.stager == nil {
		return "", apperror.New(apperror.Unavailable, "uploads are not enabled")
	}
	id := NewID()
	src, err := s.stager.Stage(ctx, id, parts)
	if err != nil {
		return "", submitError(err)
	}
	if s.capacity != nil {
		if err := s.capacity.EnsureCapacity(ctx, 0); err != nil {
			s.discard(id)
			return "", submitError(err)
		}
	}
	j := &Job{
		ID:     id,
		Type:   TypeUpload,
		Source: src,
		Options: Options{
			IncludePatterns: req.IncludePatterns,
			ExcludePatterns: req.ExcludePatterns,
		},
	}
	if err := s.create(ctx, j); err != nil {
		s.discard(id)
		return "", err
	}
	return id, nil
}

func (s *Service) SubmitRepo(ctx context.Context, req RepoRequest) (string, error) {
	repoURL, err := req.Validate()
	if err != nil {
		return "", err
	}
	j := &Job{
		ID:      NewID(),
		Type:    TypeRepo,
		Source:  Source{RepoURL: repoURL},
		Options: req.Options(),
	}
	if err := s.create(ctx, j); err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *Service) SubmitWebsite(ctx context.Context, req WebsiteRequest) (string, error) {
	siteURL, err := req.Validate()
	if err != nil {
		return "", err
	}
	j := &Job{
		ID:      NewID(),
		Type:    TypeWebsite,
		Source:  Source{WebsiteURL: siteURL},
		Options: req.Options(),
	}
	if err := s.create(ctx, j); err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *Service) create(ctx context.Context, j *Job) error {
	now := s.now().UTC()
	j.Status = StatusPending
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := s.repo.Create(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	slog.Info("job submitted", "job", j.ID, "type", j.Type)
	s.notify()
	return nil
}

func (s *Service) discard(id string) {
	if err := s.stager.Discard(id); err != nil {
		slog.Warn("discard staged upload", "job", id, "error", err)
	}
}

// Get returns the job, treating records past their retention window as gone.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.retention > 0 && s.now().After(j.UpdatedAt.Add(s.retention)) {
		return nil, ErrNotFound
	}
	return j, nil
}

// Artifact returns the path of a completed job's result file.
func (s *Service) Artifact(ctx context.Context, id string) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case StatusCompleted:
	case StatusFailed:
		return nil, apperror.New(apperror.BadRequest, "job failed: "+j.Error)
	default:
		return nil, apperror.New(apperror.Conflict, "job is not completed yet")
	}
	if _, err := os.Stat(j.ArtifactPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperror.New(apperror.NotFound, "result file not found")
		}
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return j, nil
}

// RecoverStaleJobs fails jobs whose worker cannot still be running.
func (s *Service) RecoverStaleJobs(ctx context.Context, maxRuntime time.Duration) error {
	n, err := s.repo.RecoverStale(ctx, s.now().Add(-maxRuntime))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("failed interrupted jobs", "count", n)
	}
	return nil
}

// submitError converts acquisition failures raised during staging into API errors.
func submitError(err error) error {
	if _, ok := apperror.As(err); ok {
		return err
	}
	var f *Failure
	if errors.As(err, &f) {
		return apperror.Wrap(f.Kind.HTTP(), Redact(f.Err.Error()), err)
	}
	return fmt.Errorf("stage upload: %w", err)
}
