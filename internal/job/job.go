package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeUpload  Type = "upload"
	TypeRepo    Type = "repo"
	TypeWebsite Type = "website"
)

func (t Type) Valid() bool {
	switch t {
	case TypeUpload, TypeRepo, TypeWebsite:
		return true
	}
	return false
}

// AcquireStatus is the status a job of this type enters when it leaves pending.
func (t Type) AcquireStatus() Status {
	switch t {
	case TypeUpload:
		return StatusUploading
	case TypeRepo:
		return StatusCloning
	default:
		return StatusCrawling
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusCloning    Status = "cloning"
	StatusCrawling   Status = "crawling"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether a worker owns the job right now.
func (s Status) InFlight() bool {
	switch s {
	case StatusUploading, StatusCloning, StatusCrawling, StatusProcessing:
		return true
	}
	return false
}

func (s Status) acquiring() bool {
	return s == StatusUploading || s == StatusCloning || s == StatusCrawling
}

// CanTransition reports whether from -> to is an edge of the lifecycle:
//
//	pending -> uploading|cloning|crawling -> processing -> completed
//	any non-terminal -> failed
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed:
		return true
	case StatusUploading, StatusCloning, StatusCrawling:
		return from == StatusPending
	case StatusProcessing:
		return from.acquiring()
	case StatusCompleted:
		return from == StatusProcessing
	}
	return false
}

// Source describes where a job's input comes from.
type Source struct {
	Files      int    `json:"files,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	Digest     string `json:"digest,omitempty"`
	RepoURL    string `json:"repo_url,omitempty"`
	WebsiteURL string `json:"website_url,omitempty"`
}

// Options is the extraction/crawl configuration captured at submission.
type Options struct {
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	MaxDepth        int      `json:"max_depth,omitempty"`
	MaxPages        int      `json:"max_pages,omitempty"`
	StayOnDomain    bool     `json:"stay_on_domain,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
}

type Job struct {
	ID           string    `json:"job_id"`
	Type         Type      `json:"type"`
	Status       Status    `json:"status"`
	Source       Source    `json:"source"`
	Options      Options   `json:"options"`
	WorkingDir   string    `json:"working_dir,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    Kind      `json:"error_kind,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
}

// NewID returns a fresh job id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id could have been issued by NewID. Ids are used
// in filesystem paths, so anything else is rejected before it gets there.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// Patch is a partial update. Zero-valued fields are left untouched.
type Patch struct {
	Status       Status
	WorkingDir   string
	ArtifactPath string
	Error        string
	ErrorKind    Kind
}

// Apply validates p against j's current state and applies it in place.
// It enforces the lifecycle order and the terminal-state invariant: a
// completed job has an artifact and no error, a failed job has an error and
// no artifact, and a non-terminal job has neither.
func (j *Job) Apply(p Patch, now time.Time) error {
	next := j.Status
	if p.Status != "" && p.Status != j.Status {
		if !CanTransition(j.Status, p.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, p.Status)
		}
		next = p.Status
	} else if j.Status.Terminal() {
		return fmt.Errorf("%w: job is already %s", ErrInvalidTransition, j.Status)
	}

	switch next {
	case StatusCompleted:
		if p.ArtifactPath == "" || p.Error != "" {
			return fmt.Errorf("%w: completed job needs an artifact and no error", ErrInvariant)
		}
	case StatusFailed:
		if p.ArtifactPath != "" {
			return fmt.Errorf("%w: failed job cannot have an artifact", ErrInvariant)
		}
		if p.Error == "" {
			p.Error = "unknown error"
		}
		if p.ErrorKind == "" {
			p.ErrorKind = KindInternal
		}
	default:
		if p.ArtifactPath != "" || p.Error != "" {
			return fmt.Errorf("%w: %s job cannot carry an artifact or error", ErrInvariant, next)
		}
	}

	if j.Status == StatusPending && next != StatusPending {
		j.StartedAt = now
	}
	j.Status = next
	if p.WorkingDir != "" {
		j.WorkingDir = p.WorkingDir
	}
	if next == StatusCompleted {
		j.ArtifactPath = p.ArtifactPath
	}
	if next == StatusFailed {
		j.Error = p.Error
		j.ErrorKind = p.ErrorKind
	}
	j.UpdatedAt = now
	return nil
}
