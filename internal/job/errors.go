package job

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/promptman/promptman/internal/apperror"
)

// Kind classifies why a job failed. It is recorded on the job next to the
// human-readable error.
type Kind string

const (
	KindInvalidInput     Kind = "InvalidInput"
	KindInvalidPath      Kind = "InvalidPath"
	KindPayloadTooLarge  Kind = "PayloadTooLarge"
	KindCloneFailed      Kind = "CloneFailed"
	KindCrawlFailed      Kind = "CrawlFailed"
	KindExtractionFailed Kind = "ExtractionFailed"
	KindTimeout          Kind = "Timeout"
	KindStorageFull      Kind = "StorageFull"
	KindInternal         Kind = "Internal"
)

var (
	ErrInvalidTransition = apperror.New(apperror.Conflict, "invalid job state transition")
	ErrInvariant         = apperror.New(apperror.Internal, "job record invariant violated")
	ErrExists            = apperror.New(apperror.Conflict, "job already exists")
	ErrNotFound          = apperror.New(apperror.NotFound, "job not found")
)

// Failure attaches a Kind to an error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string { return f.Err.Error() }
func (f *Failure) Unwrap() error { return f.Err }

func Fail(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Err: err}
}

func Failf(kind Kind, format string, args ...any) error {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost Failure in err's chain. Deadline
// errors without an explicit kind are timeouts.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// HTTP maps a submission-time failure onto the API error space.
func (k Kind) HTTP() apperror.Code {
	switch k {
	case KindInvalidInput, KindInvalidPath:
		return apperror.BadRequest
	case KindPayloadTooLarge:
		return apperror.PayloadTooLarge
	case KindStorageFull:
		return apperror.InsufficientStorage
	default:
		return apperror.Internal
	}
}

const maxErrorLen = 512

var userinfoRE = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s]+@`)

// Redact makes msg safe to show to clients: URL credentials are masked,
// the given filesystem roots are stripped and the result is truncated.
func Redact(msg string, roots ...string) string {
	msg = userinfoRE.ReplaceAllString(msg, "${1}***@")
	for _, root := range roots {
		if root == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, strings.TrimRight(root, "/")+"/", "")
		msg = strings.ReplaceAll(msg, root, "")
	}
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLen {
		cut := maxErrorLen
		for cut > 0 && !isRuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
