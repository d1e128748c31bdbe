// Package extract flattens an input directory into a single Markdown
// artifact.
package extract

import (
	"context"
	"fmt"
	"os"

	"github.com/promptman/promptman/internal/job"
)

type Request struct {
	InputDir   string
	OutputPath string
	Include    []string
	Exclude    []string
}

type Result struct {
	Path   string
	Bytes  int64
	Files  int
	Tokens int
}

type Extractor interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

func tmpPath(out string) string { return out + ".tmp" }

// commit moves a finished temporary artifact into place. Missing and empty
// output both count as extraction failures.
func commit(out string) (int64, error) {
	tmp := tmpPath(out)
	info, err := os.Stat(tmp)
	if err != nil {
		return 0, job.Failf(job.KindExtractionFailed, "extractor produced no output")
	}
	if info.Size() == 0 {
		_ = os.Remove(tmp)
		return 0, job.Failf(job.KindExtractionFailed, "extractor produced empty output")
	}
	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return 0, job.Fail(job.KindInternal, fmt.Errorf("move artifact into place: %w", err))
	}
	return info.Size(), nil
}
