package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/promptman/promptman/internal/crawler"
	"github.com/promptman/promptman/internal/job"
)

// WebsiteAcquirer crawls a site and writes one Markdown file per page.
type WebsiteAcquirer struct {
	crawler crawler.Crawler
}

func NewWebsiteAcquirer(c crawler.Crawler) *WebsiteAcquirer {
	return &WebsiteAcquirer{crawler: c}
}

func (w *WebsiteAcquirer) Acquire(ctx context.Context, j *job.Job, workDir string) (Result, error) {
	req := crawler.Request{
		StartURL:     j.Source.WebsiteURL,
		MaxDepth:     j.Options.MaxDepth,
		MaxPages:     j.Options.MaxPages,
		StayOnDomain: j.Options.StayOnDomain,
		Include:      j.Options.IncludePatterns,
		Exclude:      j.Options.ExcludePatterns,
		Keywords:     j.Options.Keywords,
	}

	written := 0
	_, err := w.crawler.Crawl(ctx, req, func(p crawler.Page) error {
		written++
		name := fmt.Sprintf("%04d-%s.md", written, slug(p.URL))
		return os.WriteFile(filepath.Join(workDir, name), []byte(renderPage(p)), 0o644)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, job.Fail(job.KindTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, job.Fail(job.KindCrawlFailed, err)
	}
	if written == 0 {
		return Result{}, job.Failf(job.KindCrawlFailed, "no pages could be crawled from %s", j.Source.WebsiteURL)
	}
	return Result{Root: workDir}, nil
}

func renderPage(p crawler.Page) string {
	var b strings.Builder
	title := p.Title
	if title == "" {
		title = p.URL
	}
	fmt.Fprintf(&b, "# %s\n\nSource: %s\n\n", title, p.URL)
	b.WriteString(strings.TrimSpace(p.Markdown))
	b.WriteString("\n")
	return b.String()
}

var nonSlug = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func slug(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.Trim(nonSlug.ReplaceAllString(s, "-"), "-")
	s = strings.ToLower(s)
	if len(s) > 80 {
		s = strings.TrimRight(s[:80], "-")
	}
	if s == "" {
		return "page"
	}
	return s
}
