// Package crawler walks a website breadth-first, or best-first when keywords
// are given, and hands every fetched page to the caller as Markdown.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Request struct {
	StartURL     string
	MaxDepth     int
	MaxPages     int
	StayOnDomain bool
	Include      []string
	Exclude      []string
	Keywords     []string
}

type Page struct {
	URL      string
	Title    string
	Depth    int
	Markdown string
}

type Stats struct {
	Visited int
	Failed  int
}

// Crawler fetches pages and calls visit for each one in crawl order. An error
// from visit stops the crawl.
type Crawler interface {
	Crawl(ctx context.Context, req Request, visit func(Page) error) (Stats, error)
}

const (
	defaultUserAgent = "PromptManBot/1.0 (+https://github.com/promptman/promptman)"
	maxBodyBytes     = 5 << 20
	maxRedirects     = 10
)

type HTTPCrawler struct {
	workers   int
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func New(opts ...Option) *HTTPCrawler {
	c := &HTTPCrawler{
		workers:   4,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(5), 1),
		userAgent: defaultUserAgent,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Option func(*HTTPCrawler)

func WithWorkers(n int) Option {
	return func(c *HTTPCrawler) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithClient(hc *http.Client) Option {
	return func(c *HTTPCrawler) { c.client = hc }
}

// WithRate limits requests per second across all workers. Zero or less
// disables the limit.
func WithRate(perSecond float64) Option {
	return func(c *HTTPCrawler) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

func WithUserAgent(ua string) Option {
	return func(c *HTTPCrawler) { c.userAgent = ua }
}

type fetched struct {
	item *item
	// final is the normalized URL the response came from after redirects.
	final string
	title string
	body  string
	links []link
	err   error
}

func (c *HTTPCrawler) Crawl(ctx context.Context, req Request, visit func(Page) error) (Stats, error) {
	var stats Stats
	start, err := normalize(req.StartURL, nil)
	if err != nil {
		return stats, fmt.Errorf("invalid start url: %w", err)
	}
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	scope, err := newScope(start, req)
	if err != nil {
		return stats, err
	}
	keywords := lowerAll(req.Keywords)
	client := c.scopedClient(scope)

	front := newFrontier()
	front.push(start.String(), 0, 0)
	seen := map[string]bool{start.String(): true}

	for front.Len() > 0 && stats.Visited < maxPages {
		batch := front.popN(min(c.workers, maxPages-stats.Visited))
		results := make([]fetched, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for i, it := range batch {
			g.Go(func() error {
				results[i] = c.fetch(gctx, client, it)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		for _, r := range results {
			if r.err != nil {
				if r.item.url == start.String() {
					return stats, fmt.Errorf("fetch start page: %w", r.err)
				}
				slog.Debug("crawler: skip page", "url", r.item.url, "error", r.err)
				stats.Failed++
				continue
			}
			if stats.Visited >= maxPages {
				break
			}

			pageURL := r.item.url
			if r.final != "" && r.final != pageURL {
				if seen[r.final] {
					slog.Debug("crawler: skip duplicate redirect", "url", r.item.url, "final", r.final)
					continue
				}
				seen[r.final] = true
				pageURL = r.final
			}

			page := Page{URL: pageURL, Title: r.title, Depth: r.item.depth, Markdown: r.body}
			if err := visit(page); err != nil {
				return stats, err
			}
			stats.Visited++

			if r.item.depth >= req.MaxDepth {
				continue
			}
			pageHits := countHits(strings.ToLower(r.body), keywords)
			for _, l := range r.links {
				u := l.url.String()
				if seen[u] || !scope.allows(l.url) {
					continue
				}
				seen[u] = true
				score := pageHits + 2*countHits(strings.ToLower(l.text+" "+u), keywords)
				front.push(u, r.item.depth+1, score)
			}
		}
	}

	if stats.Visited == 0 {
		return stats, errors.New("no pages could be fetched")
	}
	return stats, nil
}

// scopedClient copies the configured client and refuses redirects that leave
// the crawl domain, so a redirect cannot smuggle in a foreign page.
func (c *HTTPCrawler) scopedClient(s *scope) *http.Client {
	hc := *c.client
	next := hc.CheckRedirect
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if !s.allowsHost(req.URL) {
			return fmt.Errorf("redirect to %s leaves the crawl domain", req.URL.Host)
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &hc
}

func (c *HTTPCrawler) fetch(ctx context.Context, client *http.Client, it *item) fetched {
	out := fetched{item: it}
	if err := c.limiter.Wait(ctx); err != nil {
		out.err = err
		return out
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.url, nil)
	if err != nil {
		out.err = err
		return out
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		out.err = err
		return out
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return out
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, _ := mime.ParseMediaType(ct)
		if mt != "text/html" && mt != "application/xhtml+xml" {
			out.err = fmt.Errorf("unsupported content type %q", mt)
			return out
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		out.err = fmt.Errorf("read body: %w", err)
		return out
	}

	base := resp.Request.URL
	if final, err := normalize(base.String(), nil); err == nil {
		out.final = final.String()
	}
	doc, err := parseDocument(raw, base)
	if err != nil {
		out.err = err
		return out
	}
	out.title = doc.title
	out.links = doc.links

	conv := md.NewConverter(base.Host, true, nil)
	body, err := conv.ConvertString(string(raw))
	if err != nil {
		out.err = fmt.Errorf("convert to markdown: %w", err)
		return out
	}
	out.body = body
	return out
}

// normalize resolves ref against base and drops the fragment. Only http(s)
// URLs are accepted.
func normalize(ref string, base *url.URL) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func countHits(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		n += strings.Count(text, k)
	}
	return n
}
