package commands

import (
	"context"
	"fmt"

	"github.com/promptman/promptman/internal/acquire"
	"github.com/promptman/promptman/internal/config"
	"github.com/promptman/promptman/internal/crawler"
	"github.com/promptman/promptman/internal/extract"
	"github.com/promptman/promptman/internal/job"
	"github.com/promptman/promptman/internal/pipeline"
	jobrepo "github.com/promptman/promptman/internal/repository/job"
	"github.com/promptman/promptman/internal/retention"
	"github.com/promptman/promptman/internal/workspace"
)

// components holds everything both commands need.
type components struct {
	store   *jobrepo.Store
	layout  *workspace.Layout
	policy  *acquire.Policy
	sweeper *retention.Sweeper
}

func openComponents(ctx context.Context, cfg config.Config) (*components, error) {
	layout, err := workspace.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare storage: %w", err)
	}
	store, err := jobrepo.Open(ctx, cfg.JobStoreURL, cfg.StoreTTL())
	if err != nil {
		return nil, err
	}
	sweeper := retention.NewSweeper(store, layout, cfg.Retention,
		retention.WithMaxBytes(cfg.MaxStorageBytes),
		retention.WithStaleAfter(cfg.StaleAfter()),
	)
	return &components{
		store:   store,
		layout:  layout,
		policy:  acquire.NewPolicy(cfg.IgnorePatterns...),
		sweeper: sweeper,
	}, nil
}

func (c *components) Close() error { return c.store.Close() }

func (c *components) registry(cfg config.Config) *acquire.Registry {
	var cloner acquire.Cloner = acquire.GoGitCloner{}
	if cfg.GitBackend == "cli" {
		cloner = acquire.CLICloner{Bin: "git"}
	}
	r := acquire.NewRegistry()
	r.Register(job.TypeUpload, acquire.NewUploadAcquirer(c.layout, c.policy, cfg.MaxUploadBytes))
	r.Register(job.TypeRepo, acquire.NewRepoAcquirer(cloner, c.policy, cfg.CloneTimeout))
	r.Register(job.TypeWebsite, acquire.NewWebsiteAcquirer(crawler.New(
		crawler.WithWorkers(cfg.CrawlWorkers),
		crawler.WithRate(cfg.CrawlRate),
	)))
	return r
}

func newExtractor(cfg config.Config) extract.Extractor {
	if cfg.Extractor == "cli" {
		return extract.NewCLIExtractor(cfg.ExtractorBin, cfg.ExtractorArgs)
	}
	var opts []extract.NativeOption
	if cfg.TokenCount {
		opts = append(opts, extract.WithTokenCount())
	}
	return extract.NewNativeExtractor(opts...)
}

func (c *components) runner(cfg config.Config) *pipeline.Runner {
	return pipeline.NewRunner(c.store, c.registry(cfg), newExtractor(cfg), c.layout,
		pipeline.WithTimeout(cfg.JobTimeout),
		pipeline.WithCapacityGuard(c.sweeper),
	)
}
