package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port        int
	DataDir     string
	JobStoreURL string

	Concurrency   int
	JobTimeout    time.Duration
	CloneTimeout  time.Duration
	Retention     time.Duration
	TTLGrace      time.Duration
	SweepInterval time.Duration

	MaxUploadBytes  int64
	MaxStorageBytes int64

	AllowedOrigins []string

	Extractor     string
	ExtractorBin  string
	ExtractorArgs []string
	TokenCount    bool

	GitBackend     string
	IgnorePatterns []string

	CrawlRate    float64
	CrawlWorkers int

	LogLevel  string
	LogFormat string
}

// StoreTTL is how long a job record lives in the store after its last
// terminal update.
func (c Config) StoreTTL() time.Duration { return c.Retention + c.TTLGrace }

// StaleAfter is the runtime past which an in-flight job is presumed dead.
func (c Config) StaleAfter() time.Duration { return c.JobTimeout + c.TTLGrace }

// Load reads the first of envFiles that exists into the environment and then
// builds the configuration from environment variables. Variables already set
// win over the file.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
		break
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		Port:            v.GetInt("port"),
		DataDir:         v.GetString("data_dir"),
		JobStoreURL:     v.GetString("job_store_url"),
		Concurrency:     v.GetInt("concurrency"),
		JobTimeout:      v.GetDuration("job_timeout"),
		CloneTimeout:    v.GetDuration("clone_timeout"),
		Retention:       v.GetDuration("retention"),
		TTLGrace:        v.GetDuration("ttl_grace"),
		SweepInterval:   v.GetDuration("sweep_interval"),
		MaxUploadBytes:  int64(v.GetSizeInBytes("max_upload_bytes")),
		MaxStorageBytes: int64(v.GetSizeInBytes("max_storage_bytes")),
		AllowedOrigins:  splitList(v.GetString("allowed_origins")),
		Extractor:       strings.ToLower(v.GetString("extractor")),
		ExtractorBin:    v.GetString("extractor_bin"),
		ExtractorArgs:   strings.Fields(v.GetString("extractor_args")),
		TokenCount:      v.GetBool("token_count"),
		GitBackend:      strings.ToLower(v.GetString("git_backend")),
		IgnorePatterns:  splitList(v.GetString("ignore_patterns")),
		CrawlRate:       v.GetFloat64("crawl_rate"),
		CrawlWorkers:    v.GetInt("crawl_workers"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
	}
	if cfg.JobStoreURL == "" {
		cfg.JobStoreURL = "sqlite://" + cfg.DataDir + "/jobs.db"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8000)
	v.SetDefault("data_dir", "data")
	v.SetDefault("job_store_url", "")
	v.SetDefault("concurrency", 4)
	v.SetDefault("job_timeout", "10m")
	v.SetDefault("clone_timeout", "5m")
	v.SetDefault("retention", "10m")
	v.SetDefault("ttl_grace", "5m")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("max_upload_bytes", "100mb")
	v.SetDefault("max_storage_bytes", "0")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://127.0.0.1:3000")
	v.SetDefault("extractor", "native")
	v.SetDefault("extractor_bin", "code2prompt")
	v.SetDefault("extractor_args", "")
	v.SetDefault("token_count", false)
	v.SetDefault("git_backend", "gogit")
	v.SetDefault("ignore_patterns", "")
	v.SetDefault("crawl_rate", 5.0)
	v.SetDefault("crawl_workers", 4)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("CONCURRENCY must be at least 1, got %d", c.Concurrency))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must be positive"))
	}
	if c.Retention < c.JobTimeout {
		errs = append(errs, fmt.Errorf("RETENTION (%s) must not be shorter than JOB_TIMEOUT (%s)", c.Retention, c.JobTimeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.Extractor != "native" && c.Extractor != "cli" {
		errs = append(errs, fmt.Errorf("EXTRACTOR must be native or cli, got %q", c.Extractor))
	}
	if c.GitBackend != "gogit" && c.GitBackend != "cli" {
		errs = append(errs, fmt.Errorf("GIT_BACKEND must be gogit or cli, got %q", c.GitBackend))
	}
	if c.CrawlWorkers < 1 {
		errs = append(errs, fmt.Errorf("CRAWL_WORKERS must be at least 1, got %d", c.CrawlWorkers))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
