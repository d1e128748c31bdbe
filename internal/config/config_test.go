package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Port)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Concurrency)
	}
	if cfg.JobTimeout != 10*time.Minute || cfg.Retention != 10*time.Minute {
		t.Errorf("unexpected durations: timeout=%s retention=%s", cfg.JobTimeout, cfg.Retention)
	}
	if cfg.MaxUploadBytes != 100<<20 {
		t.Errorf("expected 100MiB upload limit, got %d", cfg.MaxUploadBytes)
	}
	if cfg.JobStoreURL != "sqlite://data/jobs.db" {
		t.Errorf("unexpected store url %q", cfg.JobStoreURL)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("expected two default origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.StoreTTL() != 15*time.Minute {
		t.Errorf("expected store ttl 15m, got %s", cfg.StoreTTL())
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("CONCURRENCY", "2")
	t.Setenv("JOB_TIMEOUT", "30s")
	t.Setenv("RETENTION", "1h")
	t.Setenv("MAX_STORAGE_BYTES", "1gb")
	t.Setenv("IGNORE_PATTERNS", "*.log, tmp/ ")
	t.Setenv("JOB_STORE_URL", "redis://localhost:6379/0")
	t.Setenv("EXTRACTOR", "CLI")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9001 || cfg.Concurrency != 2 || cfg.JobTimeout != 30*time.Second || cfg.Retention != time.Hour {
		t.Errorf("environment not applied: %+v", cfg)
	}
	if cfg.MaxStorageBytes != 1<<30 {
		t.Errorf("expected 1GiB storage limit, got %d", cfg.MaxStorageBytes)
	}
	if strings.Join(cfg.IgnorePatterns, "|") != "*.log|tmp/" {
		t.Errorf("unexpected ignore patterns %q", cfg.IgnorePatterns)
	}
	if cfg.Extractor != "cli" {
		t.Errorf("expected cli extractor, got %q", cfg.Extractor)
	}
	if cfg.JobStoreURL != "redis://localhost:6379/0" {
		t.Errorf("unexpected store url %q", cfg.JobStoreURL)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DATA_DIR=/srv/promptman\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Registered first so the variable is removed again after the test.
	t.Setenv("DATA_DIR", "")
	_ = os.Unsetenv("DATA_DIR")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "/srv/promptman" {
		t.Errorf("expected data dir from env file, got %q", cfg.DataDir)
	}
	if cfg.JobStoreURL != "sqlite:///srv/promptman/jobs.db" {
		t.Errorf("unexpected store url %q", cfg.JobStoreURL)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero concurrency", map[string]string{"CONCURRENCY": "0"}, "CONCURRENCY"},
		{"timeout past retention", map[string]string{"JOB_TIMEOUT": "2h", "RETENTION": "1h"}, "RETENTION"},
		{"unknown extractor", map[string]string{"EXTRACTOR": "magic"}, "EXTRACTOR"},
		{"unknown git backend", map[string]string{"GIT_BACKEND": "svn"}, "GIT_BACKEND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
