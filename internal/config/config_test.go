package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kanaverse/bakana-sub002/internal/linkstore"
)

func TestLoad_FullFile(t *testing.T) {
	content := `
server:
  port: 9000
  cors_origins: ["https://kana.example.org"]
cache:
  download_size_mb: 64
  download_ttl_minutes: 5
store:
  path: "/var/lib/kana/runs.db"
  concurrency: 4
links:
  driver: s3
  s3:
    bucket: kana-links
    region: eu-west-1
    endpoint: "http://minio:9000"
    path_style: true
logging:
  level: debug
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://kana.example.org" {
		t.Errorf("unexpected cors origins: %v", cfg.Server.CORSOrigins)
	}
	if cfg.Store.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Store.Concurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %q", cfg.Logging.Level)
	}

	links := cfg.Links.Store()
	if links.Driver != linkstore.DriverS3 {
		t.Errorf("expected s3 driver, got %q", links.Driver)
	}
	if links.S3.Bucket != "kana-links" || !links.S3.PathStyle {
		t.Errorf("unexpected s3 settings: %+v", links.S3)
	}
	if links.Root != "" {
		t.Errorf("s3 driver should not get a root, got %q", links.Root)
	}

	mc := cfg.Cache.Manager()
	if mc.DownloadCacheSizeMB != 64 {
		t.Errorf("expected download cache 64MB, got %d", mc.DownloadCacheSizeMB)
	}
	if mc.DownloadTTL != 5*time.Minute {
		t.Errorf("expected ttl 5m, got %s", mc.DownloadTTL)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
store:
  retention_days: 30
`
	cfg := loadFromString(t, content)
	defaults := DefaultConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"port", cfg.Server.Port, 8080},
		{"retention", cfg.Store.RetentionDays, 30},
		{"store path", cfg.Store.Path, defaults.Store.Path},
		{"queue size", cfg.Store.QueueSize, defaults.Store.QueueSize},
		{"links driver", cfg.Links.Driver, linkstore.DriverFS},
		{"links root", cfg.Links.Root, defaults.Links.Root},
		{"references", cfg.References.BaseURL, defaults.References.BaseURL},
		{"output", cfg.Output.Dir, defaults.Output.Dir},
		{"level", cfg.Logging.Level, "info"},
		{"image cache", cfg.Cache.ImageSizeMB, defaults.Cache.ImageSizeMB},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, tc.got)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed yaml")
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
