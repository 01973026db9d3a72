// Package config handles configuration loading for the analysis service.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kanaverse/bakana-sub002/internal/cache"
	"github.com/kanaverse/bakana-sub002/internal/linkstore"
)

// Config represents the service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Links      LinksConfig      `yaml:"links"`
	References ReferencesConfig `yaml:"references"`
	Output     OutputConfig     `yaml:"output"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	DownloadSizeMB     int `yaml:"download_size_mb"`
	DownloadTTLMinutes int `yaml:"download_ttl_minutes"`
	ImageSizeMB        int `yaml:"image_size_mb"`
	ReferenceEntries   int `yaml:"reference_entries"`
}

// Manager converts the section into cache manager settings.
func (c CacheConfig) Manager() cache.Config {
	return cache.Config{
		DownloadCacheSizeMB: c.DownloadSizeMB,
		DownloadTTL:         time.Duration(c.DownloadTTLMinutes) * time.Minute,
		ImageCacheSizeMB:    c.ImageSizeMB,
		ReferenceEntries:    c.ReferenceEntries,
	}
}

// StoreConfig contains run persistence and queue settings.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	Concurrency   int    `yaml:"concurrency"`
	QueueSize     int    `yaml:"queue_size"`
}

// LinksConfig selects where saved input files are kept.
type LinksConfig struct {
	Driver string   `yaml:"driver"`
	Root   string   `yaml:"root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config contains object storage settings. Credentials fall back to the
// AWS default chain when empty.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Store converts the section into link store settings.
func (l LinksConfig) Store() linkstore.Config {
	return linkstore.Config{
		Driver: l.Driver,
		Root:   l.Root,
		S3: linkstore.S3Config{
			Bucket:          l.S3.Bucket,
			Region:          l.S3.Region,
			Endpoint:        l.S3.Endpoint,
			Prefix:          l.S3.Prefix,
			PathStyle:       l.S3.PathStyle,
			AccessKeyID:     l.S3.AccessKeyID,
			SecretAccessKey: l.S3.SecretAccessKey,
		},
	}
}

// ReferencesConfig locates the mitochondrial gene lists.
type ReferencesConfig struct {
	BaseURL string `yaml:"base_url"`
}

// OutputConfig contains result bundle settings.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cache: CacheConfig{
			DownloadSizeMB:     256,
			DownloadTTLMinutes: 60,
			ImageSizeMB:        128,
			ReferenceEntries:   64,
		},
		Store: StoreConfig{
			Path:          "./data/runs.db",
			RetentionDays: 7,
			Concurrency:   1,
			QueueSize:     32,
		},
		Links: LinksConfig{
			Driver: linkstore.DriverFS,
			Root:   "./data/links",
		},
		References: ReferencesConfig{
			BaseURL: "https://github.com/kanaverse/kana-special-features/releases/download/v1.0.0",
		},
		Output: OutputConfig{
			Dir: "./data/results",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Cache.DownloadSizeMB == 0 {
		cfg.Cache.DownloadSizeMB = defaults.Cache.DownloadSizeMB
	}
	if cfg.Cache.DownloadTTLMinutes == 0 {
		cfg.Cache.DownloadTTLMinutes = defaults.Cache.DownloadTTLMinutes
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ReferenceEntries == 0 {
		cfg.Cache.ReferenceEntries = defaults.Cache.ReferenceEntries
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if cfg.Store.Concurrency <= 0 {
		cfg.Store.Concurrency = defaults.Store.Concurrency
	}
	if cfg.Store.QueueSize <= 0 {
		cfg.Store.QueueSize = defaults.Store.QueueSize
	}
	if cfg.Links.Driver == "" {
		cfg.Links.Driver = defaults.Links.Driver
	}
	if cfg.Links.Driver == linkstore.DriverFS && cfg.Links.Root == "" {
		cfg.Links.Root = defaults.Links.Root
	}
	if cfg.References.BaseURL == "" {
		cfg.References.BaseURL = defaults.References.BaseURL
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = defaults.Output.Dir
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}
