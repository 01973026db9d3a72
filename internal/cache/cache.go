// Package cache provides caching for downloads, rendered plots and
// reference feature lists.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	DownloadCacheSizeMB int
	DownloadTTL         time.Duration
	ImageCacheSizeMB    int
	ReferenceEntries    int
}

// Manager manages the byte caches and the reference list cache.
type Manager struct {
	downloads  *bigcache.BigCache
	images     *bigcache.BigCache
	references *References
}

// References is an LRU of reference feature lists keyed by species and
// identifier type.
type References struct {
	lists *lru.Cache[string, []string]
}

// NewReferences creates a reference cache holding up to entries lists.
func NewReferences(entries int) (*References, error) {
	lists, err := lru.New[string, []string](entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference cache: %w", err)
	}
	return &References{lists: lists}, nil
}

// GetReference retrieves a reference feature list.
func (r *References) GetReference(species, idType string) ([]string, bool) {
	return r.lists.Get(ReferenceKey(species, idType))
}

// SetReference stores a reference feature list.
func (r *References) SetReference(species, idType string, features []string) {
	r.lists.Add(ReferenceKey(species, idType), features)
}

// Purge empties the cache and returns how many lists were dropped.
func (r *References) Purge() int {
	n := r.lists.Len()
	r.lists.Purge()
	return n
}

// Len returns the number of cached lists.
func (r *References) Len() int { return r.lists.Len() }

func newByteCache(sizeMB int, ttl time.Duration, maxEntry int) (*bigcache.BigCache, error) {
	return bigcache.New(context.Background(), bigcache.Config{
		Shards:             256,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       maxEntry,
		HardMaxCacheSize:   sizeMB,
		Verbose:            false,
	})
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	downloads, err := newByteCache(cfg.DownloadCacheSizeMB, cfg.DownloadTTL, 1024*1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create download cache: %w", err)
	}
	// plots never expire on their own; their keys change with the run
	images, err := newByteCache(cfg.ImageCacheSizeMB, 24*time.Hour, 256*1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}
	references, err := NewReferences(cfg.ReferenceEntries)
	if err != nil {
		return nil, err
	}
	return &Manager{downloads: downloads, images: images, references: references}, nil
}

// GetDownload retrieves downloaded bytes.
func (m *Manager) GetDownload(url string) ([]byte, bool) {
	data, err := m.downloads.Get(url)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetDownload stores downloaded bytes.
func (m *Manager) SetDownload(url string, data []byte) error {
	return m.downloads.Set(url, data)
}

// GetImage retrieves a rendered plot.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.images.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetImage stores a rendered plot.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.images.Set(key, data)
}

// GetReference retrieves a reference feature list.
func (m *Manager) GetReference(species, idType string) ([]string, bool) {
	return m.references.GetReference(species, idType)
}

// SetReference stores a reference feature list.
func (m *Manager) SetReference(species, idType string, features []string) {
	m.references.SetReference(species, idType, features)
}

// PurgeReferences empties the reference cache and returns how many lists
// were dropped.
func (m *Manager) PurgeReferences() int {
	return m.references.Purge()
}

// ReferenceKey generates a cache key for a reference list.
func ReferenceKey(species, idType string) string {
	return strings.ToLower(species) + ":" + strings.ToUpper(idType)
}

// ImageKey generates a cache key for an embedding plot. Options are hashed
// in sorted key order.
func ImageKey(runID, embedding, colorBy string, opts map[string]string) string {
	base := fmt.Sprintf("img:%s:%s:%s", runID, embedding, colorBy)
	if len(opts) == 0 {
		return base
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(k + "=" + opts[k]))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"download_cache_len":  m.downloads.Len(),
		"download_cache_cap":  m.downloads.Capacity(),
		"image_cache_len":     m.images.Len(),
		"reference_cache_len": m.references.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	if err := m.images.Close(); err != nil {
		return err
	}
	return m.downloads.Close()
}
