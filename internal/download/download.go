// Package download fetches remote files for the analysis: reference lists
// and linked datasets.
package download

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/kanaverse/bakana-sub002/internal/cache"
)

// Downloader returns the bytes behind a URL.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Func adapts a function to Downloader.
type Func func(ctx context.Context, url string) ([]byte, error)

func (f Func) Download(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// HTTP downloads with GET and keeps the bodies in an optional byte cache.
// It does not retry.
type HTTP struct {
	Client *http.Client
	Cache  *cache.Manager
	Log    logrus.FieldLogger
}

// NewHTTP creates a downloader around http.DefaultClient.
func NewHTTP(c *cache.Manager, log logrus.FieldLogger) *HTTP {
	return &HTTP{Client: http.DefaultClient, Cache: c, Log: log}
}

func (h *HTTP) Download(ctx context.Context, url string) ([]byte, error) {
	if h.Cache != nil {
		if b, ok := h.Cache.GetDownload(url); ok {
			return b, nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if h.Cache != nil {
		if err := h.Cache.SetDownload(url, b); err != nil && h.Log != nil {
			// oversized bodies are simply not cached
			h.Log.WithError(err).WithField("url", url).Debug("download not cached")
		}
	}
	return b, nil
}

// References resolves mitochondrial gene lists from a base URL holding
// files named <species>-mito-<type>.txt.gz, one identifier per line.
type References struct {
	BaseURL    string
	Downloader Downloader
	Cache      ReferenceCache
}

// ReferenceCache holds parsed reference lists between fetches.
type ReferenceCache interface {
	GetReference(species, idType string) ([]string, bool)
	SetReference(species, idType string, features []string)
}

var (
	_ ReferenceCache = (*cache.Manager)(nil)
	_ ReferenceCache = (*cache.References)(nil)
)

// MitochondrialGenes implements the QC reference source.
func (r *References) MitochondrialGenes(ctx context.Context, species, idType string) ([]string, error) {
	if r.Cache != nil {
		if genes, ok := r.Cache.GetReference(species, idType); ok {
			return genes, nil
		}
	}
	url := fmt.Sprintf("%s/%s-mito-%s.txt.gz", strings.TrimRight(r.BaseURL, "/"),
		strings.ToLower(species), strings.ToLower(idType))
	raw, err := r.Downloader.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	genes, err := ParseList(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", url, err)
	}
	if r.Cache != nil {
		r.Cache.SetReference(species, idType, genes)
	}
	return genes, nil
}

// ParseList reads one identifier per line, gunzipping when the payload
// carries the gzip magic. Blank lines are skipped.
func ParseList(raw []byte) ([]string, error) {
	var rd io.Reader = bytes.NewReader(raw)
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(rd)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		rd = zr
	}
	var out []string
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
