package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/cache"
)

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestHTTPCachesBodies(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c, err := cache.NewManager(cache.Config{DownloadCacheSizeMB: 4, DownloadTTL: time.Minute, ImageCacheSizeMB: 4, ReferenceEntries: 4})
	require.NoError(t, err)
	defer c.Close()

	h := NewHTTP(c, nil)
	for i := 0; i < 2; i++ {
		b, err := h.Download(context.Background(), srv.URL+"/file")
		require.NoError(t, err)
		assert.Equal(t, "payload", string(b))
	}
	assert.Equal(t, 1, hits)

	_, err = h.Download(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestReferences(t *testing.T) {
	var asked []string
	dl := Func(func(ctx context.Context, url string) ([]byte, error) {
		asked = append(asked, url)
		return gz(t, "MT-CO1\n\nMT-ND1\n"), nil
	})
	c, err := cache.NewManager(cache.Config{DownloadCacheSizeMB: 4, DownloadTTL: time.Minute, ImageCacheSizeMB: 4, ReferenceEntries: 4})
	require.NoError(t, err)
	defer c.Close()

	r := &References{BaseURL: "https://example.org/lists/", Downloader: dl, Cache: c}
	genes, err := r.MitochondrialGenes(context.Background(), "human", "SYMBOL")
	require.NoError(t, err)
	assert.Equal(t, []string{"MT-CO1", "MT-ND1"}, genes)

	_, err = r.MitochondrialGenes(context.Background(), "human", "SYMBOL")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.org/lists/human-mito-symbol.txt.gz"}, asked)
}

func TestParseListPlain(t *testing.T) {
	got, err := ParseList([]byte("a\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}
