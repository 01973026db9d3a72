package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/download"
)

type countingDownloader struct {
	calls int
	urls  []string
}

func (c *countingDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	c.calls++
	c.urls = append(c.urls, url)
	return []byte("MT-ND1\nMT-CO1\n"), nil
}

func TestReferenceFetchesUseDownloader(t *testing.T) {
	tests := []struct {
		name    string
		species string
		// viaEnv passes the downloader in the Env instead of the setter.
		viaEnv bool
	}{
		{name: "process default", species: "zebrafish"},
		{name: "explicit env", species: "axolotl", viaEnv: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			PurgeReferenceCache()
			t.Cleanup(func() { PurgeReferenceCache() })

			fake := &countingDownloader{}
			env := quietEnv()
			if tt.viaEnv {
				env.Downloader = fake
			} else {
				prev := SetDownloader(fake)
				t.Cleanup(func() { SetDownloader(prev) })
			}
			e, err := New(env)
			require.NoError(t, err)
			t.Cleanup(e.Free)

			ctx := context.Background()
			genes, err := e.Env().References.MitochondrialGenes(ctx, tt.species, "SYMBOL")
			require.NoError(t, err)
			assert.Equal(t, []string{"MT-ND1", "MT-CO1"}, genes)
			assert.Equal(t, 1, fake.calls)
			assert.Equal(t, []string{DefaultReferenceURL + "/" + tt.species + "-mito-symbol.txt.gz"}, fake.urls)

			// the second lookup is served from the process-wide cache
			_, err = e.Env().References.MitochondrialGenes(ctx, tt.species, "symbol")
			require.NoError(t, err)
			assert.Equal(t, 1, fake.calls)
		})
	}
}

func TestSetReferenceSourceOverridesDownloader(t *testing.T) {
	fake := &countingDownloader{}
	prevDl := SetDownloader(fake)
	t.Cleanup(func() { SetDownloader(prevDl) })

	src := &download.References{BaseURL: "https://example.org", Downloader: download.Func(
		func(ctx context.Context, url string) ([]byte, error) { return []byte("MT-A\n"), nil })}
	prev := SetReferenceSource(src)
	t.Cleanup(func() { SetReferenceSource(prev) })

	e := newEngine(t)
	genes, err := e.Env().References.MitochondrialGenes(context.Background(), "human", "ENSEMBL")
	require.NoError(t, err)
	assert.Equal(t, []string{"MT-A"}, genes)
	assert.Zero(t, fake.calls)
}
