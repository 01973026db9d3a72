package cache

import (
	"testing"
	"time"
)

func TestImageKey(t *testing.T) {
	base := "img:run1:tsne:clusters"

	t.Run("nilOptions", func(t *testing.T) {
		got := ImageKey("run1", "tsne", "clusters", nil)
		if got != base {
			t.Fatalf("expected %q, got %q", base, got)
		}
	})

	t.Run("sortedOptions", func(t *testing.T) {
		key1 := ImageKey("run1", "tsne", "clusters", map[string]string{"size": "512", "point": "2"})
		key2 := ImageKey("run1", "tsne", "clusters", map[string]string{"point": "2", "size": "512"})
		if key1 != key2 {
			t.Fatalf("expected stable key, got %q vs %q", key1, key2)
		}
		if key1 == base {
			t.Fatalf("expected options to change the key, got %q", key1)
		}
	})
}

func TestManager(t *testing.T) {
	m, err := NewManager(Config{DownloadCacheSizeMB: 8, DownloadTTL: time.Minute, ImageCacheSizeMB: 8, ReferenceEntries: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.SetDownload("http://x/y", []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if got, ok := m.GetDownload("http://x/y"); !ok || string(got) != "abc" {
		t.Fatalf("unexpected download %q %v", got, ok)
	}
	if _, ok := m.GetImage("missing"); ok {
		t.Fatal("expected image miss")
	}

	m.SetReference("Human", "ensembl", []string{"ENSG1"})
	if got, ok := m.GetReference("human", "ENSEMBL"); !ok || len(got) != 1 {
		t.Fatalf("expected case-normalised reference hit, got %v %v", got, ok)
	}
	m.SetReference("mouse", "SYMBOL", nil)
	m.SetReference("fly", "SYMBOL", nil)
	if _, ok := m.GetReference("human", "ENSEMBL"); ok {
		t.Fatal("expected the oldest reference to be evicted")
	}
	if n := m.PurgeReferences(); n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
}
