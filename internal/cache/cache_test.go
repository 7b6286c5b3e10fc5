package cache

import (
	"testing"
	"time"

	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/reference"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{TileCacheSizeMB: 8, TileTTL: time.Minute, LibraryEntries: 2, ResultEntries: 1})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestTileKey(t *testing.T) {
	got := TileKey("run-1", "_bi", "index", 2, 1, 3, "legend")
	want := "tile:run-1:_bi:index:2/1/3:legend"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if TileKey("run-1", "", "score", 2, 1, 3, "viridis") == TileKey("run-1", "", "index", 2, 1, 3, "viridis") {
		t.Fatal("expected kind to change the key")
	}
}

func TestTileRoundTrip(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.GetTile("missing"); ok {
		t.Fatal("expected miss")
	}
	if err := m.SetTile("k", []byte("png")); err != nil {
		t.Fatalf("SetTile error: %v", err)
	}
	data, ok := m.GetTile("k")
	if !ok || string(data) != "png" {
		t.Fatalf("unexpected tile: %q %v", data, ok)
	}
}

func TestLibraryCacheEvicts(t *testing.T) {
	m := newTestManager(t)
	for _, key := range []string{"a", "b", "c"} {
		m.SetLibrary(key, &reference.Interpolated{Database: key})
	}
	if _, ok := m.GetLibrary("a"); ok {
		t.Fatal("expected oldest library to be evicted")
	}
	if p, ok := m.GetLibrary("c"); !ok || p.Database != "c" {
		t.Fatalf("expected library c, got %v %v", p, ok)
	}
}

func TestResultCache(t *testing.T) {
	m := newTestManager(t)
	m.SetResult("r1", &pipeline.Result{Rows: 2, Cols: 3})
	if res, ok := m.GetResult("r1"); !ok || res.Cols != 3 {
		t.Fatalf("unexpected result: %v %v", res, ok)
	}
	m.RemoveResult("r1")
	if _, ok := m.GetResult("r1"); ok {
		t.Fatal("expected result to be removed")
	}
	if m.Stats()["result_cache_len"].(int) != 0 {
		t.Fatal("expected empty result cache")
	}
}
