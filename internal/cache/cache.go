// Package cache provides caching for rendered tiles, interpolated reference
// libraries and classification results.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/reference"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	LibraryEntries  int
	ResultEntries   int
	QueryCacheSize  int
}

// Manager manages the tile, library, result and query caches.
type Manager struct {
	tileCache    *bigcache.BigCache
	libraryCache *lru.Cache[string, *reference.Interpolated]
	resultCache  *lru.Cache[string, *pipeline.Result]
	queryCache   *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.LibraryEntries <= 0 {
		cfg.LibraryEntries = 32
	}
	if cfg.ResultEntries <= 0 {
		cfg.ResultEntries = 4
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	tileCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       100 * 1024, // 100KB per tile
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	libraryCache, err := lru.New[string, *reference.Interpolated](cfg.LibraryEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create library cache: %w", err)
	}

	resultCache, err := lru.New[string, *pipeline.Result](cfg.ResultEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		tileCache:    tileCache,
		libraryCache: libraryCache,
		resultCache:  resultCache,
		queryCache:   queryCache,
	}, nil
}

// GetTile retrieves a tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores a tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetLibrary implements pipeline.LibraryCache.
func (m *Manager) GetLibrary(key string) (*reference.Interpolated, bool) {
	return m.libraryCache.Get(key)
}

// SetLibrary implements pipeline.LibraryCache.
func (m *Manager) SetLibrary(key string, lib *reference.Interpolated) {
	m.libraryCache.Add(key, lib)
}

// GetResult retrieves a classification result by run id.
func (m *Manager) GetResult(runID string) (*pipeline.Result, bool) {
	return m.resultCache.Get(runID)
}

// SetResult stores a classification result by run id.
func (m *Manager) SetResult(runID string, res *pipeline.Result) {
	m.resultCache.Add(runID, res)
}

// RemoveResult drops a run's result.
func (m *Manager) RemoveResult(runID string) {
	m.resultCache.Remove(runID)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// TileKey generates a cache key for a rendered run tile.
func TileKey(runID, suffix, kind string, z, x, y int, colormap string) string {
	return fmt.Sprintf("tile:%s:%s:%s:%d/%d/%d:%s", runID, suffix, kind, z, x, y, colormap)
}

// LegendKey generates a cache key for a rendered legend.
func LegendKey(database string) string {
	return "legend:" + database
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len":    m.tileCache.Len(),
		"tile_cache_cap":    m.tileCache.Capacity(),
		"library_cache_len": m.libraryCache.Len(),
		"result_cache_len":  m.resultCache.Len(),
		"query_cache_len":   m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}

var _ pipeline.LibraryCache = (*Manager)(nil)
