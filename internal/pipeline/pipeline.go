// Package pipeline runs optical water type classification of a reflectance
// cube against one or more reference databases.
package pipeline

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
	"github.com/obs2co/owt-server/internal/reference"
	"github.com/obs2co/owt-server/internal/scheduler"
)

const (
	DefaultWavelengthMin = 350
	DefaultWavelengthMax = 800
)

// DatabaseConfig selects one reference database and names its output layer.
type DatabaseConfig struct {
	Name    string `json:"name" yaml:"name"`
	Variant string `json:"variant,omitempty" yaml:"variant"`
	Suffix  string `json:"suffix" yaml:"suffix"`
}

// LibraryCache stores interpolated libraries across runs.
type LibraryCache interface {
	GetLibrary(key string) (*reference.Interpolated, bool)
	SetLibrary(key string, lib *reference.Interpolated)
}

// Options configures a pipeline run.
type Options struct {
	WavelengthMin     float64
	WavelengthMax     float64
	TileEdge          int
	Workers           int
	ParallelDatabases bool
	Cache             LibraryCache
	Logger            *zap.Logger
}

// Execute classifies cube against every configured database. Libraries are
// loaded and checked before any tile is dispatched; any failure aborts the
// whole run.
func Execute(cube *raster.Cube, dbs []DatabaseConfig, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.WavelengthMin == 0 && opts.WavelengthMax == 0 {
		opts.WavelengthMin = DefaultWavelengthMin
		opts.WavelengthMax = DefaultWavelengthMax
	}

	if err := cube.Validate(); err != nil {
		return nil, err
	}
	if len(dbs) == 0 {
		return nil, owterr.Config("configure", "", fmt.Errorf("%w: no databases configured", owterr.ErrInvalidOption))
	}
	if opts.WavelengthMin > opts.WavelengthMax {
		return nil, owterr.Config("configure", "", fmt.Errorf("%w: wavelength window [%g, %g]",
			owterr.ErrInvalidOption, opts.WavelengthMin, opts.WavelengthMax))
	}
	if err := checkSuffixes(dbs); err != nil {
		return nil, err
	}

	libs := make([]*reference.Library, len(dbs))
	for i, db := range dbs {
		lib, err := reference.Load(db.Name, db.Variant)
		if err != nil {
			return nil, err
		}
		if !lib.Overlaps(opts.WavelengthMin, opts.WavelengthMax) {
			lo, hi := lib.Range()
			return nil, owterr.Config("configure", db.Name, fmt.Errorf("%w: window [%g, %g] vs [%g, %g]",
				owterr.ErrNoOverlap, opts.WavelengthMin, opts.WavelengthMax, lo, hi))
		}
		libs[i] = lib
	}

	bands := cube.BandsWithin(opts.WavelengthMin, opts.WavelengthMax)
	if len(bands) == 0 {
		return nil, owterr.Data("select", "", fmt.Errorf("%w: no raster band in [%g, %g] nm",
			owterr.ErrOutOfRange, opts.WavelengthMin, opts.WavelengthMax))
	}
	targets := make([]float64, len(bands))
	for i, b := range bands {
		targets[i] = cube.Wavelengths[b]
	}

	refs := make([]*reference.Interpolated, len(dbs))
	for i, lib := range libs {
		p, err := interpolate(lib, targets, bands, opts.Cache)
		if err != nil {
			return nil, err
		}
		refs[i] = p
	}

	log.Info("classifying",
		zap.Int("rows", cube.Rows),
		zap.Int("cols", cube.Cols),
		zap.Int("bands", len(bands)),
		zap.Int("databases", len(dbs)),
	)

	sched := scheduler.Options{TileEdge: opts.TileEdge, Workers: opts.Workers, Logger: log}
	layers := make([]Layer, len(dbs))
	run := func(i int) error {
		start := time.Now()
		out, err := scheduler.Run(cube, refs[i], sched)
		if err != nil {
			return owterr.WithDatabase(err, dbs[i].Name)
		}
		layers[i] = newLayer(dbs[i], refs[i], out)
		log.Info("database classified",
			zap.String("database", dbs[i].Name),
			zap.String("suffix", dbs[i].Suffix),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil
	}

	if opts.ParallelDatabases && len(dbs) > 1 {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs error
		)
		for i := range dbs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := run(i); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if errs != nil {
			return nil, errs
		}
	} else {
		for i := range dbs {
			if err := run(i); err != nil {
				return nil, err
			}
		}
	}

	return Merge(cube, layers)
}

func interpolate(lib *reference.Library, targets []float64, bands []int, cache LibraryCache) (*reference.Interpolated, error) {
	key := LibraryKey(lib.Database, lib.Variant, targets)
	if cache != nil {
		if p, ok := cache.GetLibrary(key); ok {
			return remap(p, bands), nil
		}
	}
	p, err := lib.Interpolate(targets)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.SetLibrary(key, p)
	}
	return remap(p, bands), nil
}

// remap translates band positions within targets into cube band indices.
// The cached value is never modified.
func remap(p *reference.Interpolated, bands []int) *reference.Interpolated {
	out := *p
	out.Bands = make([]int, len(p.Bands))
	for i, j := range p.Bands {
		out.Bands[i] = bands[j]
	}
	return &out
}

// LibraryKey identifies an interpolated library by database, variant and
// target grid.
func LibraryKey(database, variant string, targets []float64) string {
	h := fnv.New64a()
	var buf [8]byte
	for _, t := range targets {
		bits := math.Float64bits(t)
		for i := range buf {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
	}
	return database + ":" + variant + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func checkSuffixes(dbs []DatabaseConfig) error {
	seen := make(map[string]string, len(dbs))
	for _, db := range dbs {
		if prev, ok := seen[db.Suffix]; ok {
			return owterr.Config("configure", db.Name, fmt.Errorf("%w: %q already used by %s",
				owterr.ErrDuplicateSuffix, db.Suffix, prev))
		}
		seen[db.Suffix] = db.Name
	}
	return nil
}

// ErrNoLayer is returned by Result lookups for an unknown suffix.
var ErrNoLayer = errors.New("no layer with that suffix")
