// Package scheduler partitions a raster into square tiles and classifies them
// on a fixed pool of workers.
package scheduler

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
	"github.com/obs2co/owt-server/internal/reference"
	"github.com/obs2co/owt-server/internal/sam"
)

const (
	DefaultTileEdge = 1024
	DefaultWorkers  = 8
)

// Options controls tiling and parallelism.
type Options struct {
	TileEdge int
	Workers  int
	// Serial runs every tile on the calling goroutine.
	Serial bool
	Logger *zap.Logger
}

// Output holds full-raster classification buffers in row-major order.
type Output struct {
	Rows  int
	Cols  int
	Index []int32
	Score []float32
}

// Partition splits a rows x cols raster into row-major square tiles of the
// given edge, truncated at the bounds.
func Partition(rows, cols, edge int) ([]raster.Window, error) {
	if rows <= 0 || cols <= 0 {
		return nil, owterr.Data("partition", "", fmt.Errorf("%w: %dx%d", owterr.ErrDegenerateCube, rows, cols))
	}
	if edge <= 0 {
		return nil, owterr.Config("partition", "", fmt.Errorf("%w: tile edge %d", owterr.ErrInvalidOption, edge))
	}
	windows := make([]raster.Window, 0, ceilDiv(rows, edge)*ceilDiv(cols, edge))
	for r := 0; r < rows; r += edge {
		for c := 0; c < cols; c += edge {
			windows = append(windows, raster.Window{
				Row:    r,
				Col:    c,
				Height: min(edge, rows-r),
				Width:  min(edge, cols-c),
			})
		}
	}
	return windows, nil
}

// task is the unit sent to workers.
type task struct {
	window raster.Window
}

// Run classifies every pixel of cube against refs. The cube and refs are
// shared read-only; each tile writes only its own window of the output.
func Run(cube *raster.Cube, refs *reference.Interpolated, opts Options) (*Output, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TileEdge == 0 {
		opts.TileEdge = DefaultTileEdge
	}
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Workers < 0 {
		return nil, owterr.Config("schedule", dbName(refs), fmt.Errorf("%w: workers %d", owterr.ErrInvalidOption, opts.Workers))
	}
	if cube == nil {
		return nil, owterr.Data("schedule", dbName(refs), owterr.ErrDegenerateCube)
	}

	windows, err := Partition(cube.Rows, cube.Cols, opts.TileEdge)
	if err != nil {
		return nil, owterr.WithDatabase(err, dbName(refs))
	}

	n := cube.PixelCount()
	out := &Output{
		Rows:  cube.Rows,
		Cols:  cube.Cols,
		Index: make([]int32, n),
		Score: make([]float32, n),
	}
	for i := range out.Score {
		out.Score[i] = sam.ScoreNoData
	}

	workers := min(opts.Workers, len(windows))
	if opts.Serial {
		workers = 1
	}

	log.Debug("dispatching tiles",
		zap.String("database", dbName(refs)),
		zap.Int("tiles", len(windows)),
		zap.Int("tile_edge", opts.TileEdge),
		zap.Int("workers", workers),
		zap.String("output", humanize.IBytes(uint64(n)*8)),
	)
	start := time.Now()

	var errs error
	if workers <= 1 {
		for _, w := range windows {
			errs = multierr.Append(errs, runTile(cube, refs, out, w))
		}
	} else {
		errs = runPool(cube, refs, out, windows, workers)
	}
	if errs != nil {
		return nil, errs
	}

	log.Debug("tiles complete",
		zap.String("database", dbName(refs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func runPool(cube *raster.Cube, refs *reference.Interpolated, out *Output, windows []raster.Window, workers int) error {
	tasks := make(chan task)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if err := runTile(cube, refs, out, t.window); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}

	for _, w := range windows {
		tasks <- task{window: w}
	}
	close(tasks)
	wg.Wait()
	return errs
}

// runTile classifies one window, converting a panic into a ComputeError.
func runTile(cube *raster.Cube, refs *reference.Interpolated, out *Output, w raster.Window) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = owterr.Compute("tile "+w.String(), dbName(refs),
				fmt.Errorf("%w: %v\n%s", owterr.ErrWorkerPanic, r, debug.Stack()))
		}
	}()

	offset := w.Row*out.Cols + w.Col
	if err := sam.Classify(cube, w, refs, out.Index, out.Score, out.Cols, offset); err != nil {
		return owterr.Compute("tile "+w.String(), dbName(refs), err)
	}
	return nil
}

func dbName(refs *reference.Interpolated) string {
	if refs == nil {
		return ""
	}
	return refs.Database
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
