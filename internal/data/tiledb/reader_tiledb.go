//go:build tiledb

package tiledb

import (
	"fmt"
	"math"
	"os"
	"strings"

	tdb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
)

// Supported reports whether this build can read TileDB products.
func Supported() bool { return true }

// Open reads the Rrs and wl arrays of the group at path.
func Open(path string) (*raster.Cube, error) {
	uri, err := ResolveURI(path)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(uri, "://") {
		if _, statErr := os.Stat(uri); statErr != nil {
			return nil, fmt.Errorf("tiledb product not found at %s: %w", uri, statErr)
		}
	}

	ctx, err := tdb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	defer ctx.Free()

	wl, err := readWavelengths(ctx, uri+"/wl")
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}
	cube, err := readReflectance(ctx, uri+"/Rrs", wl)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}
	if err := cube.Validate(); err != nil {
		return nil, err
	}
	return cube, nil
}

type extent struct {
	lo, hi int64
}

func (e extent) len() int { return int(e.hi - e.lo + 1) }

func openForRead(ctx *tdb.Context, uri string) (*tdb.Array, error) {
	arr, err := tdb.NewArray(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	if err := arr.Open(tdb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, fmt.Errorf("failed to open array for read (%s): %w", uri, err)
	}
	return arr, nil
}

func nonEmpty(arr *tdb.Array, dim string) (extent, error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
	if err != nil {
		return extent{}, fmt.Errorf("failed to get %s non-empty domain: %w", dim, err)
	}
	if isEmpty || ned == nil {
		return extent{}, fmt.Errorf("%w: dimension %s is empty", owterr.ErrDegenerateCube, dim)
	}
	lo, hi, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return extent{}, fmt.Errorf("dimension %s: %w", dim, err)
	}
	return extent{lo: lo, hi: hi}, nil
}

func readWavelengths(ctx *tdb.Context, uri string) ([]float64, error) {
	arr, err := openForRead(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer arr.Free()
	defer arr.Close()

	ext, err := nonEmpty(arr, "wl")
	if err != nil {
		return nil, err
	}
	out := make([]float64, ext.len())
	if err := readDense(ctx, arr, map[string]extent{"wl": ext}, []string{"wl"}, "wl", out); err != nil {
		return nil, err
	}
	return out, nil
}

func readReflectance(ctx *tdb.Context, uri string, wl []float64) (*raster.Cube, error) {
	arr, err := openForRead(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer arr.Free()
	defer arr.Close()

	dims := []string{"wl", "y", "x"}
	exts := make(map[string]extent, len(dims))
	for _, d := range dims {
		if exts[d], err = nonEmpty(arr, d); err != nil {
			return nil, err
		}
	}
	if exts["wl"].len() != len(wl) {
		return nil, fmt.Errorf("%w: Rrs has %d bands, wl has %d", owterr.ErrShapeMismatch, exts["wl"].len(), len(wl))
	}

	cube := &raster.Cube{
		Wavelengths: wl,
		Bands:       exts["wl"].len(),
		Rows:        exts["y"].len(),
		Cols:        exts["x"].len(),
	}
	cube.Data = make([]float32, cube.Bands*cube.Rows*cube.Cols)
	if err := readDense(ctx, arr, exts, dims, "Rrs", cube.Data); err != nil {
		return nil, err
	}
	return cube, nil
}

// readDense reads one attribute over the given extents in row-major order.
func readDense[T float32 | float64](ctx *tdb.Context, arr *tdb.Array, exts map[string]extent, dims []string, attr string, out []T) error {
	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	for _, d := range dims {
		e := exts[d]
		if err := sub.AddRangeByName(d, tdb.MakeRange[int64](e.lo, e.hi)); err != nil {
			return fmt.Errorf("failed to add %s range: %w", d, err)
		}
	}

	q, err := tdb.NewQuery(ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tdb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set layout: %w", err)
	}
	if _, err := q.SetDataBuffer(attr, out); err != nil {
		return fmt.Errorf("failed to set buffer %s: %w", attr, err)
	}
	if err := q.Submit(); err != nil {
		return fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return fmt.Errorf("query status failed: %w", err)
	}
	if status != tdb.TILEDB_COMPLETED {
		return fmt.Errorf("unexpected query status: %v", status)
	}

	elems, err := q.ResultBufferElements()
	if err != nil {
		return fmt.Errorf("failed to get result buffer elements: %w", err)
	}
	if got := int(elems[attr][1]); got != len(out) {
		return fmt.Errorf("%w: read %d %s values, expected %d", owterr.ErrShapeMismatch, got, attr, len(out))
	}
	return nil
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}
