// Package product opens L2A reflectance products and writes L2B results,
// choosing the format from the path.
package product

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/obs2co/owt-server/internal/data/netcdf"
	"github.com/obs2co/owt-server/internal/data/tiffstack"
	"github.com/obs2co/owt-server/internal/data/tiledb"
	"github.com/obs2co/owt-server/internal/data/zarr"
	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/raster"
)

// Format names a supported on-disk layout.
type Format string

const (
	FormatNetCDF    Format = "netcdf"
	FormatZarr      Format = "zarr"
	FormatTIFFStack Format = "tiffstack"
	FormatTileDB    Format = "tiledb"
)

// ErrUnknownFormat is returned when no reader recognises the path.
var ErrUnknownFormat = errors.New("unrecognised product format")

// Detect inspects path and reports its format.
func Detect(path string) (Format, error) {
	if tiledb.IsURI(path) {
		return FormatTileDB, nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".nc" || ext == ".nc4" {
		return FormatNetCDF, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if ext == ".zarr" {
		return FormatZarr, nil
	}
	if _, err := os.Stat(filepath.Join(path, "zarr.json")); err == nil {
		return FormatZarr, nil
	}
	if tiffstack.IsStack(path) {
		return FormatTIFFStack, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Open reads the reflectance cube at path.
func Open(path string) (*raster.Cube, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}
	switch format {
	case FormatTileDB:
		return tiledb.Open(path)
	case FormatNetCDF:
		return netcdf.Open(path)
	case FormatTIFFStack:
		return tiffstack.Open(path)
	default:
		r, err := zarr.NewReader(path)
		if err != nil {
			return nil, owterr.Data("open", "", err)
		}
		defer r.Close()
		return r.ReadCube()
	}
}

// WriteOptions controls result packaging.
type WriteOptions struct {
	Processor string
	ChunkEdge int
	Overwrite bool
	Now       time.Time
}

// ResultFormat picks the output layout from the destination name:
// NetCDF for .nc, Zarr otherwise.
func ResultFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".nc", ".nc4":
		return FormatNetCDF
	default:
		return FormatZarr
	}
}

// WriteResult packages res at path.
func WriteResult(path string, res *pipeline.Result, opts WriteOptions) error {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Processor == "" {
		opts.Processor = zarr.DefaultProcessor
	}
	if ResultFormat(path) == FormatNetCDF {
		if !opts.Overwrite {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
		}
		return netcdf.WriteResult(path, res, opts.Processor, opts.Now)
	}
	now := opts.Now
	return zarr.WriteResult(path, res, zarr.ResultOptions{
		Processor: opts.Processor,
		ChunkEdge: opts.ChunkEdge,
		Overwrite: opts.Overwrite,
		Now:       func() time.Time { return now },
	})
}

// OpenResult reloads a result written as Zarr.
func OpenResult(path string) (*pipeline.Result, error) {
	if ResultFormat(path) != FormatZarr {
		return nil, fmt.Errorf("%w: results can only be reloaded from zarr stores", ErrUnknownFormat)
	}
	r, err := zarr.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadResult()
}

// OutputName derives the L2B file name of an L2A product: the basename with
// L2Agrs replaced by L2B and the extension of format.
func OutputName(input string, format Format) string {
	base := strings.TrimPrefix(strings.TrimSpace(input), tiledb.Scheme)
	base = filepath.Base(strings.TrimRight(base, "/"))
	for _, ext := range []string{".nc", ".nc4", ".zarr"} {
		if strings.EqualFold(filepath.Ext(base), ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	base = strings.ReplaceAll(base, "L2Agrs", "L2B")
	if format == FormatNetCDF {
		return base + ".nc"
	}
	return base + ".zarr"
}
