// Package tiffstack reads a directory of single-band GeoTIFFs, one per
// wavelength, named Rrs_<wavelength>.tif.
package tiffstack

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
)

// MetadataFile is the optional sidecar describing packing and georeferencing.
const MetadataFile = "stack.yaml"

var bandPattern = regexp.MustCompile(`^Rrs_(\d+(?:\.\d+)?)\.tiff?$`)

// Metadata describes how stored integers map to reflectance.
type Metadata struct {
	ScaleFactor float64           `yaml:"scale_factor"`
	AddOffset   float64           `yaml:"add_offset"`
	NoData      *float64          `yaml:"nodata"`
	X0          float64           `yaml:"x0"`
	DX          float64           `yaml:"dx"`
	Y0          float64           `yaml:"y0"`
	DY          float64           `yaml:"dy"`
	Attributes  map[string]string `yaml:"attributes"`
}

// DefaultMetadata stores reflectance x 10000 with 0 as no-data.
func DefaultMetadata() Metadata {
	nodata := 0.0
	return Metadata{ScaleFactor: 1e-4, NoData: &nodata}
}

type band struct {
	wavelength float64
	path       string
}

// IsStack reports whether dir holds at least one Rrs_<wl>.tif file.
func IsStack(dir string) bool {
	bands, err := listBands(dir)
	return err == nil && len(bands) > 0
}

func listBands(dir string) ([]band, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var bands []band
	for _, e := range entries {
		m := bandPattern.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		wl, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		bands = append(bands, band{wavelength: wl, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].wavelength < bands[j].wavelength })
	return bands, nil
}

// LoadMetadata reads the sidecar, falling back to DefaultMetadata.
func LoadMetadata(dir string) (Metadata, error) {
	md := DefaultMetadata()
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return md, nil
	}
	if err != nil {
		return md, err
	}
	if err := yaml.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("parse %s: %w", MetadataFile, err)
	}
	if md.ScaleFactor == 0 {
		md.ScaleFactor = 1
	}
	return md, nil
}

// Open reads every band of the stack into a cube.
func Open(dir string) (*raster.Cube, error) {
	bands, err := listBands(dir)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}
	if len(bands) == 0 {
		return nil, owterr.Data("open", "", fmt.Errorf("%w: no Rrs_<wl>.tif files in %s", owterr.ErrMissingWavelength, dir))
	}
	md, err := LoadMetadata(dir)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}

	var cube *raster.Cube
	wl := make([]float64, len(bands))
	for i, b := range bands {
		wl[i] = b.wavelength
	}

	for i, b := range bands {
		img, err := decode(b.path)
		if err != nil {
			return nil, owterr.Data("open", "", err)
		}
		bounds := img.Bounds()
		if cube == nil {
			cube = raster.NewCube(wl, bounds.Dy(), bounds.Dx())
		}
		if bounds.Dy() != cube.Rows || bounds.Dx() != cube.Cols {
			return nil, owterr.Data("open", "", fmt.Errorf("%w: %s is %dx%d, expected %dx%d",
				owterr.ErrShapeMismatch, filepath.Base(b.path), bounds.Dy(), bounds.Dx(), cube.Rows, cube.Cols))
		}
		plane := cube.Band(i)
		for y := 0; y < cube.Rows; y++ {
			for x := 0; x < cube.Cols; x++ {
				v := float64(sample(img, bounds.Min.X+x, bounds.Min.Y+y))
				if md.NoData != nil && v == *md.NoData {
					plane[y*cube.Cols+x] = float32(math.NaN())
					continue
				}
				plane[y*cube.Cols+x] = float32(v*md.ScaleFactor + md.AddOffset)
			}
		}
	}

	if md.DX != 0 {
		cube.X = make([]float64, cube.Cols)
		for i := range cube.X {
			cube.X[i] = md.X0 + (float64(i)+0.5)*md.DX
		}
	}
	if md.DY != 0 {
		cube.Y = make([]float64, cube.Rows)
		for i := range cube.Y {
			cube.Y[i] = md.Y0 + (float64(i)+0.5)*md.DY
		}
	}
	cube.Attrs = md.Attributes

	if err := cube.Validate(); err != nil {
		return nil, err
	}
	return cube, nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func sample(img image.Image, x, y int) uint16 {
	switch t := img.(type) {
	case *image.Gray16:
		return t.Gray16At(x, y).Y
	case *image.Gray:
		return uint16(t.GrayAt(x, y).Y)
	default:
		return color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
	}
}

// WriteBand encodes one band as a 16-bit grayscale TIFF using the packing in md.
func WriteBand(dir string, wavelength float64, rows, cols int, values []float32, md Metadata) error {
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := float64(values[y*cols+x])
			var raw uint16
			switch {
			case math.IsNaN(v) && md.NoData != nil:
				raw = uint16(*md.NoData)
			default:
				raw = uint16(math.Round((v - md.AddOffset) / md.ScaleFactor))
			}
			img.SetGray16(x, y, color.Gray16{Y: raw})
		}
	}
	name := fmt.Sprintf("Rrs_%s.tif", strconv.FormatFloat(wavelength, 'f', -1, 64))
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
}
