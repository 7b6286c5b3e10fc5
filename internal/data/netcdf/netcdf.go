// Package netcdf reads L2A reflectance cubes from and writes classification
// results to NetCDF classic files.
package netcdf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/ctessum/cdf"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/raster"
)

// Global attributes carried from the product into the cube.
var carriedAttributes = []string{"title", "sensor", "platform", "product", "date", "start_time", "crs", "processor"}

// Open reads Rrs(wl, y, x) and its coordinates from a NetCDF classic file.
func Open(path string) (*raster.Cube, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}
	defer f.Close()

	nc, err := cdf.Open(f)
	if err != nil {
		return nil, owterr.Data("open", "", fmt.Errorf("%s: %w", path, err))
	}

	rrsName := ""
	for _, name := range []string{"Rrs", "rrs"} {
		if len(nc.Header.Lengths(name)) > 0 {
			rrsName = name
			break
		}
	}
	if rrsName == "" {
		return nil, owterr.Data("open", "", fmt.Errorf("%w: no Rrs variable in %s", owterr.ErrShapeMismatch, path))
	}
	dims := nc.Header.Lengths(rrsName)
	if len(dims) != 3 {
		return nil, owterr.Data("open", "", fmt.Errorf("%w: Rrs has dimensions %v, expected (wl, y, x)",
			owterr.ErrShapeMismatch, nc.Header.Dimensions(rrsName)))
	}

	wlName := nc.Header.Dimensions(rrsName)[0]
	if len(nc.Header.Lengths(wlName)) != 1 {
		return nil, owterr.Data("open", "", fmt.Errorf("%w: no %q coordinate", owterr.ErrMissingWavelength, wlName))
	}
	wl, err := readFloat64(nc, wlName)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}

	values, err := readFloat64(nc, rrsName)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}
	scale, offset, fill, hasFill := packing(nc, rrsName)
	data := make([]float32, len(values))
	for i, v := range values {
		if hasFill && v == fill {
			data[i] = float32(math.NaN())
			continue
		}
		data[i] = float32(v*scale + offset)
	}

	cube := &raster.Cube{
		Data:        data,
		Wavelengths: wl,
		Bands:       dims[0],
		Rows:        dims[1],
		Cols:        dims[2],
		Attrs:       make(map[string]string),
	}
	yName, xName := nc.Header.Dimensions(rrsName)[1], nc.Header.Dimensions(rrsName)[2]
	if len(nc.Header.Lengths(xName)) == 1 {
		if cube.X, err = readFloat64(nc, xName); err != nil {
			return nil, owterr.Data("open", "", err)
		}
	}
	if len(nc.Header.Lengths(yName)) == 1 {
		if cube.Y, err = readFloat64(nc, yName); err != nil {
			return nil, owterr.Data("open", "", err)
		}
	}
	for _, name := range carriedAttributes {
		if s, ok := nc.Header.GetAttribute("", name).(string); ok {
			cube.Attrs[name] = s
		}
	}

	if err := cube.Validate(); err != nil {
		return nil, err
	}
	return cube, nil
}

func readFloat64(nc *cdf.File, name string) ([]float64, error) {
	n := 1
	for _, l := range nc.Header.Lengths(name) {
		n *= l
	}
	r := nc.Reader(name, nil, nil)
	buf := r.Zero(n)
	got, err := r.Read(buf)
	if err != nil && !(errors.Is(err, io.EOF) && got == n) {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if got != n {
		return nil, fmt.Errorf("read %s: got %d values, expected %d", name, got, n)
	}

	out := make([]float64, n)
	switch t := buf.(type) {
	case []float32:
		for i, v := range t {
			out[i] = float64(v)
		}
	case []float64:
		copy(out, t)
	case []int16:
		for i, v := range t {
			out[i] = float64(v)
		}
	case []int32:
		for i, v := range t {
			out[i] = float64(v)
		}
	case []int8:
		for i, v := range t {
			out[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("read %s: unsupported type %T", name, buf)
	}
	return out, nil
}

// packing returns CF scale_factor, add_offset and _FillValue.
func packing(nc *cdf.File, name string) (scale, offset, fill float64, hasFill bool) {
	scale = 1
	if v, ok := scalar(nc.Header.GetAttribute(name, "scale_factor")); ok {
		scale = v
	}
	if v, ok := scalar(nc.Header.GetAttribute(name, "add_offset")); ok {
		offset = v
	}
	fill, hasFill = scalar(nc.Header.GetAttribute(name, "_FillValue"))
	return scale, offset, fill, hasFill
}

func scalar(attr interface{}) (float64, bool) {
	switch t := attr.(type) {
	case []float32:
		if len(t) > 0 {
			return float64(t[0]), true
		}
	case []float64:
		if len(t) > 0 {
			return t[0], true
		}
	case []int16:
		if len(t) > 0 {
			return float64(t[0]), true
		}
	case []int32:
		if len(t) > 0 {
			return float64(t[0]), true
		}
	}
	return 0, false
}

// WriteCube writes a cube as Rrs(wl, y, x) with wl, y and x coordinates.
func WriteCube(path string, cube *raster.Cube) error {
	if err := cube.Validate(); err != nil {
		return err
	}
	h := cdf.NewHeader([]string{"wl", "y", "x"}, []int{cube.Bands, cube.Rows, cube.Cols})
	for k, v := range cube.Attrs {
		h.AddAttribute("", k, v)
	}
	h.AddVariable("wl", []string{"wl"}, []float64{0})
	h.AddAttribute("wl", "units", "nm")
	h.AddVariable("Rrs", []string{"wl", "y", "x"}, []float32{0})
	h.AddAttribute("Rrs", "units", "sr-1")
	if len(cube.X) == cube.Cols {
		h.AddVariable("x", []string{"x"}, []float64{0})
	}
	if len(cube.Y) == cube.Rows {
		h.AddVariable("y", []string{"y"}, []float64{0})
	}
	h.Define()

	ff, err := os.Create(path)
	if err != nil {
		return err
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return err
	}

	if err := write(f, "wl", cube.Wavelengths); err != nil {
		return err
	}
	if err := write(f, "Rrs", cube.Data); err != nil {
		return err
	}
	if len(cube.X) == cube.Cols {
		if err := write(f, "x", cube.X); err != nil {
			return err
		}
	}
	if len(cube.Y) == cube.Rows {
		if err := write(f, "y", cube.Y); err != nil {
			return err
		}
	}
	return ff.Sync()
}

// WriteResult writes the classification layers as an L2B NetCDF file.
// Legends are stored as JSON strings in legend<suffix> global attributes.
func WriteResult(path string, res *pipeline.Result, processor string, now time.Time) error {
	h := cdf.NewHeader([]string{"y", "x"}, []int{res.Rows, res.Cols})
	for k, v := range res.Attrs {
		h.AddAttribute("", k, v)
	}
	h.AddAttribute("", "processor", processor)
	h.AddAttribute("", "processing_time", now.UTC().Format(time.RFC3339))

	for i := range res.Layers {
		l := &res.Layers[i]
		legend, err := json.Marshal(l.Legend)
		if err != nil {
			return err
		}
		h.AddAttribute("", "legend"+l.Suffix, string(legend))

		h.AddVariable(l.IndexName(), []string{"y", "x"}, []int32{0})
		h.AddAttribute(l.IndexName(), "_FillValue", []int32{0})
		h.AddAttribute(l.IndexName(), "database", l.Database)
		h.AddAttribute(l.IndexName(), "variant", l.Variant)
		h.AddVariable(l.ScoreName(), []string{"y", "x"}, []float32{0})
		h.AddAttribute(l.ScoreName(), "_FillValue", []float32{float32(math.NaN())})
		h.AddAttribute(l.ScoreName(), "database", l.Database)
	}
	if len(res.X) == res.Cols {
		h.AddVariable("x", []string{"x"}, []float64{0})
	}
	if len(res.Y) == res.Rows {
		h.AddVariable("y", []string{"y"}, []float64{0})
	}
	h.Define()

	ff, err := os.Create(path)
	if err != nil {
		return err
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return err
	}
	for i := range res.Layers {
		l := &res.Layers[i]
		if err := write(f, l.IndexName(), l.Index); err != nil {
			return err
		}
		if err := write(f, l.ScoreName(), l.Score); err != nil {
			return err
		}
	}
	if len(res.X) == res.Cols {
		if err := write(f, "x", res.X); err != nil {
			return err
		}
	}
	if len(res.Y) == res.Rows {
		if err := write(f, "y", res.Y); err != nil {
			return err
		}
	}
	return ff.Sync()
}

func write(f *cdf.File, name string, data interface{}) error {
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// ReadInt32 reads an int32 variable, used to inspect written results.
func ReadInt32(path, name string) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return nil, err
	}
	values, err := readFloat64(nc, name)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(values))
	for i, v := range values {
		out[i] = int32(v)
	}
	return out, nil
}
