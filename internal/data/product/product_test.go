package product

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/obs2co/owt-server/internal/data/netcdf"
	"github.com/obs2co/owt-server/internal/data/tiffstack"
	"github.com/obs2co/owt-server/internal/data/zarr"
	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/raster"
)

func testCube() *raster.Cube {
	cube := raster.NewCube([]float64{443, 490, 560}, 2, 2)
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			cube.SetPixel(r, c, []float32{0.01, 0.02 + 0.001*float32(r), 0.03 + 0.001*float32(c)})
		}
	}
	return cube
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()

	zarrDir := filepath.Join(dir, "scene")
	if err := zarr.WriteCube(zarrDir, testCube(), 0, false); err != nil {
		t.Fatalf("WriteCube error: %v", err)
	}
	stackDir := filepath.Join(dir, "stack")
	if err := os.Mkdir(stackDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := tiffstack.WriteBand(stackDir, 443, 1, 1, []float32{0.01}, tiffstack.DefaultMetadata()); err != nil {
		t.Fatal(err)
	}
	emptyDir := filepath.Join(dir, "empty")
	if err := os.Mkdir(emptyDir, 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want Format
	}{
		{"netcdf", filepath.Join(dir, "S2A_L2Agrs.nc"), FormatNetCDF},
		{"zarr group", zarrDir, FormatZarr},
		{"tiff stack", stackDir, FormatTIFFStack},
		{"tiledb uri", "tiledb://" + dir, FormatTileDB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.path)
			if err != nil {
				t.Fatalf("Detect error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Detect(%s) = %s, want %s", tt.path, got, tt.want)
			}
		})
	}

	if _, err := Detect(emptyDir); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat for empty dir, got %v", err)
	}
	if _, err := Detect(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestOpenEachFormat(t *testing.T) {
	dir := t.TempDir()
	want := testCube()

	ncPath := filepath.Join(dir, "scene.nc")
	if err := netcdf.WriteCube(ncPath, want); err != nil {
		t.Fatalf("netcdf.WriteCube error: %v", err)
	}
	zarrPath := filepath.Join(dir, "scene.zarr")
	if err := zarr.WriteCube(zarrPath, want, 1, false); err != nil {
		t.Fatalf("zarr.WriteCube error: %v", err)
	}

	for _, path := range []string{ncPath, zarrPath} {
		got, err := Open(path)
		if err != nil {
			t.Fatalf("Open(%s) error: %v", path, err)
		}
		if got.Bands != 3 || got.Rows != 2 || got.Cols != 2 {
			t.Fatalf("%s: unexpected shape %d/%d/%d", path, got.Bands, got.Rows, got.Cols)
		}
		for i := range want.Data {
			if got.Data[i] != want.Data[i] {
				t.Fatalf("%s: value %d got %v want %v", path, i, got.Data[i], want.Data[i])
			}
		}
	}

	if _, err := Open(filepath.Join(dir, "nothing")); !owterr.IsData(err) {
		t.Fatalf("expected DataError for missing product, got %v", err)
	}
}

func TestWriteAndReopenResult(t *testing.T) {
	dir := t.TempDir()
	res := &pipeline.Result{
		Rows: 1, Cols: 3,
		Layers: []pipeline.Layer{{
			Suffix: "", Database: "Spyrakos2018", Variant: "normalized", Rows: 1, Cols: 3,
			Index: []int32{2, 0, 13},
			Score: []float32{-0.01, 0, -0.2},
		}},
	}
	res.Layers[0].Score[1] = float32(math.NaN())
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	path := filepath.Join(dir, "S2A_L2B.zarr")
	if err := WriteResult(path, res, WriteOptions{Now: now}); err != nil {
		t.Fatalf("WriteResult error: %v", err)
	}
	got, err := OpenResult(path)
	if err != nil {
		t.Fatalf("OpenResult error: %v", err)
	}
	if len(got.Layers) != 1 || got.Layers[0].Database != "Spyrakos2018" {
		t.Fatalf("unexpected layers %+v", got.Layers)
	}
	if got.Layers[0].Index[2] != 13 || got.Attrs["processing_time"] != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected result content: %v %v", got.Layers[0].Index, got.Attrs)
	}

	if err := WriteResult(path, res, WriteOptions{Now: now}); err == nil {
		t.Fatal("expected existing store to be refused")
	}

	ncPath := filepath.Join(dir, "S2A_L2B.nc")
	if err := WriteResult(ncPath, res, WriteOptions{}); err != nil {
		t.Fatalf("WriteResult nc error: %v", err)
	}
	if err := WriteResult(ncPath, res, WriteOptions{}); err == nil {
		t.Fatal("expected existing nc file to be refused")
	}
	if _, err := OpenResult(ncPath); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat reopening nc, got %v", err)
	}
}

func TestOverwriteKeepsForeignDirectory(t *testing.T) {
	dir := t.TempDir()
	res := &pipeline.Result{
		Rows: 1, Cols: 1,
		Layers: []pipeline.Layer{{
			Database: "Spyrakos2018", Variant: "normalized", Rows: 1, Cols: 1,
			Index: []int32{1}, Score: []float32{-0.1},
		}},
	}

	for _, name := range []string{"home.zarr", "home.nc"} {
		target := filepath.Join(dir, name)
		if err := os.Mkdir(target, 0755); err != nil {
			t.Fatal(err)
		}
		keep := filepath.Join(target, "thesis.tex")
		if err := os.WriteFile(keep, []byte("draft"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := WriteResult(target, res, WriteOptions{Overwrite: true}); err == nil {
			t.Fatalf("%s: expected overwrite of a plain directory to be refused", name)
		}
		if b, err := os.ReadFile(keep); err != nil || string(b) != "draft" {
			t.Fatalf("%s: directory content lost: %q %v", name, b, err)
		}
	}
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		input  string
		format Format
		want   string
	}{
		{"/img/S2B_MSIL2Agrs_20220731T103629_N0400_R008_T31TFJ_20220731T124834.nc", FormatNetCDF,
			"S2B_MSIL2B_20220731T103629_N0400_R008_T31TFJ_20220731T124834.nc"},
		{"/img/S2B_MSIL2Agrs_20220731T103629_T31TFJ", FormatNetCDF, "S2B_MSIL2B_20220731T103629_T31TFJ.nc"},
		{"/img/S2A_L2Agrs_T31TFJ.zarr/", FormatZarr, "S2A_L2B_T31TFJ.zarr"},
		{"/img/S2A_L2Agrs_T31TFJ.nc", FormatZarr, "S2A_L2B_T31TFJ.zarr"},
		{"tiledb:///arrays/S2A_L2Agrs_cube", FormatZarr, "S2A_L2B_cube.zarr"},
	}
	for _, tt := range tests {
		if got := OutputName(tt.input, tt.format); got != tt.want {
			t.Errorf("OutputName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
