package scheduler

import (
	"errors"
	"math"
	"testing"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
	"github.com/obs2co/owt-server/internal/reference"
	"github.com/obs2co/owt-server/internal/sam"
)

func TestPartitionCoversExactlyOnce(t *testing.T) {
	shapes := [][2]int{{1, 1}, {7, 5}, {16, 16}, {33, 10}, {2, 100}}
	for _, shape := range shapes {
		for _, edge := range []int{1, 3, 4, 16, 1024} {
			windows, err := Partition(shape[0], shape[1], edge)
			if err != nil {
				t.Fatalf("Partition(%v, %d): %v", shape, edge, err)
			}
			seen := make([]int, shape[0]*shape[1])
			for _, w := range windows {
				if !w.Contains(shape[0], shape[1]) {
					t.Fatalf("window %s outside %v", w, shape)
				}
				if w.Height > edge || w.Width > edge {
					t.Fatalf("window %s larger than edge %d", w, edge)
				}
				for r := w.Row; r < w.Row+w.Height; r++ {
					for c := w.Col; c < w.Col+w.Width; c++ {
						seen[r*shape[1]+c]++
					}
				}
			}
			for i, n := range seen {
				if n != 1 {
					t.Fatalf("shape %v edge %d: pixel %d covered %d times", shape, edge, i, n)
				}
			}
		}
	}
}

func TestPartitionRowMajor(t *testing.T) {
	windows, err := Partition(4, 6, 3)
	if err != nil {
		t.Fatalf("Partition error: %v", err)
	}
	want := []raster.Window{
		{Row: 0, Col: 0, Height: 3, Width: 3},
		{Row: 0, Col: 3, Height: 3, Width: 3},
		{Row: 3, Col: 0, Height: 1, Width: 3},
		{Row: 3, Col: 3, Height: 1, Width: 3},
	}
	if len(windows) != len(want) {
		t.Fatalf("expected %d windows, got %d", len(want), len(windows))
	}
	for i := range want {
		if windows[i] != want[i] {
			t.Errorf("window %d: got %s want %s", i, windows[i], want[i])
		}
	}
}

func TestPartitionRejectsBadInput(t *testing.T) {
	if _, err := Partition(0, 3, 2); !owterr.IsData(err) {
		t.Errorf("expected DataError for empty raster, got %v", err)
	}
	if _, err := Partition(3, 3, 0); !owterr.IsConfig(err) {
		t.Errorf("expected ConfigError for zero edge, got %v", err)
	}
}

func testRefs() *reference.Interpolated {
	values := [][]float64{
		{0.9, 0.5, 0.2, 0.1},
		{0.2, 0.6, 0.8, 0.3},
		{0.1, 0.2, 0.4, 0.9},
		{0.5, 0.5, 0.5, 0.5},
	}
	p := &reference.Interpolated{
		Database:    "test",
		Bands:       []int{0, 1, 2, 3},
		Wavelengths: []float64{440, 490, 560, 665},
	}
	for _, v := range values {
		p.Values = append(p.Values, v...)
		var sq float64
		for _, x := range v {
			sq += x * x
		}
		p.Norms = append(p.Norms, math.Sqrt(sq))
	}
	return p
}

func testCube(rows, cols int) *raster.Cube {
	cube := raster.NewCube([]float64{440, 490, 560, 665}, rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if (r*cols+c)%11 == 0 {
				continue
			}
			fr, fc := float32(r), float32(c)
			cube.SetPixel(r, c, []float32{
				1 + fr*0.3,
				1 + fc*0.2,
				0.5 + fr*fc*0.01,
				0.2 + float32((r+c)%5),
			})
		}
	}
	return cube
}

func TestRunMatchesWholeCubeClassification(t *testing.T) {
	cube := testCube(37, 23)
	refs := testRefs()

	wantIndex, wantScore, err := sam.ClassifyTile(cube, refs)
	if err != nil {
		t.Fatalf("ClassifyTile error: %v", err)
	}

	tests := []struct {
		name string
		opts Options
	}{
		{"serial edge 1", Options{TileEdge: 1, Serial: true}},
		{"serial edge 5", Options{TileEdge: 5, Workers: 1}},
		{"parallel edge 4", Options{TileEdge: 4, Workers: 8}},
		{"parallel edge 7", Options{TileEdge: 7, Workers: 3}},
		{"single tile", Options{TileEdge: 1024, Workers: 8}},
		{"defaults", Options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Run(cube, refs, tt.opts)
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			if out.Rows != 37 || out.Cols != 23 {
				t.Fatalf("unexpected output shape %dx%d", out.Rows, out.Cols)
			}
			for i := range wantIndex {
				if out.Index[i] != wantIndex[i] {
					t.Fatalf("pixel %d: index %d want %d", i, out.Index[i], wantIndex[i])
				}
				got, want := out.Score[i], wantScore[i]
				if math.Float32bits(got) != math.Float32bits(want) &&
					!(math.IsNaN(float64(got)) && math.IsNaN(float64(want))) {
					t.Fatalf("pixel %d: score %v want %v", i, got, want)
				}
			}
		})
	}
}

func TestRunReportsTileFailures(t *testing.T) {
	cube := testCube(8, 8)
	refs := testRefs()
	// A band index past the cube makes every tile fail.
	refs.Bands = []int{0, 1, 2, 9}

	out, err := Run(cube, refs, Options{TileEdge: 4, Workers: 2})
	if err == nil {
		t.Fatal("expected an error")
	}
	if out != nil {
		t.Fatal("expected no output on failure")
	}
	if !owterr.IsCompute(err) {
		t.Fatalf("expected ComputeError, got %v", err)
	}
	if !errors.Is(err, owterr.ErrShapeMismatch) {
		t.Fatalf("expected wrapped shape mismatch, got %v", err)
	}
}

func TestRunTileRecoversPanics(t *testing.T) {
	// A nil output buffer panics inside the tile.
	err := runTile(testCube(2, 2), testRefs(), nil, raster.Window{Height: 1, Width: 1})
	if !owterr.IsCompute(err) || !errors.Is(err, owterr.ErrWorkerPanic) {
		t.Fatalf("expected worker panic ComputeError, got %v", err)
	}
}

func TestRunRejectsNegativeWorkers(t *testing.T) {
	_, err := Run(testCube(2, 2), testRefs(), Options{Workers: -1})
	if !owterr.IsConfig(err) || !errors.Is(err, owterr.ErrInvalidOption) {
		t.Fatalf("expected invalid option ConfigError, got %v", err)
	}
}
