package pipeline

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
	"github.com/obs2co/owt-server/internal/reference"
	"github.com/obs2co/owt-server/internal/sam"
)

var cubeWavelengths = []float64{400, 450, 500, 550, 600, 650, 700, 750, 800, 865}

func nodeValues(t *testing.T, lib *reference.Library, class int) []float32 {
	t.Helper()
	out := make([]float32, len(cubeWavelengths))
	for i, w := range cubeWavelengths {
		out[i] = float32(math.NaN())
		for j, lw := range lib.Wavelengths {
			if lw == w {
				out[i] = float32(lib.Spectra[class-1].Values[j])
			}
		}
		if w == 865 {
			// Outside every library; never read by the classifier.
			out[i] = 0.5
		}
	}
	return out
}

// buildCube puts Spyrakos2018 class c+1 in row 0 and Bi2023 class c%10+1
// (scaled) in row 1. Pixel (1, 12) is left as no-data.
func buildCube(t *testing.T) *raster.Cube {
	t.Helper()
	spy, err := reference.Load("Spyrakos2018", "")
	if err != nil {
		t.Fatalf("load Spyrakos2018: %v", err)
	}
	bi, err := reference.Load("Bi2023", "")
	if err != nil {
		t.Fatalf("load Bi2023: %v", err)
	}
	cube := raster.NewCube(cubeWavelengths, 2, 13)
	for c := 0; c < 13; c++ {
		cube.SetPixel(0, c, nodeValues(t, spy, c+1))
		if c == 12 {
			continue
		}
		px := nodeValues(t, bi, c%10+1)
		for i := range px {
			px[i] *= 3
		}
		cube.SetPixel(1, c, px)
	}
	return cube
}

func TestExecuteTwoDatabases(t *testing.T) {
	cube := buildCube(t)
	dbs := []DatabaseConfig{
		{Name: "Spyrakos2018", Suffix: "_S"},
		{Name: "Bi2023", Variant: "normalized", Suffix: "_B"},
	}

	res, err := Execute(cube, dbs, Options{TileEdge: 4, Workers: 3})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	vars := res.Variables()
	want := []string{"owt_index_S", "owt_dist_S", "owt_index_B", "owt_dist_B"}
	if len(vars) != len(want) {
		t.Fatalf("expected %v, got %v", want, vars)
	}
	for i := range want {
		if vars[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, vars)
		}
	}

	spy, err := res.Layer("_S")
	if err != nil {
		t.Fatalf("Layer error: %v", err)
	}
	for c := 0; c < 13; c++ {
		if spy.Index[c] != int32(c+1) {
			t.Errorf("Spyrakos pixel %d: index %d want %d", c, spy.Index[c], c+1)
		}
		if math.Abs(float64(spy.Score[c])) > 1e-4 {
			t.Errorf("Spyrakos pixel %d: score %v want ~0", c, spy.Score[c])
		}
	}

	bi, err := res.Layer("_B")
	if err != nil {
		t.Fatalf("Layer error: %v", err)
	}
	for c := 0; c < 12; c++ {
		if got := bi.Index[13+c]; got != int32(c%10+1) {
			t.Errorf("Bi2023 pixel %d: index %d want %d", c, got, c%10+1)
		}
	}
	if bi.Index[25] != sam.IndexNoData || !math.IsNaN(float64(bi.Score[25])) {
		t.Errorf("expected no-data at (1, 12), got %d/%v", bi.Index[25], bi.Score[25])
	}

	if len(bi.Legend) != 10 || len(spy.Legend) != 13 {
		t.Errorf("unexpected legend lengths %d/%d", len(bi.Legend), len(spy.Legend))
	}
	if _, err := res.Layer("_X"); !errors.Is(err, ErrNoLayer) {
		t.Errorf("expected ErrNoLayer, got %v", err)
	}
}

func TestExecuteParallelDatabasesMatchesSequential(t *testing.T) {
	cube := buildCube(t)
	dbs := []DatabaseConfig{
		{Name: "Spyrakos2018", Suffix: ""},
		{Name: "Bi2023", Variant: "absolute", Suffix: "_abs"},
		{Name: "Bi2023", Suffix: "_norm"},
	}

	seq, err := Execute(cube, dbs, Options{TileEdge: 5, Workers: 1})
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	par, err := Execute(cube, dbs, Options{TileEdge: 3, Workers: 4, ParallelDatabases: true})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	for i := range seq.Layers {
		a, b := seq.Layers[i], par.Layers[i]
		if a.Suffix != b.Suffix {
			t.Fatalf("layer order differs: %q vs %q", a.Suffix, b.Suffix)
		}
		for p := range a.Index {
			if a.Index[p] != b.Index[p] {
				t.Fatalf("%s pixel %d: %d vs %d", a.Suffix, p, a.Index[p], b.Index[p])
			}
			if math.Float32bits(a.Score[p]) != math.Float32bits(b.Score[p]) {
				t.Fatalf("%s pixel %d: score %v vs %v", a.Suffix, p, a.Score[p], b.Score[p])
			}
		}
	}
}

func TestExecuteConfigErrors(t *testing.T) {
	cube := buildCube(t)

	tests := []struct {
		name string
		dbs  []DatabaseConfig
		opts Options
		want error
	}{
		{"unknown database", []DatabaseConfig{{Name: "Spyrakos2018"}, {Name: "Foo2099", Suffix: "_f"}}, Options{}, owterr.ErrUnknownDatabase},
		{"unsupported variant", []DatabaseConfig{{Name: "Spyrakos2018", Variant: "absolute"}}, Options{}, owterr.ErrUnsupportedVariant},
		{"duplicate suffix", []DatabaseConfig{{Name: "Spyrakos2018"}, {Name: "Bi2023"}}, Options{}, owterr.ErrDuplicateSuffix},
		{"disjoint window", []DatabaseConfig{{Name: "Bi2023"}}, Options{WavelengthMin: 850, WavelengthMax: 900}, owterr.ErrNoOverlap},
		{"no databases", nil, Options{}, owterr.ErrInvalidOption},
		{"inverted window", []DatabaseConfig{{Name: "Bi2023"}}, Options{WavelengthMin: 800, WavelengthMax: 400}, owterr.ErrInvalidOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Execute(cube, tt.dbs, tt.opts)
			if res != nil {
				t.Fatal("expected no result")
			}
			if !owterr.IsConfig(err) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestExecuteDataErrors(t *testing.T) {
	t.Run("invalid cube", func(t *testing.T) {
		_, err := Execute(&raster.Cube{}, []DatabaseConfig{{Name: "Bi2023"}}, Options{})
		if !owterr.IsData(err) {
			t.Fatalf("expected DataError, got %v", err)
		}
	})

	t.Run("bands outside library range", func(t *testing.T) {
		cube := raster.NewCube([]float64{360, 380, 865}, 2, 2)
		_, err := Execute(cube, []DatabaseConfig{{Name: "Bi2023"}}, Options{})
		if !owterr.IsData(err) || !errors.Is(err, owterr.ErrOutOfRange) {
			t.Fatalf("expected out-of-range DataError, got %v", err)
		}
		var de *owterr.DataError
		if !errors.As(err, &de) || de.Database != "Bi2023" {
			t.Fatalf("expected error to name Bi2023, got %v", err)
		}
	})
}

type mapCache struct {
	mu   sync.Mutex
	libs map[string]*reference.Interpolated
	hits int
}

func (m *mapCache) GetLibrary(key string) (*reference.Interpolated, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.libs[key]
	if ok {
		m.hits++
	}
	return p, ok
}

func (m *mapCache) SetLibrary(key string, p *reference.Interpolated) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.libs[key] = p
}

func TestExecuteUsesLibraryCache(t *testing.T) {
	cube := buildCube(t)
	cache := &mapCache{libs: make(map[string]*reference.Interpolated)}
	dbs := []DatabaseConfig{{Name: "Spyrakos2018"}}

	first, err := Execute(cube, dbs, Options{Cache: cache})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Execute(cube, dbs, Options{Cache: cache})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if cache.hits != 1 || len(cache.libs) != 1 {
		t.Fatalf("expected one cached library and one hit, got %d/%d", len(cache.libs), cache.hits)
	}
	for i := range first.Layers[0].Index {
		if first.Layers[0].Index[i] != second.Layers[0].Index[i] {
			t.Fatalf("cached run differs at pixel %d", i)
		}
	}
}

func TestSummary(t *testing.T) {
	l := Layer{
		Suffix: "_S",
		Index:  []int32{1, 1, 2, 0},
		Score:  []float32{-0.1, -0.3, -0.2, float32(math.NaN())},
	}
	s := l.Summary()
	if s.Pixels != 4 || s.Valid != 3 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.Counts[1] != 2 || s.Counts[2] != 1 {
		t.Fatalf("unexpected histogram: %v", s.Counts)
	}
	if math.Abs(s.MeanScore+0.2) > 1e-6 {
		t.Fatalf("unexpected mean score %v", s.MeanScore)
	}
}

func TestMergeRejectsDuplicateSuffix(t *testing.T) {
	cube := raster.NewCube([]float64{400}, 1, 1)
	layers := []Layer{
		{Suffix: "_a", Rows: 1, Cols: 1},
		{Suffix: "_a", Rows: 1, Cols: 1},
	}
	if _, err := Merge(cube, layers); !owterr.IsConfig(err) || !errors.Is(err, owterr.ErrDuplicateSuffix) {
		t.Fatalf("expected duplicate suffix ConfigError, got %v", err)
	}
}
