package sam

import (
	"errors"
	"math"
	"testing"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
	"github.com/obs2co/owt-server/internal/reference"
)

func unitRefs(classes ...[]float64) *reference.Interpolated {
	nb := len(classes[0])
	p := &reference.Interpolated{Database: "test", Norms: make([]float64, len(classes))}
	for b := 0; b < nb; b++ {
		p.Bands = append(p.Bands, b)
		p.Wavelengths = append(p.Wavelengths, float64(400+10*b))
	}
	for k, c := range classes {
		p.Values = append(p.Values, c...)
		var sq float64
		for _, v := range c {
			sq += v * v
		}
		p.Norms[k] = math.Sqrt(sq)
	}
	return p
}

func TestTwoByTwoScenario(t *testing.T) {
	refs := unitRefs([]float64{1, 0, 0}, []float64{0, 1, 0}, []float64{0, 0, 1})
	cube := raster.NewCube([]float64{400, 410, 420}, 2, 2)
	cube.SetPixel(0, 0, []float32{2, 0, 0})
	cube.SetPixel(0, 1, []float32{0, 3, 0.0})
	cube.SetPixel(1, 0, []float32{0, 0, 0})
	// (1, 1) stays NaN.

	index, score, err := ClassifyTile(cube, refs)
	if err != nil {
		t.Fatalf("ClassifyTile error: %v", err)
	}

	if index[0] != 1 || score[0] != 0 {
		t.Errorf("pixel A: got index %d score %v, want 1 and 0", index[0], score[0])
	}
	if index[1] != 2 || score[1] != 0 {
		t.Errorf("pixel B: got index %d score %v, want 2 and 0", index[1], score[1])
	}
	for _, i := range []int{2, 3} {
		if index[i] != IndexNoData || !math.IsNaN(float64(score[i])) {
			t.Errorf("pixel %d: expected no-data, got %d/%v", i, index[i], score[i])
		}
	}
}

func TestScoreIsNegativeAngleOverPi(t *testing.T) {
	refs := unitRefs([]float64{1, 0}, []float64{0, 1})
	cube := raster.NewCube([]float64{400, 410}, 1, 1)
	cube.SetPixel(0, 0, []float32{1, 2})

	index, score, err := ClassifyTile(cube, refs)
	if err != nil {
		t.Fatalf("ClassifyTile error: %v", err)
	}
	if index[0] != 2 {
		t.Fatalf("expected class 2, got %d", index[0])
	}
	want := -Angle([]float64{1, 2}, []float64{0, 1}) / math.Pi
	if math.Abs(float64(score[0])-want) > 1e-6 {
		t.Fatalf("score: got %v want %v", score[0], want)
	}
	if score[0] > 0 || score[0] < -1 {
		t.Fatalf("score outside [-1, 0]: %v", score[0])
	}
}

func TestTieBreaksToLowestID(t *testing.T) {
	refs := unitRefs([]float64{1, 0}, []float64{0, 1})
	cube := raster.NewCube([]float64{400, 410}, 1, 1)
	cube.SetPixel(0, 0, []float32{1, 1})

	index, _, err := ClassifyTile(cube, refs)
	if err != nil {
		t.Fatalf("ClassifyTile error: %v", err)
	}
	if index[0] != 1 {
		t.Fatalf("expected tie to resolve to class 1, got %d", index[0])
	}
}

func TestScaleInvariance(t *testing.T) {
	refs := unitRefs([]float64{0.2, 0.5, 0.3, 0.1}, []float64{0.1, 0.1, 0.4, 0.6}, []float64{0.5, 0.3, 0.1, 0.05})
	wl := []float64{400, 410, 420, 430}
	base := raster.NewCube(wl, 3, 3)
	scaled := raster.NewCube(wl, 3, 3)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			px := []float32{float32(r + 1), float32(c + 1), float32(r*c + 1), float32(r + c + 1)}
			base.SetPixel(r, c, px)
			for i := range px {
				px[i] *= 7.5
			}
			scaled.SetPixel(r, c, px)
		}
	}

	i1, s1, err := ClassifyTile(base, refs)
	if err != nil {
		t.Fatalf("base error: %v", err)
	}
	i2, s2, err := ClassifyTile(scaled, refs)
	if err != nil {
		t.Fatalf("scaled error: %v", err)
	}
	for i := range i1 {
		if i1[i] != i2[i] {
			t.Errorf("pixel %d: index %d vs %d", i, i1[i], i2[i])
		}
		if math.Abs(float64(s1[i]-s2[i])) > 1e-5 {
			t.Errorf("pixel %d: score %v vs %v", i, s1[i], s2[i])
		}
	}
}

func TestIndexRangeAndNoData(t *testing.T) {
	refs := unitRefs([]float64{1, 2, 3}, []float64{3, 2, 1}, []float64{1, 1, 1})
	cube := raster.NewCube([]float64{400, 410, 420}, 4, 5)
	for r := 0; r < 4; r++ {
		for c := 0; c < 5; c++ {
			if (r+c)%3 == 0 {
				continue
			}
			cube.SetPixel(r, c, []float32{float32(r + 1), float32(c + 1), float32(r + c)})
		}
	}
	// NaN in a later band is enough to drop the pixel.
	cube.SetPixel(0, 1, []float32{1, float32(math.NaN()), 1})

	index, score, err := ClassifyTile(cube, refs)
	if err != nil {
		t.Fatalf("ClassifyTile error: %v", err)
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 5; c++ {
			i := r*5 + c
			invalid := (r+c)%3 == 0 || (r == 0 && c == 1)
			if invalid {
				if index[i] != IndexNoData || !math.IsNaN(float64(score[i])) {
					t.Errorf("(%d,%d): expected no-data, got %d/%v", r, c, index[i], score[i])
				}
				continue
			}
			if index[i] < 1 || index[i] > 3 {
				t.Errorf("(%d,%d): index %d outside 1..3", r, c, index[i])
			}
		}
	}
}

func TestZeroNormReferenceNeverWins(t *testing.T) {
	refs := unitRefs([]float64{0, 0}, []float64{1, 3})
	cube := raster.NewCube([]float64{400, 410}, 1, 1)
	cube.SetPixel(0, 0, []float32{1, 0})

	index, _, err := ClassifyTile(cube, refs)
	if err != nil {
		t.Fatalf("ClassifyTile error: %v", err)
	}
	if index[0] != 2 {
		t.Fatalf("expected class 2, got %d", index[0])
	}
}

func TestClassifyWindowWritesOnlyWindow(t *testing.T) {
	refs := unitRefs([]float64{1, 0}, []float64{0, 1})
	cube := raster.NewCube([]float64{400, 410}, 3, 3)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			cube.SetPixel(r, c, []float32{0, 1})
		}
	}
	index := make([]int32, 9)
	score := make([]float32, 9)
	for i := range index {
		index[i] = -1
	}

	w := raster.Window{Row: 1, Col: 1, Height: 2, Width: 2}
	if err := Classify(cube, w, refs, index, score, 3, 1*3+1); err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			got := index[r*3+c]
			inside := r >= 1 && c >= 1
			if inside && got != 2 {
				t.Errorf("(%d,%d): expected 2, got %d", r, c, got)
			}
			if !inside && got != -1 {
				t.Errorf("(%d,%d): outside window was written: %d", r, c, got)
			}
		}
	}
}

func TestClassifyShapeErrors(t *testing.T) {
	refs := unitRefs([]float64{1, 0}, []float64{0, 1})
	cube := raster.NewCube([]float64{400, 410}, 2, 2)

	tests := []struct {
		name   string
		window raster.Window
		n      int
	}{
		{"window outside", raster.Window{Row: 1, Col: 1, Height: 2, Width: 2}, 4},
		{"buffer too small", raster.Window{Row: 0, Col: 0, Height: 2, Width: 2}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(cube, tt.window, refs, make([]int32, tt.n), make([]float32, tt.n), 2, 0)
			if !owterr.IsData(err) || !errors.Is(err, owterr.ErrShapeMismatch) {
				t.Fatalf("expected shape mismatch DataError, got %v", err)
			}
		})
	}
}

func TestAngle(t *testing.T) {
	if a := Angle([]float64{1, 0}, []float64{0, 2}); math.Abs(a-math.Pi/2) > 1e-12 {
		t.Errorf("orthogonal angle: %v", a)
	}
	if a := Angle([]float64{1, 1}, []float64{3, 3}); a > 1e-7 {
		t.Errorf("parallel angle: %v", a)
	}
	if a := Angle([]float64{0, 0}, []float64{1, 1}); !math.IsNaN(a) {
		t.Errorf("zero vector angle should be NaN, got %v", a)
	}
}
