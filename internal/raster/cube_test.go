package raster

import (
	"errors"
	"math"
	"testing"

	"github.com/obs2co/owt-server/internal/owterr"
)

func TestNewCubeIsNaNFilled(t *testing.T) {
	c := NewCube([]float64{443, 490, 560}, 2, 3)
	if c.Bands != 3 || c.Rows != 2 || c.Cols != 3 {
		t.Fatalf("unexpected shape: %d/%d/%d", c.Bands, c.Rows, c.Cols)
	}
	for i, v := range c.Data {
		if !math.IsNaN(float64(v)) {
			t.Fatalf("expected NaN at %d, got %v", i, v)
		}
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestSetPixelRoundTrip(t *testing.T) {
	c := NewCube([]float64{1, 2, 3}, 2, 2)
	c.SetPixel(1, 0, []float32{0.1, 0.2, 0.3})
	for b, want := range []float32{0.1, 0.2, 0.3} {
		if got := c.At(b, 1, 0); got != want {
			t.Errorf("band %d: got %v want %v", b, got, want)
		}
	}
	if got := c.Band(2)[2]; got != 0.3 {
		t.Errorf("band plane lookup: got %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cube *Cube
		want error
	}{
		{"nil", nil, owterr.ErrDegenerateCube},
		{"no wavelengths", &Cube{Bands: 1, Rows: 1, Cols: 1, Data: []float32{0}}, owterr.ErrMissingWavelength},
		{"zero rows", &Cube{Wavelengths: []float64{1}, Bands: 1, Rows: 0, Cols: 1}, owterr.ErrDegenerateCube},
		{"band mismatch", &Cube{Wavelengths: []float64{1, 2}, Bands: 1, Rows: 1, Cols: 1, Data: []float32{0}}, owterr.ErrShapeMismatch},
		{"short data", &Cube{Wavelengths: []float64{1}, Bands: 1, Rows: 2, Cols: 2, Data: []float32{0}}, owterr.ErrShapeMismatch},
		{"not increasing", &Cube{Wavelengths: []float64{2, 1}, Bands: 2, Rows: 1, Cols: 1, Data: []float32{0, 0}}, owterr.ErrMissingWavelength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cube.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !owterr.IsData(err) {
				t.Fatalf("expected a DataError, got %T", err)
			}
		})
	}
}

func TestBandsWithin(t *testing.T) {
	c := NewCube([]float64{412, 443, 490, 560, 665, 865}, 1, 1)
	got := c.BandsWithin(350, 800)
	want := []int{0, 1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestWindowContains(t *testing.T) {
	if !(Window{Row: 0, Col: 0, Height: 2, Width: 2}).Contains(2, 2) {
		t.Error("full window should fit")
	}
	if (Window{Row: 1, Col: 0, Height: 2, Width: 2}).Contains(2, 2) {
		t.Error("window past the last row should not fit")
	}
	if (Window{Row: 0, Col: 0, Height: 0, Width: 2}).Contains(2, 2) {
		t.Error("empty window should not fit")
	}
}
