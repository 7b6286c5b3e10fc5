// Package sam implements spectral angle mapping of reflectance pixels against
// an interpolated reference library.
package sam

import (
	"fmt"
	"math"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
	"github.com/obs2co/owt-server/internal/reference"
)

const (
	// IndexNoData marks pixels that received no class.
	IndexNoData int32 = 0
)

// ScoreNoData marks pixels that received no score.
var ScoreNoData = float32(math.NaN())

// Angle returns the spectral angle in radians between a and b, or NaN when
// either vector has zero norm.
func Angle(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	den := math.Sqrt(na) * math.Sqrt(nb)
	if den == 0 {
		return math.NaN()
	}
	return math.Acos(clamp(dot / den))
}

func clamp(c float64) float64 {
	if c > 1 {
		return 1
	}
	if c < -1 {
		return -1
	}
	return c
}

// Classify writes class indices and scores for every pixel of window into
// index and score. Pixel (r, c) of the window lands at
// offset + r*stride + c. Buffers outside the window are not touched.
func Classify(cube *raster.Cube, window raster.Window, refs *reference.Interpolated,
	index []int32, score []float32, stride, offset int) error {
	if err := check(cube, window, refs, len(index), len(score), stride, offset); err != nil {
		return err
	}

	nb := refs.NumBands()
	nc := refs.Classes()
	plane := cube.Rows * cube.Cols
	pixel := make([]float64, nb)
	first := refs.Bands[0] * plane

	for r := 0; r < window.Height; r++ {
		row := window.Row + r
		out := offset + r*stride
		for c := 0; c < window.Width; c++ {
			col := window.Col + c
			px := row*cube.Cols + col
			dst := out + c

			if math.IsNaN(float64(cube.Data[first+px])) {
				index[dst] = IndexNoData
				score[dst] = ScoreNoData
				continue
			}

			var sq float64
			finite := true
			for j, b := range refs.Bands {
				v := float64(cube.Data[b*plane+px])
				if math.IsNaN(v) || math.IsInf(v, 0) {
					finite = false
					break
				}
				pixel[j] = v
				sq += v * v
			}
			norm := math.Sqrt(sq)
			if !finite || norm == 0 {
				index[dst] = IndexNoData
				score[dst] = ScoreNoData
				continue
			}

			best := -1
			bestAngle := math.Inf(1)
			for k := 0; k < nc; k++ {
				den := norm * refs.Norms[k]
				if den == 0 {
					continue
				}
				ref := refs.Values[k*nb : (k+1)*nb]
				var dot float64
				for j := range pixel {
					dot += pixel[j] * ref[j]
				}
				a := math.Acos(clamp(dot / den))
				if a < bestAngle {
					bestAngle = a
					best = k
				}
			}
			if best < 0 {
				index[dst] = IndexNoData
				score[dst] = ScoreNoData
				continue
			}
			index[dst] = int32(best + 1)
			score[dst] = float32(-bestAngle / math.Pi)
		}
	}
	return nil
}

// ClassifyTile classifies a whole cube into freshly allocated buffers.
func ClassifyTile(tile *raster.Cube, refs *reference.Interpolated) ([]int32, []float32, error) {
	if tile == nil {
		return nil, nil, owterr.Data("classify", "", owterr.ErrDegenerateCube)
	}
	n := tile.PixelCount()
	index := make([]int32, n)
	score := make([]float32, n)
	w := raster.Window{Row: 0, Col: 0, Height: tile.Rows, Width: tile.Cols}
	if err := Classify(tile, w, refs, index, score, tile.Cols, 0); err != nil {
		return nil, nil, err
	}
	return index, score, nil
}

func check(cube *raster.Cube, window raster.Window, refs *reference.Interpolated,
	nIndex, nScore, stride, offset int) error {
	db := ""
	if refs != nil {
		db = refs.Database
	}
	if cube == nil || cube.Rows <= 0 || cube.Cols <= 0 {
		return owterr.Data("classify", db, owterr.ErrDegenerateCube)
	}
	if refs == nil || refs.NumBands() == 0 || refs.Classes() == 0 {
		return owterr.Data("classify", db, fmt.Errorf("%w: empty reference library", owterr.ErrShapeMismatch))
	}
	if len(refs.Values) != refs.Classes()*refs.NumBands() {
		return owterr.Data("classify", db, fmt.Errorf("%w: %d reference values for %d classes x %d bands",
			owterr.ErrShapeMismatch, len(refs.Values), refs.Classes(), refs.NumBands()))
	}
	for _, b := range refs.Bands {
		if b < 0 || b >= cube.Bands {
			return owterr.Data("classify", db, fmt.Errorf("%w: band %d outside cube with %d bands",
				owterr.ErrShapeMismatch, b, cube.Bands))
		}
	}
	if len(cube.Data) < cube.Bands*cube.Rows*cube.Cols {
		return owterr.Data("classify", db, fmt.Errorf("%w: cube data too short", owterr.ErrShapeMismatch))
	}
	if !window.Contains(cube.Rows, cube.Cols) {
		return owterr.Data("classify", db, fmt.Errorf("%w: window %s outside %dx%d raster",
			owterr.ErrShapeMismatch, window, cube.Rows, cube.Cols))
	}
	if stride < window.Width || offset < 0 {
		return owterr.Data("classify", db, fmt.Errorf("%w: stride %d for window width %d",
			owterr.ErrShapeMismatch, stride, window.Width))
	}
	last := offset + (window.Height-1)*stride + window.Width
	if nIndex < last || nScore < last {
		return owterr.Data("classify", db, fmt.Errorf("%w: output buffers hold %d/%d values, need %d",
			owterr.ErrShapeMismatch, nIndex, nScore, last))
	}
	return nil
}
