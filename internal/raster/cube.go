// Package raster holds the in-memory reflectance cube consumed by the classifier.
package raster

import (
	"fmt"
	"math"

	"github.com/obs2co/owt-server/internal/owterr"
)

// Cube is a band-major float32 reflectance cube indexed by (wavelength, row, column).
type Cube struct {
	// Data holds Bands*Rows*Cols values, band-major then row-major.
	Data        []float32
	Wavelengths []float64
	Bands       int
	Rows        int
	Cols        int

	// Optional spatial coordinates (len Cols and len Rows).
	X []float64
	Y []float64

	Attrs map[string]string
}

// Window is a rectangular pixel region [Row, Row+Height) x [Col, Col+Width).
type Window struct {
	Row    int
	Col    int
	Height int
	Width  int
}

// Size returns the number of pixels in the window.
func (w Window) Size() int { return w.Height * w.Width }

// Contains reports whether w lies inside a rows x cols raster.
func (w Window) Contains(rows, cols int) bool {
	return w.Row >= 0 && w.Col >= 0 && w.Height > 0 && w.Width > 0 &&
		w.Row+w.Height <= rows && w.Col+w.Width <= cols
}

func (w Window) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d]", w.Row, w.Row+w.Height, w.Col, w.Col+w.Width)
}

// NewCube allocates a NaN-filled cube for the given wavelength grid.
func NewCube(wavelengths []float64, rows, cols int) *Cube {
	bands := len(wavelengths)
	data := make([]float32, bands*rows*cols)
	nan := float32(math.NaN())
	for i := range data {
		data[i] = nan
	}
	wl := make([]float64, bands)
	copy(wl, wavelengths)
	return &Cube{Data: data, Wavelengths: wl, Bands: bands, Rows: rows, Cols: cols}
}

// PixelCount returns Rows*Cols.
func (c *Cube) PixelCount() int { return c.Rows * c.Cols }

// Offset returns the flat index of (band, row, col).
func (c *Cube) Offset(band, row, col int) int {
	return (band*c.Rows+row)*c.Cols + col
}

// At returns the value at (band, row, col).
func (c *Cube) At(band, row, col int) float32 {
	return c.Data[c.Offset(band, row, col)]
}

// Set stores v at (band, row, col).
func (c *Cube) Set(band, row, col int, v float32) {
	c.Data[c.Offset(band, row, col)] = v
}

// SetPixel stores a full band vector at (row, col).
func (c *Cube) SetPixel(row, col int, values []float32) {
	for b := 0; b < c.Bands && b < len(values); b++ {
		c.Set(b, row, col, values[b])
	}
}

// Band returns the row-major plane of one band without copying.
func (c *Cube) Band(band int) []float32 {
	plane := c.Rows * c.Cols
	return c.Data[band*plane : (band+1)*plane]
}

// Validate checks the cube shape and wavelength coordinate.
func (c *Cube) Validate() error {
	if c == nil {
		return owterr.Data("validate", "", owterr.ErrDegenerateCube)
	}
	if len(c.Wavelengths) == 0 {
		return owterr.Data("validate", "", owterr.ErrMissingWavelength)
	}
	if c.Bands <= 0 || c.Rows <= 0 || c.Cols <= 0 {
		return owterr.Data("validate", "", fmt.Errorf("%w: bands=%d rows=%d cols=%d",
			owterr.ErrDegenerateCube, c.Bands, c.Rows, c.Cols))
	}
	if len(c.Wavelengths) != c.Bands {
		return owterr.Data("validate", "", fmt.Errorf("%w: %d wavelengths for %d bands",
			owterr.ErrShapeMismatch, len(c.Wavelengths), c.Bands))
	}
	if len(c.Data) != c.Bands*c.Rows*c.Cols {
		return owterr.Data("validate", "", fmt.Errorf("%w: data length %d, expected %d",
			owterr.ErrShapeMismatch, len(c.Data), c.Bands*c.Rows*c.Cols))
	}
	for i := 1; i < len(c.Wavelengths); i++ {
		if !(c.Wavelengths[i] > c.Wavelengths[i-1]) {
			return owterr.Data("validate", "", fmt.Errorf("%w: wavelengths not strictly increasing at %d",
				owterr.ErrMissingWavelength, i))
		}
	}
	return nil
}

// BandsWithin returns the indices of bands whose wavelength lies in [lo, hi].
func (c *Cube) BandsWithin(lo, hi float64) []int {
	var out []int
	for i, wl := range c.Wavelengths {
		if wl >= lo && wl <= hi {
			out = append(out, i)
		}
	}
	return out
}
