package reference

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"github.com/obs2co/owt-server/internal/owterr"
)

// Interpolated is a library resampled onto a raster's wavelength grid.
// Only raster bands inside the native range are kept.
type Interpolated struct {
	Database string
	Variant  string
	// Bands are the indices into the target grid that were kept.
	Bands       []int
	Wavelengths []float64
	// Values is flattened [class][band].
	Values []float64
	Norms  []float64
	Legend []LegendEntry
}

// Classes returns the number of classes.
func (p *Interpolated) Classes() int { return len(p.Norms) }

// NumBands returns the number of bands each class carries.
func (p *Interpolated) NumBands() int { return len(p.Bands) }

// Spectrum returns the resampled values of the class at position k (id k+1).
func (p *Interpolated) Spectrum(k int) []float64 {
	n := len(p.Bands)
	return p.Values[k*n : (k+1)*n]
}

// Interpolate resamples every class onto targets by piecewise-linear
// interpolation. Targets outside the native range are dropped; it is a
// DataError when none remain.
func (l *Library) Interpolate(targets []float64) (*Interpolated, error) {
	lo, hi := l.Range()

	var bands []int
	var wl []float64
	for i, t := range targets {
		if t >= lo && t <= hi {
			bands = append(bands, i)
			wl = append(wl, t)
		}
	}
	if len(bands) == 0 {
		return nil, owterr.Data("interpolate", l.Database,
			fmt.Errorf("%w: no target in [%g, %g] nm", owterr.ErrOutOfRange, lo, hi))
	}

	out := &Interpolated{
		Database:    l.Database,
		Variant:     l.Variant,
		Bands:       bands,
		Wavelengths: wl,
		Values:      make([]float64, len(l.Spectra)*len(bands)),
		Norms:       make([]float64, len(l.Spectra)),
		Legend:      l.Legend,
	}

	for k, s := range l.Spectra {
		var pl interp.PiecewiseLinear
		if err := pl.Fit(l.Wavelengths, s.Values); err != nil {
			return nil, owterr.Data("interpolate", l.Database, fmt.Errorf("class %d: %w", s.ID, err))
		}
		row := out.Values[k*len(bands) : (k+1)*len(bands)]
		for j, t := range wl {
			row[j] = pl.Predict(t)
		}
		out.Norms[k] = floats.Norm(row, 2)
	}
	return out, nil
}
