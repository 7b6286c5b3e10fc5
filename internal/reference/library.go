package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/obs2co/owt-server/internal/owterr"
)

// Spectrum is one class's reflectance on the library's native grid.
type Spectrum struct {
	ID     int       `json:"id"`
	Values []float64 `json:"values"`
}

// Library is a parsed reference database. It is immutable after Load.
type Library struct {
	Database    string
	Variant     string
	Wavelengths []float64
	Spectra     []Spectrum
	Legend      []LegendEntry
}

// Classes returns the number of reference classes.
func (l *Library) Classes() int { return len(l.Spectra) }

// Range returns the native wavelength range.
func (l *Library) Range() (lo, hi float64) {
	return l.Wavelengths[0], l.Wavelengths[len(l.Wavelengths)-1]
}

// Overlaps reports whether [lo, hi] intersects the native wavelength range.
func (l *Library) Overlaps(lo, hi float64) bool {
	min, max := l.Range()
	return lo <= max && hi >= min
}

func (l *Library) validate() error {
	if len(l.Wavelengths) < 2 {
		return fmt.Errorf("%w: need at least two wavelengths, got %d", owterr.ErrMalformedLibrary, len(l.Wavelengths))
	}
	for i := 1; i < len(l.Wavelengths); i++ {
		if !(l.Wavelengths[i] > l.Wavelengths[i-1]) {
			return fmt.Errorf("%w: wavelength grid not strictly increasing at %v",
				owterr.ErrMalformedLibrary, l.Wavelengths[i])
		}
	}
	if len(l.Spectra) == 0 {
		return fmt.Errorf("%w: no classes", owterr.ErrMalformedLibrary)
	}
	for i, s := range l.Spectra {
		if s.ID != i+1 {
			return fmt.Errorf("%w: class ids not contiguous from 1 (position %d has id %d)",
				owterr.ErrMalformedLibrary, i, s.ID)
		}
		if len(s.Values) != len(l.Wavelengths) {
			return fmt.Errorf("%w: class %d has %d values for %d wavelengths",
				owterr.ErrMalformedLibrary, s.ID, len(s.Values), len(l.Wavelengths))
		}
		for j, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: class %d non-finite at %v nm",
					owterr.ErrMalformedLibrary, s.ID, l.Wavelengths[j])
			}
		}
	}
	if len(l.Legend) != len(l.Spectra) {
		return fmt.Errorf("%w: legend has %d entries for %d classes",
			owterr.ErrMalformedLibrary, len(l.Legend), len(l.Spectra))
	}
	return nil
}

// parseWide reads a table whose header is "owt,<wl>,<wl>..." and whose rows
// each carry one class.
func parseWide(r io.Reader) (*Library, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", owterr.ErrMalformedLibrary, err)
	}
	if len(header) < 3 {
		return nil, fmt.Errorf("%w: header has %d columns", owterr.ErrMalformedLibrary, len(header))
	}
	wl := make([]float64, len(header)-1)
	for i, h := range header[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(h), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: wavelength header %q", owterr.ErrMalformedLibrary, h)
		}
		wl[i] = v
	}

	var spectra []Spectrum
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", owterr.ErrMalformedLibrary, err)
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: class id %q", owterr.ErrMalformedLibrary, rec[0])
		}
		values := make([]float64, len(wl))
		for i, s := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: class %d value %q", owterr.ErrMalformedLibrary, id, s)
			}
			values[i] = v
		}
		spectra = append(spectra, Spectrum{ID: id, Values: values})
	}
	sort.SliceStable(spectra, func(i, j int) bool { return spectra[i].ID < spectra[j].ID })
	return &Library{Wavelengths: wl, Spectra: spectra}, nil
}

// parseLong reads a table with columns "owt,wavelength,<variant>..." and
// pivots it by class.
func parseLong(r io.Reader, variant string) (*Library, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", owterr.ErrMalformedLibrary, err)
	}
	col := -1
	for i, h := range header {
		if strings.TrimSpace(h) == variant {
			col = i
		}
	}
	if col < 2 {
		return nil, fmt.Errorf("%w: no %q column", owterr.ErrMalformedLibrary, variant)
	}

	byClass := make(map[int]map[float64]float64)
	grid := make(map[float64]struct{})
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", owterr.ErrMalformedLibrary, err)
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: class id %q", owterr.ErrMalformedLibrary, rec[0])
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: wavelength %q", owterr.ErrMalformedLibrary, rec[1])
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: class %d value %q", owterr.ErrMalformedLibrary, id, rec[col])
		}
		if byClass[id] == nil {
			byClass[id] = make(map[float64]float64)
		}
		if _, dup := byClass[id][w]; dup {
			return nil, fmt.Errorf("%w: class %d repeats %v nm", owterr.ErrMalformedLibrary, id, w)
		}
		byClass[id][w] = v
		grid[w] = struct{}{}
	}

	wl := make([]float64, 0, len(grid))
	for w := range grid {
		wl = append(wl, w)
	}
	sort.Float64s(wl)

	ids := make([]int, 0, len(byClass))
	for id := range byClass {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	spectra := make([]Spectrum, 0, len(ids))
	for _, id := range ids {
		values := make([]float64, len(wl))
		for i, w := range wl {
			v, ok := byClass[id][w]
			if !ok {
				return nil, fmt.Errorf("%w: class %d missing %v nm", owterr.ErrMalformedLibrary, id, w)
			}
			values[i] = v
		}
		spectra = append(spectra, Spectrum{ID: id, Values: values})
	}
	return &Library{Wavelengths: wl, Spectra: spectra}, nil
}
