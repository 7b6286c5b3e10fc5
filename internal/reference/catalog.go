// Package reference loads the optical water type reference libraries and
// resamples them onto a raster's wavelength grid.
package reference

import (
	"embed"
	"fmt"
	"sort"

	"github.com/obs2co/owt-server/internal/owterr"
)

//go:embed data/*.csv
var resources embed.FS

// Layout describes how a reference table is stored on disk.
type Layout int

const (
	// Wide tables carry one row per class and one column per wavelength.
	Wide Layout = iota
	// Long tables carry one row per (class, wavelength) and one column per variant.
	Long
)

const (
	VariantNormalized = "normalized"
	VariantAbsolute   = "absolute"
)

// Catalog describes one shipped reference database.
type Catalog struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Variants       []string `json:"variants"`
	DefaultVariant string   `json:"default_variant"`
	Classes        int      `json:"classes"`
	WavelengthMin  float64  `json:"wavelength_min"`
	WavelengthMax  float64  `json:"wavelength_max"`

	file   string
	layout Layout
}

var catalogs = map[string]Catalog{
	"Spyrakos2018": {
		Name:           "Spyrakos2018",
		Description:    "Inland optical water types (standardised Rrs, nm-1; illustrative spectra)",
		Variants:       []string{VariantNormalized},
		DefaultVariant: VariantNormalized,
		file:           "data/spyrakos2018_inland.csv",
		layout:         Wide,
	},
	"Bi2023": {
		Name:           "Bi2023",
		Description:    "Holistic optical water types (normalized or absolute Rrs; illustrative spectra)",
		Variants:       []string{VariantNormalized, VariantAbsolute},
		DefaultVariant: VariantNormalized,
		file:           "data/bi2023_holistic.csv",
		layout:         Long,
	},
}

// Databases lists the shipped reference databases sorted by name.
// Class count and native range are read from the embedded tables.
func Databases() []Catalog {
	names := make([]string, 0, len(catalogs))
	for name := range catalogs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Catalog, 0, len(names))
	for _, name := range names {
		c := catalogs[name]
		if lib, err := Load(name, ""); err == nil {
			c.Classes = len(lib.Spectra)
			c.WavelengthMin = lib.Wavelengths[0]
			c.WavelengthMax = lib.Wavelengths[len(lib.Wavelengths)-1]
		}
		out = append(out, c)
	}
	return out
}

// Lookup returns the catalog entry for a database name.
func Lookup(database string) (Catalog, bool) {
	c, ok := catalogs[database]
	return c, ok
}

// Load parses the embedded table for database and returns the requested
// variant. An empty variant selects the database default.
func Load(database, variant string) (*Library, error) {
	c, ok := catalogs[database]
	if !ok {
		return nil, owterr.Config("load", database, owterr.ErrUnknownDatabase)
	}
	if variant == "" {
		variant = c.DefaultVariant
	}
	if !c.supports(variant) {
		return nil, owterr.Config("load", database,
			fmt.Errorf("%w: %q (supported: %v)", owterr.ErrUnsupportedVariant, variant, c.Variants))
	}

	f, err := resources.Open(c.file)
	if err != nil {
		return nil, owterr.Config("load", database, fmt.Errorf("open resource: %w", err))
	}
	defer f.Close()

	var lib *Library
	switch c.layout {
	case Wide:
		lib, err = parseWide(f)
	case Long:
		lib, err = parseLong(f, variant)
	default:
		err = fmt.Errorf("unknown layout %d", c.layout)
	}
	if err != nil {
		return nil, owterr.Data("load", database, err)
	}

	lib.Database = database
	lib.Variant = variant
	lib.Legend = append([]LegendEntry(nil), legends[database]...)
	if err := lib.validate(); err != nil {
		return nil, owterr.Data("load", database, err)
	}
	return lib, nil
}

func (c Catalog) supports(variant string) bool {
	for _, v := range c.Variants {
		if v == variant {
			return true
		}
	}
	return false
}
