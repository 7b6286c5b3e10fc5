// Package colormap provides color schemes for OWT index and score rendering.
package colormap

import (
	"fmt"
	"image/color"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return blend(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// blend interpolates in CIE L*a*b* so ramps stay perceptually even.
func blend(c1, c2 color.RGBA, t float64) color.RGBA {
	a, _ := colorful.MakeColor(c1)
	b, _ := colorful.MakeColor(c2)
	r, g, bl := a.BlendLab(b, t).Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: bl, A: 255}
}

// Viridis colormap (matplotlib viridis), used for similarity scores.
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// ListedColormap maps class indices to a fixed list of colors, like
// matplotlib's ListedColormap.
type ListedColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c ListedColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c ListedColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Len returns the number of listed colors.
func (c ListedColormap) Len() int { return len(c.colors) }

// NewListed builds a listed colormap from color names or hex strings.
func NewListed(names []string) (ListedColormap, error) {
	if len(names) == 0 {
		return ListedColormap{}, fmt.Errorf("empty color list")
	}
	colors := make([]color.RGBA, len(names))
	for i, name := range names {
		c, err := Named(name)
		if err != nil {
			return ListedColormap{}, err
		}
		colors[i] = c
	}
	return ListedColormap{colors: colors}, nil
}

// named holds the matplotlib/CSS colors used by the shipped legends.
var named = map[string]string{
	"black":          "#000000",
	"white":          "#ffffff",
	"lightgray":      "#d3d3d3",
	"olivedrab":      "#6b8e23",
	"cadetblue":      "#5f9ea0",
	"tan":            "#d2b48c",
	"chocolate":      "#d2691e",
	"teal":           "#008080",
	"blueviolet":     "#8a2be2",
	"plum":           "#dda0dd",
	"red":            "#ff0000",
	"orange":         "#ffa500",
	"gold":           "#ffd700",
	"firebrick":      "#b22222",
	"mediumblue":     "#0000cd",
	"slategrey":      "#708090",
	"navy":           "#000080",
	"royalblue":      "#4169e1",
	"steelblue":      "#4682b4",
	"seagreen":       "#2e8b57",
	"yellowgreen":    "#9acd32",
	"darkkhaki":      "#bdb76b",
	"sienna":         "#a0522d",
	"saddlebrown":    "#8b4513",
	"limegreen":      "#32cd32",
	"darkolivegreen": "#556b2f",
}

// Named resolves a color name or "#rrggbb" string.
func Named(name string) (color.RGBA, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	hex, ok := named[key]
	if !ok {
		if !strings.HasPrefix(key, "#") {
			return color.RGBA{}, fmt.Errorf("unknown color: %q", name)
		}
		hex = key
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", name, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// Hex returns the "#rrggbb" form of a color name.
func Hex(name string) (string, error) {
	c, err := Named(name)
	if err != nil {
		return "", err
	}
	return colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}.Hex(), nil
}
