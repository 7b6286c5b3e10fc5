// Package render draws classification layers as PNG map tiles using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/reference"
	"github.com/obs2co/owt-server/pkg/colormap"
)

// Score bounds mapped onto the colormap. Reflectance spectra are
// non-negative so the angle never exceeds pi/2.
const (
	ScoreMin = -0.5
	ScoreMax = 0.0
)

// ErrTileOutOfRange is returned for tile coordinates outside the layer.
var ErrTileOutOfRange = errors.New("tile out of range")

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultColormap string
}

// TileRenderer renders tiles from classification layers.
type TileRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormaps   map[string]colormap.Colormap
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	r := &TileRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		colormaps: map[string]colormap.Colormap{
			"viridis": colormap.Viridis,
			"magma":   colormap.Magma,
		},
	}
	return r
}

// TileSize returns the edge of rendered tiles in pixels.
func (r *TileRenderer) TileSize() int { return r.config.TileSize }

// Colormap resolves a score colormap name, falling back to the default.
func (r *TileRenderer) Colormap(name string) (colormap.Colormap, string) {
	if cmap, ok := r.colormaps[name]; ok {
		return cmap, name
	}
	return r.colormaps[r.config.DefaultColormap], r.config.DefaultColormap
}

// Grid describes the tile pyramid over a rows x cols raster. At MaxZoom one
// tile pixel is one raster pixel; each lower level halves the resolution.
type Grid struct {
	Rows     int `json:"rows"`
	Cols     int `json:"cols"`
	TileSize int `json:"tile_size"`
	MaxZoom  int `json:"max_zoom"`
}

// NewGrid builds the pyramid for a raster.
func NewGrid(rows, cols, tileSize int) Grid {
	if tileSize <= 0 {
		tileSize = 256
	}
	g := Grid{Rows: rows, Cols: cols, TileSize: tileSize}
	for n := max(rows, cols); tileSize<<g.MaxZoom < n; {
		g.MaxZoom++
	}
	return g
}

// Span returns how many raster pixels one tile covers per axis at zoom z.
func (g Grid) Span(z int) int {
	return g.TileSize << (g.MaxZoom - z)
}

// Tiles returns the number of tiles per axis at zoom z.
func (g Grid) Tiles(z int) (nx, ny int) {
	span := g.Span(z)
	return (g.Cols + span - 1) / span, (g.Rows + span - 1) / span
}

func (g Grid) check(z, x, y int) error {
	if z < 0 || z > g.MaxZoom {
		return fmt.Errorf("%w: zoom %d not in [0, %d]", ErrTileOutOfRange, z, g.MaxZoom)
	}
	nx, ny := g.Tiles(z)
	if x < 0 || y < 0 || x >= nx || y >= ny {
		return fmt.Errorf("%w: %d/%d/%d", ErrTileOutOfRange, z, x, y)
	}
	return nil
}

// paint samples the raster under tile z/x/y and writes colour(offset) into
// every tile pixel that falls inside it. Pixels outside stay transparent.
func (r *TileRenderer) paint(g Grid, z, x, y int, colour func(offset int) (color.RGBA, bool)) ([]byte, error) {
	if err := g.check(z, x, y); err != nil {
		return nil, err
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)
	dc.SetColor(color.Transparent)
	dc.Clear()
	img := dc.Image().(*image.RGBA)

	size := r.config.TileSize
	span := g.Span(z)
	for py := 0; py < size; py++ {
		row := y*span + py*span/size
		if row >= g.Rows {
			break
		}
		for px := 0; px < size; px++ {
			col := x*span + px*span/size
			if col >= g.Cols {
				break
			}
			if c, ok := colour(row*g.Cols + col); ok {
				img.SetRGBA(px, py, c)
			}
		}
	}
	return r.encodeContext(dc)
}

// RenderIndexTile colours each pixel by its class legend colour. No-data
// pixels and ids beyond the legend are left transparent.
func (r *TileRenderer) RenderIndexTile(layer *pipeline.Layer, z, x, y int) ([]byte, error) {
	cmap, err := colormap.NewListed(reference.Colors(layer.Legend))
	if err != nil {
		return nil, err
	}
	colours := make([]color.RGBA, cmap.Len())
	for i := range colours {
		colours[i] = cmap.AtIndex(i).(color.RGBA)
	}

	g := NewGrid(layer.Rows, layer.Cols, r.config.TileSize)
	return r.paint(g, z, x, y, func(off int) (color.RGBA, bool) {
		k := int(layer.Index[off])
		if k <= 0 || k > len(colours) {
			return color.RGBA{}, false
		}
		return colours[k-1], true
	})
}

// RenderScoreTile colours each pixel by its similarity score on a
// continuous colormap. NaN scores are left transparent.
func (r *TileRenderer) RenderScoreTile(layer *pipeline.Layer, z, x, y int, colormapName string) ([]byte, error) {
	cmap, _ := r.Colormap(colormapName)
	g := NewGrid(layer.Rows, layer.Cols, r.config.TileSize)
	return r.paint(g, z, x, y, func(off int) (color.RGBA, bool) {
		s := float64(layer.Score[off])
		if math.IsNaN(s) {
			return color.RGBA{}, false
		}
		return toRGBA(cmap.At((s - ScoreMin) / (ScoreMax - ScoreMin))), true
	})
}

func toRGBA(c color.Color) color.RGBA {
	if rgba, ok := c.(color.RGBA); ok {
		return rgba
	}
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func (r *TileRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	return r.encode(dc.Image())
}

func (r *TileRenderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates an empty transparent tile.
func (r *TileRenderer) CreateEmptyTile() ([]byte, error) {
	return r.encode(image.NewRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize)))
}
