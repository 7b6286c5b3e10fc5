package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/reference"
)

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func testLayer() *pipeline.Layer {
	legend, _ := reference.Legend("Bi2023")
	nan := float32(math.NaN())
	return &pipeline.Layer{
		Suffix: "_bi", Database: "Bi2023", Variant: "normalized",
		Rows: 2, Cols: 3,
		Index:  []int32{1, 2, 0, 10, 11, 1},
		Score:  []float32{0, -0.5, nan, -0.25, 0, 0},
		Legend: legend,
	}
}

func TestGrid(t *testing.T) {
	tests := []struct {
		rows, cols, size int
		maxZoom          int
		nx, ny           int
	}{
		{2, 3, 4, 0, 1, 1},
		{10, 3, 4, 2, 1, 3},
		{1000, 1500, 256, 3, 6, 4},
	}
	for _, tt := range tests {
		g := NewGrid(tt.rows, tt.cols, tt.size)
		if g.MaxZoom != tt.maxZoom {
			t.Fatalf("NewGrid(%d, %d, %d).MaxZoom = %d, want %d", tt.rows, tt.cols, tt.size, g.MaxZoom, tt.maxZoom)
		}
		nx, ny := g.Tiles(g.MaxZoom)
		if nx != tt.nx || ny != tt.ny {
			t.Fatalf("Tiles(max) = %d,%d want %d,%d", nx, ny, tt.nx, tt.ny)
		}
		if nx, ny := g.Tiles(0); nx != 1 || ny != 1 {
			t.Fatalf("Tiles(0) = %d,%d want 1,1", nx, ny)
		}
	}
}

func TestRenderIndexTile(t *testing.T) {
	r := NewTileRenderer(Config{TileSize: 4})
	layer := testLayer()

	data, err := r.RenderIndexTile(layer, 0, 0, 0)
	if err != nil {
		t.Fatalf("RenderIndexTile error: %v", err)
	}
	img := decodePNG(t, data)
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Fatalf("unexpected tile bounds %v", b)
	}

	navy := color.RGBA{0, 0, 128, 255}
	if got := rgba(img.At(0, 0)); got != navy {
		t.Fatalf("class 1 pixel = %v, want navy", got)
	}
	if got := rgba(img.At(0, 1)); got != (color.RGBA{85, 107, 47, 255}) {
		t.Fatalf("class 10 pixel = %v, want darkolivegreen", got)
	}
	for _, p := range []image.Point{{2, 0}, {1, 1}, {3, 0}, {0, 2}, {3, 3}} {
		if got := rgba(img.At(p.X, p.Y)); got.A != 0 {
			t.Fatalf("pixel %v should be transparent, got %v", p, got)
		}
	}
}

func TestRenderScoreTile(t *testing.T) {
	r := NewTileRenderer(Config{TileSize: 4})
	layer := testLayer()

	data, err := r.RenderScoreTile(layer, 0, 0, 0, "viridis")
	if err != nil {
		t.Fatalf("RenderScoreTile error: %v", err)
	}
	img := decodePNG(t, data)
	if got := rgba(img.At(0, 0)); got != (color.RGBA{253, 231, 37, 255}) {
		t.Fatalf("score 0 pixel = %v, want viridis top", got)
	}
	if got := rgba(img.At(1, 0)); got != (color.RGBA{68, 1, 84, 255}) {
		t.Fatalf("score -0.5 pixel = %v, want viridis bottom", got)
	}
	if got := rgba(img.At(2, 0)); got.A != 0 {
		t.Fatalf("NaN score should be transparent, got %v", got)
	}

	if _, name := r.Colormap("nope"); name != "viridis" {
		t.Fatalf("expected fallback to viridis, got %s", name)
	}
}

func TestRenderTileOutOfRange(t *testing.T) {
	r := NewTileRenderer(Config{TileSize: 4})
	layer := testLayer()
	for _, zxy := range [][3]int{{1, 0, 0}, {0, 1, 0}, {0, 0, -1}, {-1, 0, 0}} {
		_, err := r.RenderIndexTile(layer, zxy[0], zxy[1], zxy[2])
		if !errors.Is(err, ErrTileOutOfRange) {
			t.Fatalf("tile %v: expected ErrTileOutOfRange, got %v", zxy, err)
		}
	}
}

func TestRenderDownsampledTile(t *testing.T) {
	r := NewTileRenderer(Config{TileSize: 2})
	layer := &pipeline.Layer{Rows: 4, Cols: 4, Index: make([]int32, 16), Score: make([]float32, 16)}
	layer.Legend, _ = reference.Legend("Bi2023")
	for i := range layer.Index {
		layer.Index[i] = int32(i%4) + 1
	}

	// Zoom 0 samples every second raster pixel.
	data, err := r.RenderIndexTile(layer, 0, 0, 0)
	if err != nil {
		t.Fatalf("RenderIndexTile error: %v", err)
	}
	img := decodePNG(t, data)
	if got := rgba(img.At(1, 0)); got != (color.RGBA{70, 130, 180, 255}) {
		t.Fatalf("expected class 3 (steelblue) at (1, 0), got %v", got)
	}

	// Zoom 1 is full resolution.
	data, err = r.RenderIndexTile(layer, 1, 1, 1)
	if err != nil {
		t.Fatalf("RenderIndexTile error: %v", err)
	}
	img = decodePNG(t, data)
	if got := rgba(img.At(1, 0)); got != (color.RGBA{46, 139, 87, 255}) {
		t.Fatalf("expected class 4 (seagreen) at (1, 0), got %v", got)
	}
}

func TestRenderLegend(t *testing.T) {
	r := NewTileRenderer(Config{})
	legend, _ := reference.Legend("Spyrakos2018")
	data, err := r.RenderLegend("Spyrakos2018", legend)
	if err != nil {
		t.Fatalf("RenderLegend error: %v", err)
	}
	img := decodePNG(t, data)
	if img.Bounds().Dy() != legendPadding*2+legendRow*14 {
		t.Fatalf("unexpected legend height %d", img.Bounds().Dy())
	}

	if _, err := r.RenderLegend("x", []reference.LegendEntry{{ID: 1, Color: "not-a-colour"}}); err == nil {
		t.Fatal("expected error for unknown legend colour")
	}
}

func TestCreateEmptyTile(t *testing.T) {
	r := NewTileRenderer(Config{TileSize: 8})
	data, err := r.CreateEmptyTile()
	if err != nil {
		t.Fatalf("CreateEmptyTile error: %v", err)
	}
	img := decodePNG(t, data)
	if img.Bounds().Dx() != 8 || rgba(img.At(3, 3)).A != 0 {
		t.Fatal("expected an 8px transparent tile")
	}
}
