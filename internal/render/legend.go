package render

import (
	"fmt"
	"image/color"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/obs2co/owt-server/internal/reference"
	"github.com/obs2co/owt-server/pkg/colormap"
)

const (
	legendWidth   = 440
	legendRow     = 18
	legendPadding = 8
	legendSwatch  = 12
)

// RenderLegend draws a database legend: one swatch and label per class.
func (r *TileRenderer) RenderLegend(database string, legend []reference.LegendEntry) ([]byte, error) {
	height := legendPadding*2 + legendRow*(len(legend)+1)
	dc := gg.NewContext(legendWidth, height)
	dc.SetColor(color.White)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	dc.SetColor(color.Black)
	dc.DrawString(fmt.Sprintf("%s optical water types", database), legendPadding, legendPadding+13)

	for i, e := range legend {
		c, err := colormap.Named(e.Color)
		if err != nil {
			return nil, fmt.Errorf("legend %s class %d: %w", database, e.ID, err)
		}
		top := float64(legendPadding + legendRow*(i+1))

		dc.SetColor(c)
		dc.DrawRectangle(legendPadding, top+3, legendSwatch, legendSwatch)
		dc.FillPreserve()
		dc.SetColor(color.Gray{Y: 96})
		dc.SetLineWidth(1)
		dc.Stroke()

		dc.SetColor(color.Black)
		dc.DrawString(fmt.Sprintf("%2d  %s", e.ID, e.Description), legendPadding*2+legendSwatch, top+13)
	}
	return r.encodeContext(dc)
}
