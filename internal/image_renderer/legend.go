package image_renderer

import (
	"errors"
	"image"
	"image/color"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"wmstiles/internal/style"
)

const (
	legendRow    = 20
	legendSwatch = 16
	legendPad    = 2
)

// legendEntry is one row of a legend: a swatch and its caption.
type legendEntry struct {
	caption string
	swatch  func(z *vector.Rasterizer, dst *image.NRGBA, r image.Rectangle)
}

// LegendGraphic draws a legend for doc: one row per colour map entry for
// raster styles, one row per rule otherwise. Rows that do not fit in height
// are dropped.
func LegendGraphic(doc *style.Document, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("legend size must be positive")
	}
	entries := legendEntries(doc)
	if len(entries) == 0 {
		return nil, errors.New("style has nothing to show in a legend")
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, e := range entries {
		top := legendPad + i*legendRow
		if top+legendSwatch > height {
			break
		}
		r := image.Rect(legendPad, top, legendPad+legendSwatch, top+legendSwatch)
		z := vector.NewRasterizer(width, height)
		e.swatch(z, dst, r)

		d := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.Black),
			Face: labelFace,
			Dot:  fixed.P(r.Max.X+4, top+legendSwatch-3),
		}
		d.DrawString(e.caption)
	}
	return dst, nil
}

func legendEntries(doc *style.Document) []legendEntry {
	var out []legendEntry
	if rs, ok := doc.Raster(); ok {
		for _, ce := range rs.ColorMap.Entries {
			caption := ce.Label
			if caption == "" {
				caption = strconv.FormatFloat(ce.Quantity, 'g', -1, 64)
			}
			out = append(out, legendEntry{caption: caption, swatch: swatchRect(ce.Color, nil)})
		}
		return out
	}
	for _, fts := range doc.Styles {
		for _, rule := range fts.Rules {
			caption := rule.Title
			if caption == "" {
				caption = rule.Name
			}
			for _, s := range rule.Symbolizers {
				if swatch := swatchFor(s); swatch != nil {
					out = append(out, legendEntry{caption: caption, swatch: swatch})
					break
				}
			}
		}
	}
	return out
}

func swatchFor(s style.Symbolizer) func(*vector.Rasterizer, *image.NRGBA, image.Rectangle) {
	switch s := s.(type) {
	case *style.PolygonSymbolizer:
		var fill color.NRGBA
		if s.Fill != nil {
			fill = s.Fill.Color
		}
		return swatchRect(fill, s.Stroke)
	case *style.LineSymbolizer:
		return swatchLine(s.Stroke)
	case *style.PointSymbolizer:
		col := color.NRGBA{A: 255}
		if s.Fill != nil {
			col = s.Fill.Color
		} else if s.Stroke != nil {
			col = s.Stroke.Color
		}
		return swatchDiamond(col)
	case *style.TextSymbolizer:
		return swatchRect(s.Fill, nil)
	}
	return nil
}

func paint(z *vector.Rasterizer, dst *image.NRGBA, col color.NRGBA) {
	z.Draw(dst, dst.Bounds(), image.NewUniform(col), image.Point{})
}

func swatchRect(fill color.NRGBA, stroke *style.Stroke) func(*vector.Rasterizer, *image.NRGBA, image.Rectangle) {
	return func(z *vector.Rasterizer, dst *image.NRGBA, r image.Rectangle) {
		x0, y0, x1, y1 := float32(r.Min.X), float32(r.Min.Y), float32(r.Max.X), float32(r.Max.Y)
		z.MoveTo(x0, y0)
		z.LineTo(x1, y0)
		z.LineTo(x1, y1)
		z.LineTo(x0, y1)
		z.ClosePath()
		paint(z, dst, fill)
		if stroke == nil {
			return
		}
		// Outline as the difference of two rectangles, wound the other way.
		w := float32(max(stroke.Width, 1))
		z.Reset(dst.Bounds().Dx(), dst.Bounds().Dy())
		z.MoveTo(x0, y0)
		z.LineTo(x1, y0)
		z.LineTo(x1, y1)
		z.LineTo(x0, y1)
		z.ClosePath()
		z.MoveTo(x0+w, y0+w)
		z.LineTo(x0+w, y1-w)
		z.LineTo(x1-w, y1-w)
		z.LineTo(x1-w, y0+w)
		z.ClosePath()
		paint(z, dst, stroke.Color)
	}
}

func swatchLine(stroke style.Stroke) func(*vector.Rasterizer, *image.NRGBA, image.Rectangle) {
	return func(z *vector.Rasterizer, dst *image.NRGBA, r image.Rectangle) {
		w := float32(max(stroke.Width, 1)) / 2
		x0, y0, x1, y1 := float32(r.Min.X), float32(r.Max.Y), float32(r.Max.X), float32(r.Min.Y)
		// A diagonal band from the lower-left to the upper-right corner.
		z.MoveTo(x0, y0-w)
		z.LineTo(x1-w, y1)
		z.LineTo(x1, y1+w)
		z.LineTo(x0+w, y0)
		z.ClosePath()
		paint(z, dst, stroke.Color)
	}
}

func swatchDiamond(col color.NRGBA) func(*vector.Rasterizer, *image.NRGBA, image.Rectangle) {
	return func(z *vector.Rasterizer, dst *image.NRGBA, r image.Rectangle) {
		cx := float32(r.Min.X+r.Max.X) / 2
		cy := float32(r.Min.Y+r.Max.Y) / 2
		h := float32(r.Dx()) / 3
		z.MoveTo(cx, cy-h)
		z.LineTo(cx+h, cy)
		z.LineTo(cx, cy+h)
		z.LineTo(cx-h, cy)
		z.ClosePath()
		paint(z, dst, col)
	}
}
