package image_renderer

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"wmstiles/internal/grid"
	"wmstiles/internal/style"
)

// Labels are set in a fixed bitmap face at integer grid positions, so the
// glyph pixels land on the same grid pixels in every tile.

var labelFace = basicfont.Face7x13

const (
	labelOffset = 4 // pixels between the anchor and the first glyph
	haloWidth   = 1
)

// truncateLabel keeps as many leading runes as fit in style.MaxLabelWidth.
func truncateLabel(text string) string {
	advance := labelFace.Advance
	fit := (style.MaxLabelWidth - labelOffset - 2*haloWidth) / advance
	runes := []rune(text)
	if len(runes) > fit {
		runes = runes[:fit]
	}
	return string(runes)
}

// labelMask renders text into an alpha mask with haloWidth pixels of padding.
func labelMask(text string) *image.Alpha {
	m := labelFace.Metrics()
	w := font.MeasureString(labelFace, text).Ceil() + 2*haloWidth
	h := m.Height.Ceil() + 2*haloWidth
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  mask,
		Src:  image.Opaque,
		Face: labelFace,
		Dot:  fixed.P(haloWidth, haloWidth+m.Ascent.Ceil()),
	}
	d.DrawString(text)
	return mask
}

// dilate grows the mask by one pixel in every direction.
func dilate(mask *image.Alpha) *image.Alpha {
	b := mask.Bounds()
	out := image.NewAlpha(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var a uint8
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					p := image.Pt(x+dx, y+dy)
					if p.In(b) {
						a = max(a, mask.AlphaAt(p.X, p.Y).A)
					}
				}
			}
			out.SetAlpha(x, y, color.Alpha{A: a})
		}
	}
	return out
}

// label draws l and reports whether any of it landed on the canvas. The text
// box starts labelOffset pixels right of the anchor pixel and is centred on
// it vertically.
func (c *canvas) label(g *grid.Grid, level int, l label) bool {
	text := truncateLabel(l.text)
	if text == "" {
		return false
	}
	u, v := g.GridPixel(level, l.anchor)
	au, av := int(math.Floor(u)), int(math.Floor(v))

	mask := labelMask(text)
	b := mask.Bounds()
	left := au + labelOffset - haloWidth
	top := av + b.Dy()/2

	// Mask pixel (mx, my) is grid pixel (left+mx, top-my).
	x0, y0 := left-c.u0, c.v1-top
	if x0+b.Dx() <= 0 || y0+b.Dy() <= 0 || x0 >= c.w || y0 >= c.h {
		return false
	}

	if l.sym.Halo != nil {
		c.drawMask(dilate(mask), x0, y0, *l.sym.Halo)
	}
	c.drawMask(mask, x0, y0, l.sym.Fill)
	return true
}

func (c *canvas) drawMask(mask *image.Alpha, x0, y0 int, col color.NRGBA) {
	b := mask.Bounds()
	for my := b.Min.Y; my < b.Max.Y; my++ {
		py := y0 + my
		if py < 0 || py >= c.h {
			continue
		}
		for mx := b.Min.X; mx < b.Max.X; mx++ {
			px := x0 + mx
			if px < 0 || px >= c.w {
				continue
			}
			if a := mask.AlphaAt(mx, my).A; a > 0 {
				c.blend(px, py, col, float64(a)/255)
			}
		}
	}
}
