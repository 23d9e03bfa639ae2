package image_renderer

import (
	"image"
	"image/color"
	"math"
)

// canvas accumulates premultiplied RGBA in float64 so that the result of a
// pixel depends only on the sequence of blends applied to it.
//
// Canvas pixel (px, py) is grid pixel (u0+px, v1-py): image rows grow south,
// grid rows grow north.
type canvas struct {
	w, h   int
	u0, v1 int
	pix    []float64
}

func newCanvas(u0, v1, w, h int) *canvas {
	return &canvas{w: w, h: h, u0: u0, v1: v1, pix: make([]float64, w*h*4)}
}

// pixelRange returns the canvas pixel rectangle covering grid pixels whose
// centres may lie in [umin, umax] x [vmin, vmax]. ok is false when it misses
// the canvas.
func (c *canvas) pixelRange(umin, vmin, umax, vmax float64) (x0, y0, x1, y1 int, ok bool) {
	iu0 := int(math.Floor(umin)) - c.u0
	iu1 := int(math.Ceil(umax)) - c.u0
	x0, x1 = max(iu0, 0), min(iu1, c.w-1)
	y0 = max(c.v1-int(math.Ceil(vmax)), 0)
	y1 = min(c.v1-int(math.Floor(vmin)), c.h-1)
	return x0, y0, x1, y1, x0 <= x1 && y0 <= y1
}

// center returns the grid pixel coordinates of the centre of canvas pixel (px, py).
func (c *canvas) center(px, py int) (float64, float64) {
	return float64(c.u0+px) + 0.5, float64(c.v1-py) + 0.5
}

// blend composites col over the pixel with the given coverage in [0, 1].
func (c *canvas) blend(px, py int, col color.NRGBA, coverage float64) {
	if coverage <= 0 || col.A == 0 {
		return
	}
	a := float64(col.A) / 255 * math.Min(coverage, 1)
	i := (py*c.w + px) * 4
	keep := 1 - a
	c.pix[i] = float64(col.R)/255*a + c.pix[i]*keep
	c.pix[i+1] = float64(col.G)/255*a + c.pix[i+1]*keep
	c.pix[i+2] = float64(col.B)/255*a + c.pix[i+2]*keep
	c.pix[i+3] = a + c.pix[i+3]*keep
}

func (c *canvas) image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, c.w, c.h))
	for i := 0; i < len(c.pix); i += 4 {
		a := c.pix[i+3]
		if a <= 0 {
			continue
		}
		img.Pix[i] = unit8(c.pix[i] / a)
		img.Pix[i+1] = unit8(c.pix[i+1] / a)
		img.Pix[i+2] = unit8(c.pix[i+2] / a)
		img.Pix[i+3] = unit8(a)
	}
	return img
}

func unit8(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
