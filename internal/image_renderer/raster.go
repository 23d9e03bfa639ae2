package image_renderer

import (
	"context"
	"fmt"
)

// drawCoverage colours every canvas pixel from the coverage value at its
// centre. Samples are taken in dataset cell space, so a pixel gets the same
// value from any window that contains its neighbourhood.
func (r *Renderer) drawCoverage(ctx context.Context, c *canvas, in Input) error {
	rs, ok := in.Style.Raster()
	if !ok {
		return fmt.Errorf("%w: style has no raster symbolizer for a coverage layer", ErrUnsupported)
	}
	bilinear := rs.Method == "bilinear"
	for py := 0; py < c.h; py++ {
		if py%32 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for px := 0; px < c.w; px++ {
			u, v := c.center(px, py)
			p := in.Grid.GridPixelToWorld(in.Key.Level, u, v)
			col, ok := rs.Color(in.Coverage.Sample(p[0], p[1], bilinear))
			if ok {
				c.blend(px, py, col, 1)
			}
		}
	}
	return nil
}
