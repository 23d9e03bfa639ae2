package image_renderer

import (
	"image/color"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"

	"wmstiles/internal/grid"
)

// Coverage of vector symbols is evaluated per pixel in grid pixel space from
// the unclipped geometry. Clipping only decides what can be skipped, so a
// pixel gets the same value in every tile that draws it.

// subsamples per pixel axis for polygon fill and marks.
const subsamples = 4

type vec struct{ u, v float64 }

// path is a projected line string or ring in grid pixels.
type path []vec

type segment struct{ a, b vec }

func project(g *grid.Grid, level int, ls []orb.Point) path {
	out := make(path, len(ls))
	for i, p := range ls {
		out[i].u, out[i].v = g.GridPixel(level, p)
	}
	return out
}

func (p path) bounds() (umin, vmin, umax, vmax float64) {
	umin, vmin = math.Inf(1), math.Inf(1)
	umax, vmax = math.Inf(-1), math.Inf(-1)
	for _, q := range p {
		umin, umax = math.Min(umin, q.u), math.Max(umax, q.u)
		vmin, vmax = math.Min(vmin, q.v), math.Max(vmax, q.v)
	}
	return
}

func pathsBounds(paths []path) (umin, vmin, umax, vmax float64) {
	umin, vmin = math.Inf(1), math.Inf(1)
	umax, vmax = math.Inf(-1), math.Inf(-1)
	for _, p := range paths {
		a, b, c, d := p.bounds()
		umin, vmin = math.Min(umin, a), math.Min(vmin, b)
		umax, vmax = math.Max(umax, c), math.Max(vmax, d)
	}
	return
}

// visibleLines drops line strings that do not reach the clip bound.
func visibleLines(bound orb.Bound, lines []orb.LineString) []orb.LineString {
	var out []orb.LineString
	for _, ls := range lines {
		if len(ls) == 0 {
			continue
		}
		if len(ls) == 1 {
			if bound.Contains(ls[0]) {
				out = append(out, ls)
			}
			continue
		}
		if len(clip.LineString(bound, ls)) > 0 {
			out = append(out, ls)
		}
	}
	return out
}

// visiblePolygon reports whether any part of p reaches the clip bound.
func visiblePolygon(bound orb.Bound, p orb.Polygon) bool {
	if len(p) == 0 || !bound.Intersects(p.Bound()) {
		return false
	}
	clipped := clip.Polygon(bound, p.Clone())
	return len(clipped) > 0 && len(clipped[0]) > 0
}

// segmentsNear returns the segments of paths whose bounding box comes within
// reach of the canvas. Segments further away cannot cover a canvas pixel.
func (c *canvas) segmentsNear(paths []path, reach float64) []segment {
	umin := float64(c.u0) - reach
	umax := float64(c.u0+c.w) + reach
	vmin := float64(c.v1-c.h+1) - reach
	vmax := float64(c.v1+1) + reach

	var segs []segment
	for _, p := range paths {
		if len(p) == 1 {
			segs = append(segs, segment{p[0], p[0]})
			continue
		}
		for i := 1; i < len(p); i++ {
			a, b := p[i-1], p[i]
			if math.Max(a.u, b.u) < umin || math.Min(a.u, b.u) > umax ||
				math.Max(a.v, b.v) < vmin || math.Min(a.v, b.v) > vmax {
				continue
			}
			segs = append(segs, segment{a, b})
		}
	}
	return segs
}

func distToSegment(u, v float64, s segment) float64 {
	du, dv := s.b.u-s.a.u, s.b.v-s.a.v
	l2 := du*du + dv*dv
	t := 0.0
	if l2 > 0 {
		t = math.Max(0, math.Min(1, ((u-s.a.u)*du+(v-s.a.v)*dv)/l2))
	}
	pu, pv := s.a.u+t*du-u, s.a.v+t*dv-v
	return math.Sqrt(pu*pu + pv*pv)
}

// stroke draws the union of paths with round joins and caps. Pixel coverage
// is the overlap of a one-pixel box filter with the stroke, approximated from
// the distance of the pixel centre to the nearest segment.
func (c *canvas) stroke(paths []path, width float64, col color.NRGBA) {
	if width <= 0 || len(paths) == 0 {
		return
	}
	half := width / 2
	segs := c.segmentsNear(paths, half+1)
	if len(segs) == 0 {
		return
	}
	umin, vmin, umax, vmax := pathsBounds(paths)
	x0, y0, x1, y1, ok := c.pixelRange(umin-half-1, vmin-half-1, umax+half+1, vmax+half+1)
	if !ok {
		return
	}
	for py := y0; py <= y1; py++ {
		for px := x0; px <= x1; px++ {
			u, v := c.center(px, py)
			d := math.Inf(1)
			for _, s := range segs {
				d = math.Min(d, distToSegment(u, v, s))
			}
			c.blend(px, py, col, half+0.5-d)
		}
	}
}

// fill draws rings with the even-odd rule, sampling each pixel on a fixed
// subsamples x subsamples grid. Sample rows are global, so crossings are
// computed identically in every tile.
func (c *canvas) fill(rings []path, col color.NRGBA) {
	if len(rings) == 0 || col.A == 0 {
		return
	}
	umin, vmin, umax, vmax := pathsBounds(rings)
	x0, y0, x1, y1, ok := c.pixelRange(umin, vmin, umax, vmax)
	if !ok {
		return
	}

	counts := make([]int, x1-x0+1)
	var xs []float64
	for py := y0; py <= y1; py++ {
		for i := range counts {
			counts[i] = 0
		}
		iv := c.v1 - py
		for j := 0; j < subsamples; j++ {
			sv := float64(iv) + (float64(j)+0.5)/subsamples
			xs = crossings(xs[:0], rings, sv)
			for k := 0; k+1 < len(xs); k += 2 {
				c.countSamples(counts, x0, xs[k], xs[k+1])
			}
		}
		for i, n := range counts {
			if n > 0 {
				c.blend(x0+i, py, col, float64(n)/(subsamples*subsamples))
			}
		}
	}
}

// crossings appends the u coordinates where the horizontal line v = sv
// crosses ring edges, sorted. Edges are half-open in v.
func crossings(xs []float64, rings []path, sv float64) []float64 {
	for _, r := range rings {
		n := len(r)
		if n < 3 {
			continue
		}
		for i := 0; i < n; i++ {
			a, b := r[i], r[(i+1)%n]
			if (a.v <= sv) == (b.v <= sv) {
				continue
			}
			xs = append(xs, a.u+(sv-a.v)*(b.u-a.u)/(b.v-a.v))
		}
	}
	sort.Float64s(xs)
	return xs
}

// countSamples adds, per canvas column from x0, the subsample columns whose
// u lies in [ua, ub).
func (c *canvas) countSamples(counts []int, x0 int, ua, ub float64) {
	// Subsample s of the grid sits at u = (s + 0.5) / subsamples.
	first := int(math.Ceil(ua*subsamples - 0.5))
	last := int(math.Ceil(ub*subsamples-0.5)) - 1
	lo := (c.u0 + x0) * subsamples
	hi := (c.u0+x0+len(counts))*subsamples - 1
	first, last = max(first, lo), min(last, hi)
	for s := first; s <= last; s++ {
		counts[(s-lo)/subsamples]++
	}
}

// mark draws a point symbol of the given size centred at grid pixel (cu, cv).
func (c *canvas) mark(shape string, cu, cv, size float64, fill, strokeCol *color.NRGBA, strokeWidth float64) {
	r := size / 2
	switch shape {
	case "circle":
		if fill != nil {
			x0, y0, x1, y1, ok := c.pixelRange(cu-r-1, cv-r-1, cu+r+1, cv+r+1)
			if ok {
				for py := y0; py <= y1; py++ {
					for px := x0; px <= x1; px++ {
						u, v := c.center(px, py)
						c.blend(px, py, *fill, r+0.5-math.Hypot(u-cu, v-cv))
					}
				}
			}
		}
		if strokeCol != nil {
			c.ring(cu, cv, r, strokeWidth, *strokeCol)
		}
	case "cross", "x":
		col := fill
		if strokeCol != nil {
			col = strokeCol
		}
		if col == nil {
			return
		}
		w := math.Max(strokeWidth, size/5)
		var arms []path
		if shape == "cross" {
			arms = []path{{{cu - r, cv}, {cu + r, cv}}, {{cu, cv - r}, {cu, cv + r}}}
		} else {
			d := r / math.Sqrt2
			arms = []path{{{cu - d, cv - d}, {cu + d, cv + d}}, {{cu - d, cv + d}, {cu + d, cv - d}}}
		}
		c.stroke(arms, w, *col)
	default:
		var outline path
		if shape == "triangle" {
			outline = path{{cu - r, cv - r}, {cu + r, cv - r}, {cu, cv + r}}
		} else {
			outline = path{{cu - r, cv - r}, {cu + r, cv - r}, {cu + r, cv + r}, {cu - r, cv + r}}
		}
		if fill != nil {
			c.fill([]path{outline}, *fill)
		}
		if strokeCol != nil {
			c.stroke([]path{append(outline, outline[0])}, strokeWidth, *strokeCol)
		}
	}
}

// ring strokes a circle outline.
func (c *canvas) ring(cu, cv, r, width float64, col color.NRGBA) {
	half := width / 2
	x0, y0, x1, y1, ok := c.pixelRange(cu-r-half-1, cv-r-half-1, cu+r+half+1, cv+r+half+1)
	if !ok {
		return
	}
	for py := y0; py <= y1; py++ {
		for px := x0; px <= x1; px++ {
			u, v := c.center(px, py)
			c.blend(px, py, col, half+0.5-math.Abs(math.Hypot(u-cu, v-cv)-r))
		}
	}
}
