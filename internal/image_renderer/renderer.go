// Package image_renderer draws one map tile, with its overdraw margin, from
// features, a coverage window and a parsed style.
package image_renderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
	"wmstiles/internal/style"
)

// ErrUnsupported reports a symbolizer that cannot draw the geometry it was
// resolved for.
var ErrUnsupported = errors.New("unsupported symbolizer")

type Renderer struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{logger: logger}
}

// Input is everything one tile render depends on.
type Input struct {
	Key      grid.TileKey
	Grid     *grid.Grid
	Style    *style.Document
	Features []feature.Feature // may be in any order
	Coverage *feature.Coverage // nil for vector layers
}

// Stats describes one render.
type Stats struct {
	Features     int // features considered
	Drawn        int // features with at least one symbolizer drawn
	OwnedMarkers int // markers whose point lies inside this tile
	Labels       int // labels anchored inside this tile
}

type label struct {
	sym    *style.TextSymbolizer
	text   string
	anchor orb.Point
}

// Render draws the tile plus Style.Margin() pixels of overdraw on every side.
// The returned image is (TileSize+2*margin) pixels square. Every pixel is a
// function of its grid position and the input alone, so neighbouring tiles
// agree wherever their canvases overlap.
func (r *Renderer) Render(ctx context.Context, in Input) (*image.NRGBA, Stats, error) {
	var stats Stats
	if in.Grid == nil || in.Style == nil {
		return nil, stats, errors.New("render input needs a grid and a style")
	}
	g, key := in.Grid, in.Key
	margin := in.Style.Margin()
	size := g.TileSize + 2*margin
	u, v := g.TilePixelOrigin(key)
	c := newCanvas(u-margin, v+g.TileSize+margin-1, size, size)

	if in.Coverage != nil {
		if err := r.drawCoverage(ctx, c, in); err != nil {
			return nil, stats, err
		}
	}

	features := make([]feature.Feature, len(in.Features))
	copy(features, in.Features)
	feature.SortByID(features)

	scale := g.ScaleDenominator(key.Level)
	clipBound := g.ExpandedBounds(key, 2*margin+1).Bound()
	var labels []label

	for i, f := range features {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		stats.Features++
		syms := in.Style.ResolveAtScale(f, scale)
		if len(syms) == 0 || f.Geometry == nil {
			continue
		}
		parts := decompose(f.Geometry)
		drawn := false
		for _, s := range syms {
			switch s := s.(type) {
			case *style.TextSymbolizer:
				if l, ok := labelFor(f, s, parts); ok {
					labels = append(labels, l)
				}
			default:
				ok, err := r.drawSymbolizer(c, in, s, parts, clipBound, &stats)
				if err != nil {
					return nil, stats, fmt.Errorf("feature %s: %w", f.ID, err)
				}
				drawn = drawn || ok
			}
		}
		if drawn {
			stats.Drawn++
		}
	}

	// Labels go over all geometry, in feature order.
	for _, l := range labels {
		if c.label(g, key.Level, l) && g.Owns(key, l.anchor) {
			stats.Labels++
		}
	}

	r.logger.Debug("rendered tile",
		zap.String("tile", key.String()),
		zap.Int("features", stats.Features),
		zap.Int("drawn", stats.Drawn),
	)
	return c.image(), stats, nil
}

// geometry split into what each symbolizer can draw.
type parts struct {
	points   []orb.Point
	lines    []orb.LineString
	polygons []orb.Polygon
}

// vertices returns every point, line vertex and ring vertex in order. The
// closing vertex of a ring is not repeated.
func (p *parts) vertices() []orb.Point {
	out := append([]orb.Point(nil), p.points...)
	for _, ls := range p.lines {
		out = append(out, ls...)
	}
	for _, poly := range p.polygons {
		for _, ring := range poly {
			if ring.Closed() && len(ring) > 1 {
				ring = ring[:len(ring)-1]
			}
			out = append(out, ring...)
		}
	}
	return out
}

func decompose(geom orb.Geometry) parts {
	var p parts
	var walk func(orb.Geometry)
	walk = func(geom orb.Geometry) {
		switch geom := geom.(type) {
		case orb.Point:
			p.points = append(p.points, geom)
		case orb.MultiPoint:
			p.points = append(p.points, geom...)
		case orb.LineString:
			p.lines = append(p.lines, geom)
		case orb.MultiLineString:
			for _, ls := range geom {
				p.lines = append(p.lines, ls)
			}
		case orb.Ring:
			p.polygons = append(p.polygons, orb.Polygon{geom})
		case orb.Polygon:
			p.polygons = append(p.polygons, geom)
		case orb.MultiPolygon:
			p.polygons = append(p.polygons, geom...)
		case orb.Bound:
			p.polygons = append(p.polygons, geom.ToPolygon())
		case orb.Collection:
			for _, g := range geom {
				walk(g)
			}
		}
	}
	walk(geom)
	return p
}

func (r *Renderer) drawSymbolizer(c *canvas, in Input, s style.Symbolizer, p parts, clipBound orb.Bound, stats *Stats) (bool, error) {
	g, level := in.Grid, in.Key.Level
	switch s := s.(type) {
	case *style.LineSymbolizer:
		if len(p.points) > 0 && len(p.lines) == 0 && len(p.polygons) == 0 {
			return false, fmt.Errorf("%w: line symbolizer on point geometry", ErrUnsupported)
		}
		lines := visibleLines(clipBound, append(p.lines, ringsAsLines(p.polygons)...))
		if len(lines) == 0 {
			return false, nil
		}
		paths := make([]path, len(lines))
		for i, ls := range lines {
			paths[i] = project(g, level, ls)
		}
		c.stroke(paths, s.Stroke.Width, s.Stroke.Color)
		return true, nil

	case *style.PolygonSymbolizer:
		if len(p.polygons) == 0 {
			return false, fmt.Errorf("%w: polygon symbolizer on %s geometry", ErrUnsupported, kindOf(p))
		}
		drawn := false
		for _, poly := range p.polygons {
			if !visiblePolygon(clipBound, poly) {
				continue
			}
			rings := make([]path, len(poly))
			for i, ring := range poly {
				rings[i] = project(g, level, ring)
			}
			if s.Fill != nil {
				c.fill(rings, s.Fill.Color)
			}
			if s.Stroke != nil {
				closed := make([]path, len(rings))
				for i, ring := range rings {
					closed[i] = closeRing(ring)
				}
				c.stroke(closed, s.Stroke.Width, s.Stroke.Color)
			}
			drawn = true
		}
		return drawn, nil

	case *style.PointSymbolizer:
		var fill, stroke *color.NRGBA
		if s.Fill != nil {
			fill = &s.Fill.Color
		}
		strokeWidth := 0.0
		if s.Stroke != nil {
			stroke = &s.Stroke.Color
			strokeWidth = s.Stroke.Width
		}
		drawn := false
		for _, pt := range p.vertices() {
			if !clipBound.Contains(pt) {
				continue
			}
			cu, cv := g.GridPixel(level, pt)
			c.mark(s.Mark, cu, cv, s.Size, fill, stroke, strokeWidth)
			if g.Owns(in.Key, pt) {
				stats.OwnedMarkers++
			}
			drawn = true
		}
		return drawn, nil

	case *style.RasterSymbolizer:
		// Coverage is drawn before any feature.
		return false, nil

	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupported, s.Type())
	}
}

func ringsAsLines(polys []orb.Polygon) []orb.LineString {
	var out []orb.LineString
	for _, poly := range polys {
		for _, ring := range poly {
			ls := orb.LineString(ring)
			if len(ring) > 0 && !ring.Closed() {
				ls = append(append(orb.LineString(nil), ring...), ring[0])
			}
			out = append(out, ls)
		}
	}
	return out
}

func closeRing(r path) path {
	if len(r) == 0 || r[0] == r[len(r)-1] {
		return r
	}
	return append(append(path(nil), r...), r[0])
}

func kindOf(p parts) string {
	switch {
	case len(p.lines) > 0:
		return "line"
	case len(p.points) > 0:
		return "point"
	default:
		return "empty"
	}
}

// labelFor picks the anchor of a text label: the point itself, the middle
// vertex of a line, or the centre of a polygon's bounds.
func labelFor(f feature.Feature, s *style.TextSymbolizer, p parts) (label, bool) {
	v, ok := f.Attr(s.Label)
	if !ok || v.IsNull() {
		return label{}, false
	}
	text := v.String()
	if text == "" {
		return label{}, false
	}
	var anchor orb.Point
	switch {
	case len(p.points) > 0:
		anchor = p.points[0]
	case len(p.lines) > 0 && len(p.lines[0]) > 0:
		ls := p.lines[0]
		anchor = ls[len(ls)/2]
	case len(p.polygons) > 0 && len(p.polygons[0]) > 0:
		anchor = p.polygons[0].Bound().Center()
	default:
		return label{}, false
	}
	return label{sym: s, text: text, anchor: anchor}, true
}
