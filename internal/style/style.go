// Package style parses SLD style documents into ordered rule sets and
// resolves them against features and raster cells.
package style

import (
	"fmt"
	"image/color"
	"math"

	"wmstiles/internal/feature"
)

// MatchMode selects how an ordered rule list is evaluated.
type MatchMode int

const (
	// MatchAll applies every matching rule in document order. Else rules apply
	// only when no other rule of the same FeatureTypeStyle matched.
	MatchAll MatchMode = iota
	// MatchFirst stops at the first matching rule.
	MatchFirst
)

func (m MatchMode) String() string {
	if m == MatchFirst {
		return "first"
	}
	return "all"
}

// ParseMatchMode accepts "all" or "first".
func ParseMatchMode(s string) (MatchMode, error) {
	switch s {
	case "", "all":
		return MatchAll, nil
	case "first":
		return MatchFirst, nil
	default:
		return MatchAll, fmt.Errorf("unknown rule evaluation mode: %s", s)
	}
}

// ParseError reports a style document that cannot be used.
type ParseError struct {
	Path string // element path where the problem was found
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	msg := "style: " + e.Msg
	if e.Path != "" {
		msg = fmt.Sprintf("style: %s: %s", e.Path, e.Msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorf(path, format string, args ...interface{}) *ParseError {
	return &ParseError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Document is a parsed, immutable style.
type Document struct {
	Name        string
	Title       string
	Styles      []FeatureTypeStyle
	fingerprint string
	margin      int
}

// FeatureTypeStyle is one rendering pass: an ordered rule list and the way it
// is evaluated.
type FeatureTypeStyle struct {
	Name  string
	Mode  MatchMode
	Rules []Rule
}

// Rule pairs a filter with the symbolizers drawn when it matches.
type Rule struct {
	Name        string
	Title       string
	Filter      Filter // nil matches everything
	Else        bool
	MinScale    float64 // inclusive, 0 means unbounded
	MaxScale    float64 // exclusive, 0 means unbounded
	Symbolizers []Symbolizer
}

func (r *Rule) inScale(scale float64) bool {
	if math.IsNaN(scale) {
		return true
	}
	if r.MinScale > 0 && scale < r.MinScale {
		return false
	}
	if r.MaxScale > 0 && scale >= r.MaxScale {
		return false
	}
	return true
}

// Resolve returns the symbolizers that apply to f, ignoring scale limits.
func (d *Document) Resolve(f feature.Feature) []Symbolizer {
	return d.ResolveAtScale(f, math.NaN())
}

// ResolveAtScale returns the symbolizers that apply to f at the given scale
// denominator, in document order. The result is a fresh slice; the
// symbolizers themselves are shared and must not be modified.
func (d *Document) ResolveAtScale(f feature.Feature, scale float64) []Symbolizer {
	var out []Symbolizer
	for i := range d.Styles {
		fts := &d.Styles[i]
		matched := false
		for j := range fts.Rules {
			r := &fts.Rules[j]
			if r.Else || !r.inScale(scale) {
				continue
			}
			if r.Filter != nil && !r.Filter.Eval(f) {
				continue
			}
			matched = true
			out = append(out, r.Symbolizers...)
			if fts.Mode == MatchFirst {
				break
			}
		}
		if matched {
			continue
		}
		for j := range fts.Rules {
			r := &fts.Rules[j]
			if !r.Else || !r.inScale(scale) {
				continue
			}
			out = append(out, r.Symbolizers...)
			if fts.Mode == MatchFirst {
				break
			}
		}
	}
	return out
}

// Raster returns the first raster symbolizer that applies to a coverage.
func (d *Document) Raster() (*RasterSymbolizer, bool) {
	for _, s := range d.Resolve(feature.Feature{}) {
		if rs, ok := s.(*RasterSymbolizer); ok {
			return rs, true
		}
	}
	return nil, false
}

// Fingerprint is a hash of the normalised parsed form. Documents that differ
// only in formatting share a fingerprint; semantically equal documents written
// differently (e.g. reordered And operands) do not.
func (d *Document) Fingerprint() string { return d.fingerprint }

// Margin is the number of pixels a symbol can reach beyond the geometry it
// decorates. Tiles are rendered with this much overdraw on every side.
func (d *Document) Margin() int { return d.margin }

// Symbolizer describes how to draw a feature or raster cell.
type Symbolizer interface {
	Type() string
	// reach is the distance in pixels the symbol extends beyond its geometry.
	reach() float64
}

// Stroke is a line style.
type Stroke struct {
	Color color.NRGBA
	Width float64
}

// Fill is an area style.
type Fill struct {
	Color color.NRGBA
}

// MaxLabelWidth bounds the width in pixels a text label may occupy right of its anchor.
const MaxLabelWidth = 96

type PointSymbolizer struct {
	Mark   string // circle, square, triangle, cross, x
	Size   float64
	Fill   *Fill
	Stroke *Stroke
}

func (s *PointSymbolizer) Type() string { return "point" }

func (s *PointSymbolizer) reach() float64 {
	r := s.Size / 2
	if s.Stroke != nil {
		r += s.Stroke.Width / 2
	}
	return r
}

type LineSymbolizer struct {
	Stroke Stroke
}

func (s *LineSymbolizer) Type() string   { return "line" }
func (s *LineSymbolizer) reach() float64 { return s.Stroke.Width / 2 }

type PolygonSymbolizer struct {
	Fill   *Fill
	Stroke *Stroke
}

func (s *PolygonSymbolizer) Type() string { return "polygon" }

func (s *PolygonSymbolizer) reach() float64 {
	if s.Stroke == nil {
		return 0
	}
	return s.Stroke.Width / 2
}

type TextSymbolizer struct {
	Label string // attribute name
	Size  float64
	Fill  color.NRGBA
	Halo  *color.NRGBA
}

func (s *TextSymbolizer) Type() string   { return "text" }
func (s *TextSymbolizer) reach() float64 { return MaxLabelWidth }

// RasterSymbolizer colours raster cells. Cell values are transformed as
// log(v)/log(LogBase) (when LogBase > 0), then v*Scale+Offset, before the
// colour map lookup. ValueRange is checked against the raw value.
type RasterSymbolizer struct {
	Opacity    float64
	ColorMap   ColorMap
	Method     string // nearest or bilinear
	ValueRange *Range
	Scale      float64
	Offset     float64
	LogBase    float64
}

func (s *RasterSymbolizer) Type() string   { return "raster" }
func (s *RasterSymbolizer) reach() float64 { return 0 }

// Range is a closed value interval.
type Range struct {
	Min, Max float64
}

// Color maps a raw cell value to a colour, or reports that the cell is not drawn.
func (s *RasterSymbolizer) Color(v float64) (color.NRGBA, bool) {
	if math.IsNaN(v) {
		return color.NRGBA{}, false
	}
	if s.ValueRange != nil && (v < s.ValueRange.Min || v > s.ValueRange.Max) {
		return color.NRGBA{}, false
	}
	if s.LogBase > 0 {
		if v <= 0 {
			return color.NRGBA{}, false
		}
		v = math.Log(v) / math.Log(s.LogBase)
	}
	v = v*s.Scale + s.Offset
	c, ok := s.ColorMap.Lookup(v)
	if !ok {
		return c, false
	}
	if s.Opacity < 1 {
		c.A = uint8(math.Round(float64(c.A) * s.Opacity))
	}
	return c, true
}
