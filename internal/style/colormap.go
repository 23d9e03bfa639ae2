package style

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"
)

// ColorMapType is the interpretation of colour map entries.
type ColorMapType string

const (
	ColorMapRamp      ColorMapType = "ramp"
	ColorMapIntervals ColorMapType = "intervals"
	ColorMapValues    ColorMapType = "values"
)

// ColorMapEntry is one stop of a colour map.
type ColorMapEntry struct {
	Quantity float64
	Color    color.NRGBA
	Label    string
}

// ColorMap converts values into colours. Entries are sorted by quantity.
//
//   - ramp: linear interpolation between neighbouring entries, clamped to the
//     first and last entry.
//   - intervals: the first entry whose quantity is greater than the value;
//     values at or above the last quantity are not drawn.
//   - values: exact match only.
type ColorMap struct {
	Type    ColorMapType
	Entries []ColorMapEntry
}

func (m ColorMap) Lookup(v float64) (color.NRGBA, bool) {
	if len(m.Entries) == 0 || math.IsNaN(v) {
		return color.NRGBA{}, false
	}
	switch m.Type {
	case ColorMapIntervals:
		for _, e := range m.Entries {
			if v < e.Quantity {
				return e.Color, true
			}
		}
		return color.NRGBA{}, false
	case ColorMapValues:
		for _, e := range m.Entries {
			if math.Abs(v-e.Quantity) <= 1e-9*math.Max(1, math.Abs(e.Quantity)) {
				return e.Color, true
			}
		}
		return color.NRGBA{}, false
	default:
		first, last := m.Entries[0], m.Entries[len(m.Entries)-1]
		if v <= first.Quantity {
			return first.Color, true
		}
		if v >= last.Quantity {
			return last.Color, true
		}
		for i := 1; i < len(m.Entries); i++ {
			hi := m.Entries[i]
			if v > hi.Quantity {
				continue
			}
			lo := m.Entries[i-1]
			if hi.Quantity == lo.Quantity {
				return hi.Color, true
			}
			t := (v - lo.Quantity) / (hi.Quantity - lo.Quantity)
			return lerpColor(lo.Color, hi.Color, t), true
		}
		return last.Color, true
	}
}

func lerpColor(a, b color.NRGBA, t float64) color.NRGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}

// parseColor accepts #RRGGBB and #RRGGBBAA.
func parseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		return color.NRGBA{}, fmt.Errorf("colour %q must start with #", s)
	}
	hex := s[1:]
	if len(hex) != 6 && len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("colour %q must have 6 or 8 hex digits", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("colour %q: %w", s, err)
	}
	if len(hex) == 6 {
		return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func withOpacity(c color.NRGBA, opacity float64) color.NRGBA {
	c.A = uint8(math.Round(float64(c.A) * math.Max(0, math.Min(1, opacity))))
	return c
}
