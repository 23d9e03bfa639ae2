package style

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
)

type canonicalRule struct {
	Filter      string                `json:"filter,omitempty"`
	Else        bool                  `json:"else,omitempty"`
	MinScale    float64               `json:"minScale,omitempty"`
	MaxScale    float64               `json:"maxScale,omitempty"`
	Symbolizers []canonicalSymbolizer `json:"symbolizers"`
}

type canonicalSymbolizer struct {
	Type string     `json:"type"`
	Spec Symbolizer `json:"spec"`
}

type canonicalStyle struct {
	Mode  string          `json:"mode"`
	Rules []canonicalRule `json:"rules"`
}

// fingerprint hashes the parsed form. Names and titles are left out: they
// do not change what gets drawn.
func fingerprint(d *Document) (string, error) {
	styles := make([]canonicalStyle, 0, len(d.Styles))
	for _, fts := range d.Styles {
		cs := canonicalStyle{Mode: fts.Mode.String()}
		for _, r := range fts.Rules {
			cr := canonicalRule{Else: r.Else, MinScale: r.MinScale, MaxScale: r.MaxScale}
			if r.Filter != nil {
				cr.Filter = r.Filter.String()
			}
			for _, s := range r.Symbolizers {
				cr.Symbolizers = append(cr.Symbolizers, canonicalSymbolizer{Type: s.Type(), Spec: s})
			}
			cs.Rules = append(cs.Rules, cr)
		}
		styles = append(styles, cs)
	}
	b, err := json.Marshal(styles)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// computeMargin is the overdraw in whole pixels needed so that every symbol
// touching a tile is drawn by it. One extra pixel covers antialiasing.
func computeMargin(d *Document) int {
	reach := 0.0
	for _, fts := range d.Styles {
		for _, r := range fts.Rules {
			for _, s := range r.Symbolizers {
				reach = math.Max(reach, s.reach())
			}
		}
	}
	return int(math.Ceil(reach)) + 1
}
