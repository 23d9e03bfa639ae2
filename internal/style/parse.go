package style

import (
	"bytes"
	"encoding/xml"
	"image/color"
	"math"
	"strconv"
	"strings"

	"wmstiles/internal/feature"
)

type options struct {
	schema    *feature.Schema
	mode      MatchMode
	styleName string
}

// Option configures Parse.
type Option func(*options)

// WithSchema checks every property reference against the layer schema.
func WithSchema(s feature.Schema) Option {
	return func(o *options) { o.schema = &s }
}

// WithMatchMode sets the rule evaluation used when a FeatureTypeStyle does not
// declare one through its ruleEvaluation vendor option.
func WithMatchMode(m MatchMode) Option {
	return func(o *options) { o.mode = m }
}

// WithStyleName selects a named UserStyle from a document holding several.
func WithStyleName(name string) Option {
	return func(o *options) { o.styleName = name }
}

// node is a generic XML element. SLD is namespace-heavy and versions differ
// in prefixes (sld/se/ogc/fes), so elements are matched on local names.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []node     `xml:",any"`
}

func (n *node) name() string { return n.XMLName.Local }

func (n *node) child(name string) *node {
	for i := range n.Nodes {
		if n.Nodes[i].name() == name {
			return &n.Nodes[i]
		}
	}
	return nil
}

func (n *node) children(name string) []*node {
	var out []*node
	for i := range n.Nodes {
		if n.Nodes[i].name() == name {
			out = append(out, &n.Nodes[i])
		}
	}
	return out
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *node) text() string { return strings.TrimSpace(n.Text) }

func (n *node) childText(name string) string {
	if c := n.child(name); c != nil {
		return c.text()
	}
	return ""
}

// descend finds all elements with the given local name below n, depth first.
func (n *node) descend(name string) []*node {
	var out []*node
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if c.name() == name {
			out = append(out, c)
			continue
		}
		out = append(out, c.descend(name)...)
	}
	return out
}

type parser struct {
	opts options
}

// Parse decodes an SLD document. Every problem is reported as *ParseError.
func Parse(data []byte, opts ...Option) (*Document, error) {
	p := &parser{}
	for _, o := range opts {
		o(&p.opts)
	}

	var root node
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&root); err != nil {
		return nil, &ParseError{Msg: "malformed XML", Err: err}
	}

	userStyle, err := p.selectStyle(&root)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Name:  userStyle.childText("Name"),
		Title: userStyle.childText("Title"),
	}
	styles := userStyle.children("FeatureTypeStyle")
	styles = append(styles, userStyle.children("CoverageStyle")...)
	if len(styles) == 0 {
		return nil, parseErrorf("UserStyle", "no FeatureTypeStyle")
	}
	for i, s := range styles {
		fts, err := p.featureTypeStyle(s, i)
		if err != nil {
			return nil, err
		}
		doc.Styles = append(doc.Styles, fts)
	}

	doc.margin = computeMargin(doc)
	fp, err := fingerprint(doc)
	if err != nil {
		return nil, &ParseError{Msg: "fingerprint", Err: err}
	}
	doc.fingerprint = fp
	return doc, nil
}

func (p *parser) selectStyle(root *node) (*node, error) {
	var candidates []*node
	if root.name() == "UserStyle" {
		candidates = []*node{root}
	} else {
		candidates = root.descend("UserStyle")
	}
	if len(candidates) == 0 {
		return nil, parseErrorf(root.name(), "document contains no UserStyle")
	}
	if p.opts.styleName != "" {
		for _, c := range candidates {
			if c.childText("Name") == p.opts.styleName {
				return c, nil
			}
		}
		return nil, parseErrorf("UserStyle", "unresolved style reference %q", p.opts.styleName)
	}
	for _, c := range candidates {
		if v := c.childText("IsDefault"); v == "1" || strings.EqualFold(v, "true") {
			return c, nil
		}
	}
	return candidates[0], nil
}

func (p *parser) featureTypeStyle(n *node, idx int) (FeatureTypeStyle, error) {
	path := "FeatureTypeStyle[" + strconv.Itoa(idx) + "]"
	fts := FeatureTypeStyle{Name: n.childText("Name"), Mode: p.opts.mode}
	for _, vo := range n.children("VendorOption") {
		if name, _ := vo.attr("name"); name == "ruleEvaluation" {
			mode, err := ParseMatchMode(vo.text())
			if err != nil {
				return fts, &ParseError{Path: path, Msg: "bad vendor option", Err: err}
			}
			fts.Mode = mode
		}
	}
	for i, r := range n.children("Rule") {
		rule, err := p.rule(r, path+"/Rule["+strconv.Itoa(i)+"]")
		if err != nil {
			return fts, err
		}
		fts.Rules = append(fts.Rules, rule)
	}
	if len(fts.Rules) == 0 {
		return fts, parseErrorf(path, "no rules")
	}
	return fts, nil
}

func (p *parser) rule(n *node, path string) (Rule, error) {
	r := Rule{Name: n.childText("Name"), Title: n.childText("Title")}
	var err error
	if v := n.childText("MinScaleDenominator"); v != "" {
		if r.MinScale, err = parseNumber(path+"/MinScaleDenominator", v); err != nil {
			return r, err
		}
	}
	if v := n.childText("MaxScaleDenominator"); v != "" {
		if r.MaxScale, err = parseNumber(path+"/MaxScaleDenominator", v); err != nil {
			return r, err
		}
	}

	for i := range n.Nodes {
		c := &n.Nodes[i]
		switch name := c.name(); name {
		case "Filter":
			if r.Filter, err = p.filterRoot(c, path+"/Filter"); err != nil {
				return r, err
			}
		case "ElseFilter":
			r.Else = true
		case "PointSymbolizer":
			s, err := p.pointSymbolizer(c, path+"/"+name)
			if err != nil {
				return r, err
			}
			r.Symbolizers = append(r.Symbolizers, s)
		case "LineSymbolizer":
			s, err := p.lineSymbolizer(c, path+"/"+name)
			if err != nil {
				return r, err
			}
			r.Symbolizers = append(r.Symbolizers, s)
		case "PolygonSymbolizer":
			s, err := p.polygonSymbolizer(c, path+"/"+name)
			if err != nil {
				return r, err
			}
			r.Symbolizers = append(r.Symbolizers, s)
		case "TextSymbolizer":
			s, err := p.textSymbolizer(c, path+"/"+name)
			if err != nil {
				return r, err
			}
			r.Symbolizers = append(r.Symbolizers, s)
		case "RasterSymbolizer":
			s, err := p.rasterSymbolizer(c, path+"/"+name)
			if err != nil {
				return r, err
			}
			r.Symbolizers = append(r.Symbolizers, s)
		default:
			if strings.HasSuffix(name, "Symbolizer") {
				return r, parseErrorf(path, "unknown symbolizer type %s", name)
			}
		}
	}
	if r.Else && r.Filter != nil {
		return r, parseErrorf(path, "rule has both Filter and ElseFilter")
	}
	return r, nil
}

// cssParams collects CssParameter/SvgParameter values of a Stroke, Fill or Font.
func cssParams(n *node) map[string]string {
	params := map[string]string{}
	for i := range n.Nodes {
		c := &n.Nodes[i]
		if c.name() != "CssParameter" && c.name() != "SvgParameter" {
			continue
		}
		if name, ok := c.attr("name"); ok {
			params[name] = c.text()
		}
	}
	return params
}

func (p *parser) stroke(n *node, path string) (*Stroke, error) {
	if n == nil {
		return nil, nil
	}
	params := cssParams(n)
	s := &Stroke{Width: 1}
	var err error
	s.Color, err = colorParam(path, params, "stroke", "#000000")
	if err != nil {
		return nil, err
	}
	if v, ok := params["stroke-width"]; ok {
		if s.Width, err = parseSize(path+"/stroke-width", v); err != nil {
			return nil, err
		}
	}
	if v, ok := params["stroke-opacity"]; ok {
		op, err := parseNumber(path+"/stroke-opacity", v)
		if err != nil {
			return nil, err
		}
		s.Color = withOpacity(s.Color, op)
	}
	return s, nil
}

func (p *parser) fill(n *node, path string) (*Fill, error) {
	if n == nil {
		return nil, nil
	}
	params := cssParams(n)
	c, err := colorParam(path, params, "fill", "#808080")
	if err != nil {
		return nil, err
	}
	if v, ok := params["fill-opacity"]; ok {
		op, err := parseNumber(path+"/fill-opacity", v)
		if err != nil {
			return nil, err
		}
		c = withOpacity(c, op)
	}
	return &Fill{Color: c}, nil
}

func colorParam(path string, params map[string]string, key, def string) (color.NRGBA, error) {
	v, ok := params[key]
	if !ok {
		v = def
	}
	c, err := parseColor(v)
	if err != nil {
		return c, &ParseError{Path: path + "/" + key, Msg: "bad colour", Err: err}
	}
	return c, nil
}

func (p *parser) pointSymbolizer(n *node, path string) (*PointSymbolizer, error) {
	s := &PointSymbolizer{Mark: "square", Size: 6}
	g := n.child("Graphic")
	if g == nil {
		return s, nil
	}
	if v := g.childText("Size"); v != "" {
		size, err := parseSize(path+"/Graphic/Size", v)
		if err != nil {
			return nil, err
		}
		s.Size = size
	}
	mark := g.child("Mark")
	if mark == nil {
		s.Fill = &Fill{Color: color.NRGBA{R: 128, G: 128, B: 128, A: 255}}
		return s, nil
	}
	if wkn := mark.childText("WellKnownName"); wkn != "" {
		switch strings.ToLower(wkn) {
		case "circle", "square", "triangle", "cross", "x":
			s.Mark = strings.ToLower(wkn)
		default:
			return nil, parseErrorf(path+"/Graphic/Mark", "unsupported mark %q", wkn)
		}
	}
	var err error
	if s.Fill, err = p.fill(mark.child("Fill"), path+"/Graphic/Mark/Fill"); err != nil {
		return nil, err
	}
	if s.Stroke, err = p.stroke(mark.child("Stroke"), path+"/Graphic/Mark/Stroke"); err != nil {
		return nil, err
	}
	if s.Fill == nil && s.Stroke == nil {
		s.Fill = &Fill{Color: color.NRGBA{R: 128, G: 128, B: 128, A: 255}}
	}
	return s, nil
}

func (p *parser) lineSymbolizer(n *node, path string) (*LineSymbolizer, error) {
	st, err := p.stroke(n.child("Stroke"), path+"/Stroke")
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &Stroke{Color: color.NRGBA{A: 255}, Width: 1}
	}
	return &LineSymbolizer{Stroke: *st}, nil
}

func (p *parser) polygonSymbolizer(n *node, path string) (*PolygonSymbolizer, error) {
	s := &PolygonSymbolizer{}
	var err error
	if s.Fill, err = p.fill(n.child("Fill"), path+"/Fill"); err != nil {
		return nil, err
	}
	if s.Stroke, err = p.stroke(n.child("Stroke"), path+"/Stroke"); err != nil {
		return nil, err
	}
	if s.Fill == nil && s.Stroke == nil {
		s.Fill = &Fill{Color: color.NRGBA{R: 128, G: 128, B: 128, A: 255}}
	}
	return s, nil
}

func (p *parser) textSymbolizer(n *node, path string) (*TextSymbolizer, error) {
	label := n.child("Label")
	if label == nil {
		return nil, parseErrorf(path, "TextSymbolizer without Label")
	}
	prop := label.childText("PropertyName")
	if prop == "" {
		prop = label.childText("ValueReference")
	}
	if prop == "" {
		return nil, parseErrorf(path+"/Label", "Label must reference a property")
	}
	if err := p.checkProperty(path+"/Label", prop); err != nil {
		return nil, err
	}
	s := &TextSymbolizer{Label: prop, Size: 13, Fill: color.NRGBA{A: 255}}
	if font := n.child("Font"); font != nil {
		if v, ok := cssParams(font)["font-size"]; ok {
			size, err := parseSize(path+"/Font/font-size", v)
			if err != nil {
				return nil, err
			}
			s.Size = size
		}
	}
	if f, err := p.fill(n.child("Fill"), path+"/Fill"); err != nil {
		return nil, err
	} else if f != nil {
		s.Fill = f.Color
	}
	if halo := n.child("Halo"); halo != nil {
		f, err := p.fill(halo.child("Fill"), path+"/Halo/Fill")
		if err != nil {
			return nil, err
		}
		c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
		if f != nil {
			c = f.Color
		}
		s.Halo = &c
	}
	return s, nil
}

func (p *parser) rasterSymbolizer(n *node, path string) (*RasterSymbolizer, error) {
	s := &RasterSymbolizer{Opacity: 1, Scale: 1, Method: "nearest", ColorMap: ColorMap{Type: ColorMapRamp}}
	var err error
	if v := n.childText("Opacity"); v != "" {
		if s.Opacity, err = parseNumber(path+"/Opacity", v); err != nil {
			return nil, err
		}
	}
	if cm := n.child("ColorMap"); cm != nil {
		if s.ColorMap, err = parseColorMap(cm, path+"/ColorMap"); err != nil {
			return nil, err
		}
	}
	for _, vo := range n.children("VendorOption") {
		name, _ := vo.attr("name")
		vpath := path + "/VendorOption[" + name + "]"
		switch name {
		case "renderMethod":
			switch m := strings.ToLower(vo.text()); m {
			case "nearest", "bilinear":
				s.Method = m
			default:
				return nil, parseErrorf(vpath, "unsupported render method %q", vo.text())
			}
		case "valueRange":
			parts := strings.Split(vo.text(), ",")
			if len(parts) != 2 {
				return nil, parseErrorf(vpath, "expected min,max")
			}
			lo, err := parseNumber(vpath, parts[0])
			if err != nil {
				return nil, err
			}
			hi, err := parseNumber(vpath, parts[1])
			if err != nil {
				return nil, err
			}
			s.ValueRange = &Range{Min: lo, Max: hi}
		case "scale":
			if s.Scale, err = parseNumber(vpath, vo.text()); err != nil {
				return nil, err
			}
		case "offset":
			if s.Offset, err = parseNumber(vpath, vo.text()); err != nil {
				return nil, err
			}
		case "log":
			if s.LogBase, err = parseNumber(vpath, vo.text()); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func parseColorMap(n *node, path string) (ColorMap, error) {
	cm := ColorMap{Type: ColorMapRamp}
	if t, ok := n.attr("type"); ok {
		switch ColorMapType(t) {
		case ColorMapRamp, ColorMapIntervals, ColorMapValues:
			cm.Type = ColorMapType(t)
		default:
			return cm, parseErrorf(path, "unknown colour map type %q", t)
		}
	}
	for i, e := range n.children("ColorMapEntry") {
		epath := path + "/ColorMapEntry[" + strconv.Itoa(i) + "]"
		var entry ColorMapEntry
		q, ok := e.attr("quantity")
		if !ok {
			return cm, parseErrorf(epath, "missing quantity")
		}
		var err error
		if entry.Quantity, err = parseNumber(epath, q); err != nil {
			return cm, err
		}
		c, _ := e.attr("color")
		if entry.Color, err = parseColor(c); err != nil {
			return cm, &ParseError{Path: epath, Msg: "bad colour", Err: err}
		}
		if op, ok := e.attr("opacity"); ok {
			o, err := parseNumber(epath, op)
			if err != nil {
				return cm, err
			}
			entry.Color = withOpacity(entry.Color, o)
		}
		entry.Label, _ = e.attr("label")
		if len(cm.Entries) > 0 && entry.Quantity < cm.Entries[len(cm.Entries)-1].Quantity {
			return cm, parseErrorf(epath, "quantities must be ascending")
		}
		cm.Entries = append(cm.Entries, entry)
	}
	return cm, nil
}

func parseNumber(path, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, &ParseError{Path: path, Msg: "bad number", Err: err}
	}
	return v, nil
}

// MaxSymbolSize bounds stroke widths, mark sizes and font sizes in pixels.
// Symbol sizes set the render margin, and so the canvas every tile allocates.
const MaxSymbolSize = 256

func parseSize(path, s string) (float64, error) {
	v, err := parseNumber(path, s)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || v < 0 || v > MaxSymbolSize {
		return 0, parseErrorf(path, "size %s outside 0..%d", strings.TrimSpace(s), MaxSymbolSize)
	}
	return v, nil
}

func (p *parser) checkProperty(path, name string) error {
	if p.opts.schema == nil {
		return nil
	}
	if !p.opts.schema.Has(name) {
		return parseErrorf(path, "unresolved property reference %q", name)
	}
	return nil
}
