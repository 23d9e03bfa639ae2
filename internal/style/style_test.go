package style_test

import (
	"errors"
	"fmt"
	"image/color"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmstiles/internal/feature"
	"wmstiles/internal/style"
)

const roadsSLD = `<?xml version="1.0" encoding="UTF-8"?>
<StyledLayerDescriptor version="1.0.0"
    xmlns="http://www.opengis.net/sld" xmlns:ogc="http://www.opengis.net/ogc">
  <NamedLayer>
    <Name>roads</Name>
    <UserStyle>
      <Name>roads</Name>
      <FeatureTypeStyle>
        <Rule>
          <Name>motorway</Name>
          <ogc:Filter>
            <ogc:PropertyIsEqualTo>
              <ogc:PropertyName>class</ogc:PropertyName>
              <ogc:Literal>motorway</ogc:Literal>
            </ogc:PropertyIsEqualTo>
          </ogc:Filter>
          <LineSymbolizer>
            <Stroke>
              <CssParameter name="stroke">#ff0000</CssParameter>
              <CssParameter name="stroke-width">4</CssParameter>
            </Stroke>
          </LineSymbolizer>
        </Rule>
        <Rule>
          <Name>wide</Name>
          <ogc:Filter>
            <ogc:PropertyIsGreaterThanOrEqualTo>
              <ogc:PropertyName>lanes</ogc:PropertyName>
              <ogc:Literal>2</ogc:Literal>
            </ogc:PropertyIsGreaterThanOrEqualTo>
          </ogc:Filter>
          <LineSymbolizer>
            <Stroke>
              <CssParameter name="stroke">#0000ff</CssParameter>
              <CssParameter name="stroke-width">2</CssParameter>
            </Stroke>
          </LineSymbolizer>
        </Rule>
        <Rule>
          <Name>other</Name>
          <ElseFilter/>
          <LineSymbolizer>
            <Stroke><CssParameter name="stroke">#999999</CssParameter></Stroke>
          </LineSymbolizer>
        </Rule>
      </FeatureTypeStyle>
    </UserStyle>
  </NamedLayer>
</StyledLayerDescriptor>`

const precipitationSLD = `<StyledLayerDescriptor version="1.0.0" xmlns="http://www.opengis.net/sld">
  <NamedLayer>
    <Name>precipitation</Name>
    <UserStyle>
      <Name>precip</Name>
      <FeatureTypeStyle>
        <Rule>
          <RasterSymbolizer>
            <Opacity>1</Opacity>
            <ColorMap type="intervals">
              <ColorMapEntry color="#ffffff" quantity="1" opacity="0" label="dry"/>
              <ColorMapEntry color="#aaddff" quantity="5" label="light"/>
              <ColorMapEntry color="#0044ff" quantity="1000" label="heavy"/>
            </ColorMap>
          </RasterSymbolizer>
        </Rule>
      </FeatureTypeStyle>
    </UserStyle>
  </NamedLayer>
</StyledLayerDescriptor>`

func road(id, class string, lanes float64) feature.Feature {
	return feature.Feature{
		ID:       id,
		Geometry: orb.LineString{{0, 0}, {1, 1}},
		Attributes: map[string]feature.Value{
			"class": feature.String(class),
			"lanes": feature.Number(lanes),
		},
	}
}

func strokeColors(syms []style.Symbolizer) []color.NRGBA {
	var out []color.NRGBA
	for _, s := range syms {
		if ls, ok := s.(*style.LineSymbolizer); ok {
			out = append(out, ls.Stroke.Color)
		}
	}
	return out
}

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
	grey = color.NRGBA{R: 0x99, G: 0x99, B: 0x99, A: 255}
)

func TestParse(t *testing.T) {
	doc, err := style.Parse([]byte(roadsSLD))
	require.NoError(t, err)

	assert.Equal(t, "roads", doc.Name)
	require.Len(t, doc.Styles, 1)
	require.Len(t, doc.Styles[0].Rules, 3)
	assert.Equal(t, style.MatchAll, doc.Styles[0].Mode)
	assert.True(t, doc.Styles[0].Rules[2].Else)
	// Widest stroke is 4px: half-width 2 plus one pixel.
	assert.Equal(t, 3, doc.Margin())
	assert.Len(t, doc.Fingerprint(), 64)
}

func TestResolve_MatchAll(t *testing.T) {
	doc, err := style.Parse([]byte(roadsSLD))
	require.NoError(t, err)

	t.Run("every matching rule applies in order", func(t *testing.T) {
		assert.Equal(t, []color.NRGBA{red, blue}, strokeColors(doc.Resolve(road("a", "motorway", 3))))
	})

	t.Run("else applies only when nothing matched", func(t *testing.T) {
		assert.Equal(t, []color.NRGBA{grey}, strokeColors(doc.Resolve(road("b", "track", 1))))
	})

	t.Run("missing attribute never matches", func(t *testing.T) {
		f := feature.Feature{ID: "c", Attributes: map[string]feature.Value{}}
		assert.Equal(t, []color.NRGBA{grey}, strokeColors(doc.Resolve(f)))
	})
}

func TestResolve_MatchFirst(t *testing.T) {
	t.Run("parse option", func(t *testing.T) {
		doc, err := style.Parse([]byte(roadsSLD), style.WithMatchMode(style.MatchFirst))
		require.NoError(t, err)
		assert.Equal(t, []color.NRGBA{red}, strokeColors(doc.Resolve(road("a", "motorway", 3))))
	})

	t.Run("vendor option overrides parse option", func(t *testing.T) {
		sld := replaceOnce(roadsSLD, "<FeatureTypeStyle>",
			`<FeatureTypeStyle><VendorOption name="ruleEvaluation">first</VendorOption>`)
		doc, err := style.Parse([]byte(sld), style.WithMatchMode(style.MatchAll))
		require.NoError(t, err)
		assert.Equal(t, style.MatchFirst, doc.Styles[0].Mode)
		assert.Equal(t, []color.NRGBA{red}, strokeColors(doc.Resolve(road("a", "motorway", 3))))
	})

	t.Run("modes produce different fingerprints", func(t *testing.T) {
		all, err := style.Parse([]byte(roadsSLD))
		require.NoError(t, err)
		first, err := style.Parse([]byte(roadsSLD), style.WithMatchMode(style.MatchFirst))
		require.NoError(t, err)
		assert.NotEqual(t, all.Fingerprint(), first.Fingerprint())
	})
}

func TestResolve_Deterministic(t *testing.T) {
	doc, err := style.Parse([]byte(roadsSLD))
	require.NoError(t, err)

	f := road("a", "motorway", 4)
	want := doc.Resolve(f)
	for i := 0; i < 100; i++ {
		assert.Equal(t, want, doc.Resolve(f))
	}
}

func TestFingerprint(t *testing.T) {
	a, err := style.Parse([]byte(roadsSLD))
	require.NoError(t, err)

	t.Run("formatting does not change the fingerprint", func(t *testing.T) {
		reformatted := replaceOnce(roadsSLD, "<Name>motorway</Name>", "<Name>motorway</Name>\n\n   <!-- comment -->")
		b, err := style.Parse([]byte(reformatted))
		require.NoError(t, err)
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("a changed colour changes the fingerprint", func(t *testing.T) {
		b, err := style.Parse([]byte(replaceOnce(roadsSLD, "#ff0000", "#ff0001")))
		require.NoError(t, err)
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})
}

func pointSLD(symbolizer string) string {
	return `<StyledLayerDescriptor version="1.0.0"
    xmlns="http://www.opengis.net/sld" xmlns:ogc="http://www.opengis.net/ogc">
  <NamedLayer><Name>points</Name><UserStyle><Name>points</Name>
    <FeatureTypeStyle><Rule>` + symbolizer + `</Rule></FeatureTypeStyle>
  </UserStyle></NamedLayer>
</StyledLayerDescriptor>`
}

func TestParse_Errors(t *testing.T) {
	schema := feature.Schema{Fields: []feature.Field{
		{Name: "class", Kind: feature.KindString},
		{Name: "lanes", Kind: feature.KindNumber},
	}}

	cases := []struct {
		name string
		sld  string
		opts []style.Option
	}{
		{name: "malformed xml", sld: "<StyledLayerDescriptor><NamedLayer>"},
		{name: "no user style", sld: "<StyledLayerDescriptor><NamedLayer/></StyledLayerDescriptor>"},
		{name: "unknown symbolizer", sld: replaceOnce(roadsSLD, "<LineSymbolizer>", "<HeatmapSymbolizer/><LineSymbolizer>")},
		{name: "unknown filter operator", sld: strings.ReplaceAll(roadsSLD, "PropertyIsEqualTo>", "PropertyIsSimilarTo>")},
		{name: "comparison with one operand", sld: replaceOnce(roadsSLD, "<ogc:Literal>motorway</ogc:Literal>", "")},
		{name: "bad colour", sld: replaceOnce(roadsSLD, "#ff0000", "red")},
		{name: "bad number", sld: replaceOnce(roadsSLD, ">4<", ">four<")},
		{name: "unresolved property", sld: replaceOnce(roadsSLD, ">lanes<", ">width<"), opts: []style.Option{style.WithSchema(schema)}},
		{name: "unresolved style name", sld: roadsSLD, opts: []style.Option{style.WithStyleName("missing")}},
		{name: "stroke too wide", sld: replaceOnce(roadsSLD, ">4<", ">1000000<")},
		{name: "negative stroke", sld: replaceOnce(roadsSLD, ">4<", ">-1<")},
		{name: "infinite stroke", sld: replaceOnce(roadsSLD, ">4<", ">Inf<")},
		{name: "mark too large", sld: pointSLD(`<PointSymbolizer><Graphic><Size>300</Size></Graphic></PointSymbolizer>`)},
		{name: "font too large", sld: pointSLD(`<TextSymbolizer>
			<Label><ogc:PropertyName>class</ogc:PropertyName></Label>
			<Font><CssParameter name="font-size">5000</CssParameter></Font>
		</TextSymbolizer>`)},
		{name: "bad rule evaluation", sld: replaceOnce(roadsSLD, "<FeatureTypeStyle>",
			`<FeatureTypeStyle><VendorOption name="ruleEvaluation">sometimes</VendorOption>`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := style.Parse([]byte(tc.sld), tc.opts...)
			require.Error(t, err)
			var pe *style.ParseError
			assert.True(t, errors.As(err, &pe), "got %T", err)
		})
	}

	t.Run("largest symbol size bounds the margin", func(t *testing.T) {
		doc, err := style.Parse([]byte(replaceOnce(roadsSLD, ">4<", fmt.Sprintf(">%d<", style.MaxSymbolSize))))
		require.NoError(t, err)
		assert.Equal(t, style.MaxSymbolSize/2+1, doc.Margin())
	})

	t.Run("declared properties pass the schema check", func(t *testing.T) {
		_, err := style.Parse([]byte(roadsSLD), style.WithSchema(schema))
		assert.NoError(t, err)
	})
}

func TestFilters(t *testing.T) {
	wrap := func(filter string) string {
		return `<StyledLayerDescriptor xmlns:ogc="http://www.opengis.net/ogc"><NamedLayer><UserStyle>
<FeatureTypeStyle><Rule><ogc:Filter>` + filter + `</ogc:Filter>
<PointSymbolizer/></Rule></FeatureTypeStyle></UserStyle></NamedLayer></StyledLayerDescriptor>`
	}
	city := feature.Feature{ID: "1", Attributes: map[string]feature.Value{
		"name": feature.String("Amsterdam"),
		"pop":  feature.Number(900000),
		"cap":  feature.Bool(true),
		"note": feature.Null(),
	}}

	cases := []struct {
		name   string
		filter string
		want   bool
	}{
		{"between", `<ogc:PropertyIsBetween><ogc:PropertyName>pop</ogc:PropertyName>
<ogc:LowerBoundary><ogc:Literal>100000</ogc:Literal></ogc:LowerBoundary>
<ogc:UpperBoundary><ogc:Literal>1000000</ogc:Literal></ogc:UpperBoundary></ogc:PropertyIsBetween>`, true},
		{"numeric not lexical", `<ogc:PropertyIsGreaterThan><ogc:PropertyName>pop</ogc:PropertyName>
<ogc:Literal>10000000</ogc:Literal></ogc:PropertyIsGreaterThan>`, false},
		{"like", `<ogc:PropertyIsLike wildCard="*" singleChar="." escape="!">
<ogc:PropertyName>name</ogc:PropertyName><ogc:Literal>Amst*</ogc:Literal></ogc:PropertyIsLike>`, true},
		{"like case sensitive", `<ogc:PropertyIsLike wildCard="*" singleChar="." escape="!">
<ogc:PropertyName>name</ogc:PropertyName><ogc:Literal>amst*</ogc:Literal></ogc:PropertyIsLike>`, false},
		{"case insensitive equality", `<ogc:PropertyIsEqualTo matchCase="false">
<ogc:PropertyName>name</ogc:PropertyName><ogc:Literal>AMSTERDAM</ogc:Literal></ogc:PropertyIsEqualTo>`, true},
		{"null attribute", `<ogc:PropertyIsNull><ogc:PropertyName>note</ogc:PropertyName></ogc:PropertyIsNull>`, true},
		{"missing attribute is null", `<ogc:PropertyIsNull><ogc:PropertyName>absent</ogc:PropertyName></ogc:PropertyIsNull>`, true},
		{"bool", `<ogc:PropertyIsEqualTo><ogc:PropertyName>cap</ogc:PropertyName><ogc:Literal>true</ogc:Literal></ogc:PropertyIsEqualTo>`, true},
		{"and or not", `<ogc:And>
<ogc:Not><ogc:PropertyIsNull><ogc:PropertyName>name</ogc:PropertyName></ogc:PropertyIsNull></ogc:Not>
<ogc:Or>
<ogc:PropertyIsLessThan><ogc:PropertyName>pop</ogc:PropertyName><ogc:Literal>10</ogc:Literal></ogc:PropertyIsLessThan>
<ogc:PropertyIsNotEqualTo><ogc:PropertyName>name</ogc:PropertyName><ogc:Literal>Rotterdam</ogc:Literal></ogc:PropertyIsNotEqualTo>
</ogc:Or></ogc:And>`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := style.Parse([]byte(wrap(tc.filter)))
			require.NoError(t, err)
			assert.Equal(t, tc.want, len(doc.Resolve(city)) > 0)
		})
	}
}

func TestRasterSymbolizer(t *testing.T) {
	doc, err := style.Parse([]byte(precipitationSLD))
	require.NoError(t, err)
	rs, ok := doc.Raster()
	require.True(t, ok)
	assert.Equal(t, 1, doc.Margin())

	t.Run("intervals", func(t *testing.T) {
		c, ok := rs.Color(0.5)
		require.True(t, ok)
		assert.Equal(t, uint8(0), c.A)

		c, ok = rs.Color(3)
		require.True(t, ok)
		assert.Equal(t, color.NRGBA{R: 0xaa, G: 0xdd, B: 0xff, A: 255}, c)

		_, ok = rs.Color(5000)
		assert.False(t, ok)
	})

	t.Run("nan is not drawn", func(t *testing.T) {
		_, ok := rs.Color(nan())
		assert.False(t, ok)
	})

	t.Run("vendor transform", func(t *testing.T) {
		sld := replaceOnce(precipitationSLD, "<Opacity>1</Opacity>", `<Opacity>1</Opacity>
<VendorOption name="log">10</VendorOption>
<VendorOption name="scale">2</VendorOption>
<VendorOption name="valueRange">0.5,10000</VendorOption>`)
		doc, err := style.Parse([]byte(sld))
		require.NoError(t, err)
		rs, ok := doc.Raster()
		require.True(t, ok)

		// log10(100)*2 = 4 falls in the (1,5] interval.
		c, ok := rs.Color(100)
		require.True(t, ok)
		assert.Equal(t, uint8(0xaa), c.R)

		_, ok = rs.Color(0.1)
		assert.False(t, ok, "below value range")
	})
}

func TestColorMapRamp(t *testing.T) {
	cm := style.ColorMap{Type: style.ColorMapRamp, Entries: []style.ColorMapEntry{
		{Quantity: 0, Color: color.NRGBA{A: 255}},
		{Quantity: 10, Color: color.NRGBA{R: 200, A: 255}},
	}}

	c, ok := cm.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, uint8(100), c.R)

	c, _ = cm.Lookup(-5)
	assert.Equal(t, uint8(0), c.R)
	c, _ = cm.Lookup(50)
	assert.Equal(t, uint8(200), c.R)

	values := style.ColorMap{Type: style.ColorMapValues, Entries: cm.Entries}
	_, ok = values.Lookup(5)
	assert.False(t, ok)
	_, ok = values.Lookup(10)
	assert.True(t, ok)
}
