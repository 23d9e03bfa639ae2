package image_renderer_test

import (
	"context"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
	"wmstiles/internal/image_renderer"
	"wmstiles/internal/style"
)

const mixedSLD = `<StyledLayerDescriptor version="1.0.0"
    xmlns="http://www.opengis.net/sld" xmlns:ogc="http://www.opengis.net/ogc">
  <NamedLayer><Name>mixed</Name><UserStyle><Name>mixed</Name>
    <FeatureTypeStyle>
      <Rule>
        <ogc:Filter><ogc:PropertyIsEqualTo>
          <ogc:PropertyName>kind</ogc:PropertyName><ogc:Literal>area</ogc:Literal>
        </ogc:PropertyIsEqualTo></ogc:Filter>
        <PolygonSymbolizer>
          <Fill><CssParameter name="fill">#3366cc</CssParameter></Fill>
          <Stroke>
            <CssParameter name="stroke">#000000</CssParameter>
            <CssParameter name="stroke-width">2</CssParameter>
          </Stroke>
        </PolygonSymbolizer>
      </Rule>
      <Rule>
        <ogc:Filter><ogc:PropertyIsEqualTo>
          <ogc:PropertyName>kind</ogc:PropertyName><ogc:Literal>road</ogc:Literal>
        </ogc:PropertyIsEqualTo></ogc:Filter>
        <LineSymbolizer>
          <Stroke>
            <CssParameter name="stroke">#cc3300</CssParameter>
            <CssParameter name="stroke-width">3</CssParameter>
          </Stroke>
        </LineSymbolizer>
      </Rule>
      <Rule>
        <ogc:Filter><ogc:PropertyIsEqualTo>
          <ogc:PropertyName>kind</ogc:PropertyName><ogc:Literal>poi</ogc:Literal>
        </ogc:PropertyIsEqualTo></ogc:Filter>
        <PointSymbolizer><Graphic>
          <Mark><WellKnownName>circle</WellKnownName>
            <Fill><CssParameter name="fill">#00aa00</CssParameter></Fill>
          </Mark>
          <Size>9</Size>
        </Graphic></PointSymbolizer>
        <TextSymbolizer>
          <Label><ogc:PropertyName>name</ogc:PropertyName></Label>
          <Halo><Fill><CssParameter name="fill">#ffffff</CssParameter></Fill></Halo>
        </TextSymbolizer>
      </Rule>
    </FeatureTypeStyle>
  </UserStyle></NamedLayer>
</StyledLayerDescriptor>`

const polylineSLD = `<StyledLayerDescriptor version="1.0.0" xmlns="http://www.opengis.net/sld">
  <NamedLayer><Name>polyline</Name><UserStyle><Name>polyline</Name>
    <FeatureTypeStyle><Rule>
      <LineSymbolizer><Stroke><CssParameter name="stroke">#ff0000</CssParameter></Stroke></LineSymbolizer>
      <PointSymbolizer><Graphic>
        <Mark><WellKnownName>circle</WellKnownName><Fill><CssParameter name="fill">#0000ff</CssParameter></Fill></Mark>
        <Size>2</Size>
      </Graphic></PointSymbolizer>
    </Rule></FeatureTypeStyle>
  </UserStyle></NamedLayer>
</StyledLayerDescriptor>`

const precipitationSLD = `<StyledLayerDescriptor version="1.0.0" xmlns="http://www.opengis.net/sld">
  <NamedLayer><Name>precipitation</Name><UserStyle><Name>precip</Name>
    <FeatureTypeStyle><Rule>
      <RasterSymbolizer>
        <ColorMap type="intervals">
          <ColorMapEntry color="#ffffff" quantity="1" opacity="0" label="dry"/>
          <ColorMapEntry color="#aaddff" quantity="5" label="light"/>
          <ColorMapEntry color="#0044ff" quantity="1000" label="heavy"/>
        </ColorMap>
      </RasterSymbolizer>
    </Rule></FeatureTypeStyle>
  </UserStyle></NamedLayer>
</StyledLayerDescriptor>`

func parseStyle(t *testing.T, sld string) *style.Document {
	t.Helper()
	doc, err := style.Parse([]byte(sld))
	require.NoError(t, err)
	return doc
}

func testGrid(tileSize int, resolutions ...float64) *grid.Grid {
	return &grid.Grid{
		CRS:         "EPSG:3857",
		TileSize:    tileSize,
		Resolutions: resolutions,
		Extent:      grid.BoundingBox{MaxX: 256, MaxY: 256, CRS: "EPSG:3857"},
	}
}

func mixedFeatures() []feature.Feature {
	kind := func(k string) map[string]feature.Value {
		return map[string]feature.Value{"kind": feature.String(k)}
	}
	poi := kind("poi")
	poi["name"] = feature.String("Seamless label")
	return []feature.Feature{
		{ID: "d", Geometry: orb.Point{60.2, 40.3}, Attributes: poi},
		{ID: "a", Geometry: orb.Polygon{{{10.3, 20.7}, {100.2, 15.1}, {120.9, 110.4}, {30.5, 90.2}, {10.3, 20.7}}}, Attributes: kind("area")},
		{ID: "b", Geometry: orb.LineString{{5.5, 60.1}, {70.3, 70.9}, {125.2, 5.4}}, Attributes: kind("road")},
		{ID: "c", Geometry: orb.Point{64, 64}, Attributes: kind("poi")},
	}
}

// rendered is a tile canvas placed in grid pixel space.
type rendered struct {
	img    *image.NRGBA
	u0, v1 int
}

func place(g *grid.Grid, key grid.TileKey, margin int, img *image.NRGBA) rendered {
	u, v := g.TilePixelOrigin(key)
	return rendered{img: img, u0: u - margin, v1: v + g.TileSize + margin - 1}
}

func (r rendered) at(iu, iv int) (color.NRGBA, bool) {
	p := image.Pt(iu-r.u0, r.v1-iv)
	if !p.In(r.img.Bounds()) {
		return color.NRGBA{}, false
	}
	return r.img.NRGBAAt(p.X, p.Y), true
}

// assertAgree checks that b matches a on every grid pixel both canvases hold.
func assertAgree(t *testing.T, a, b rendered) int {
	t.Helper()
	compared := 0
	bounds := b.img.Bounds()
	for py := bounds.Min.Y; py < bounds.Max.Y; py++ {
		for px := bounds.Min.X; px < bounds.Max.X; px++ {
			iu, iv := b.u0+px, b.v1-py
			want, ok := a.at(iu, iv)
			if !ok {
				continue
			}
			compared++
			if got := b.img.NRGBAAt(px, py); got != want {
				t.Fatalf("grid pixel (%d,%d): %v vs %v", iu, iv, want, got)
			}
		}
	}
	return compared
}

func TestRender_CanvasIncludesMargin(t *testing.T) {
	doc := parseStyle(t, mixedSLD)
	g := testGrid(256, 1, 0.5)

	img, _, err := image_renderer.New(nil).Render(context.Background(), image_renderer.Input{
		Key:   grid.TileKey{Layer: "mixed", Level: 1},
		Grid:  g,
		Style: doc,
	})

	require.NoError(t, err)
	size := 256 + 2*doc.Margin()
	assert.Equal(t, image.Rect(0, 0, size, size), img.Bounds())
}

func TestRender_SeamConsistentAcrossTileSizes(t *testing.T) {
	// Arrange: two grids with the same origin and resolution, different tile sizes.
	ctx := context.Background()
	doc := parseStyle(t, mixedSLD)
	r := image_renderer.New(nil)
	features := mixedFeatures()
	big, small := testGrid(256, 1, 0.5), testGrid(128, 1, 0.5)

	// Act
	bigKey := grid.TileKey{Layer: "mixed", Level: 1}
	bigImg, bigStats, err := r.Render(ctx, image_renderer.Input{Key: bigKey, Grid: big, Style: doc, Features: features})
	require.NoError(t, err)
	reference := place(big, bigKey, doc.Margin(), bigImg)

	var tiles []rendered
	var labels int
	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			key := grid.TileKey{Layer: "mixed", Level: 1, Col: col, Row: row}
			img, stats, err := r.Render(ctx, image_renderer.Input{Key: key, Grid: small, Style: doc, Features: features})
			require.NoError(t, err)
			tiles = append(tiles, place(small, key, doc.Margin(), img))
			labels += stats.Labels
		}
	}

	// Assert: every pixel agrees with the large tile and with every neighbour.
	for _, tile := range tiles {
		assert.Positive(t, assertAgree(t, reference, tile))
		for _, other := range tiles {
			assertAgree(t, other, tile)
		}
	}
	assert.Equal(t, 4, bigStats.Drawn)
	assert.Equal(t, bigStats.Labels, labels, "each label is counted by exactly one tile")
}

func TestRender_PolylineOwnedMarkers(t *testing.T) {
	// Arrange: a 2x2 grid of 4-unit tiles and a polyline from (4,4) to (6,6).
	ctx := context.Background()
	doc := parseStyle(t, polylineSLD)
	g := &grid.Grid{
		CRS:         "EPSG:3857",
		TileSize:    4,
		Resolutions: []float64{1},
		Extent:      grid.BoundingBox{MaxX: 8, MaxY: 8, CRS: "EPSG:3857"},
	}
	line := []feature.Feature{{ID: "l1", Geometry: orb.LineString{{4, 4}, {6, 6}}}}
	r := image_renderer.New(nil)

	// Act
	owned := map[[2]int]int{}
	var tiles []rendered
	total := 0
	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			key := grid.TileKey{Layer: "polyline", Col: col, Row: row}
			img, stats, err := r.Render(ctx, image_renderer.Input{Key: key, Grid: g, Style: doc, Features: line})
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Drawn, "tile %d,%d draws the line", col, row)
			owned[[2]int{col, row}] = stats.OwnedMarkers
			total += stats.OwnedMarkers
			tiles = append(tiles, place(g, key, doc.Margin(), img))
		}
	}

	// Assert
	assert.Equal(t, 2, total, "one marker per vertex")
	assert.Equal(t, 1, owned[[2]int{0, 0}], "the shared corner belongs to the lower tile")
	assert.Equal(t, 1, owned[[2]int{1, 1}])
	for _, tile := range tiles {
		for _, other := range tiles {
			assertAgree(t, other, tile)
		}
	}
	// The corner marker is drawn by the tiles that touch it, not only its owner.
	for _, tile := range tiles {
		c, ok := tile.at(4, 4)
		require.True(t, ok)
		assert.NotZero(t, c.A)
	}
}

func TestRender_Coverage(t *testing.T) {
	// Arrange
	doc := parseStyle(t, precipitationSLD)
	g := &grid.Grid{
		CRS:         "EPSG:3857",
		TileSize:    4,
		Resolutions: []float64{1},
		Extent:      grid.BoundingBox{MaxX: 8, MaxY: 8, CRS: "EPSG:3857"},
	}
	values := make([]float64, 64)
	for i := range values {
		values[i] = math.NaN()
	}
	values[4*8+0] = 10 // cell (0,4) holds world (0..1, 3..4)
	values[4*8+1] = 3
	values[4*8+2] = 0.5
	cov := &feature.Coverage{OriginY: 8, CellWidth: 1, CellHeight: 1, Cols: 8, Rows: 8, Values: values}
	key := grid.TileKey{Layer: "precipitation"}

	// Act
	img, _, err := image_renderer.New(nil).Render(context.Background(), image_renderer.Input{
		Key: key, Grid: g, Style: doc, Coverage: cov,
	})

	// Assert
	require.NoError(t, err)
	tile := place(g, key, doc.Margin(), img)
	heavy, _ := tile.at(0, 3)
	light, _ := tile.at(1, 3)
	dry, _ := tile.at(2, 3)
	nodata, _ := tile.at(0, 0)
	assert.Equal(t, color.NRGBA{R: 0x00, G: 0x44, B: 0xff, A: 255}, heavy)
	assert.Equal(t, color.NRGBA{R: 0xaa, G: 0xdd, B: 0xff, A: 255}, light)
	assert.Zero(t, dry.A)
	assert.Zero(t, nodata.A)
}

func TestRender_UnsupportedCombination(t *testing.T) {
	doc := parseStyle(t, `<StyledLayerDescriptor xmlns="http://www.opengis.net/sld">
  <NamedLayer><UserStyle><FeatureTypeStyle><Rule>
    <PolygonSymbolizer/>
  </Rule></FeatureTypeStyle></UserStyle></NamedLayer>
</StyledLayerDescriptor>`)

	_, _, err := image_renderer.New(nil).Render(context.Background(), image_renderer.Input{
		Key:      grid.TileKey{Layer: "pois", Level: 1},
		Grid:     testGrid(256, 1, 0.5),
		Style:    doc,
		Features: []feature.Feature{{ID: "p", Geometry: orb.Point{10, 10}}},
	})

	assert.ErrorIs(t, err, image_renderer.ErrUnsupported)
}

func TestRender_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := image_renderer.New(nil).Render(ctx, image_renderer.Input{
		Key:      grid.TileKey{Layer: "mixed", Level: 1},
		Grid:     testGrid(256, 1, 0.5),
		Style:    parseStyle(t, mixedSLD),
		Features: mixedFeatures(),
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestLegendGraphic(t *testing.T) {
	t.Run("colour map rows", func(t *testing.T) {
		img, err := image_renderer.LegendGraphic(parseStyle(t, precipitationSLD), 120, 70)

		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 120, 70), img.Bounds())
		// Second row swatch, well inside its square.
		assert.Equal(t, color.NRGBA{R: 0xaa, G: 0xdd, B: 0xff, A: 255}, img.NRGBAAt(10, 30))
	})

	t.Run("rule rows", func(t *testing.T) {
		img, err := image_renderer.LegendGraphic(parseStyle(t, mixedSLD), 120, 70)

		require.NoError(t, err)
		assert.Equal(t, color.NRGBA{R: 0x33, G: 0x66, B: 0xcc, A: 255}, img.NRGBAAt(10, 10))
	})

	t.Run("invalid size", func(t *testing.T) {
		_, err := image_renderer.LegendGraphic(parseStyle(t, mixedSLD), 0, 10)
		assert.Error(t, err)
	})
}
