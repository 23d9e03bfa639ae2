package compositor_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmstiles/internal/compositor"
	"wmstiles/internal/grid"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.NRGBA{A: 255}
)

func smallGrid() *grid.Grid {
	return &grid.Grid{
		CRS:         "EPSG:3857",
		TileSize:    4,
		Resolutions: []float64{1},
		Extent:      grid.BoundingBox{MaxX: 8, MaxY: 8, CRS: "EPSG:3857"},
	}
}

// tile is a solid tile with a black margin, so any leaked margin pixel shows.
func tile(col, row int, c color.NRGBA) compositor.TileImage {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			if x == 0 || y == 0 || x == 5 || y == 5 {
				img.SetNRGBA(x, y, black)
			} else {
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return compositor.TileImage{Key: grid.TileKey{Layer: "l", Col: col, Row: row}, Margin: 1, Image: img}
}

func quadrants() []compositor.TileImage {
	return []compositor.TileImage{
		tile(0, 1, red), tile(1, 1, green),
		tile(0, 0, blue), tile(1, 0, white),
	}
}

func TestCompose(t *testing.T) {
	g := smallGrid()

	t.Run("full extent at native resolution", func(t *testing.T) {
		img, err := compositor.Compose(g, g.Extent, 8, 8, quadrants(), compositor.Nearest)

		require.NoError(t, err)
		assert.Equal(t, red, img.NRGBAAt(0, 0))
		assert.Equal(t, green, img.NRGBAAt(7, 0))
		assert.Equal(t, blue, img.NRGBAAt(0, 7))
		assert.Equal(t, white, img.NRGBAAt(7, 7))
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				assert.NotEqual(t, black, img.NRGBAAt(x, y), "margin leaked at %d,%d", x, y)
			}
		}
	})

	t.Run("window across all four tiles", func(t *testing.T) {
		bbox := grid.BoundingBox{MinX: 2, MinY: 2, MaxX: 6, MaxY: 6, CRS: "EPSG:3857"}

		img, err := compositor.Compose(g, bbox, 4, 4, quadrants(), compositor.Nearest)

		require.NoError(t, err)
		assert.Equal(t, red, img.NRGBAAt(0, 0))
		assert.Equal(t, green, img.NRGBAAt(3, 0))
		assert.Equal(t, blue, img.NRGBAAt(0, 3))
		assert.Equal(t, white, img.NRGBAAt(3, 3))
	})

	t.Run("output size is exact for a fractional window", func(t *testing.T) {
		bbox := grid.BoundingBox{MinX: 0.3, MinY: 1.7, MaxX: 7.1, MaxY: 6.9, CRS: "EPSG:3857"}

		for _, m := range []compositor.Method{compositor.Nearest, compositor.Bilinear, compositor.CatmullRom} {
			img, err := compositor.Compose(g, bbox, 97, 33, quadrants(), m)
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 97, 33), img.Bounds(), string(m))
		}
	})

	t.Run("uncovered area stays transparent", func(t *testing.T) {
		bbox := grid.BoundingBox{MinX: 0, MinY: 0, MaxX: 16, MaxY: 8, CRS: "EPSG:3857"}

		img, err := compositor.Compose(g, bbox, 16, 8, quadrants(), compositor.Nearest)

		require.NoError(t, err)
		assert.Equal(t, red, img.NRGBAAt(0, 0))
		assert.Zero(t, img.NRGBAAt(12, 4).A)
	})

	t.Run("no tiles", func(t *testing.T) {
		img, err := compositor.Compose(g, g.Extent, 5, 5, nil, compositor.Nearest)

		require.NoError(t, err)
		assert.Zero(t, img.NRGBAAt(2, 2).A)
	})

	t.Run("rejects mixed levels and wrong tile sizes", func(t *testing.T) {
		mixed := quadrants()
		mixed[1].Key.Level = 1
		_, err := compositor.Compose(g, g.Extent, 8, 8, mixed, compositor.Nearest)
		assert.Error(t, err)

		wrong := quadrants()
		wrong[0].Margin = 2
		_, err = compositor.Compose(g, g.Extent, 8, 8, wrong, compositor.Nearest)
		assert.Error(t, err)
	})
}

func TestStack(t *testing.T) {
	// Arrange
	dst := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	dst.SetNRGBA(0, 0, blue)
	dst.SetNRGBA(1, 0, blue)
	layer := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	layer.SetNRGBA(0, 0, red)

	// Act
	compositor.Stack(dst, layer)

	// Assert
	assert.Equal(t, red, dst.NRGBAAt(0, 0))
	assert.Equal(t, blue, dst.NRGBAAt(1, 0), "transparent pixels keep what is below")
}

func TestNoDataTile(t *testing.T) {
	img := compositor.NoDataTile(256, 3)

	assert.Equal(t, image.Rect(0, 0, 262, 262), img.Bounds())
	assert.Zero(t, img.NRGBAAt(100, 100).A)
}

func TestParseMethod(t *testing.T) {
	m, err := compositor.ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, compositor.Nearest, m)

	m, err = compositor.ParseMethod("bilinear")
	require.NoError(t, err)
	assert.Equal(t, compositor.Bilinear, m)

	_, err = compositor.ParseMethod("lanczos")
	assert.Error(t, err)
}
