// Package compositor assembles rendered tiles into the image a client asked for.
package compositor

import (
	"errors"
	"fmt"
	"image"

	"github.com/paulmach/orb"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"wmstiles/internal/grid"
)

// Method is a resampling kernel.
type Method string

const (
	Nearest    Method = "nearest"
	Bilinear   Method = "bilinear"
	CatmullRom Method = "catmullrom"
)

// ParseMethod accepts a kernel name; empty means Nearest.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", Nearest:
		return Nearest, nil
	case Bilinear, CatmullRom:
		return Method(s), nil
	default:
		return "", fmt.Errorf("unknown resampling method: %s", s)
	}
}

func (m Method) interpolator() draw.Interpolator {
	switch m {
	case Bilinear:
		return draw.BiLinear
	case CatmullRom:
		return draw.CatmullRom
	default:
		return draw.NearestNeighbor
	}
}

// TileImage is a rendered tile with its overdraw margin.
type TileImage struct {
	Key    grid.TileKey
	Margin int
	Image  *image.NRGBA
}

// Compose mosaics the authoritative area of each tile at its grid position and
// resamples the part covered by bbox onto a width x height image. Tiles must
// share one level. Areas no tile covers stay transparent.
func Compose(g *grid.Grid, bbox grid.BoundingBox, width, height int, tiles []TileImage, method Method) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	if len(tiles) == 0 {
		return dst, nil
	}

	level := tiles[0].Key.Level
	colMin, colMax := tiles[0].Key.Col, tiles[0].Key.Col
	rowMin, rowMax := tiles[0].Key.Row, tiles[0].Key.Row
	for _, t := range tiles[1:] {
		if t.Key.Level != level {
			return nil, errors.New("tiles from different levels cannot be composed")
		}
		colMin, colMax = min(colMin, t.Key.Col), max(colMax, t.Key.Col)
		rowMin, rowMax = min(rowMin, t.Key.Row), max(rowMax, t.Key.Row)
	}

	size := g.TileSize
	mosaic := image.NewNRGBA(image.Rect(0, 0, (colMax-colMin+1)*size, (rowMax-rowMin+1)*size))
	for _, t := range tiles {
		want := size + 2*t.Margin
		if t.Image == nil || t.Image.Bounds().Dx() != want || t.Image.Bounds().Dy() != want {
			return nil, fmt.Errorf("tile %s: expected a %dx%d image", t.Key, want, want)
		}
		at := image.Pt((t.Key.Col-colMin)*size, (rowMax-t.Key.Row)*size)
		src := t.Image.Bounds().Min.Add(image.Pt(t.Margin, t.Margin))
		draw.Draw(mosaic, image.Rectangle{Min: at, Max: at.Add(image.Pt(size, size))}, t.Image, src, draw.Src)
	}

	// Mosaic pixel (x, y) is grid pixel (colMin*size + x, (rowMax+1)*size - 1 - y).
	u0, v0 := g.GridPixel(level, orb.Point{bbox.MinX, bbox.MaxY})
	u1, v1 := g.GridPixel(level, orb.Point{bbox.MaxX, bbox.MinY})
	x0 := u0 - float64(colMin*size)
	y0 := float64((rowMax+1)*size) - v0
	sx := float64(width) / (u1 - u0)
	sy := float64(height) / (v0 - v1)

	s2d := f64.Aff3{
		sx, 0, -x0 * sx,
		0, sy, -y0 * sy,
	}
	method.interpolator().Transform(dst, s2d, mosaic, mosaic.Bounds(), draw.Src, nil)
	return dst, nil
}

// Stack draws layer over dst. Both images must have the same bounds.
func Stack(dst, layer *image.NRGBA) {
	draw.Draw(dst, dst.Bounds(), layer, layer.Bounds().Min, draw.Over)
}

// NoDataTile is a fully transparent tile used in place of a failed render.
func NoDataTile(size, margin int) *image.NRGBA {
	n := size + 2*margin
	return image.NewNRGBA(image.Rect(0, 0, n, n))
}
