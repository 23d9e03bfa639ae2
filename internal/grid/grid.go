package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// resolutionTolerance is the relative difference under which a requested
// resolution is treated as an exact match for a grid level.
const resolutionTolerance = 1e-9

// BoundingBox is an axis-aligned extent in a named CRS.
type BoundingBox struct {
	MinX, MinY, MaxX, MaxY float64
	CRS                    string
}

func (b BoundingBox) Validate() error {
	if b.CRS == "" {
		return errors.New("bounding box has no CRS")
	}
	for _, v := range [...]float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return fmt.Errorf("bounding box coordinate %g is not finite", v)
		}
	}
	if !(b.MinX < b.MaxX) || !(b.MinY < b.MaxY) {
		return fmt.Errorf("invalid bounding box %g,%g,%g,%g", b.MinX, b.MinY, b.MaxX, b.MaxY)
	}
	return nil
}

func (b BoundingBox) Width() float64  { return b.MaxX - b.MinX }
func (b BoundingBox) Height() float64 { return b.MaxY - b.MinY }

// Bound converts to an orb bound (CRS dropped).
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// Intersect returns the overlap of b and o and whether it has non-zero area.
func (b BoundingBox) Intersect(o BoundingBox) (BoundingBox, bool) {
	r := BoundingBox{
		MinX: math.Max(b.MinX, o.MinX),
		MinY: math.Max(b.MinY, o.MinY),
		MaxX: math.Min(b.MaxX, o.MaxX),
		MaxY: math.Min(b.MaxY, o.MaxY),
		CRS:  b.CRS,
	}
	return r, r.MinX < r.MaxX && r.MinY < r.MaxY
}

// Expand grows b by d on every side.
func (b BoundingBox) Expand(d float64) BoundingBox {
	return BoundingBox{MinX: b.MinX - d, MinY: b.MinY - d, MaxX: b.MaxX + d, MaxY: b.MaxY + d, CRS: b.CRS}
}

// TileKey identifies one grid cell of a layer.
type TileKey struct {
	Layer string
	Level int
	Col   int
	Row   int
}

// String is the stable cache key of the tile.
func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Layer, k.Level, k.Col, k.Row)
}

// Grid is a fixed-size tile pyramid anchored at the lower-left corner of its
// extent. Columns grow east and rows grow north.
type Grid struct {
	CRS         string
	OriginX     float64
	OriginY     float64
	TileSize    int
	Resolutions []float64 // map units per pixel, coarse to fine
	Extent      BoundingBox
}

func (g *Grid) Validate() error {
	if g.TileSize <= 0 {
		return fmt.Errorf("tile size must be positive, got %d", g.TileSize)
	}
	if len(g.Resolutions) == 0 {
		return errors.New("grid has no resolutions")
	}
	for i, r := range g.Resolutions {
		if r <= 0 {
			return fmt.Errorf("resolution %d must be positive", i)
		}
		if i > 0 && r >= g.Resolutions[i-1] {
			return fmt.Errorf("resolutions must be ordered coarse to fine (level %d)", i)
		}
	}
	if err := g.Extent.Validate(); err != nil {
		return fmt.Errorf("grid extent: %w", err)
	}
	if g.Extent.CRS != g.CRS {
		return fmt.Errorf("grid extent CRS %s differs from grid CRS %s", g.Extent.CRS, g.CRS)
	}
	if g.OriginX > g.Extent.MinX || g.OriginY > g.Extent.MinY {
		return errors.New("grid origin must lie at or beyond the lower-left corner of the extent")
	}
	return nil
}

// TileSpan is the map-unit width of a tile at level.
func (g *Grid) TileSpan(level int) float64 {
	return g.Resolutions[level] * float64(g.TileSize)
}

// LevelFor picks the grid level for a target resolution: the exact level when
// one matches, otherwise the nearest coarser level. Finer levels are never
// chosen, so tiles are only ever downsampled by the compositor.
func (g *Grid) LevelFor(targetRes float64) int {
	level := 0
	for i, r := range g.Resolutions {
		if r >= targetRes*(1-resolutionTolerance) {
			level = i
		}
	}
	return level
}

// TilesCovering returns the tiles of layer at the level chosen for targetRes
// whose extent overlaps bbox with non-zero area, clamped to the grid extent.
// Tiles are ordered from the northernmost row down, west to east.
func (g *Grid) TilesCovering(layer string, bbox BoundingBox, targetRes float64) ([]TileKey, int, error) {
	if err := bbox.Validate(); err != nil {
		return nil, 0, err
	}
	if bbox.CRS != g.CRS {
		return nil, 0, fmt.Errorf("bounding box CRS %s does not match grid CRS %s", bbox.CRS, g.CRS)
	}
	if !(targetRes > 0) {
		return nil, 0, fmt.Errorf("invalid target resolution %g", targetRes)
	}
	level := g.LevelFor(targetRes)

	clamped, ok := bbox.Intersect(g.Extent)
	if !ok {
		return nil, level, nil
	}

	colMin, colMax := g.span(clamped.MinX-g.OriginX, clamped.MaxX-g.OriginX, level)
	rowMin, rowMax := g.span(clamped.MinY-g.OriginY, clamped.MaxY-g.OriginY, level)
	lastCol, lastRow := g.lastIndex(level)
	colMin, colMax = max(colMin, 0), min(colMax, lastCol)
	rowMin, rowMax = max(rowMin, 0), min(rowMax, lastRow)

	var keys []TileKey
	for row := rowMax; row >= rowMin; row-- {
		for col := colMin; col <= colMax; col++ {
			keys = append(keys, TileKey{Layer: layer, Level: level, Col: col, Row: row})
		}
	}
	return keys, level, nil
}

// span returns the index range of tiles whose interval intersects (lo, hi)
// with non-zero length. Tiles touching only at lo or hi are excluded.
func (g *Grid) span(lo, hi float64, level int) (int, int) {
	size := g.TileSpan(level)
	first := int(math.Floor(lo / size))
	last := int(math.Ceil(hi/size)) - 1
	return first, last
}

// lastIndex returns the largest column and row index that still overlaps the
// grid extent.
func (g *Grid) lastIndex(level int) (int, int) {
	size := g.TileSpan(level)
	col := int(math.Ceil((g.Extent.MaxX-g.OriginX)/size)) - 1
	row := int(math.Ceil((g.Extent.MaxY-g.OriginY)/size)) - 1
	return col, row
}

// TileBounds returns the map extent of a tile.
func (g *Grid) TileBounds(key TileKey) BoundingBox {
	size := g.TileSpan(key.Level)
	minX := g.OriginX + float64(key.Col)*size
	minY := g.OriginY + float64(key.Row)*size
	return BoundingBox{MinX: minX, MinY: minY, MaxX: minX + size, MaxY: minY + size, CRS: g.CRS}
}

// ExpandedBounds returns the tile extent grown by marginPx pixels on every side.
func (g *Grid) ExpandedBounds(key TileKey, marginPx int) BoundingBox {
	return g.TileBounds(key).Expand(float64(marginPx) * g.Resolutions[key.Level])
}

// OwnerIndex returns the tile index owning coordinate v along one axis, where
// v is measured from the origin. Boundaries are half-open: a coordinate on a
// shared edge belongs to the tile with the lower index.
func (g *Grid) OwnerIndex(v float64, level int) int {
	idx := int(math.Ceil(v/g.TileSpan(level))) - 1
	if idx < 0 {
		return 0
	}
	return idx
}

// Owns reports whether key owns the map point p under the half-open rule.
func (g *Grid) Owns(key TileKey, p orb.Point) bool {
	return g.OwnerIndex(p[0]-g.OriginX, key.Level) == key.Col &&
		g.OwnerIndex(p[1]-g.OriginY, key.Level) == key.Row
}

// Pixel addressing. Grid pixel (u, v) counts from the grid origin with u
// growing east and v growing north, so a map point has the same grid pixel
// coordinates whatever the tile size. Pixel (iu, iv) covers [iu, iu+1) x
// [iv, iv+1). Every tile derives its pixels from this one frame.

// TilePixelOrigin returns the grid pixel of the lower-left pixel of a tile.
func (g *Grid) TilePixelOrigin(key TileKey) (int, int) {
	return key.Col * g.TileSize, key.Row * g.TileSize
}

// GridPixel maps a map point to fractional grid pixel coordinates.
func (g *Grid) GridPixel(level int, p orb.Point) (float64, float64) {
	res := g.Resolutions[level]
	return (p[0] - g.OriginX) / res, (p[1] - g.OriginY) / res
}

// GridPixelToWorld maps fractional grid pixel coordinates to a map point.
func (g *Grid) GridPixelToWorld(level int, u, v float64) orb.Point {
	res := g.Resolutions[level]
	return orb.Point{g.OriginX + u*res, g.OriginY + v*res}
}

// metresPerDegree is the equatorial length of one degree on WGS84.
const metresPerDegree = 2 * math.Pi * 6378137 / 360

// ScaleDenominator returns the OGC scale denominator of level, assuming the
// standard 0.28 mm rendering pixel.
func (g *Grid) ScaleDenominator(level int) float64 {
	unit := 1.0
	switch g.CRS {
	case "EPSG:4326", "CRS:84", "OGC:CRS84":
		unit = metresPerDegree
	}
	return g.Resolutions[level] * unit / 0.00028
}
