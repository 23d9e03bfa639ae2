package feature

import (
	"math"

	"github.com/paulmach/orb"
)

// Coverage is a window of a gridded dataset. Cells are addressed by their
// index in the whole dataset, so windows fetched for different tiles sample
// identically where they overlap.
type Coverage struct {
	// OriginX, OriginY is the upper-left corner of dataset cell (0, 0).
	OriginX, OriginY float64
	CellWidth        float64
	CellHeight       float64
	// Col0, Row0 is the dataset index of the first stored cell.
	Col0, Row0 int
	Cols, Rows int
	// Values holds Rows*Cols cells row by row, north to south. NaN is no data.
	Values []float64
}

// At returns the value of dataset cell (col, row), NaN outside the window.
func (c *Coverage) At(col, row int) float64 {
	col -= c.Col0
	row -= c.Row0
	if col < 0 || row < 0 || col >= c.Cols || row >= c.Rows {
		return math.NaN()
	}
	return c.Values[row*c.Cols+col]
}

// CellAt returns the dataset cell containing the map point (x, y).
func (c *Coverage) CellAt(x, y float64) (int, int) {
	col := int(math.Floor((x - c.OriginX) / c.CellWidth))
	row := int(math.Floor((c.OriginY - y) / c.CellHeight))
	return col, row
}

// Sample returns the value at map point (x, y). Bilinear sampling blends the
// four surrounding cell centres and falls back to the nearest cell next to
// no-data.
func (c *Coverage) Sample(x, y float64, bilinear bool) float64 {
	if !bilinear {
		return c.At(c.CellAt(x, y))
	}
	fx := (x-c.OriginX)/c.CellWidth - 0.5
	fy := (c.OriginY-y)/c.CellHeight - 0.5
	col, row := int(math.Floor(fx)), int(math.Floor(fy))
	tx, ty := fx-float64(col), fy-float64(row)

	v00, v10 := c.At(col, row), c.At(col+1, row)
	v01, v11 := c.At(col, row+1), c.At(col+1, row+1)
	if math.IsNaN(v00) || math.IsNaN(v10) || math.IsNaN(v01) || math.IsNaN(v11) {
		return c.At(c.CellAt(x, y))
	}
	top := v00 + (v10-v00)*tx
	bottom := v01 + (v11-v01)*tx
	return top + (bottom-top)*ty
}

// Bound is the map extent of the stored window.
func (c *Coverage) Bound() orb.Bound {
	minX := c.OriginX + float64(c.Col0)*c.CellWidth
	maxY := c.OriginY - float64(c.Row0)*c.CellHeight
	return orb.Bound{
		Min: orb.Point{minX, maxY - float64(c.Rows)*c.CellHeight},
		Max: orb.Point{minX + float64(c.Cols)*c.CellWidth, maxY},
	}
}

// Window returns the cells overlapping b plus pad cells on every side,
// sharing no storage with c. It returns nil when nothing overlaps.
func (c *Coverage) Window(b orb.Bound, pad int) *Coverage {
	colMin, rowMin := c.CellAt(b.Min[0], b.Max[1])
	colMax, rowMax := c.CellAt(b.Max[0], b.Min[1])
	colMin, rowMin = max(colMin-pad, c.Col0), max(rowMin-pad, c.Row0)
	colMax, rowMax = min(colMax+pad, c.Col0+c.Cols-1), min(rowMax+pad, c.Row0+c.Rows-1)
	if colMin > colMax || rowMin > rowMax {
		return nil
	}

	w := &Coverage{
		OriginX:    c.OriginX,
		OriginY:    c.OriginY,
		CellWidth:  c.CellWidth,
		CellHeight: c.CellHeight,
		Col0:       colMin,
		Row0:       rowMin,
		Cols:       colMax - colMin + 1,
		Rows:       rowMax - rowMin + 1,
	}
	w.Values = make([]float64, 0, w.Cols*w.Rows)
	for row := rowMin; row <= rowMax; row++ {
		start := (row-c.Row0)*c.Cols + (colMin - c.Col0)
		w.Values = append(w.Values, c.Values[start:start+w.Cols]...)
	}
	return w
}
