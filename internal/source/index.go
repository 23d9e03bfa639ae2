package source

import (
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"

	"wmstiles/internal/feature"
)

// minExtent keeps degenerate bounds (points, axis-aligned lines) valid as
// R-tree rectangles.
const minExtent = 1e-9

// indexed is a feature stored in the R-tree.
type indexed struct {
	feature feature.Feature
	bound   orb.Bound
}

func (e *indexed) Bounds() rtreego.Rect {
	return toRect(e.bound)
}

func toRect(b orb.Bound) rtreego.Rect {
	lengths := []float64{
		max(b.Max[0]-b.Min[0], minExtent),
		max(b.Max[1]-b.Min[1], minExtent),
	}
	rect, _ := rtreego.NewRect(rtreego.Point{b.Min[0], b.Min[1]}, lengths)
	return rect
}

// featureIndex is a spatial index over one layer's features. It is not safe
// for concurrent use on its own.
type featureIndex struct {
	tree *rtreego.Rtree
	byID map[string]*indexed
}

func newFeatureIndex() *featureIndex {
	return &featureIndex{
		tree: rtreego.NewTree(2, 25, 50),
		byID: make(map[string]*indexed),
	}
}

// put inserts f, replacing any feature with the same ID. Features without
// geometry are dropped.
func (x *featureIndex) put(f feature.Feature) {
	x.remove(f.ID)
	if f.Geometry == nil {
		return
	}
	e := &indexed{feature: f, bound: f.Geometry.Bound()}
	x.byID[f.ID] = e
	x.tree.Insert(e)
}

func (x *featureIndex) remove(id string) bool {
	e, ok := x.byID[id]
	if !ok {
		return false
	}
	x.tree.Delete(e)
	delete(x.byID, id)
	return true
}

// search returns the features whose bounds intersect or touch b, ordered by ID.
func (x *featureIndex) search(b orb.Bound) []feature.Feature {
	// The R-tree ignores rectangles that only touch.
	hits := x.tree.SearchIntersect(toRect(b.Pad(minExtent)))
	out := make([]feature.Feature, 0, len(hits))
	for _, h := range hits {
		e := h.(*indexed)
		if e.bound.Intersects(b) {
			out = append(out, e.feature)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (x *featureIndex) len() int { return len(x.byID) }
