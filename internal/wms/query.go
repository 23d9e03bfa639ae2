package wms

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"wmstiles/internal/config"
	"wmstiles/internal/feature"
	"wmstiles/internal/featureinfo"
	"wmstiles/internal/grid"
)

const defaultTolerance = 2

// FeatureQuery is a GetFeatureInfo request: pixel (I, J), counted from the
// top-left corner, of a Width x Height map of BBox.
type FeatureQuery struct {
	Layers []string
	BBox   grid.BoundingBox
	CRS    string
	Width  int
	Height int
	I, J   int
	// Tolerance is the hit radius in pixels; zero picks the default.
	Tolerance int
	// FeatureCount caps the features returned per layer; zero means one.
	FeatureCount int
}

// QueryFeatures returns, per layer, the features under the queried pixel.
// Attributes are limited to the layer's declared fields. Geometry is in the
// request CRS, which is always the layer's grid CRS.
func (s *Service) QueryFeatures(ctx context.Context, q FeatureQuery) ([]featureinfo.Result, error) {
	req := Request{Layers: q.Layers, BBox: q.BBox, CRS: q.CRS, Width: q.Width, Height: q.Height}
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	if q.I < 0 || q.J < 0 || q.I >= q.Width || q.J >= q.Height {
		return nil, badRequest("InvalidPoint", "pixel %d,%d outside the %dx%d map", q.I, q.J, q.Width, q.Height)
	}
	tolerance := q.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	count := q.FeatureCount
	if count <= 0 {
		count = 1
	}

	bbox := req.BBox
	resX := bbox.Width() / float64(q.Width)
	resY := bbox.Height() / float64(q.Height)
	pt := orb.Point{
		bbox.MinX + (float64(q.I)+0.5)*resX,
		bbox.MaxY - (float64(q.J)+0.5)*resY,
	}
	radius := float64(tolerance) * math.Max(resX, resY)

	results := make([]featureinfo.Result, 0, len(q.Layers))
	for _, name := range q.Layers {
		l, err := s.Layer(name)
		if err != nil {
			return nil, err
		}
		if !l.Queryable {
			return nil, badRequest("LayerNotQueryable", "layer %s is not queryable", name)
		}
		if l.Grid.CRS != bbox.CRS {
			return nil, badRequest("InvalidCRS", "layer %s is not available in %s", name, bbox.CRS)
		}

		var found []feature.Feature
		if l.Kind == config.RasterLayer {
			found, err = s.queryCoverage(ctx, l, pt, math.Min(resX, resY))
		} else {
			found, err = s.queryVector(ctx, l, pt, radius, math.Min(resX, resY))
		}
		if err != nil {
			return nil, err
		}
		if len(found) > count {
			found = found[:count]
		}
		for i := range found {
			found[i] = l.Schema.Project(found[i])
		}
		results = append(results, featureinfo.Result{Layer: l.Name, Schema: l.Schema, Features: found})
	}
	return results, nil
}

func (s *Service) queryVector(ctx context.Context, l config.Layer, pt orb.Point, radius, res float64) ([]feature.Feature, error) {
	around := grid.BoundingBox{
		MinX: pt[0] - radius, MinY: pt[1] - radius,
		MaxX: pt[0] + radius, MaxY: pt[1] + radius,
		CRS: l.Grid.CRS,
	}
	candidates, err := s.data.FetchFeatures(ctx, l.Name, around, res)
	if err != nil {
		return nil, s.dataError(l.Name, "fetch features", err)
	}
	feature.SortByID(candidates)

	var hits []feature.Feature
	for _, f := range candidates {
		if f.Geometry != nil && hit(f.Geometry, pt, radius) {
			hits = append(hits, f)
		}
	}
	return hits, nil
}

// hit reports whether pt lies inside an areal geometry or within radius of
// any geometry.
func hit(g orb.Geometry, pt orb.Point, radius float64) bool {
	switch v := g.(type) {
	case orb.Polygon:
		if planar.PolygonContains(v, pt) {
			return true
		}
	case orb.MultiPolygon:
		if planar.MultiPolygonContains(v, pt) {
			return true
		}
	case orb.Bound:
		if v.Contains(pt) {
			return true
		}
	case orb.Collection:
		for _, sub := range v {
			if hit(sub, pt, radius) {
				return true
			}
		}
		return false
	}
	return planar.DistanceFrom(g, pt) <= radius
}

func (s *Service) queryCoverage(ctx context.Context, l config.Layer, pt orb.Point, res float64) ([]feature.Feature, error) {
	around := grid.BoundingBox{
		MinX: pt[0] - res, MinY: pt[1] - res,
		MaxX: pt[0] + res, MaxY: pt[1] + res,
		CRS: l.Grid.CRS,
	}
	cov, err := s.data.FetchCoverage(ctx, l.Name, around, res)
	if err != nil {
		return nil, s.dataError(l.Name, "fetch coverage", err)
	}
	if cov == nil {
		return nil, nil
	}
	col, row := cov.CellAt(pt[0], pt[1])
	v := cov.At(col, row)
	value := feature.Number(v)
	if math.IsNaN(v) {
		value = feature.Null()
	}
	return []feature.Feature{{
		ID:         fmt.Sprintf("%d_%d", col, row),
		Geometry:   pt,
		Attributes: map[string]feature.Value{"value": value},
	}}, nil
}
