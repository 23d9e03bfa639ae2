// Package featureinfo encodes feature query results for GetFeatureInfo
// responses.
package featureinfo

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"wmstiles/internal/feature"
)

// ErrUnsupportedFormat reports an INFO_FORMAT without an encoder.
var ErrUnsupportedFormat = errors.New("unsupported info format")

// Result holds the features one layer returned for a query. Features carry
// only the attributes declared in Schema.
type Result struct {
	Layer    string
	Schema   feature.Schema
	Features []feature.Feature
}

// Encode serialises results in format and returns the body with its content
// type.
func Encode(format string, results []Result) ([]byte, string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "application/json", "application/geo+json", "application/vnd.geo+json", "json":
		body, err := GeoJSON(results)
		return body, "application/geo+json", err
	case "text/csv", "csv":
		body, err := CSV(results)
		return body, "text/csv; charset=utf-8", err
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// GeoJSON returns one FeatureCollection holding every layer's features. Ids
// are qualified as layer.id.
func GeoJSON(results []Result) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, r := range results {
		for _, f := range r.Features {
			gf := geojson.NewFeature(f.Geometry)
			gf.ID = r.Layer + "." + f.ID
			for _, name := range r.Schema.Names() {
				v, _ := f.Attr(name)
				gf.Properties[name] = v.Interface()
			}
			fc.Append(gf)
		}
	}
	body, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode geojson: %w", err)
	}
	return body, nil
}

// CSV writes one block per layer: a header row (layer, id, the declared
// attributes, geometry as WKT) followed by one row per feature.
func CSV(results []Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, r := range results {
		names := r.Schema.Names()
		header := append([]string{"layer", "id"}, names...)
		if err := w.Write(append(header, "geometry")); err != nil {
			return nil, err
		}
		for _, f := range r.Features {
			row := make([]string, 0, len(names)+3)
			row = append(row, r.Layer, f.ID)
			for _, name := range names {
				v, _ := f.Attr(name)
				if v.IsNull() {
					row = append(row, "")
					continue
				}
				row = append(row, v.String())
			}
			geom := ""
			if f.Geometry != nil {
				geom = wkt.MarshalString(f.Geometry)
			}
			if err := w.Write(append(row, geom)); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to encode csv: %w", err)
	}
	return buf.Bytes(), nil
}
