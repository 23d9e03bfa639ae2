package featureinfo_test

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmstiles/internal/feature"
	"wmstiles/internal/featureinfo"
)

func results() []featureinfo.Result {
	return []featureinfo.Result{
		{
			Layer: "roads",
			Schema: feature.Schema{Fields: []feature.Field{
				{Name: "name", Kind: feature.KindString},
				{Name: "lanes", Kind: feature.KindNumber},
			}},
			Features: []feature.Feature{{
				ID:       "r1",
				Geometry: orb.LineString{{0, 0}, {1, 1}},
				Attributes: map[string]feature.Value{
					"name":  feature.String("Main, North"),
					"lanes": feature.Number(2),
				},
			}},
		},
		{
			Layer:  "rain",
			Schema: feature.Schema{Fields: []feature.Field{{Name: "value", Kind: feature.KindNumber}}},
			Features: []feature.Feature{{
				ID:         "0",
				Geometry:   orb.Point{5, 5},
				Attributes: map[string]feature.Value{"value": feature.Null()},
			}},
		},
	}
}

func TestGeoJSON(t *testing.T) {
	// Act
	body, err := featureinfo.GeoJSON(results())

	// Assert
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(body)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "roads.r1", fc.Features[0].ID)
	assert.Equal(t, "Main, North", fc.Features[0].Properties["name"])
	assert.Equal(t, 2.0, fc.Features[0].Properties["lanes"])
	assert.Nil(t, fc.Features[1].Properties["value"])
	assert.Equal(t, orb.Point{5, 5}, fc.Features[1].Geometry)
}

func TestCSV(t *testing.T) {
	body, err := featureinfo.CSV(results())

	require.NoError(t, err)
	assert.Equal(t,
		"layer,id,name,lanes,geometry\n"+
			"roads,r1,\"Main, North\",2,\"LINESTRING(0 0,1 1)\"\n"+
			"layer,id,value,geometry\n"+
			"rain,0,,POINT(5 5)\n",
		string(body))
}

func TestEncode(t *testing.T) {
	_, ct, err := featureinfo.Encode("text/csv", results())
	require.NoError(t, err)
	assert.Equal(t, "text/csv; charset=utf-8", ct)

	_, ct, err = featureinfo.Encode("application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, "application/geo+json", ct)

	_, _, err = featureinfo.Encode("text/html", nil)
	assert.ErrorIs(t, err, featureinfo.ErrUnsupportedFormat)
}
