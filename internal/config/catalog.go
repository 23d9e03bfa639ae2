package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
)

// LayerKind says whether a layer is drawn from features or from a coverage.
type LayerKind string

const (
	VectorLayer LayerKind = "vector"
	RasterLayer LayerKind = "raster"
)

// Layer is a published map layer.
type Layer struct {
	Name         string
	Title        string
	Kind         LayerKind
	Grid         *grid.Grid
	DefaultStyle string
	Queryable    bool
	Schema       feature.Schema
}

// Catalog file shape:
//
//	grids:
//	  mercator:
//	    crs: EPSG:3857
//	    origin: [-20037508.34, -20037508.34]
//	    tile_size: 256
//	    resolutions: [156543.03, 78271.52]
//	    extent: [-20037508.34, -20037508.34, 20037508.34, 20037508.34]
//	layers:
//	  - name: roads
//	    kind: vector
//	    grid: mercator
//	    default_style: roads
//	    queryable: true
//	    schema:
//	      - {name: class, type: string}
type catalogFile struct {
	Grids  map[string]gridSpec `yaml:"grids"`
	Layers []layerSpec         `yaml:"layers"`
}

type gridSpec struct {
	CRS         string     `yaml:"crs"`
	Origin      [2]float64 `yaml:"origin"`
	TileSize    int        `yaml:"tile_size"`
	Resolutions []float64  `yaml:"resolutions"`
	Extent      [4]float64 `yaml:"extent"`
}

type layerSpec struct {
	Name         string      `yaml:"name"`
	Title        string      `yaml:"title"`
	Kind         LayerKind   `yaml:"kind"`
	Grid         string      `yaml:"grid"`
	DefaultStyle string      `yaml:"default_style"`
	Queryable    bool        `yaml:"queryable"`
	Schema       []fieldSpec `yaml:"schema"`
}

type fieldSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// LoadCatalog reads and validates the layer catalog at path.
func LoadCatalog(path string) ([]Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	layers, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return layers, nil
}

// ParseCatalog decodes a catalog document. Unknown keys are rejected.
func ParseCatalog(data []byte) ([]Layer, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	grids := make(map[string]*grid.Grid, len(file.Grids))
	for name, spec := range file.Grids {
		g := &grid.Grid{
			CRS:         spec.CRS,
			OriginX:     spec.Origin[0],
			OriginY:     spec.Origin[1],
			TileSize:    spec.TileSize,
			Resolutions: spec.Resolutions,
			Extent: grid.BoundingBox{
				MinX: spec.Extent[0], MinY: spec.Extent[1],
				MaxX: spec.Extent[2], MaxY: spec.Extent[3],
				CRS: spec.CRS,
			},
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("grid %s: %w", name, err)
		}
		grids[name] = g
	}

	if len(file.Layers) == 0 {
		return nil, errors.New("catalog declares no layers")
	}
	seen := make(map[string]bool, len(file.Layers))
	layers := make([]Layer, 0, len(file.Layers))
	for i, spec := range file.Layers {
		if spec.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("layer %s is declared twice", spec.Name)
		}
		seen[spec.Name] = true

		switch spec.Kind {
		case VectorLayer, RasterLayer:
		case "":
			spec.Kind = VectorLayer
		default:
			return nil, fmt.Errorf("layer %s: unknown kind %q", spec.Name, spec.Kind)
		}
		g, ok := grids[spec.Grid]
		if !ok {
			return nil, fmt.Errorf("layer %s: unknown grid %q", spec.Name, spec.Grid)
		}
		if spec.DefaultStyle == "" {
			spec.DefaultStyle = spec.Name
		}

		var schema feature.Schema
		for _, f := range spec.Schema {
			kind, err := feature.ParseKind(f.Type)
			if err != nil {
				return nil, fmt.Errorf("layer %s field %s: %w", spec.Name, f.Name, err)
			}
			schema.Fields = append(schema.Fields, feature.Field{Name: f.Name, Kind: kind})
		}
		if spec.Kind == RasterLayer && len(schema.Fields) == 0 {
			schema.Fields = []feature.Field{{Name: "value", Kind: feature.KindNumber}}
		}

		layers = append(layers, Layer{
			Name:         spec.Name,
			Title:        spec.Title,
			Kind:         spec.Kind,
			Grid:         g,
			DefaultStyle: spec.DefaultStyle,
			Queryable:    spec.Queryable,
			Schema:       schema,
		})
	}
	return layers, nil
}
