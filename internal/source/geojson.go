package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
)

// fileVersion is the modification time of path as a dataset version.
func fileVersion(path string) (feature.Version, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file %s: %w", path, ErrNotFound)
		}
		return "", err
	}
	return feature.Version(fmt.Sprintf("mtime:%d", info.ModTime().UnixNano())), nil
}

type geojsonLayer struct {
	path    string
	mu      sync.Mutex
	version feature.Version
	index   *featureIndex
}

// GeoJSONFileSource serves vector layers backed by GeoJSON files. A file is
// parsed on first use and again only after its modification time changes.
type GeoJSONFileSource struct {
	mu     sync.RWMutex
	layers map[string]*geojsonLayer
	loads  atomic.Int64
	logger *zap.Logger
}

func NewGeoJSONFileSource(logger *zap.Logger) *GeoJSONFileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoJSONFileSource{layers: make(map[string]*geojsonLayer), logger: logger}
}

// Add registers a layer backed by the GeoJSON file at path.
func (s *GeoJSONFileSource) Add(layer, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[layer] = &geojsonLayer{path: path}
}

// Loads returns how many times a file has been parsed.
func (s *GeoJSONFileSource) Loads() int64 { return s.loads.Load() }

func (s *GeoJSONFileSource) layer(name string) (*geojsonLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layers[name]
	if !ok {
		return nil, notFound("layer", name)
	}
	return l, nil
}

func (s *GeoJSONFileSource) DatasetVersion(_ context.Context, layer string) (feature.Version, error) {
	l, err := s.layer(layer)
	if err != nil {
		return "", err
	}
	return fileVersion(l.path)
}

func (s *GeoJSONFileSource) FetchFeatures(ctx context.Context, layer string, bbox grid.BoundingBox, _ float64) ([]feature.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := s.layer(layer)
	if err != nil {
		return nil, err
	}
	version, err := fileVersion(l.path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index == nil || l.version != version {
		idx, err := s.load(layer, l.path)
		if err != nil {
			return nil, err
		}
		l.index, l.version = idx, version
	}
	return l.index.search(bbox.Bound()), nil
}

func (s *GeoJSONFileSource) FetchCoverage(_ context.Context, layer string, _ grid.BoundingBox, _ float64) (*feature.Coverage, error) {
	return nil, fmt.Errorf("layer %q: %w", layer, ErrWrongKind)
}

func (s *GeoJSONFileSource) load(layer, path string) (*featureIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	s.loads.Add(1)

	idx := newFeatureIndex()
	for i, gf := range fc.Features {
		idx.put(fromGeoJSON(layer, i, gf))
	}
	s.logger.Info("loaded geojson layer",
		zap.String("layer", layer),
		zap.String("path", path),
		zap.Int("features", idx.len()),
	)
	return idx, nil
}

// fromGeoJSON converts a GeoJSON feature. Features without an id get one
// derived from their position in the file.
func fromGeoJSON(layer string, i int, gf *geojson.Feature) feature.Feature {
	id := fmt.Sprintf("%s.%d", layer, i)
	if gf.ID != nil {
		id = fmt.Sprint(gf.ID)
	}
	attrs := make(map[string]feature.Value, len(gf.Properties))
	for k, v := range gf.Properties {
		attrs[k] = feature.FromAny(v)
	}
	return feature.Feature{ID: id, Geometry: gf.Geometry, Attributes: attrs}
}
