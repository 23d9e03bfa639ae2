// Package source provides the feature, coverage and style document
// collaborators of the map service.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
)

var (
	// ErrNotFound reports an unknown layer or style reference.
	ErrNotFound = errors.New("not found")
	// ErrWrongKind reports a vector request on a coverage layer or the reverse.
	ErrWrongKind = errors.New("layer does not hold this kind of data")
)

// DataSource delivers layer data and its current version. Implementations are
// safe for concurrent use.
type DataSource interface {
	// FetchFeatures returns the features whose bounds intersect bbox.
	FetchFeatures(ctx context.Context, layer string, bbox grid.BoundingBox, res float64) ([]feature.Feature, error)
	// FetchCoverage returns a window of the layer's grid covering bbox, or nil
	// when the layer has no cells there.
	FetchCoverage(ctx context.Context, layer string, bbox grid.BoundingBox, res float64) (*feature.Coverage, error)
	// DatasetVersion is cheap and changes whenever the layer's data changes.
	DatasetVersion(ctx context.Context, layer string) (feature.Version, error)
}

// StyleSource delivers raw style documents.
type StyleSource interface {
	LoadStyleDocument(ctx context.Context, ref string) ([]byte, feature.Version, error)
	StyleVersion(ctx context.Context, ref string) (feature.Version, error)
}

// coveragePad is the number of extra cells around a coverage window, enough
// for bilinear sampling at the window edge.
const coveragePad = 2

func revision(n uint64) feature.Version {
	return feature.Version(fmt.Sprintf("rev:%d", n))
}

func notFound(kind, name string) error {
	return fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
}

// Router dispatches each layer to the source that holds it.
type Router struct {
	mu     sync.RWMutex
	routes map[string]DataSource
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]DataSource)}
}

// Route sends requests for layer to src, replacing any earlier route.
func (r *Router) Route(layer string, src DataSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[layer] = src
}

// Layers returns the routed layer names in order.
func (r *Router) Layers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) lookup(layer string) (DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.routes[layer]
	if !ok {
		return nil, notFound("layer", layer)
	}
	return src, nil
}

func (r *Router) FetchFeatures(ctx context.Context, layer string, bbox grid.BoundingBox, res float64) ([]feature.Feature, error) {
	src, err := r.lookup(layer)
	if err != nil {
		return nil, err
	}
	return src.FetchFeatures(ctx, layer, bbox, res)
}

func (r *Router) FetchCoverage(ctx context.Context, layer string, bbox grid.BoundingBox, res float64) (*feature.Coverage, error) {
	src, err := r.lookup(layer)
	if err != nil {
		return nil, err
	}
	return src.FetchCoverage(ctx, layer, bbox, res)
}

func (r *Router) DatasetVersion(ctx context.Context, layer string) (feature.Version, error) {
	src, err := r.lookup(layer)
	if err != nil {
		return "", err
	}
	return src.DatasetVersion(ctx, layer)
}
