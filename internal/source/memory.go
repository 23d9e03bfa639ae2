package source

import (
	"context"
	"fmt"
	"sync"

	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
)

// MemorySource holds vector and coverage layers in memory. Every mutation of a
// layer bumps its revision, which is the layer's dataset version.
type MemorySource struct {
	mu        sync.RWMutex
	vectors   map[string]*featureIndex
	coverages map[string]*feature.Coverage
	revisions map[string]uint64
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		vectors:   make(map[string]*featureIndex),
		coverages: make(map[string]*feature.Coverage),
		revisions: make(map[string]uint64),
	}
}

// Put inserts or replaces features of a vector layer, creating the layer.
func (s *MemorySource) Put(layer string, features ...feature.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.coverages[layer]; ok {
		return fmt.Errorf("layer %q: %w", layer, ErrWrongKind)
	}
	idx, ok := s.vectors[layer]
	if !ok {
		idx = newFeatureIndex()
		s.vectors[layer] = idx
	}
	for _, f := range features {
		idx.put(f)
	}
	s.revisions[layer]++
	return nil
}

// Delete removes features by ID and reports how many existed.
func (s *MemorySource) Delete(layer string, ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.vectors[layer]
	if !ok {
		return 0
	}
	n := 0
	for _, id := range ids {
		if idx.remove(id) {
			n++
		}
	}
	if n > 0 {
		s.revisions[layer]++
	}
	return n
}

// SetCoverage installs or replaces the grid of a coverage layer. The source
// keeps cov; callers must not modify it afterwards.
func (s *MemorySource) SetCoverage(layer string, cov *feature.Coverage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vectors[layer]; ok {
		return fmt.Errorf("layer %q: %w", layer, ErrWrongKind)
	}
	if cov == nil || len(cov.Values) != cov.Cols*cov.Rows {
		return fmt.Errorf("layer %q: coverage values do not match its size", layer)
	}
	s.coverages[layer] = cov
	s.revisions[layer]++
	return nil
}

// Len returns the number of features in a vector layer.
func (s *MemorySource) Len(layer string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.vectors[layer]; ok {
		return idx.len()
	}
	return 0
}

func (s *MemorySource) FetchFeatures(ctx context.Context, layer string, bbox grid.BoundingBox, _ float64) ([]feature.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.vectors[layer]
	if !ok {
		if _, isCov := s.coverages[layer]; isCov {
			return nil, fmt.Errorf("layer %q: %w", layer, ErrWrongKind)
		}
		return nil, notFound("layer", layer)
	}
	return idx.search(bbox.Bound()), nil
}

func (s *MemorySource) FetchCoverage(ctx context.Context, layer string, bbox grid.BoundingBox, _ float64) (*feature.Coverage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cov, ok := s.coverages[layer]
	if !ok {
		if _, isVec := s.vectors[layer]; isVec {
			return nil, fmt.Errorf("layer %q: %w", layer, ErrWrongKind)
		}
		return nil, notFound("layer", layer)
	}
	return cov.Window(bbox.Bound(), coveragePad), nil
}

func (s *MemorySource) DatasetVersion(_ context.Context, layer string) (feature.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revisions[layer]
	if !ok {
		return "", notFound("layer", layer)
	}
	return revision(rev), nil
}
