package cache

import "context"

// NoopStore persists nothing. The in-memory tier still works.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Get(context.Context, TileKey) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *NoopStore) Set(context.Context, TileKey, []byte) error {
	return nil
}

func (s *NoopStore) Clear(context.Context) error { return nil }
func (s *NoopStore) Close() error                { return nil }
