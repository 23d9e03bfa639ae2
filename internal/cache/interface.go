package cache

import (
	"context"
	"fmt"
	"image"

	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
)

// TileKey identifies one rendered tile: the grid cell, the style it was drawn
// with and the dataset version it was drawn from.
type TileKey struct {
	Tile    grid.TileKey
	Style   string // style fingerprint
	Version feature.Version
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s@%s@%s", k.Tile, k.Style, k.Version)
}

// slot is the part of a TileKey that names a cache entry. A newer version
// replaces the entry of an older one.
type slot struct {
	tile  grid.TileKey
	style string
}

// RenderedTile is an immutable rendered tile. Image includes the margin
// overdraw on every side.
type RenderedTile struct {
	Key    TileKey
	Margin int
	Image  *image.NRGBA
}

func (t *RenderedTile) size() int64 {
	if t.Image == nil {
		return 0
	}
	return int64(len(t.Image.Pix))
}

// RenderFunc draws a tile. It is called at most once per TileKey at a time.
type RenderFunc func(ctx context.Context) (*RenderedTile, error)

// Store is a persisted tile tier behind the in-memory cache. Stored bytes are
// returned exactly as written.
type Store interface {
	Get(ctx context.Context, key TileKey) ([]byte, bool, error)
	Set(ctx context.Context, key TileKey, data []byte) error
	Clear(ctx context.Context) error
	Close() error
}
