package cache

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	slot slot
	tile *RenderedTile
	pins int
	size int64
	// seq orders fills of the same slot by when they started.
	seq uint64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Renders   int64 `json:"renders"`
	StoreHits int64 `json:"store_hits"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
}

// Config bounds the in-memory tier. Zero values mean unbounded.
type Config struct {
	MaxTiles      int
	MaxBytes      int64
	RenderTimeout time.Duration
}

// TileCache is an in-memory LRU of rendered tiles with an optional persisted
// Store behind it.
//
// At most one render runs per TileKey at a time; concurrent callers wait for
// it and share the result. Entries held by a Lease are never evicted. Failed
// renders are never cached.
type TileCache struct {
	cfg   Config
	store Store
	log   *zap.Logger

	mu      sync.Mutex
	items   map[slot]*list.Element
	lruList *list.List
	bytes   int64

	group singleflight.Group
	fills atomic.Uint64

	hits, misses, renders, storeHits, evictions atomic.Int64
}

// NewTileCache creates a tile cache. store may be nil.
func NewTileCache(cfg Config, store Store, log *zap.Logger) *TileCache {
	if store == nil {
		store = NewNoopStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TileCache{
		cfg:     cfg,
		store:   store,
		log:     log,
		items:   make(map[slot]*list.Element),
		lruList: list.New(),
	}
}

// Lease is a read handle on a cached tile. The tile stays in memory until
// Release is called. The image must not be modified.
type Lease struct {
	Tile  *RenderedTile
	cache *TileCache
	ent   *entry
	once  sync.Once
}

// Release unpins the tile. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.ent == nil {
			return
		}
		l.cache.mu.Lock()
		l.ent.pins--
		l.cache.evictLocked(nil)
		l.cache.mu.Unlock()
	})
}

// GetOrRender returns the tile for key, rendering it with render on a miss.
// margin is the overdraw of tiles drawn with key.Style and is needed to
// restore tiles from the persisted store.
//
// The render runs detached from ctx: cancelling ctx returns ctx.Err() to this
// caller only, the render continues and its result is cached for others.
func (c *TileCache) GetOrRender(ctx context.Context, key TileKey, margin int, render RenderFunc) (*Lease, error) {
	if lease, ok := c.acquire(key); ok {
		c.hits.Add(1)
		return lease, nil
	}
	c.misses.Add(1)

	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		return c.fill(context.WithoutCancel(ctx), key, margin, render)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tile := res.Val.(*RenderedTile)
		if lease, ok := c.acquire(key); ok {
			return lease, nil
		}
		// Evicted already or larger than the whole budget.
		return &Lease{Tile: tile, cache: c}, nil
	}
}

// fill loads key from the store or renders it, then inserts it.
func (c *TileCache) fill(ctx context.Context, key TileKey, margin int, render RenderFunc) (*RenderedTile, error) {
	seq := c.fills.Add(1)
	if tile, ok := c.loadFromStore(ctx, key, margin); ok {
		c.storeHits.Add(1)
		c.insert(tile, seq)
		return tile, nil
	}

	if c.cfg.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RenderTimeout)
		defer cancel()
	}

	c.renders.Add(1)
	start := time.Now()
	tile, err := render(ctx)
	if err != nil {
		return nil, err
	}
	if tile == nil || tile.Image == nil {
		return nil, fmt.Errorf("render of %s returned no image", key)
	}
	tile.Key = key
	c.insert(tile, seq)

	c.log.Debug("Tile rendered",
		zap.String("tile", key.String()),
		zap.Duration("duration", time.Since(start)))

	c.writeThrough(ctx, tile)
	return tile, nil
}

func (c *TileCache) loadFromStore(ctx context.Context, key TileKey, margin int) (*RenderedTile, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("Tile store read failed", zap.String("tile", key.String()), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	img, err := decodeTile(data)
	if err != nil {
		c.log.Warn("Stored tile is unreadable", zap.String("tile", key.String()), zap.Error(err))
		return nil, false
	}
	return &RenderedTile{Key: key, Margin: margin, Image: img}, true
}

func (c *TileCache) writeThrough(ctx context.Context, tile *RenderedTile) {
	if _, noop := c.store.(*NoopStore); noop {
		return
	}
	data, err := encodeTile(tile.Image)
	if err != nil {
		c.log.Warn("Tile encode failed", zap.String("tile", tile.Key.String()), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, tile.Key, data); err != nil {
		c.log.Warn("Tile store write failed", zap.String("tile", tile.Key.String()), zap.Error(err))
	}
}

// acquire pins and returns the cached tile for key if its version matches.
func (c *TileCache) acquire(key TileKey) (*Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[slot{tile: key.Tile, style: key.Style}]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*entry)
	if ent.tile.Key.Version != key.Version {
		return nil, false
	}
	ent.pins++
	c.lruList.MoveToFront(elem)
	return &Lease{Tile: ent.tile, cache: c, ent: ent}, true
}

// insert adds tile, replacing any entry of the same tile and style unless
// that entry came from a fill started after this one.
func (c *TileCache) insert(tile *RenderedTile, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := slot{tile: tile.Key.Tile, style: tile.Key.Style}
	ent := &entry{slot: s, tile: tile, size: tile.size(), seq: seq}

	if c.cfg.MaxBytes > 0 && ent.size > c.cfg.MaxBytes {
		return
	}
	if elem, ok := c.items[s]; ok {
		if elem.Value.(*entry).seq > seq {
			c.log.Debug("Late tile render dropped", zap.String("tile", tile.Key.String()))
			return
		}
		c.removeLocked(elem)
	}
	elem := c.lruList.PushFront(ent)
	c.items[s] = elem
	c.bytes += ent.size
	c.evictLocked(elem)
}

func (c *TileCache) overBudget() bool {
	if c.cfg.MaxTiles > 0 && c.lruList.Len() > c.cfg.MaxTiles {
		return true
	}
	return c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes
}

// evictLocked drops least recently used unpinned entries until the cache is
// within budget. keep is the entry just inserted, which its waiters have not
// pinned yet. When every remaining entry is pinned the budget is exceeded
// until leases are released.
func (c *TileCache) evictLocked(keep *list.Element) {
	elem := c.lruList.Back()
	for elem != nil && c.overBudget() {
		prev := elem.Prev()
		if elem != keep && elem.Value.(*entry).pins == 0 {
			c.removeLocked(elem)
			c.evictions.Add(1)
		}
		elem = prev
	}
}

func (c *TileCache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.lruList.Remove(elem)
	delete(c.items, ent.slot)
	c.bytes -= ent.size
}

// Contains reports whether key is cached in memory without pinning it.
func (c *TileCache) Contains(key TileKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[slot{tile: key.Tile, style: key.Style}]
	return ok && elem.Value.(*entry).tile.Key.Version == key.Version
}

// Purge drops every unpinned entry from memory and clears the store.
func (c *TileCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	for elem := c.lruList.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*entry).pins == 0 {
			c.removeLocked(elem)
		}
		elem = prev
	}
	c.mu.Unlock()
	return c.store.Clear(ctx)
}

func (c *TileCache) Stats() Stats {
	c.mu.Lock()
	entries, size := c.lruList.Len(), c.bytes
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Renders:   c.renders.Load(),
		StoreHits: c.storeHits.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
		Bytes:     size,
	}
}

func (c *TileCache) Close() error {
	return c.store.Close()
}

// encodeTile serialises a tile for the persisted tier. PNG is lossless, so a
// restored tile is pixel-identical to the rendered one.
func encodeTile(img *image.NRGBA) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTile(data []byte) (*image.NRGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba, nil
	}
	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out, nil
}
