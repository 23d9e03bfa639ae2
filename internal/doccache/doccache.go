// Package doccache caches parsed, immutable documents (style documents,
// legend graphics) and reparses them when their source version changes.
package doccache

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wmstiles/internal/feature"
)

// Loader reads documents from their source.
type Loader[K comparable, V any] interface {
	// Version returns the current version of key. It must be cheap
	// (a modification time or revision lookup), it runs on every Get.
	Version(ctx context.Context, key K) (feature.Version, error)
	// Load reads and parses key, returning the version that was parsed.
	Load(ctx context.Context, key K) (V, feature.Version, error)
}

// LoaderFuncs adapts a pair of functions to Loader.
type LoaderFuncs[K comparable, V any] struct {
	VersionFunc func(ctx context.Context, key K) (feature.Version, error)
	LoadFunc    func(ctx context.Context, key K) (V, feature.Version, error)
}

func (l LoaderFuncs[K, V]) Version(ctx context.Context, key K) (feature.Version, error) {
	return l.VersionFunc(ctx, key)
}

func (l LoaderFuncs[K, V]) Load(ctx context.Context, key K) (V, feature.Version, error) {
	return l.LoadFunc(ctx, key)
}

// flight identifies one load: a key at a version.
type flight[K comparable] struct {
	key     K
	version feature.Version
}

// flightName is the singleflight name given to a flight while callers wait on it.
type flightName struct {
	id   string
	refs int
}

type entry[K comparable, V any] struct {
	key     K
	value   V
	version feature.Version
}

// Cache is a versioned document cache. Concurrent misses for the same key and
// version share one Load. Failed loads are not cached.
type Cache[K comparable, V any] struct {
	loader     Loader[K, V]
	maxEntries int
	log        *zap.Logger

	mu    sync.Mutex
	ll    *list.List
	items map[K]*list.Element

	group   singleflight.Group
	flights map[flight[K]]*flightName
	seq     uint64
	loads   atomic.Int64
}

type Option func(*config)

type config struct {
	maxEntries int
	log        *zap.Logger
}

// WithMaxEntries bounds the cache to n documents, evicting the least
// recently used. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

func New[K comparable, V any](loader Loader[K, V], opts ...Option) *Cache[K, V] {
	cfg := config{log: zap.NewNop()}
	for _, o := range opts {
		o(&cfg)
	}
	return &Cache[K, V]{
		loader:     loader,
		maxEntries: cfg.maxEntries,
		log:        cfg.log,
		ll:         list.New(),
		items:      make(map[K]*list.Element),
		flights:    make(map[flight[K]]*flightName),
	}
}

// Get returns the parsed document for key, loading it on first access and
// whenever the source version differs from the cached one.
//
// Cancelling ctx makes Get return ctx.Err() but does not cancel a load other
// callers may be waiting for; the load completes and is cached.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	version, err := c.loader.Version(ctx, key)
	if err != nil {
		return zero, err
	}

	if v, ok := c.lookup(key, version); ok {
		return v, nil
	}

	name, release := c.acquire(flight[K]{key: key, version: version})
	defer release()
	ch := c.group.DoChan(name, func() (interface{}, error) {
		c.loads.Add(1)
		v, loaded, err := c.loader.Load(context.WithoutCancel(ctx), key)
		if err != nil {
			c.log.Warn("Document load failed",
				zap.String("key", fmt.Sprint(key)),
				zap.Error(err))
			return nil, err
		}
		c.store(key, v, loaded)
		c.log.Debug("Document loaded",
			zap.String("key", fmt.Sprint(key)),
			zap.String("version", string(loaded)))
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// acquire names f for singleflight. Names are never reused, so two distinct
// keys cannot share a load however they print.
func (c *Cache[K, V]) acquire(f flight[K]) (string, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.flights[f]
	if !ok {
		c.seq++
		n = &flightName{id: strconv.FormatUint(c.seq, 36)}
		c.flights[f] = n
	}
	n.refs++
	return n.id, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if n.refs--; n.refs == 0 {
			delete(c.flights, f)
		}
	}
}

func (c *Cache[K, V]) lookup(key K, version feature.Version) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	ent := elem.Value.(*entry[K, V])
	if ent.version != version {
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(elem)
	return ent.value, true
}

// store inserts or replaces the entry for key as a whole.
func (c *Cache[K, V]) store(key K, value V, version feature.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent := &entry[K, V]{key: key, value: value, version: version}
	if elem, ok := c.items[key]; ok {
		elem.Value = ent
		c.ll.MoveToFront(elem)
		return
	}
	c.items[key] = c.ll.PushFront(ent)

	if c.maxEntries > 0 && c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		delete(c.items, oldest.Value.(*entry[K, V]).key)
		c.ll.Remove(oldest)
	}
}

// Invalidate drops key so that the next Get reloads it.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Loads is the number of Load calls made so far.
func (c *Cache[K, V]) Loads() int64 { return c.loads.Load() }
