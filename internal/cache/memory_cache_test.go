package cache_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmstiles/internal/cache"
	"wmstiles/internal/feature"
	"wmstiles/internal/grid"
)

func tileKey(col int, version string) cache.TileKey {
	return cache.TileKey{
		Tile:    grid.TileKey{Layer: "precipitation", Level: 1, Col: col, Row: 0},
		Style:   "fp",
		Version: feature.Version(version),
	}
}

// solidTile returns a 4x4 tile filled with c.
func solidTile(c color.NRGBA) *cache.RenderedTile {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return &cache.RenderedTile{Margin: 1, Image: img}
}

// countingRenderer renders solid tiles and counts calls.
type countingRenderer struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (r *countingRenderer) render(ctx context.Context) (*cache.RenderedTile, error) {
	r.calls.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return solidTile(color.NRGBA{R: 200, A: 255}), nil
}

func TestTileCache_GetOrRender(t *testing.T) {
	ctx := context.Background()

	t.Run("hit after first render", func(t *testing.T) {
		// Arrange
		c := cache.NewTileCache(cache.Config{MaxTiles: 10}, nil, nil)
		r := &countingRenderer{}

		// Act
		l1, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
		require.NoError(t, err)
		l1.Release()
		l2, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
		require.NoError(t, err)
		defer l2.Release()

		// Assert
		assert.Equal(t, int32(1), r.calls.Load())
		assert.Same(t, l1.Tile, l2.Tile)
		stats := c.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, int64(1), stats.Renders)
	})

	t.Run("new dataset version rerenders and replaces", func(t *testing.T) {
		// Arrange
		c := cache.NewTileCache(cache.Config{MaxTiles: 10}, nil, nil)
		r := &countingRenderer{}
		l, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
		require.NoError(t, err)
		l.Release()

		// Act
		l, err = c.GetOrRender(ctx, tileKey(0, "v2"), 1, r.render)
		require.NoError(t, err)
		l.Release()

		// Assert
		assert.Equal(t, int32(2), r.calls.Load())
		assert.False(t, c.Contains(tileKey(0, "v1")))
		assert.True(t, c.Contains(tileKey(0, "v2")))
		assert.Equal(t, 1, c.Stats().Entries)
	})

	t.Run("late render of an older version keeps the newer entry", func(t *testing.T) {
		// Arrange
		c := cache.NewTileCache(cache.Config{MaxTiles: 10}, nil, nil)
		slow := &countingRenderer{gate: make(chan struct{})}
		fast := &countingRenderer{}
		done := make(chan *cache.Lease, 1)
		go func() {
			l, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, slow.render)
			assert.NoError(t, err)
			done <- l
		}()
		require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)
		l, err := c.GetOrRender(ctx, tileKey(0, "v2"), 1, fast.render)
		require.NoError(t, err)
		l.Release()

		// Act
		close(slow.gate)
		old := <-done

		// Assert
		require.NotNil(t, old.Tile)
		assert.Equal(t, feature.Version("v1"), old.Tile.Key.Version, "the late caller still gets its own render")
		old.Release()
		assert.True(t, c.Contains(tileKey(0, "v2")))
		assert.False(t, c.Contains(tileKey(0, "v1")))
		assert.Equal(t, 1, c.Stats().Entries)
	})

	t.Run("failed render is not cached", func(t *testing.T) {
		// Arrange
		c := cache.NewTileCache(cache.Config{MaxTiles: 10}, nil, nil)
		boom := errors.New("unsupported symbolizer")
		r := &countingRenderer{err: boom}

		// Act
		_, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
		require.ErrorIs(t, err, boom)
		r.err = nil
		l, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)

		// Assert
		require.NoError(t, err)
		l.Release()
		assert.Equal(t, int32(2), r.calls.Load())
	})
}

func TestTileCache_SingleFlight(t *testing.T) {
	// Arrange
	const callers = 50
	c := cache.NewTileCache(cache.Config{MaxTiles: 10}, nil, nil)
	r := &countingRenderer{gate: make(chan struct{})}

	var wg sync.WaitGroup
	var started atomic.Int32
	leases := make([]*cache.Lease, callers)
	errs := make([]error, callers)

	// Act
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Add(1)
			leases[i], errs[i] = c.GetOrRender(context.Background(), tileKey(3, "v1"), 1, r.render)
		}(i)
	}
	require.Eventually(t, func() bool { return started.Load() == callers && r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), r.calls.Load(), "exactly one render for one key")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, leases[0].Tile, leases[i].Tile)
		leases[i].Release()
	}
}

func TestTileCache_FailurePropagatesToAllWaiters(t *testing.T) {
	// Arrange
	c := cache.NewTileCache(cache.Config{}, nil, nil)
	boom := errors.New("dataset unreachable")
	r := &countingRenderer{gate: make(chan struct{}), err: boom}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrRender(context.Background(), tileKey(0, "v1"), 1, r.render)
		}(i)
	}
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// Act
	close(r.gate)
	wg.Wait()

	// Assert
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestTileCache_CancelDetachesCaller(t *testing.T) {
	// Arrange
	c := cache.NewTileCache(cache.Config{}, nil, nil)
	r := &countingRenderer{gate: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
		done <- err
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	// Act
	cancel()
	err := <-done
	close(r.gate)

	// Assert
	assert.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool { return c.Contains(tileKey(0, "v1")) }, time.Second, time.Millisecond,
		"the render continues and is cached")
	l, err := c.GetOrRender(context.Background(), tileKey(0, "v1"), 1, r.render)
	require.NoError(t, err)
	l.Release()
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestTileCache_Eviction(t *testing.T) {
	ctx := context.Background()

	t.Run("least recently used goes first", func(t *testing.T) {
		c := cache.NewTileCache(cache.Config{MaxTiles: 2}, nil, nil)
		r := &countingRenderer{}
		for _, col := range []int{0, 1, 0, 2} {
			l, err := c.GetOrRender(ctx, tileKey(col, "v1"), 1, r.render)
			require.NoError(t, err)
			l.Release()
		}

		assert.True(t, c.Contains(tileKey(0, "v1")))
		assert.False(t, c.Contains(tileKey(1, "v1")))
		assert.True(t, c.Contains(tileKey(2, "v1")))
		assert.Equal(t, int64(1), c.Stats().Evictions)
	})

	t.Run("pinned tiles are never evicted", func(t *testing.T) {
		// Arrange
		c := cache.NewTileCache(cache.Config{MaxTiles: 1}, nil, nil)
		r := &countingRenderer{}
		pinned, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
		require.NoError(t, err)

		// Act
		other, err := c.GetOrRender(ctx, tileKey(1, "v1"), 1, r.render)
		require.NoError(t, err)

		// Assert
		assert.True(t, c.Contains(tileKey(0, "v1")), "pinned tile survives over budget")
		assert.Equal(t, 2, c.Stats().Entries)

		pinned.Release()
		other.Release()
		assert.Equal(t, 1, c.Stats().Entries, "budget is restored once leases are released")
		assert.Equal(t, uint8(200), pinned.Tile.Image.Pix[0], "released image stays readable")
	})

	t.Run("byte budget", func(t *testing.T) {
		// Each 4x4 tile is 64 bytes.
		c := cache.NewTileCache(cache.Config{MaxBytes: 128}, nil, nil)
		r := &countingRenderer{}
		for col := 0; col < 3; col++ {
			l, err := c.GetOrRender(ctx, tileKey(col, "v1"), 1, r.render)
			require.NoError(t, err)
			l.Release()
		}
		stats := c.Stats()
		assert.Equal(t, 2, stats.Entries)
		assert.Equal(t, int64(128), stats.Bytes)
	})

	t.Run("tile larger than the budget is served but not retained", func(t *testing.T) {
		c := cache.NewTileCache(cache.Config{MaxBytes: 10}, nil, nil)
		r := &countingRenderer{}
		l, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
		require.NoError(t, err)
		require.NotNil(t, l.Tile.Image)
		l.Release()
		assert.Equal(t, 0, c.Stats().Entries)
	})

	t.Run("purge keeps pinned tiles", func(t *testing.T) {
		c := cache.NewTileCache(cache.Config{}, nil, nil)
		r := &countingRenderer{}
		pinned, err := c.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
		require.NoError(t, err)
		l, err := c.GetOrRender(ctx, tileKey(1, "v1"), 1, r.render)
		require.NoError(t, err)
		l.Release()

		require.NoError(t, c.Purge(ctx))

		assert.True(t, c.Contains(tileKey(0, "v1")))
		assert.False(t, c.Contains(tileKey(1, "v1")))
		pinned.Release()
	})
}

func TestTileCache_StoreTier(t *testing.T) {
	ctx := context.Background()

	// Arrange
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := &countingRenderer{}
	first := cache.NewTileCache(cache.Config{}, store, nil)
	l, err := first.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
	require.NoError(t, err)
	want := append([]byte(nil), l.Tile.Image.Pix...)
	l.Release()

	// Act: a fresh process shares the store.
	second := cache.NewTileCache(cache.Config{}, store, nil)
	l, err = second.GetOrRender(ctx, tileKey(0, "v1"), 1, r.render)
	require.NoError(t, err)
	defer l.Release()

	// Assert
	assert.Equal(t, int32(1), r.calls.Load(), "restored from the store instead of rendered")
	assert.Equal(t, int64(1), second.Stats().StoreHits)
	assert.Equal(t, want, l.Tile.Image.Pix)
	assert.Equal(t, 1, l.Tile.Margin)
}
