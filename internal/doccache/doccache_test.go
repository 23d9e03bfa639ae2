package doccache_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmstiles/internal/doccache"
	"wmstiles/internal/feature"
)

// fakeSource is a document store whose contents can change between calls.
type fakeSource struct {
	mu       sync.Mutex
	docs     map[string]string
	versions map[string]int

	versionCalls atomic.Int32
	loadCalls    atomic.Int32
	gate         chan struct{} // when set, Load blocks until it is closed
	failNext     atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{docs: map[string]string{}, versions: map[string]int{}}
}

func (s *fakeSource) put(key, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = body
	s.versions[key]++
}

func (s *fakeSource) version(key string) feature.Version {
	return feature.Version("rev:" + strconv.Itoa(s.versions[key]))
}

func (s *fakeSource) Version(_ context.Context, key string) (feature.Version, error) {
	s.versionCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key]; !ok {
		return "", errors.New("not found")
	}
	return s.version(key), nil
}

func (s *fakeSource) Load(_ context.Context, key string) (string, feature.Version, error) {
	s.loadCalls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.failNext.CompareAndSwap(true, false) {
		return "", "", errors.New("malformed document")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return "parsed:" + s.docs[key], s.version(key), nil
}

func TestCache_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("second get is served from cache", func(t *testing.T) {
		// Arrange
		src := newFakeSource()
		src.put("roads", "<sld/>")
		c := doccache.New[string, string](src)

		// Act
		first, err := c.Get(ctx, "roads")
		require.NoError(t, err)
		second, err := c.Get(ctx, "roads")
		require.NoError(t, err)

		// Assert
		assert.Equal(t, "parsed:<sld/>", first)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), src.loadCalls.Load())
		assert.Equal(t, 1, c.Len())
	})

	t.Run("changed version is reparsed", func(t *testing.T) {
		// Arrange
		src := newFakeSource()
		src.put("roads", "v1")
		c := doccache.New[string, string](src)
		_, err := c.Get(ctx, "roads")
		require.NoError(t, err)

		// Act
		src.put("roads", "v2")
		got, err := c.Get(ctx, "roads")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "parsed:v2", got)
		assert.Equal(t, int32(2), src.loadCalls.Load())
		assert.Equal(t, 1, c.Len(), "the old entry is replaced, not duplicated")
	})

	t.Run("failures are not cached", func(t *testing.T) {
		// Arrange
		src := newFakeSource()
		src.put("roads", "v1")
		src.failNext.Store(true)
		c := doccache.New[string, string](src)

		// Act
		_, err := c.Get(ctx, "roads")
		require.Error(t, err)
		got, err := c.Get(ctx, "roads")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "parsed:v1", got)
		assert.Equal(t, int32(2), src.loadCalls.Load())
	})

	t.Run("version errors propagate", func(t *testing.T) {
		c := doccache.New[string, string](newFakeSource())
		_, err := c.Get(ctx, "missing")
		assert.Error(t, err)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("bounded by entry count", func(t *testing.T) {
		src := newFakeSource()
		src.put("a", "1")
		src.put("b", "2")
		src.put("c", "3")
		c := doccache.New[string, string](src, doccache.WithMaxEntries(2))

		for _, k := range []string{"a", "b", "c"} {
			_, err := c.Get(ctx, k)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, c.Len())

		_, err := c.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int32(4), src.loadCalls.Load(), "a was least recently used and evicted")
	})

	t.Run("invalidate forces a reload", func(t *testing.T) {
		src := newFakeSource()
		src.put("a", "1")
		c := doccache.New[string, string](src)
		_, _ = c.Get(ctx, "a")

		c.Invalidate("a")
		_, err := c.Get(ctx, "a")

		require.NoError(t, err)
		assert.Equal(t, int32(2), src.loadCalls.Load())
	})
}

func TestCache_SingleFlight(t *testing.T) {
	// Arrange
	const callers = 32
	src := newFakeSource()
	src.put("roads", "v1")
	src.gate = make(chan struct{})
	c := doccache.New[string, string](src)

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	// Act
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "roads")
		}(i)
	}
	require.Eventually(t, func() bool { return src.versionCalls.Load() == callers }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), src.loadCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "parsed:v1", results[i])
	}
}

func TestCache_CancelledCallerDetaches(t *testing.T) {
	// Arrange
	src := newFakeSource()
	src.put("roads", "v1")
	src.gate = make(chan struct{})
	c := doccache.New[string, string](src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "roads")
		done <- err
	}()
	require.Eventually(t, func() bool { return src.loadCalls.Load() == 1 }, time.Second, time.Millisecond)

	// Act
	cancel()
	err := <-done
	close(src.gate)

	// Assert
	assert.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond,
		"the abandoned load still completes and is cached")
	got, err := c.Get(context.Background(), "roads")
	require.NoError(t, err)
	assert.Equal(t, "parsed:v1", got)
	assert.Equal(t, int32(1), src.loadCalls.Load())
}

func TestCache_KeysThatPrintAlikeLoadSeparately(t *testing.T) {
	// Arrange
	type styleLayer struct{ Style, Layer string }
	a := styleLayer{Style: "blue lines", Layer: "roads"}
	b := styleLayer{Style: "blue", Layer: "lines roads"}

	gate := make(chan struct{})
	var loads atomic.Int32
	c := doccache.New[styleLayer, string](doccache.LoaderFuncs[styleLayer, string]{
		VersionFunc: func(context.Context, styleLayer) (feature.Version, error) { return "rev:1", nil },
		LoadFunc: func(_ context.Context, k styleLayer) (string, feature.Version, error) {
			loads.Add(1)
			<-gate
			return k.Style + "/" + k.Layer, "rev:1", nil
		},
	})

	// Act
	var wg sync.WaitGroup
	got := make([]string, 2)
	for i, k := range []styleLayer{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), k)
			assert.NoError(t, err)
			got[i] = v
		}()
	}
	require.Eventually(t, func() bool { return loads.Load() == 2 }, time.Second, time.Millisecond,
		"each key starts its own load")
	close(gate)
	wg.Wait()

	// Assert
	assert.Equal(t, []string{"blue lines/roads", "blue/lines roads"}, got)
	assert.Equal(t, 2, c.Len())
}
