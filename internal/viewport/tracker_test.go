package viewport

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldmap/core-go/internal/kvstore"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func bound(lon, lat float64) orb.Bound {
	return orb.Bound{Min: orb.Point{lon, lat}, Max: orb.Point{lon + 0.01, lat + 0.01}}
}

func TestSettle_FirstPublishesImmediately(t *testing.T) {
	tr := New(zerolog.Nop(), Options{Debounce: time.Hour})
	defer tr.Close()

	v, ok := tr.Settle(bound(151, -34), 15)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.Revision)
	assert.Equal(t, 15.0, v.Zoom)
}

func TestSettle_InsideWindowIsDeferredThenPublishedAsTrailing(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	tr := New(zerolog.Nop(), Options{Debounce: 50 * time.Millisecond, Now: clock.Now})
	defer tr.Close()
	ch, cancel := tr.Subscribe()
	defer cancel()

	_, ok := tr.Settle(bound(151, -34), 15)
	require.True(t, ok)
	<-ch

	clock.Advance(10 * time.Millisecond)
	_, ok = tr.Settle(bound(151.1, -34), 15)
	assert.False(t, ok)
	_, ok = tr.Settle(bound(151.2, -34), 16)
	assert.False(t, ok)

	select {
	case v := <-ch:
		assert.Equal(t, uint64(2), v.Revision)
		assert.Equal(t, 16.0, v.Zoom)
		assert.Equal(t, bound(151.2, -34), v.Bounds)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected trailing publish")
	}
	assert.Equal(t, uint64(2), tr.Current().Revision)
}

func TestSettle_AfterWindowPublishesAndRevisionIncreases(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	tr := New(zerolog.Nop(), Options{Debounce: 600 * time.Millisecond, Now: clock.Now})
	defer tr.Close()

	var last uint64
	for i := 0; i < 5; i++ {
		v, ok := tr.Settle(bound(151+float64(i)*0.1, -34), 15)
		require.True(t, ok)
		assert.Greater(t, v.Revision, last)
		last = v.Revision
		clock.Advance(600 * time.Millisecond)
	}
}

func TestSettle_RejectsInvalidBounds(t *testing.T) {
	tr := New(zerolog.Nop(), Options{})
	defer tr.Close()

	_, ok := tr.Settle(orb.Bound{Min: orb.Point{math.NaN(), 0}, Max: orb.Point{1, 1}}, 15)
	assert.False(t, ok)
	_, ok = tr.Settle(orb.Bound{Min: orb.Point{2, 2}, Max: orb.Point{1, 1}}, 15)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), tr.Current().Revision)
}

func TestPersistAndRestore(t *testing.T) {
	store := kvstore.NewMemory()
	tr := New(zerolog.Nop(), Options{Store: store})
	tr.SetBaseLayer("imagery")
	_, ok := tr.Settle(orb.Bound{Min: orb.Point{151, -34}, Max: orb.Point{151.2, -33.8}}, 16)
	require.True(t, ok)
	tr.Close()

	next := New(zerolog.Nop(), Options{Store: store})
	defer next.Close()
	saved, ok := next.Restore(context.Background())
	require.True(t, ok)
	assert.InDelta(t, 151.1, saved.Center.Lon(), 1e-9)
	assert.InDelta(t, -33.9, saved.Center.Lat(), 1e-9)
	assert.Equal(t, 16.0, saved.Zoom)

	cur := next.Current()
	assert.Equal(t, "imagery", cur.BaseLayer)
	assert.Equal(t, 16.0, cur.Zoom)
	assert.Equal(t, orb.Bound{Min: orb.Point{151, -34}, Max: orb.Point{151.2, -33.8}}, cur.Bounds)
	assert.True(t, cur.Restored)
	assert.Equal(t, uint64(0), cur.Revision)

	_, ok = next.Republish()
	assert.False(t, ok, "a restored view is not published")
	v, ok := next.Settle(bound(150, -35), 14)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.Revision)
	assert.False(t, v.Restored)
}

func TestRestore_CenterOnlyRecord(t *testing.T) {
	store := kvstore.NewMemory()
	kvstore.PutJSON(context.Background(), store, kvstore.KeyView, map[string]any{
		"center": []float64{151.1, -33.9}, "zoom": 15, "base_layer": "streets",
	})

	tr := New(zerolog.Nop(), Options{Store: store})
	defer tr.Close()
	_, ok := tr.Restore(context.Background())
	require.True(t, ok)
	cur := tr.Current()
	assert.Equal(t, 15.0, cur.Zoom)
	assert.Equal(t, orb.Point{151.1, -33.9}, cur.Bounds.Center())
}

func TestRestore_BaseLayerOnly(t *testing.T) {
	store := kvstore.NewMemory()
	tr := New(zerolog.Nop(), Options{Store: store})
	tr.SetBaseLayer("topo")
	tr.Close()

	next := New(zerolog.Nop(), Options{Store: store})
	defer next.Close()
	_, ok := next.Restore(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "topo", next.Current().BaseLayer)
}

func TestRepublish(t *testing.T) {
	tr := New(zerolog.Nop(), Options{Debounce: time.Hour})
	defer tr.Close()

	_, ok := tr.Republish()
	assert.False(t, ok)

	tr.Settle(bound(151, -34), 15)
	v, ok := tr.Republish()
	require.True(t, ok)
	assert.Equal(t, uint64(2), v.Revision)
	assert.Equal(t, bound(151, -34), v.Bounds)
}

func TestClose_ClosesSubscriptions(t *testing.T) {
	tr := New(zerolog.Nop(), Options{})
	ch, _ := tr.Subscribe()
	tr.Close()
	_, open := <-ch
	assert.False(t, open)
}
