package features

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldmap/core-go/internal/layers"
)

type fakeSource struct {
	mu       sync.Mutex
	calls    []Request
	features []Feature
	err      error
}

func (s *fakeSource) Query(_ context.Context, req Request) ([]Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	if req.Limit > 0 && len(s.features) > req.Limit {
		return s.features[:req.Limit], nil
	}
	return s.features, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func pointLayer() layers.Descriptor {
	return layers.Descriptor{ID: "scims", DisplayName: "Survey marks", Kind: layers.KindPrimaryMark, SourceEndpoint: "http://example/query"}
}

func boundaryLayer() layers.Descriptor {
	return layers.Descriptor{ID: "lots", DisplayName: "Cadastre", Kind: layers.KindCadastre, SourceEndpoint: "http://example/query"}
}

func makeFeatures(n int) []Feature {
	out := make([]Feature, n)
	for i := range out {
		out[i] = Feature{StableID: fmt.Sprintf("f%d", i), Point: orb.Point{151, -33}}
	}
	return out
}

var testBounds = orb.Bound{Min: orb.Point{151.0, -34.0}, Max: orb.Point{151.1, -33.9}}

func newTestFetcher(src Source, clock *fakeClock) *Fetcher {
	return NewFetcher(zerolog.Nop(), src, Options{
		PointCap:    10,
		BoundaryCap: 5,
		Now:         clock.Now,
	})
}

func TestFetch_DensityCapPlusOneYieldsNothing(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	src := &fakeSource{features: makeFeatures(11)}
	f := newTestFetcher(src, clock)

	res := f.Fetch(context.Background(), pointLayer(), testBounds, 15, "", 1)
	assert.Equal(t, StatusTooDense, res.Status)
	assert.Empty(t, res.Features)
	assert.Contains(t, res.Notice, "zoom in further")
	assert.True(t, res.ClearsMarkers())
	require.Equal(t, 1, src.callCount())
	assert.Equal(t, 11, src.calls[0].Limit)
}

func TestFetch_AtCapRendersAll(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	src := &fakeSource{features: makeFeatures(10)}
	f := newTestFetcher(src, clock)

	res := f.Fetch(context.Background(), pointLayer(), testBounds, 15, "", 1)
	assert.Equal(t, StatusFresh, res.Status)
	assert.Len(t, res.Features, 10)
}

func TestFetch_ThrottleReturnsPreviousWithoutNetwork(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	src := &fakeSource{features: makeFeatures(3)}
	f := newTestFetcher(src, clock)
	ctx := context.Background()

	first := f.Fetch(ctx, pointLayer(), testBounds, 15, "", 1)
	require.Equal(t, StatusFresh, first.Status)

	clock.Advance(400 * time.Millisecond)
	src.features = makeFeatures(1)
	second := f.Fetch(ctx, pointLayer(), testBounds, 15, "", 2)
	assert.Equal(t, StatusThrottled, second.Status)
	assert.Len(t, second.Features, 3)
	assert.Equal(t, 600*time.Millisecond, second.RetryAfter)
	assert.Equal(t, uint64(2), second.Revision)
	assert.Equal(t, 1, src.callCount())

	clock.Advance(600 * time.Millisecond)
	third := f.Fetch(ctx, pointLayer(), testBounds, 15, "", 3)
	assert.Equal(t, StatusFresh, third.Status)
	assert.Len(t, third.Features, 1)
	assert.Equal(t, 2, src.callCount())
}

func TestFetch_BoundaryLayerUsesLongerIntervalAndZoomGate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	src := &fakeSource{features: makeFeatures(2)}
	f := newTestFetcher(src, clock)
	ctx := context.Background()

	gated := f.Fetch(ctx, boundaryLayer(), testBounds, 15, "", 1)
	assert.Equal(t, StatusZoomGated, gated.Status)
	assert.True(t, gated.ClearsMarkers())
	assert.Equal(t, 0, src.callCount())

	require.Equal(t, StatusFresh, f.Fetch(ctx, boundaryLayer(), testBounds, 16, "", 2).Status)
	clock.Advance(2 * time.Second)
	assert.Equal(t, StatusThrottled, f.Fetch(ctx, boundaryLayer(), testBounds, 16, "", 3).Status)
	clock.Advance(time.Second)
	assert.Equal(t, StatusFresh, f.Fetch(ctx, boundaryLayer(), testBounds, 16, "", 4).Status)
	assert.Equal(t, 2, src.callCount())
}

func TestFetch_FailureClearsAndDoesNotStartThrottle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	src := &fakeSource{err: errors.New("connection reset")}
	f := newTestFetcher(src, clock)
	ctx := context.Background()

	res := f.Fetch(ctx, pointLayer(), testBounds, 15, "", 1)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Error(t, res.Err)
	assert.True(t, res.ClearsMarkers())
	assert.Contains(t, res.Notice, "Survey marks")

	src.err = nil
	src.features = makeFeatures(1)
	assert.Equal(t, StatusFresh, f.Fetch(ctx, pointLayer(), testBounds, 15, "", 2).Status)
}

func TestFetch_AppliesLivenessAndFilter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	src := &fakeSource{features: []Feature{
		{StableID: "a", Attributes: map[string]any{"status": "DESTROYED"}},
		{StableID: "b", Attributes: map[string]any{"status": "OK"}},
	}}
	f := newTestFetcher(src, clock)
	layer := pointLayer()
	layer.Filter = "MARKTYPE = 'SS'"

	res := f.Fetch(context.Background(), layer, testBounds, 15, "", 1)
	require.Len(t, res.Features, 1)
	assert.Equal(t, "b", res.Features[0].StableID)
	assert.Equal(t, "MARKTYPE = 'SS'", src.calls[0].Where)
}

func TestForget_ResetsThrottle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	src := &fakeSource{features: makeFeatures(1)}
	f := newTestFetcher(src, clock)
	ctx := context.Background()

	f.Fetch(ctx, pointLayer(), testBounds, 15, "", 1)
	f.Forget("scims")
	assert.Equal(t, StatusFresh, f.Fetch(ctx, pointLayer(), testBounds, 15, "", 2).Status)
	assert.Equal(t, 2, src.callCount())
}

func TestFetch_ExplicitFilterOverridesLayerFilter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	src := &fakeSource{features: makeFeatures(1)}
	f := newTestFetcher(src, clock)
	layer := pointLayer()
	layer.Filter = "MARKTYPE = 'SS'"

	f.Fetch(context.Background(), layer, testBounds, 15, "MARKTYPE = 'PM'", 1)
	require.Equal(t, 1, src.callCount())
	assert.Equal(t, "MARKTYPE = 'PM'", src.calls[0].Where)

	f.Forget(layer.ID)
	f.Fetch(context.Background(), pointLayer(), testBounds, 15, "  ", 2)
	assert.Equal(t, "1=1", src.calls[1].Where)
}
