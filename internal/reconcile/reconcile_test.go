package reconcile

import (
	"fmt"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldmap/core-go/internal/cluster"
	"fieldmap/core-go/internal/features"
)

type recordingSurface struct {
	mu       sync.Mutex
	adds     []string
	updates  []string
	removes  []string
	clusters map[string][]cluster.Cluster
}

func newRecordingSurface() *recordingSurface {
	return &recordingSurface{clusters: make(map[string][]cluster.Cluster)}
}

func (s *recordingSurface) AddMarker(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds = append(s.adds, m.LayerID+"/"+m.StableID)
}

func (s *recordingSurface) UpdateMarker(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, m.LayerID+"/"+m.StableID)
}

func (s *recordingSurface) RemoveMarker(layerID, stableID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes = append(s.removes, layerID+"/"+stableID)
}

func (s *recordingSurface) SetClusters(family string, cs []cluster.Cluster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[family] = cs
}

func (s *recordingSurface) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds, s.updates, s.removes = nil, nil, nil
}

func feats(ids ...string) []features.Feature {
	out := make([]features.Feature, len(ids))
	for i, id := range ids {
		p := orb.Point{151 + float64(i)*0.01, -33}
		out[i] = features.Feature{StableID: id, Geometry: p, Point: p, Attributes: map[string]any{"name": id}}
	}
	return out
}

func nameLabel(f features.Feature) (string, string) {
	n, _ := f.Attributes["name"].(string)
	return n, "Mark " + n
}

func TestReconcile_SecondIdenticalCallIsNoOp(t *testing.T) {
	s := newRecordingSurface()
	r := New(s, Options{})

	first := r.Reconcile("scims", feats("a", "b", "c"), nil, nameLabel)
	assert.Equal(t, Stats{Added: 3}, first)

	s.reset()
	second := r.Reconcile("scims", feats("a", "b", "c"), nil, nameLabel)
	assert.Equal(t, Stats{Unchanged: 3}, second)
	assert.False(t, second.Changed())
	assert.Empty(t, s.adds)
	assert.Empty(t, s.updates)
	assert.Empty(t, s.removes)
}

func TestReconcile_DiffAddsUpdatesRemoves(t *testing.T) {
	s := newRecordingSurface()
	r := New(s, Options{})
	r.Reconcile("scims", feats("a", "b", "c"), nil, nameLabel)
	s.reset()

	next := feats("b", "c", "d")
	// b moves.
	next[0].Point = orb.Point{152, -34}

	st := r.Reconcile("scims", next, nil, nameLabel)
	assert.Equal(t, 1, st.Added)
	assert.Equal(t, 1, st.Removed)
	assert.Equal(t, []string{"scims/d"}, s.adds)
	assert.Equal(t, []string{"scims/a"}, s.removes)
	assert.Contains(t, s.updates, "scims/b")

	ms := r.Markers("scims")
	require.Len(t, ms, 3)
	assert.Equal(t, "b", ms[0].StableID)
	assert.Equal(t, orb.Point{152, -34}, ms[0].Position)
}

func TestReconcile_DuplicateIDsProduceOneMarker(t *testing.T) {
	s := newRecordingSurface()
	r := New(s, Options{})
	st := r.Reconcile("scims", append(feats("a"), feats("a")...), nil, nil)
	assert.Equal(t, 1, st.Added)
	assert.Len(t, r.Markers("scims"), 1)
}

func TestReconcile_PolygonBecomesOverlay(t *testing.T) {
	s := newRecordingSurface()
	r := New(s, Options{})
	poly := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}
	r.Reconcile("lots", []features.Feature{{StableID: "lot1", Geometry: poly, Point: orb.Point{0.5, 0.5}}}, nil, nil)

	ms := r.Markers("lots")
	require.Len(t, ms, 1)
	assert.Equal(t, ShapeOverlay, ms[0].Shape)

	s.reset()
	st := r.Reconcile("lots", []features.Feature{{StableID: "lot1", Geometry: poly.Clone(), Point: orb.Point{0.5, 0.5}}}, nil, nil)
	assert.Equal(t, Stats{Unchanged: 1}, st)
}

func TestSetZoom_TogglesLabels(t *testing.T) {
	s := newRecordingSurface()
	r := New(s, Options{LabelMinZoom: 17})
	r.SetZoom(15)
	r.Reconcile("scims", feats("a", "b"), nil, nameLabel)
	for _, m := range r.Markers("scims") {
		assert.False(t, m.LabelVisible)
	}

	s.reset()
	assert.Equal(t, 2, r.SetZoom(17.5))
	assert.Len(t, s.updates, 2)
	for _, m := range r.Markers("scims") {
		assert.True(t, m.LabelVisible)
	}
	assert.Equal(t, 0, r.SetZoom(18))
}

func TestClear_RemovesEverything(t *testing.T) {
	s := newRecordingSurface()
	r := New(s, Options{})
	r.Reconcile("scims", feats("a", "b"), nil, nil)
	st := r.Clear("scims")
	assert.Equal(t, 2, st.Removed)
	assert.Empty(t, r.Markers("scims"))
}

func TestFamilyClusteringRecomputedAcrossLayers(t *testing.T) {
	s := newRecordingSurface()
	r := New(s, Options{Families: map[string]string{"scims": "marks", "refs": "marks"}})
	r.SetZoom(1)

	r.Reconcile("scims", feats("a", "b"), nil, nil)
	r.Reconcile("refs", feats("x"), nil, nil)

	total := 0
	for _, c := range s.clusters["marks"] {
		total += c.Count
	}
	assert.Equal(t, 3, total)

	r.Clear("scims")
	total = 0
	for _, c := range s.clusters["marks"] {
		total += c.Count
	}
	assert.Equal(t, 1, total)
}

func TestReconcile_LargeSetStaysIdempotent(t *testing.T) {
	s := newRecordingSurface()
	r := New(s, Options{})
	ids := make([]string, 2000)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%04d", i)
	}
	r.Reconcile("scims", feats(ids...), nil, nameLabel)
	st := r.Reconcile("scims", feats(ids...), nil, nameLabel)
	assert.Equal(t, 2000, st.Unchanged)
	assert.False(t, st.Changed())
}
