// Package reconcile keeps an identity-keyed marker index per layer in sync
// with the latest result set, emitting only the add, update and remove
// operations needed to get there.
package reconcile

import (
	"sort"
	"sync"

	"github.com/paulmach/orb"

	"fieldmap/core-go/internal/cluster"
	"fieldmap/core-go/internal/features"
	"fieldmap/core-go/internal/metrics"
)

type Shape string

const (
	ShapePoint   Shape = "point"
	ShapeOverlay Shape = "overlay"
)

type Style struct {
	Icon   string  `json:"icon,omitempty"`
	Fill   string  `json:"fill,omitempty"`
	Stroke string  `json:"stroke,omitempty"`
	Radius float64 `json:"radius,omitempty"`
}

// Marker is one rendered point marker or polyline/polygon overlay.
type Marker struct {
	StableID     string       `json:"id"`
	LayerID      string       `json:"layer"`
	Shape        Shape        `json:"shape"`
	Position     orb.Point    `json:"position"`
	Geometry     orb.Geometry `json:"-"`
	Style        Style        `json:"style"`
	Label        string       `json:"label,omitempty"`
	Title        string       `json:"title,omitempty"`
	LabelVisible bool         `json:"label_visible"`
}

func (m Marker) same(o Marker) bool {
	if m.Shape != o.Shape || m.Position != o.Position || m.Style != o.Style ||
		m.Label != o.Label || m.Title != o.Title || m.LabelVisible != o.LabelVisible {
		return false
	}
	if m.Geometry == nil || o.Geometry == nil {
		return m.Geometry == nil && o.Geometry == nil
	}
	return orb.Equal(m.Geometry, o.Geometry)
}

// Surface is the rendering side of the map widget.
type Surface interface {
	AddMarker(m Marker)
	UpdateMarker(m Marker)
	RemoveMarker(layerID, stableID string)
	SetClusters(family string, clusters []cluster.Cluster)
}

type StyleFunc func(f features.Feature) Style

// LabelFunc returns the marker label and its hover title.
type LabelFunc func(f features.Feature) (label, title string)

type Stats struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

func (s Stats) Changed() bool { return s.Added+s.Updated+s.Removed > 0 }

type Options struct {
	LabelMinZoom      float64
	ClusterCellPixels float64
	// Families maps layer id to clustering family. Layers without a family
	// are not clustered.
	Families map[string]string
	Metrics  *metrics.Metrics
}

type Reconciler struct {
	surface  Surface
	labelMin float64
	families map[string]string
	metrics  *metrics.Metrics

	mu          sync.Mutex
	zoom        float64
	index       map[string]map[string]*Marker
	aggregators map[string]*cluster.Aggregator
}

func New(surface Surface, opts Options) *Reconciler {
	if opts.LabelMinZoom <= 0 {
		opts.LabelMinZoom = 17
	}
	r := &Reconciler{
		surface:     surface,
		labelMin:    opts.LabelMinZoom,
		families:    make(map[string]string, len(opts.Families)),
		metrics:     opts.Metrics,
		index:       make(map[string]map[string]*Marker),
		aggregators: make(map[string]*cluster.Aggregator),
	}
	for layer, family := range opts.Families {
		r.families[layer] = family
		if _, ok := r.aggregators[family]; !ok {
			r.aggregators[family] = cluster.New(opts.ClusterCellPixels)
		}
	}
	return r
}

// Reconcile turns features into markers with styleFn and labelFn and applies
// them to layerID.
func (r *Reconciler) Reconcile(layerID string, fs []features.Feature, styleFn StyleFunc, labelFn LabelFunc) Stats {
	desired := make([]Marker, 0, len(fs))
	for _, f := range fs {
		m := Marker{
			StableID: f.StableID,
			Shape:    ShapePoint,
			Position: f.Point,
		}
		if _, isPoint := f.Geometry.(orb.Point); f.Geometry != nil && !isPoint {
			m.Shape = ShapeOverlay
			m.Geometry = f.Geometry
		}
		if styleFn != nil {
			m.Style = styleFn(f)
		}
		if labelFn != nil {
			m.Label, m.Title = labelFn(f)
		}
		desired = append(desired, m)
	}
	return r.Apply(layerID, desired)
}

// Apply is the generic add/update/remove contract. Markers already in the
// index are updated in place and only when something changed; entries not
// present in desired are removed.
func (r *Reconciler) Apply(layerID string, desired []Marker) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.index[layerID]
	if idx == nil {
		idx = make(map[string]*Marker, len(desired))
		r.index[layerID] = idx
	}

	var st Stats
	touched := make(map[string]struct{}, len(desired))
	for _, m := range desired {
		if m.StableID == "" {
			continue
		}
		if _, dup := touched[m.StableID]; dup {
			continue
		}
		touched[m.StableID] = struct{}{}
		m.LayerID = layerID
		m.LabelVisible = m.Label != "" && r.zoom >= r.labelMin
		if m.Shape == "" {
			m.Shape = ShapePoint
		}

		if cur, ok := idx[m.StableID]; ok {
			if cur.same(m) {
				st.Unchanged++
				continue
			}
			*cur = m
			r.surface.UpdateMarker(m)
			st.Updated++
			continue
		}
		nm := m
		idx[m.StableID] = &nm
		r.surface.AddMarker(nm)
		st.Added++
	}

	for id := range idx {
		if _, ok := touched[id]; ok {
			continue
		}
		delete(idx, id)
		r.surface.RemoveMarker(layerID, id)
		st.Removed++
	}

	r.metrics.AddMarkerOps(layerID, st.Added, st.Updated, st.Removed)
	if st.Changed() {
		r.reclusterLocked(r.families[layerID])
	}
	return st
}

// Clear removes every marker of layerID.
func (r *Reconciler) Clear(layerID string) Stats {
	return r.Apply(layerID, nil)
}

// SetZoom re-evaluates label visibility and re-clusters every family.
func (r *Reconciler) SetZoom(z float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.zoom = z
	changed := 0
	for _, idx := range r.index {
		for _, m := range idx {
			want := m.Label != "" && z >= r.labelMin
			if m.LabelVisible == want {
				continue
			}
			m.LabelVisible = want
			r.surface.UpdateMarker(*m)
			changed++
		}
	}
	for family := range r.aggregators {
		r.reclusterLocked(family)
	}
	return changed
}

// Markers returns the live markers of layerID sorted by id.
func (r *Reconciler) Markers(layerID string) []Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.index[layerID]
	out := make([]Marker, 0, len(idx))
	for _, m := range idx {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StableID < out[j].StableID })
	return out
}

// Snapshot returns every live marker across layers, for late-joining
// surfaces.
func (r *Reconciler) Snapshot() []Marker {
	r.mu.Lock()
	layers := make([]string, 0, len(r.index))
	for id := range r.index {
		layers = append(layers, id)
	}
	r.mu.Unlock()
	sort.Strings(layers)

	var out []Marker
	for _, id := range layers {
		out = append(out, r.Markers(id)...)
	}
	return out
}

// Clusters returns the current clusters of a family.
func (r *Reconciler) Clusters(family string) []cluster.Cluster {
	r.mu.Lock()
	agg := r.aggregators[family]
	r.mu.Unlock()
	if agg == nil {
		return nil
	}
	return agg.Clusters()
}

// reclusterLocked rebuilds a family's aggregator from the flattened markers
// of all of its layers.
func (r *Reconciler) reclusterLocked(family string) {
	agg := r.aggregators[family]
	if family == "" || agg == nil {
		return
	}
	agg.Clear()
	agg.SetZoom(r.zoom)
	for layer, fam := range r.families {
		if fam != family {
			continue
		}
		for _, m := range r.index[layer] {
			agg.Add(cluster.Item{ID: layer + "/" + m.StableID, Point: m.Position})
		}
	}
	r.surface.SetClusters(family, agg.Clusters())
}
