// Package cluster buckets markers into screen-space grid cells for a given
// zoom. It has no diff API: callers Clear and re-Add the full marker set.
package cluster

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	tileSize       = 256
	mercatorExtent = 20037508.342789244
)

type Item struct {
	ID    string
	Point orb.Point
}

// Cluster is one occupied grid cell. Count==1 cells are single markers.
type Cluster struct {
	Key    string    `json:"key"`
	Center orb.Point `json:"center"`
	Count  int       `json:"count"`
	IDs    []string  `json:"ids"`
}

type Aggregator struct {
	cellPixels float64

	mu    sync.Mutex
	zoom  float64
	items []Item
}

func New(cellPixels float64) *Aggregator {
	if cellPixels <= 0 {
		cellPixels = 60
	}
	return &Aggregator{cellPixels: cellPixels}
}

func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = a.items[:0]
}

func (a *Aggregator) Add(items ...Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, items...)
}

func (a *Aggregator) SetZoom(z float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.zoom = z
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Clusters buckets the current items at the current zoom. Output is sorted
// by key.
func (a *Aggregator) Clusters() []Cluster {
	a.mu.Lock()
	defer a.mu.Unlock()

	world := tileSize * math.Pow(2, a.zoom)
	type acc struct {
		sumLon, sumLat float64
		ids            []string
	}
	cells := make(map[string]*acc)
	for _, it := range a.items {
		m := project.WGS84.ToMercator(it.Point)
		px := (m.X() + mercatorExtent) / (2 * mercatorExtent) * world
		py := (mercatorExtent - m.Y()) / (2 * mercatorExtent) * world
		key := fmt.Sprintf("%d:%d", int64(math.Floor(px/a.cellPixels)), int64(math.Floor(py/a.cellPixels)))
		c, ok := cells[key]
		if !ok {
			c = &acc{}
			cells[key] = c
		}
		c.sumLon += it.Point.Lon()
		c.sumLat += it.Point.Lat()
		c.ids = append(c.ids, it.ID)
	}

	out := make([]Cluster, 0, len(cells))
	for key, c := range cells {
		n := float64(len(c.ids))
		sort.Strings(c.ids)
		out = append(out, Cluster{
			Key:    key,
			Center: orb.Point{c.sumLon / n, c.sumLat / n},
			Count:  len(c.ids),
			IDs:    c.ids,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
