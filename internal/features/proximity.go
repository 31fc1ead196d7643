package features

import (
	"math"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

const (
	treeDimensions  = 2
	treeMinChildren = 25
	treeMaxChildren = 50
	pointExtent     = 1e-9
)

type anchorItem struct {
	p    orb.Point
	rect *rtreego.Rect
}

func (a *anchorItem) Bounds() *rtreego.Rect { return a.rect }

// FilterNearAnchors keeps the candidates that lie within radiusM metres of at
// least one anchor. With no anchors nothing survives.
func FilterNearAnchors(candidates []Feature, anchors []orb.Point, radiusM float64) []Feature {
	if len(candidates) == 0 || len(anchors) == 0 || radiusM <= 0 {
		return nil
	}

	tree := rtreego.NewTree(treeDimensions, treeMinChildren, treeMaxChildren)
	for _, p := range anchors {
		rect, err := rtreego.NewRect(rtreego.Point{p.Lon(), p.Lat()}, []float64{pointExtent, pointExtent})
		if err != nil {
			continue
		}
		tree.Insert(&anchorItem{p: p, rect: rect})
	}

	out := make([]Feature, 0, len(candidates))
	for _, c := range candidates {
		search, err := searchRect(c.Point, radiusM)
		if err != nil {
			continue
		}
		for _, hit := range tree.SearchIntersect(search) {
			a, ok := hit.(*anchorItem)
			if !ok {
				continue
			}
			if geo.DistanceHaversine(c.Point, a.p) <= radiusM {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// searchRect is a lon/lat box that contains every point within radiusM of p.
func searchRect(p orb.Point, radiusM float64) (*rtreego.Rect, error) {
	dLat := radiusM / orb.EarthRadius * 180 / math.Pi
	cos := math.Cos(p.Lat() * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := dLat / cos
	return rtreego.NewRect(
		rtreego.Point{p.Lon() - dLon, p.Lat() - dLat},
		[]float64{2 * dLon, 2 * dLat},
	)
}
