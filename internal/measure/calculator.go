package measure

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Calculator measures lengths and areas on the earth's surface in metres.
type Calculator interface {
	Distance(a, b orb.Point) float64
	Area(ring orb.Ring) float64
	Name() string
}

// Primary uses the orb geometry library.
func Primary() Calculator { return orbCalculator{} }

// Fallback is used when the geometry library cannot serve a request. It
// shares orb's earth radius so both agree to well under a decimetre for
// paths of a few kilometres.
func Fallback() Calculator { return sphericalCalculator{} }

type orbCalculator struct{}

func (orbCalculator) Name() string { return "orb" }

func (orbCalculator) Distance(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b)
}

func (orbCalculator) Area(ring orb.Ring) float64 {
	if len(ring) < 3 {
		return 0
	}
	return math.Abs(geo.Area(orb.Polygon{closeRing(ring)}))
}

type sphericalCalculator struct{}

func (sphericalCalculator) Name() string { return "fallback" }

// Distance is the haversine great-circle distance.
func (sphericalCalculator) Distance(a, b orb.Point) float64 {
	lat1 := radians(a.Lat())
	lat2 := radians(b.Lat())
	dLat := lat2 - lat1
	dLon := radians(b.Lon() - a.Lon())

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * orb.EarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Area projects the ring onto an equirectangular plane centred on the ring's
// mean latitude and applies the shoelace formula.
func (sphericalCalculator) Area(ring orb.Ring) float64 {
	if len(ring) < 3 {
		return 0
	}

	var sumLat float64
	for _, p := range ring {
		sumLat += p.Lat()
	}
	cosMean := math.Cos(radians(sumLat / float64(len(ring))))
	origin := ring[0]

	xy := func(p orb.Point) (float64, float64) {
		x := orb.EarthRadius * radians(p.Lon()-origin.Lon()) * cosMean
		y := orb.EarthRadius * radians(p.Lat()-origin.Lat())
		return x, y
	}

	var twice float64
	for i := range ring {
		x1, y1 := xy(ring[i])
		x2, y2 := xy(ring[(i+1)%len(ring)])
		twice += x1*y2 - x2*y1
	}
	return math.Abs(twice) / 2
}

func closeRing(r orb.Ring) orb.Ring {
	if len(r) == 0 || r[0] == r[len(r)-1] {
		return r
	}
	out := make(orb.Ring, 0, len(r)+1)
	out = append(out, r...)
	return append(out, r[0])
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
