// Package projection converts between projected survey grid coordinates
// (GDA2020 MGA zones) and geographic latitude/longitude.
//
// The transverse Mercator maths uses the Krüger series to sixth order in the
// third flattening, which round-trips to well under a millimetre inside a zone.
package projection

import (
	"math"
	"strings"

	"github.com/paulmach/orb"
)

const (
	grs80A = 6378137.0
	grs80F = 1 / 298.257222101

	scaleFactor   = 0.9996
	falseEasting  = 500000.0
	falseNorthing = 10000000.0

	// Outside these limits a coordinate cannot belong to an MGA zone.
	minEasting  = 100000.0
	maxEasting  = 900000.0
	minNorthing = 1000000.0
	maxNorthing = 10000000.0
)

// Zone is a fixed transverse Mercator definition.
type Zone struct {
	ID              string
	CentralMeridian float64
}

var zones = map[string]Zone{
	"55": {ID: "55", CentralMeridian: 147},
	"56": {ID: "56", CentralMeridian: 153},
}

// LookupZone normalises identifiers such as "56", "MGA56", "mga 56" or
// "GDA2020 / MGA zone 56" and returns the matching definition.
func LookupZone(id string) (Zone, bool) {
	s := strings.ToUpper(strings.TrimSpace(id))
	s = strings.TrimSpace(strings.TrimPrefix(s, "GDA2020"))
	s = strings.TrimSpace(strings.TrimPrefix(s, "/"))
	s = strings.TrimPrefix(s, "MGA")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "ZONE")
	s = strings.TrimSpace(s)
	z, ok := zones[s]
	return z, ok
}

// Zones lists the supported zone identifiers.
func Zones() []string {
	return []string{"55", "56"}
}

type series struct {
	n     float64
	e     float64
	a     float64 // rectifying radius A
	alpha [6]float64
	beta  [6]float64
}

var grs80 = newSeries(grs80A, grs80F)

func newSeries(a, f float64) series {
	n := f / (2 - f)
	n2 := n * n
	n3 := n2 * n
	n4 := n3 * n
	n5 := n4 * n
	n6 := n5 * n

	s := series{
		n: n,
		e: math.Sqrt(f * (2 - f)),
		a: a / (1 + n) * (1 + n2/4 + n4/64 + n6/256),
	}
	s.alpha = [6]float64{
		n/2 - 2*n2/3 + 5*n3/16 + 41*n4/180 - 127*n5/288 + 7891*n6/37800,
		13*n2/48 - 3*n3/5 + 557*n4/1440 + 281*n5/630 - 1983433*n6/1935360,
		61*n3/240 - 103*n4/140 + 15061*n5/26880 + 167603*n6/181440,
		49561*n4/161280 - 179*n5/168 + 6601661*n6/7257600,
		34729*n5/80640 - 3418889*n6/1995840,
		212378941 * n6 / 319334400,
	}
	s.beta = [6]float64{
		n/2 - 2*n2/3 + 37*n3/96 - n4/360 - 81*n5/512 + 96199*n6/604800,
		n2/48 + n3/15 - 437*n4/1440 + 46*n5/105 - 1118711*n6/3870720,
		17*n3/480 - 37*n4/840 - 209*n5/4480 + 5569*n6/90720,
		4397*n4/161280 - 11*n5/504 - 830251*n6/7257600,
		4583*n5/161280 - 108847*n6/3991680,
		20648693 * n6 / 638668800,
	}
	return s
}

// ToGeographic converts a zone/easting/northing triple into a geographic
// point (lon, lat). ok is false for an unknown zone, non-finite input or a
// coordinate outside the zone's valid range; callers must skip the point.
func ToGeographic(zoneID string, easting, northing float64) (orb.Point, bool) {
	z, ok := LookupZone(zoneID)
	if !ok {
		return orb.Point{}, false
	}
	if !finite(easting) || !finite(northing) {
		return orb.Point{}, false
	}
	if easting < minEasting || easting > maxEasting || northing < minNorthing || northing > maxNorthing {
		return orb.Point{}, false
	}

	s := grs80
	eta := (easting - falseEasting) / (scaleFactor * s.a)
	xi := (northing - falseNorthing) / (scaleFactor * s.a)

	xiP, etaP := xi, eta
	for j := 1; j <= 6; j++ {
		b := s.beta[j-1]
		fj := 2 * float64(j)
		xiP -= b * math.Sin(fj*xi) * math.Cosh(fj*eta)
		etaP -= b * math.Cos(fj*xi) * math.Sinh(fj*eta)
	}

	sinhEtaP := math.Sinh(etaP)
	cosXiP := math.Cos(xiP)
	tauP := math.Sin(xiP) / math.Sqrt(sinhEtaP*sinhEtaP+cosXiP*cosXiP)
	lambda := math.Atan2(sinhEtaP, cosXiP)

	tau := conformalToGeodetic(tauP, s.e)
	lat := math.Atan(tau) * 180 / math.Pi
	lon := z.CentralMeridian + lambda*180/math.Pi

	if !finite(lat) || !finite(lon) {
		return orb.Point{}, false
	}
	return orb.Point{lon, lat}, true
}

// ToProjected is the inverse of ToGeographic.
func ToProjected(zoneID string, p orb.Point) (easting, northing float64, ok bool) {
	z, ok := LookupZone(zoneID)
	if !ok {
		return 0, 0, false
	}
	lon, lat := p.Lon(), p.Lat()
	if !finite(lon) || !finite(lat) || lat <= -90 || lat >= 90 {
		return 0, 0, false
	}

	s := grs80
	phi := lat * math.Pi / 180
	lambda := (lon - z.CentralMeridian) * math.Pi / 180

	tauP := geodeticToConformal(math.Tan(phi), s.e)
	xiP := math.Atan2(tauP, math.Cos(lambda))
	etaP := math.Asinh(math.Sin(lambda) / math.Sqrt(tauP*tauP+math.Cos(lambda)*math.Cos(lambda)))

	xi, eta := xiP, etaP
	for j := 1; j <= 6; j++ {
		a := s.alpha[j-1]
		fj := 2 * float64(j)
		xi += a * math.Sin(fj*xiP) * math.Cosh(fj*etaP)
		eta += a * math.Cos(fj*xiP) * math.Sinh(fj*etaP)
	}

	easting = falseEasting + scaleFactor*s.a*eta
	northing = falseNorthing + scaleFactor*s.a*xi
	if !finite(easting) || !finite(northing) {
		return 0, 0, false
	}
	return easting, northing, true
}

// geodeticToConformal maps tan(phi) to the tangent of the conformal latitude.
func geodeticToConformal(tau, e float64) float64 {
	tau1 := math.Hypot(1, tau)
	sigma := math.Sinh(e * math.Atanh(e*tau/tau1))
	return tau*math.Hypot(1, sigma) - sigma*tau1
}

// conformalToGeodetic inverts geodeticToConformal by Newton iteration.
func conformalToGeodetic(tauP, e float64) float64 {
	e2 := e * e
	tau := tauP
	for i := 0; i < 8; i++ {
		tauI := geodeticToConformal(tau, e)
		dTau := (tauP - tauI) / math.Hypot(1, tauI) *
			(1 + (1-e2)*tau*tau) / ((1 - e2) * math.Hypot(1, tau))
		tau += dTau
		if math.Abs(dTau) < 1e-14 {
			break
		}
	}
	return tau
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
