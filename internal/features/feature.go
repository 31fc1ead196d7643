// Package features fetches, decodes and post-filters remote geospatial
// feature layers.
package features

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature is one decoded record. It is rebuilt on every fetch.
type Feature struct {
	StableID   string         `json:"id"`
	Geometry   orb.Geometry   `json:"-"`
	Point      orb.Point      `json:"point"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// idAliases is the priority order of attribute names that carry a server
// identifier when the GeoJSON feature id is absent.
var idAliases = []string{"objectid", "fid", "id", "globalid", "marknumber", "cadid"}

// StableID derives the identity used by the marker index.
func StableID(serverID any, attrs map[string]any, p orb.Point) string {
	if s, ok := scalarString(serverID); ok {
		return s
	}
	if len(attrs) > 0 {
		lower := make(map[string]any, len(attrs))
		for k, v := range attrs {
			lk := strings.ToLower(k)
			if _, dup := lower[lk]; !dup {
				lower[lk] = v
			}
		}
		for _, alias := range idAliases {
			if s, ok := scalarString(lower[alias]); ok {
				return s
			}
		}
	}
	return fmt.Sprintf("%.6f,%.6f", p.Lat(), p.Lon())
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return "", false
	default:
		s := strings.TrimSpace(fmt.Sprint(t))
		return s, s != ""
	}
}

// RepresentativePoint returns the point used for markers and proximity checks.
func RepresentativePoint(g orb.Geometry) (orb.Point, bool) {
	switch t := g.(type) {
	case nil:
		return orb.Point{}, false
	case orb.Point:
		return t, true
	case orb.MultiPoint:
		if len(t) == 0 {
			return orb.Point{}, false
		}
		return t[0], true
	default:
		b := g.Bound()
		if b.IsEmpty() {
			return orb.Point{}, false
		}
		return b.Center(), true
	}
}

// Decode converts a GeoJSON collection into features. Records without a
// usable geometry are dropped.
func Decode(fc *geojson.FeatureCollection) []Feature {
	if fc == nil {
		return nil
	}
	out := make([]Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		p, ok := RepresentativePoint(f.Geometry)
		if !ok || !finitePoint(p) {
			continue
		}
		attrs := map[string]any(f.Properties)
		out = append(out, Feature{
			StableID:   StableID(f.ID, attrs, p),
			Geometry:   f.Geometry,
			Point:      p,
			Attributes: attrs,
		})
	}
	return out
}

// Points returns the representative points of fs.
func Points(fs []Feature) []orb.Point {
	out := make([]orb.Point, len(fs))
	for i, f := range fs {
		out[i] = f.Point
	}
	return out
}

func finitePoint(p orb.Point) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
