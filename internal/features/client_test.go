package features

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCollection = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": 101, "geometry": {"type": "Point", "coordinates": [151.05, -33.95]},
     "properties": {"MARKNUMBER": "SS101", "STATUS": "Good"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [151.06, -33.96]},
     "properties": {"OBJECTID": 202, "STATUS": "Destroyed"}}
  ]
}`

func TestHTTPSource_EncodesEnvelopeQuery(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(sampleCollection))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.Client())
	fs, err := src.Query(context.Background(), Request{
		Endpoint: srv.URL + "/MapServer/0/query?token=abc",
		Bounds:   orb.Bound{Min: orb.Point{151.0, -34.0}, Max: orb.Point{151.1, -33.9}},
		Where:    "1=1",
		Limit:    1501,
	})
	require.NoError(t, err)
	require.NotNil(t, got)

	q := got.URL.Query()
	assert.Equal(t, "/MapServer/0/query", got.URL.Path)
	assert.Equal(t, "abc", q.Get("token"))
	assert.Equal(t, "151.0000000,-34.0000000,151.1000000,-33.9000000", q.Get("geometry"))
	assert.Equal(t, "esriGeometryEnvelope", q.Get("geometryType"))
	assert.Equal(t, "esriSpatialRelIntersects", q.Get("spatialRel"))
	assert.Equal(t, "4326", q.Get("inSR"))
	assert.Equal(t, "4326", q.Get("outSR"))
	assert.Equal(t, "geojson", q.Get("f"))
	assert.Equal(t, "1501", q.Get("resultRecordCount"))

	// The source decodes; liveness is the fetcher's job.
	require.Len(t, fs, 2)
	assert.Equal(t, "101", fs[0].StableID)
	assert.Equal(t, "202", fs[1].StableID)
	assert.Equal(t, orb.Point{151.05, -33.95}, fs[0].Point)
}

func TestHTTPSource_ServiceErrorObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Invalid query"}}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.Client()).Query(context.Background(), Request{Endpoint: srv.URL, Where: "1=1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid query")
}

func TestHTTPSource_BadStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.Client())
	_, err := src.Query(context.Background(), Request{Endpoint: srv.URL + "/down"})
	assert.ErrorContains(t, err, "502")

	_, err = src.Query(context.Background(), Request{Endpoint: srv.URL + "/html"})
	assert.ErrorContains(t, err, "decode geojson")

	_, err = src.Query(context.Background(), Request{})
	assert.Error(t, err)
}
