package features

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
)

const maxResponseBytes = 64 << 20

// HTTPSource queries ArcGIS-style feature services that can answer in GeoJSON.
type HTTPSource struct {
	client *http.Client
}

func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client}
}

// QueryValues encodes a request as feature service query parameters. Bounds
// are sent and returned in WGS84 so no further transform is needed.
func QueryValues(req Request) url.Values {
	b := req.Bounds
	v := url.Values{}
	v.Set("where", req.Where)
	v.Set("geometry", strings.Join([]string{
		formatCoord(b.Min.Lon()),
		formatCoord(b.Min.Lat()),
		formatCoord(b.Max.Lon()),
		formatCoord(b.Max.Lat()),
	}, ","))
	v.Set("geometryType", "esriGeometryEnvelope")
	v.Set("spatialRel", "esriSpatialRelIntersects")
	v.Set("inSR", "4326")
	v.Set("outSR", "4326")
	v.Set("outFields", "*")
	v.Set("returnGeometry", "true")
	v.Set("f", "geojson")
	if req.Limit > 0 {
		v.Set("resultRecordCount", strconv.Itoa(req.Limit))
	}
	return v
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', 7, 64)
}

type serviceError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *HTTPSource) Query(ctx context.Context, req Request) ([]Feature, error) {
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, errors.New("layer has no endpoint")
	}
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range QueryValues(req) {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("query feature service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read feature response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feature service returned %d", resp.StatusCode)
	}

	// Feature services report query errors with a 200 and an error object.
	if bytes.Contains(body, []byte(`"error"`)) {
		var se serviceError
		if json.Unmarshal(body, &se) == nil && se.Error != nil {
			return nil, fmt.Errorf("feature service error %d: %s", se.Error.Code, se.Error.Message)
		}
	}

	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	return Decode(fc), nil
}
