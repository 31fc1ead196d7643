package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_AppliesTuningValues(t *testing.T) {
	c := Default()
	if c.Viewport.Debounce != 600*time.Millisecond {
		t.Fatalf("expected 600ms debounce, got %s", c.Viewport.Debounce)
	}
	if c.Fetch.ReferenceRadiusM != 20 {
		t.Fatalf("expected 20m reference radius, got %v", c.Fetch.ReferenceRadiusM)
	}
	if c.Fetch.BoundaryMinInterval <= c.Fetch.PointMinInterval {
		t.Fatalf("boundary interval must exceed point interval")
	}
	if c.Refresh.Interval != 30*time.Minute {
		t.Fatalf("expected 30m refresh, got %s", c.Refresh.Interval)
	}
}

func TestLoad_ParsesYAMLAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldmap.yaml")
	body := `
fetch:
  point_cap: 10
  point_min_interval: 250ms
layers:
  - id: marks
    kind: survey-mark-primary
    endpoint: http://example.invalid/query
    visible: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Fetch.PointCap != 10 {
		t.Fatalf("expected cap 10, got %d", c.Fetch.PointCap)
	}
	if c.Fetch.PointMinInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", c.Fetch.PointMinInterval)
	}
	if c.Fetch.BoundaryCap != 500 {
		t.Fatalf("expected default boundary cap, got %d", c.Fetch.BoundaryCap)
	}
	if len(c.Layers) != 1 || c.Layers[0].ID != "marks" {
		t.Fatalf("unexpected layers: %+v", c.Layers)
	}
}

func TestLoad_RejectsDuplicateLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dup.yaml")
	body := "layers:\n  - id: a\n  - id: a\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate layer error")
	}
}
