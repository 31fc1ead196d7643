package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the tuning and wiring surface of the map core. Every threshold is a
// product/ops value; defaults are applied by Load for anything left unset.
type Config struct {
	Viewport Viewport `yaml:"viewport"`
	Fetch    Fetch    `yaml:"fetch"`
	Render   Render   `yaml:"render"`
	Refresh  Refresh  `yaml:"refresh"`
	Jobs     Jobs     `yaml:"jobs"`
	Notes    Notes    `yaml:"notes"`
	Measure  Measure  `yaml:"measure"`
	Storage  Storage  `yaml:"storage"`
	Layers   []Layer  `yaml:"layers"`
}

type Viewport struct {
	Debounce         time.Duration `yaml:"debounce"`
	DefaultBaseLayer string        `yaml:"default_base_layer"`
}

type Fetch struct {
	PointMinInterval    time.Duration `yaml:"point_min_interval"`
	BoundaryMinInterval time.Duration `yaml:"boundary_min_interval"`
	PointCap            int           `yaml:"point_cap"`
	BoundaryCap         int           `yaml:"boundary_cap"`
	PointMinZoom        float64       `yaml:"point_min_zoom"`
	BoundaryMinZoom     float64       `yaml:"boundary_min_zoom"`
	ReferenceRadiusM    float64       `yaml:"reference_radius_m"`
	Timeout             time.Duration `yaml:"timeout"`
}

type Render struct {
	LabelMinZoom      float64 `yaml:"label_min_zoom"`
	ClusterCellPixels float64 `yaml:"cluster_cell_pixels"`
}

type Refresh struct {
	Interval time.Duration `yaml:"interval"`
}

type Jobs struct {
	PageSize int `yaml:"page_size"`
	MaxRows  int `yaml:"max_rows"`
}

type Notes struct {
	AuthorID      string `yaml:"author_id"`
	NotifyChannel string `yaml:"notify_channel"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

type Measure struct {
	ForceFallback bool `yaml:"force_fallback"`
}

type Storage struct {
	KVPath string `yaml:"kv_path"`
}

// Layer describes one remote feature source. Kind must be one of the closed
// set understood by the layers package.
type Layer struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Kind        string `yaml:"kind"`
	Endpoint    string `yaml:"endpoint"`
	Filter      string `yaml:"filter"`
	Visible     bool   `yaml:"visible"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads a YAML file from path. An empty path yields Default().
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations that would make the core misbehave.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Layers))
	for _, l := range c.Layers {
		id := strings.TrimSpace(l.ID)
		if id == "" {
			return errors.New("layer id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate layer id %q", id)
		}
		seen[id] = struct{}{}
	}
	if c.Fetch.PointCap <= 0 || c.Fetch.BoundaryCap <= 0 {
		return errors.New("density caps must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Viewport.Debounce <= 0 {
		c.Viewport.Debounce = 600 * time.Millisecond
	}
	if strings.TrimSpace(c.Viewport.DefaultBaseLayer) == "" {
		c.Viewport.DefaultBaseLayer = "streets"
	}

	f := &c.Fetch
	if f.PointMinInterval <= 0 {
		f.PointMinInterval = time.Second
	}
	if f.BoundaryMinInterval <= 0 {
		f.BoundaryMinInterval = 3 * time.Second
	}
	if f.PointCap == 0 {
		f.PointCap = 1500
	}
	if f.BoundaryCap == 0 {
		f.BoundaryCap = 500
	}
	if f.PointMinZoom <= 0 {
		f.PointMinZoom = 14
	}
	if f.BoundaryMinZoom <= 0 {
		f.BoundaryMinZoom = 16
	}
	if f.ReferenceRadiusM <= 0 {
		f.ReferenceRadiusM = 20
	}
	if f.Timeout <= 0 {
		f.Timeout = 15 * time.Second
	}

	if c.Render.LabelMinZoom <= 0 {
		c.Render.LabelMinZoom = 17
	}
	if c.Render.ClusterCellPixels <= 0 {
		c.Render.ClusterCellPixels = 60
	}

	if c.Refresh.Interval <= 0 {
		c.Refresh.Interval = 30 * time.Minute
	}

	if c.Jobs.PageSize <= 0 {
		c.Jobs.PageSize = 1000
	}
	if c.Jobs.MaxRows <= 0 {
		c.Jobs.MaxRows = 5000
	}

	if strings.TrimSpace(c.Notes.NotifyChannel) == "" {
		c.Notes.NotifyChannel = "notes_changed"
	}
	if c.Notes.MaxReconnects <= 0 {
		c.Notes.MaxReconnects = 5
	}
}
