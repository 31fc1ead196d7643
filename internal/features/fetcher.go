package features

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"fieldmap/core-go/internal/config"
	"fieldmap/core-go/internal/layers"
	"fieldmap/core-go/internal/metrics"
)

type Status string

const (
	StatusFresh     Status = "fresh"
	StatusThrottled Status = "throttled"
	StatusZoomGated Status = "zoom_gated"
	StatusTooDense  Status = "too_dense"
	StatusFailed    Status = "failed"
)

// Request is what a Source needs to run one spatial query.
type Request struct {
	Endpoint string
	Bounds   orb.Bound
	Where    string
	Limit    int
}

// Source runs a bounded spatial query against a remote feature service.
type Source interface {
	Query(ctx context.Context, req Request) ([]Feature, error)
}

// Result is the outcome of one Fetch. Features are already liveness filtered.
type Result struct {
	LayerID  string
	Revision uint64
	Bounds   orb.Bound
	Status   Status
	Features []Feature
	Notice   string
	// RetryAfter is set on throttled results: the time left until the layer
	// may be fetched again.
	RetryAfter time.Duration
	Err        error
}

// ClearsMarkers reports whether the caller must empty the layer.
func (r Result) ClearsMarkers() bool {
	switch r.Status {
	case StatusZoomGated, StatusTooDense, StatusFailed:
		return true
	}
	return false
}

type Options struct {
	PointMinInterval    time.Duration
	BoundaryMinInterval time.Duration
	PointCap            int
	BoundaryCap         int
	PointMinZoom        float64
	BoundaryMinZoom     float64
	Timeout             time.Duration
	Metrics             *metrics.Metrics
	Now                 func() time.Time
}

func OptionsFromConfig(c config.Fetch) Options {
	return Options{
		PointMinInterval:    c.PointMinInterval,
		BoundaryMinInterval: c.BoundaryMinInterval,
		PointCap:            c.PointCap,
		BoundaryCap:         c.BoundaryCap,
		PointMinZoom:        c.PointMinZoom,
		BoundaryMinZoom:     c.BoundaryMinZoom,
		Timeout:             c.Timeout,
	}
}

type layerState struct {
	lastSuccess time.Time
	last        Result
}

// Fetcher applies zoom gating, per-layer throttling and density caps around
// a Source.
type Fetcher struct {
	log     zerolog.Logger
	src     Source
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	state map[string]*layerState
}

func NewFetcher(log zerolog.Logger, src Source, opts Options) *Fetcher {
	d := config.Default().Fetch
	if opts.PointMinInterval <= 0 {
		opts.PointMinInterval = d.PointMinInterval
	}
	if opts.BoundaryMinInterval <= 0 {
		opts.BoundaryMinInterval = d.BoundaryMinInterval
	}
	if opts.PointCap <= 0 {
		opts.PointCap = d.PointCap
	}
	if opts.BoundaryCap <= 0 {
		opts.BoundaryCap = d.BoundaryCap
	}
	if opts.PointMinZoom <= 0 {
		opts.PointMinZoom = d.PointMinZoom
	}
	if opts.BoundaryMinZoom <= 0 {
		opts.BoundaryMinZoom = d.BoundaryMinZoom
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		log:     log,
		src:     src,
		opts:    opts,
		metrics: opts.Metrics,
		now:     now,
		state:   make(map[string]*layerState),
	}
}

func (f *Fetcher) policy(kind layers.Kind) (interval time.Duration, limit int, minZoom float64) {
	if kind.IsBoundary() {
		return f.opts.BoundaryMinInterval, f.opts.BoundaryCap, f.opts.BoundaryMinZoom
	}
	return f.opts.PointMinInterval, f.opts.PointCap, f.opts.PointMinZoom
}

// Fetch queries one layer for bounds. An empty filter uses the layer's
// configured one. It never returns an error directly: failures are reported
// through Result.Status and Result.Err.
func (f *Fetcher) Fetch(ctx context.Context, layer layers.Descriptor, bounds orb.Bound, zoom float64, filter string, revision uint64) Result {
	interval, limit, minZoom := f.policy(layer.Kind)
	base := Result{LayerID: layer.ID, Revision: revision, Bounds: bounds}

	if zoom < minZoom {
		base.Status = StatusZoomGated
		base.Notice = fmt.Sprintf("Zoom in to show %s", layer.DisplayName)
		f.metrics.ObserveFetch(layer.ID, string(base.Status), 0)
		return base
	}

	now := f.now()
	f.mu.Lock()
	st := f.state[layer.ID]
	if st != nil && !st.lastSuccess.IsZero() {
		if elapsed := now.Sub(st.lastSuccess); elapsed < interval {
			prev := st.last
			f.mu.Unlock()
			base.Status = StatusThrottled
			base.Features = prev.Features
			base.Notice = prev.Notice
			base.RetryAfter = interval - elapsed
			f.metrics.ObserveFetch(layer.ID, string(base.Status), 0)
			return base
		}
	}
	f.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	where := strings.TrimSpace(filter)
	if where == "" {
		where = strings.TrimSpace(layer.Filter)
	}
	if where == "" {
		where = "1=1"
	}
	start := f.now()
	raw, err := f.src.Query(qctx, Request{
		Endpoint: layer.SourceEndpoint,
		Bounds:   bounds,
		Where:    where,
		Limit:    limit + 1,
	})
	took := f.now().Sub(start)

	if err != nil {
		f.log.Warn().Err(err).Str("layer", layer.ID).Uint64("revision", revision).Msg("feature fetch failed")
		base.Status = StatusFailed
		base.Err = err
		base.Notice = fmt.Sprintf("%s could not be loaded", layer.DisplayName)
		f.metrics.ObserveFetch(layer.ID, string(base.Status), took)
		return base
	}

	if len(raw) > limit {
		base.Status = StatusTooDense
		base.Notice = fmt.Sprintf("Too many %s here, zoom in further", layer.DisplayName)
	} else {
		base.Status = StatusFresh
		base.Features = FilterLive(raw)
	}

	f.mu.Lock()
	if st == nil {
		st = &layerState{}
		f.state[layer.ID] = st
	}
	st.lastSuccess = now
	st.last = base
	f.mu.Unlock()

	f.log.Debug().
		Str("layer", layer.ID).
		Uint64("revision", revision).
		Int("returned", len(raw)).
		Int("live", len(base.Features)).
		Str("status", string(base.Status)).
		Msg("feature fetch complete")
	f.metrics.ObserveFetch(layer.ID, string(base.Status), took)
	return base
}

// Forget drops the throttle state of a layer so the next Fetch goes to the
// network.
func (f *Fetcher) Forget(layerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, layerID)
}
