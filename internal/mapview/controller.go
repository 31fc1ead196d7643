// Package mapview drives the map: every published view fans out to the
// visible feature layers, and the results, jobs, notes and the measurement
// overlay are reconciled onto the rendering surface.
package mapview

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fieldmap/core-go/internal/features"
	"fieldmap/core-go/internal/jobs"
	"fieldmap/core-go/internal/layers"
	"fieldmap/core-go/internal/measure"
	"fieldmap/core-go/internal/metrics"
	"fieldmap/core-go/internal/notes"
	"fieldmap/core-go/internal/reconcile"
	"fieldmap/core-go/internal/refreshworker"
	"fieldmap/core-go/internal/viewport"
)

// Synthetic layer ids for markers that do not come from a feature service.
const (
	LayerJobs        = "jobs"
	LayerNotes       = "notes"
	LayerMeasurement = "measurement"
)

const maxParallelFetches = 4

var (
	ErrBackgrounded  = errors.New("map is in the background")
	ErrUnknownJob    = errors.New("unknown job")
	ErrNotesDisabled = errors.New("notes are not configured")
)

// Notifier shows or clears (empty text) a per-layer notice.
type Notifier interface {
	Notice(layerID, text string)
}

type Options struct {
	Tracker *viewport.Tracker
	Layers  *layers.Registry
	Fetcher *features.Fetcher
	// Markers receives feature layers, notes and the measurement overlay.
	Markers *reconcile.Reconciler
	// JobMarkers is a separate reconciler for jobs.
	JobMarkers *reconcile.Reconciler
	Jobs       *jobs.Registry
	Notes      *notes.Store
	Measure    *measure.Tool
	Notices    Notifier

	ReferenceRadiusM float64
	RefreshInterval  time.Duration
	Metrics          *metrics.Metrics
}

// LayerStatus is what the layer panel shows for one layer.
type LayerStatus struct {
	layers.Descriptor
	Status   features.Status `json:"status,omitempty"`
	Notice   string          `json:"notice,omitempty"`
	Markers  int             `json:"markers"`
	Revision uint64          `json:"revision"`
}

type Controller struct {
	log        zerolog.Logger
	tracker    *viewport.Tracker
	layers     *layers.Registry
	fetcher    *features.Fetcher
	markers    *reconcile.Reconciler
	jobMarkers *reconcile.Reconciler
	jobs       *jobs.Registry
	notes      *notes.Store
	measure    *measure.Tool
	notices    Notifier
	radiusM    float64
	metrics    *metrics.Metrics
	refresher  *refreshworker.Worker

	notesMu sync.Mutex

	mu           sync.Mutex
	runCtx       context.Context
	foreground   bool
	lastApplied  map[string]uint64
	status       map[string]LayerStatus
	anchors      []orb.Point
	refLive      map[string][]features.Feature
	trailing     map[string]*time.Timer
	selectedJob  string
	showAllJobs  bool
	showAllNotes bool
}

func New(log zerolog.Logger, opts Options) *Controller {
	if opts.ReferenceRadiusM <= 0 {
		opts.ReferenceRadiusM = 20
	}
	if opts.Measure == nil {
		opts.Measure = measure.NewTool(nil)
	}
	c := &Controller{
		log:          log,
		tracker:      opts.Tracker,
		layers:       opts.Layers,
		fetcher:      opts.Fetcher,
		markers:      opts.Markers,
		jobMarkers:   opts.JobMarkers,
		jobs:         opts.Jobs,
		notes:        opts.Notes,
		measure:      opts.Measure,
		notices:      opts.Notices,
		radiusM:      opts.ReferenceRadiusM,
		metrics:      opts.Metrics,
		runCtx:       context.Background(),
		foreground:   true,
		lastApplied:  make(map[string]uint64),
		status:       make(map[string]LayerStatus),
		refLive:      make(map[string][]features.Feature),
		trailing:     make(map[string]*time.Timer),
		showAllNotes: true,
	}
	c.refresher = refreshworker.New(log, c.Refresh, refreshworker.Options{
		Interval: opts.RefreshInterval,
		Metrics:  opts.Metrics,
	})
	if c.notes != nil {
		c.notes.SetOnChange(c.applyNotes)
	}
	return c
}

// Run consumes published views until ctx is done. It also drives the
// periodic refresher.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	go c.refresher.Run(ctx)

	views, cancel := c.tracker.Subscribe()
	defer cancel()
	defer c.stopTrailing()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			c.handleView(ctx, v)
		}
	}
}

// Settle forwards a map settle event to the tracker.
func (c *Controller) Settle(bounds orb.Bound, zoom float64) (viewport.ViewState, bool, error) {
	if !c.Foreground() {
		return c.tracker.Current(), false, ErrBackgrounded
	}
	v, published := c.tracker.Settle(bounds, zoom)
	return v, published, nil
}

func (c *Controller) View() viewport.ViewState {
	return c.tracker.Current()
}

func (c *Controller) SetBaseLayer(name string) {
	c.tracker.SetBaseLayer(name)
}

func (c *Controller) handleView(ctx context.Context, v viewport.ViewState) {
	if !c.Foreground() {
		return
	}
	c.markers.SetZoom(v.Zoom)
	if c.jobMarkers != nil {
		c.jobMarkers.SetZoom(v.Zoom)
	}
	c.fetchRound(ctx, v, nil)
	c.applyJobs()
}

// fetchRound fetches the visible layers (or only the named ones) in parallel
// and applies the results, anchor layers first.
func (c *Controller) fetchRound(ctx context.Context, v viewport.ViewState, only map[string]bool) {
	round := c.roundLayers(only)
	if len(round) == 0 {
		return
	}

	results := make([]features.Result, len(round))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, d := range round {
		g.Go(func() error {
			results[i] = c.fetcher.Fetch(gctx, d, v.Bounds, v.Zoom, "", v.Revision)
			return nil
		})
	}
	_ = g.Wait()

	for i, d := range round {
		c.apply(d, results[i])
	}
}

// roundLayers picks the layers to fetch. The primary mark layer is fetched
// whenever a reference layer is visible, even if it is hidden itself, since
// its features are the proximity anchors.
func (c *Controller) roundLayers(only map[string]bool) []layers.Descriptor {
	var out []layers.Descriptor
	needAnchors := false
	for _, d := range c.layers.All() {
		if !d.Visible || (only != nil && !only[d.ID]) {
			continue
		}
		if d.Kind == layers.KindReferenceMark {
			needAnchors = true
		}
		out = append(out, d)
	}
	if needAnchors {
		if p, ok := c.layers.FirstOfKind(layers.KindPrimaryMark); ok && !containsLayer(out, p.ID) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return kindRank(out[i].Kind) < kindRank(out[j].Kind) })
	return out
}

func containsLayer(ds []layers.Descriptor, id string) bool {
	for _, d := range ds {
		if d.ID == id {
			return true
		}
	}
	return false
}

func kindRank(k layers.Kind) int {
	switch k {
	case layers.KindPrimaryMark:
		return 0
	case layers.KindReferenceMark:
		return 2
	}
	return 1
}

func (c *Controller) isAnchorLayer(id string) bool {
	p, ok := c.layers.FirstOfKind(layers.KindPrimaryMark)
	return ok && p.ID == id
}

// apply reconciles one fetch result. Results issued for an older view, or
// older than what the layer already shows, are dropped.
func (c *Controller) apply(d layers.Descriptor, res features.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.foreground {
		return
	}
	if res.Revision < c.tracker.Current().Revision || res.Revision < c.lastApplied[d.ID] {
		c.metrics.IncStaleDiscard(d.ID)
		c.log.Debug().Str("layer", d.ID).Uint64("revision", res.Revision).Msg("stale fetch result discarded")
		return
	}

	cur, ok := c.layers.Get(d.ID)
	if !ok {
		return
	}
	anchor := c.isAnchorLayer(d.ID)

	switch {
	case res.Status == features.StatusThrottled:
		c.scheduleTrailingLocked(d.ID, res.RetryAfter)
		return
	case res.ClearsMarkers():
		delete(c.refLive, d.ID)
		if cur.Visible {
			c.markers.Clear(d.ID)
		}
		if anchor {
			c.setAnchorsLocked(nil)
		}
	default:
		fs := res.Features
		if d.Kind == layers.KindReferenceMark {
			c.refLive[d.ID] = fs
			fs = features.FilterNearAnchors(fs, c.anchors, c.radiusM)
		}
		if cur.Visible {
			c.markers.Reconcile(d.ID, fs, styleFor(cur), labelFor(cur))
		}
		if anchor {
			c.setAnchorsLocked(features.Points(res.Features))
		}
	}

	c.lastApplied[d.ID] = res.Revision
	if !cur.Visible {
		return
	}
	prev := c.status[d.ID]
	if prev.Notice != res.Notice && c.notices != nil {
		c.notices.Notice(d.ID, res.Notice)
	}
	c.status[d.ID] = LayerStatus{Descriptor: cur, Status: res.Status, Notice: res.Notice, Revision: res.Revision}
}

// setAnchorsLocked replaces the proximity anchors and re-filters the last
// live result of every visible reference layer against them.
func (c *Controller) setAnchorsLocked(anchors []orb.Point) {
	c.anchors = anchors
	for id, live := range c.refLive {
		ref, ok := c.layers.Get(id)
		if !ok || !ref.Visible {
			continue
		}
		near := features.FilterNearAnchors(live, anchors, c.radiusM)
		c.markers.Reconcile(id, near, styleFor(ref), labelFor(ref))
	}
}

// scheduleTrailingLocked re-fetches a throttled layer once its interval has
// passed, against whatever the view is by then.
func (c *Controller) scheduleTrailingLocked(id string, after time.Duration) {
	if _, pending := c.trailing[id]; pending {
		return
	}
	if after <= 0 {
		after = time.Millisecond
	}
	ctx := c.runCtx
	c.trailing[id] = time.AfterFunc(after, func() {
		c.mu.Lock()
		delete(c.trailing, id)
		fg := c.foreground
		c.mu.Unlock()
		if !fg || ctx.Err() != nil {
			return
		}
		c.fetchRound(ctx, c.tracker.Current(), map[string]bool{id: true})
	})
}

func (c *Controller) stopTrailing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.trailing {
		t.Stop()
		delete(c.trailing, id)
	}
}

// Refresh re-fetches the current view and reloads jobs and notes. It is the
// periodic refresher's callback.
func (c *Controller) Refresh(ctx context.Context) error {
	var errs []error
	if c.jobs != nil {
		if _, err := c.jobs.Load(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reload jobs: %w", err))
		}
	}
	if c.notes != nil {
		if err := c.notes.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.tracker.Republish()
	return errors.Join(errs...)
}

// SetForeground pauses or resumes the map. In the background the periodic
// refresher is paused, arriving fetch results are dropped and gestures are
// refused. Coming back re-fetches the current view.
func (c *Controller) SetForeground(fg bool) {
	c.mu.Lock()
	was := c.foreground
	c.foreground = fg
	c.mu.Unlock()
	if was == fg {
		return
	}
	if !fg {
		c.refresher.Pause()
		c.stopTrailing()
		c.log.Info().Msg("map backgrounded")
		return
	}
	c.refresher.Resume()
	c.tracker.Republish()
	c.log.Info().Msg("map foregrounded")
}

func (c *Controller) Foreground() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreground
}

// Layers reports every layer with its last fetch outcome.
func (c *Controller) Layers() []LayerStatus {
	all := c.layers.All()
	out := make([]LayerStatus, 0, len(all))
	c.mu.Lock()
	for _, d := range all {
		st := c.status[d.ID]
		st.Descriptor = d
		if !d.Visible {
			st.Status, st.Notice = "", ""
		}
		out = append(out, st)
	}
	c.mu.Unlock()
	for i := range out {
		out[i].Markers = len(c.markers.Markers(out[i].ID))
	}
	return out
}

// SetLayerVisible toggles a layer. Hiding clears its markers and notice;
// showing fetches it for the current view straight away.
func (c *Controller) SetLayerVisible(ctx context.Context, id string, visible bool) error {
	if err := c.layers.SetVisible(ctx, id, visible); err != nil {
		return err
	}
	if !visible {
		c.mu.Lock()
		c.markers.Clear(id)
		if c.status[id].Notice != "" && c.notices != nil {
			c.notices.Notice(id, "")
		}
		delete(c.status, id)
		delete(c.refLive, id)
		if t, ok := c.trailing[id]; ok {
			t.Stop()
			delete(c.trailing, id)
		}
		c.mu.Unlock()
		c.fetcher.Forget(id)
		return nil
	}

	v := c.tracker.Current()
	if v.Revision == 0 || !c.Foreground() {
		return nil
	}
	only := map[string]bool{id: true}
	if d, ok := c.layers.Get(id); ok && d.Kind == layers.KindReferenceMark {
		if p, ok := c.layers.FirstOfKind(layers.KindPrimaryMark); ok {
			only[p.ID] = true
		}
	}
	c.fetchRound(ctx, v, only)
	return nil
}

// Snapshot is every live marker on both reconcilers.
func (c *Controller) Snapshot() []reconcile.Marker {
	out := c.markers.Snapshot()
	if c.jobMarkers != nil {
		out = append(out, c.jobMarkers.Snapshot()...)
	}
	return out
}

func (c *Controller) Markers(layerID string) []reconcile.Marker {
	if layerID == LayerJobs && c.jobMarkers != nil {
		return c.jobMarkers.Markers(layerID)
	}
	return c.markers.Markers(layerID)
}
