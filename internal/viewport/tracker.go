// Package viewport turns map settle events into debounced, revisioned view
// snapshots.
package viewport

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"fieldmap/core-go/internal/kvstore"
)

// ViewState is the published view. Revision strictly increases. Before the
// first publish it holds the restored view, if any, with Restored set.
type ViewState struct {
	Bounds    orb.Bound `json:"bounds"`
	Zoom      float64   `json:"zoom"`
	Revision  uint64    `json:"revision"`
	BaseLayer string    `json:"base_layer"`
	Restored  bool      `json:"restored,omitempty"`
}

func (v ViewState) Center() orb.Point { return v.Bounds.Center() }

// Saved is the persisted part of the view.
type Saved struct {
	Center    orb.Point `json:"center"`
	Bounds    orb.Bound `json:"bounds"`
	Zoom      float64   `json:"zoom"`
	BaseLayer string    `json:"base_layer"`
}

type Options struct {
	Debounce         time.Duration
	DefaultBaseLayer string
	Store            kvstore.Store
	Now              func() time.Time
}

type Tracker struct {
	log      zerolog.Logger
	store    kvstore.Store
	debounce time.Duration
	now      func() time.Time

	mu          sync.Mutex
	current     ViewState
	published   bool
	lastPublish time.Time
	pending     *ViewState
	timer       *time.Timer
	subs        map[int]chan ViewState
	nextSub     int
	closed      bool
}

func New(log zerolog.Logger, opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = 600 * time.Millisecond
	}
	if opts.DefaultBaseLayer == "" {
		opts.DefaultBaseLayer = "streets"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		log:      log,
		store:    opts.Store,
		debounce: opts.Debounce,
		now:      now,
		current:  ViewState{BaseLayer: opts.DefaultBaseLayer},
		subs:     make(map[int]chan ViewState),
	}
}

// Restore loads the last persisted view and base layer into Current. The
// restored view is not published; the next Settle publishes as revision 1.
// It reports false when nothing usable was stored.
func (t *Tracker) Restore(ctx context.Context) (Saved, bool) {
	var s Saved
	if !kvstore.GetJSON(ctx, t.store, kvstore.KeyView, &s) {
		return Saved{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.BaseLayer != "" {
		t.current.BaseLayer = s.BaseLayer
	}
	// A base layer chosen before the first settle is stored with a zero view.
	if !validPoint(s.Center) || math.IsNaN(s.Zoom) || s.Zoom <= 0 {
		return Saved{BaseLayer: s.BaseLayer}, false
	}
	if !validPoint(s.Bounds.Min) || !validPoint(s.Bounds.Max) || s.Bounds.IsEmpty() || s.Bounds.IsZero() {
		s.Bounds = orb.Bound{Min: s.Center, Max: s.Center}
	}
	if t.published {
		return s, true
	}
	t.current.Bounds = s.Bounds
	t.current.Zoom = s.Zoom
	t.current.Restored = true
	return s, true
}

// Subscribe returns a channel that always holds the most recent ViewState a
// slow reader has not consumed yet. cancel closes the channel.
func (t *Tracker) Subscribe() (<-chan ViewState, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan ViewState, 1)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

func (t *Tracker) Current() ViewState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Settle records a settle event. It publishes immediately when the debounce
// window since the last publish has passed; otherwise the latest settle is
// published when the window closes.
func (t *Tracker) Settle(bounds orb.Bound, zoom float64) (ViewState, bool) {
	if !validPoint(bounds.Min) || !validPoint(bounds.Max) || bounds.IsEmpty() || math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return t.Current(), false
	}

	t.mu.Lock()
	if t.closed {
		v := t.current
		t.mu.Unlock()
		return v, false
	}
	now := t.now()
	if !t.published || now.Sub(t.lastPublish) >= t.debounce {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.pending = nil
		v := t.publishLocked(bounds, zoom, now)
		t.mu.Unlock()
		t.persist(v)
		return v, true
	}

	t.pending = &ViewState{Bounds: bounds, Zoom: zoom}
	if t.timer == nil {
		wait := t.debounce - now.Sub(t.lastPublish)
		t.timer = time.AfterFunc(wait, t.flush)
	}
	v := t.current
	t.mu.Unlock()
	return v, false
}

// Republish issues a new revision for the current bounds without waiting
// for the debounce window. Used by explicit and periodic refreshes.
func (t *Tracker) Republish() (ViewState, bool) {
	t.mu.Lock()
	if !t.published || t.closed {
		v := t.current
		t.mu.Unlock()
		return v, false
	}
	v := t.publishLocked(t.current.Bounds, t.current.Zoom, t.now())
	t.mu.Unlock()
	return v, true
}

func (t *Tracker) SetBaseLayer(name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	t.current.BaseLayer = name
	v := t.current
	t.mu.Unlock()
	t.persist(v)
}

// Close stops pending publishes and closes every subscription.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

func (t *Tracker) flush() {
	t.mu.Lock()
	t.timer = nil
	if t.pending == nil || t.closed {
		t.mu.Unlock()
		return
	}
	p := *t.pending
	t.pending = nil
	v := t.publishLocked(p.Bounds, p.Zoom, t.now())
	t.mu.Unlock()
	t.persist(v)
}

func (t *Tracker) publishLocked(bounds orb.Bound, zoom float64, now time.Time) ViewState {
	t.current.Bounds = bounds
	t.current.Zoom = zoom
	t.current.Restored = false
	t.current.Revision++
	t.published = true
	t.lastPublish = now
	v := t.current

	for _, ch := range t.subs {
		select {
		case ch <- v:
		default:
			// Replace the unread snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
	t.log.Debug().Uint64("revision", v.Revision).Float64("zoom", v.Zoom).Msg("view published")
	return v
}

func (t *Tracker) persist(v ViewState) {
	kvstore.PutJSON(context.Background(), t.store, kvstore.KeyView, Saved{
		Center:    v.Center(),
		Bounds:    v.Bounds,
		Zoom:      v.Zoom,
		BaseLayer: v.BaseLayer,
	})
}

func validPoint(p orb.Point) bool {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
