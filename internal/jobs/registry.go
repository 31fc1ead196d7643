// Package jobs holds the session cache of job locations. Projected
// coordinates are converted to geographic once per job and indexed for
// bounds queries.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"fieldmap/core-go/internal/projection"
	"fieldmap/core-go/internal/reconcile"
	"fieldmap/core-go/internal/sqlcgen"
)

const (
	treeDimensions  = 2
	treeMinChildren = 25
	treeMaxChildren = 50
	pointExtent     = 1e-9
)

// Queries is the minimal DB interface the registry needs.
type Queries interface {
	ListJobsWithCoordinatesPage(ctx context.Context, arg sqlcgen.ListJobsWithCoordinatesPageParams) ([]sqlcgen.Job, error)
}

type Point struct {
	JobID     string    `json:"job_id"`
	JobNumber string    `json:"job_number"`
	Zone      string    `json:"zone"`
	Easting   float64   `json:"easting"`
	Northing  float64   `json:"northing"`
	Position  orb.Point `json:"position"`
	Client    string    `json:"client,omitempty"`
	Status    string    `json:"status,omitempty"`
	Address   string    `json:"address,omitempty"`
	Assignee  string    `json:"assignee,omitempty"`
}

type item struct {
	id   string
	rect *rtreego.Rect
}

func (i *item) Bounds() *rtreego.Rect { return i.rect }

type LoadStats struct {
	Rows      int `json:"rows"`
	Converted int `json:"converted"`
	Reused    int `json:"reused"`
	Skipped   int `json:"skipped"`
}

type Options struct {
	PageSize int
	MaxRows  int
}

type Registry struct {
	log      zerolog.Logger
	q        Queries
	pageSize int
	maxRows  int

	mu     sync.RWMutex
	points map[string]Point
	tree   *rtreego.Rtree
}

func NewRegistry(log zerolog.Logger, q Queries, opts Options) *Registry {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 5000
	}
	return &Registry{
		log:      log,
		q:        q,
		pageSize: opts.PageSize,
		maxRows:  opts.MaxRows,
		points:   make(map[string]Point),
		tree:     rtreego.NewTree(treeDimensions, treeMinChildren, treeMaxChildren),
	}
}

// Load pages through jobs with projected coordinates and rebuilds the cache.
// Jobs whose coordinates are unchanged keep their previous conversion; jobs
// that fail conversion are skipped.
func (r *Registry) Load(ctx context.Context) (LoadStats, error) {
	var st LoadStats
	if r == nil || r.q == nil {
		return st, nil
	}

	r.mu.RLock()
	prev := r.points
	r.mu.RUnlock()

	next := make(map[string]Point, len(prev))
	var after *string
	for st.Rows < r.maxRows {
		limit := r.pageSize
		if remaining := r.maxRows - st.Rows; remaining < limit {
			limit = remaining
		}
		rows, err := r.q.ListJobsWithCoordinatesPage(ctx, sqlcgen.ListJobsWithCoordinatesPageParams{
			AfterID: after,
			Limit:   int32(limit),
		})
		if err != nil {
			return st, fmt.Errorf("list jobs: %w", err)
		}
		for _, row := range rows {
			st.Rows++
			if old, ok := prev[row.ID]; ok && old.Zone == row.MgaZone && old.Easting == row.Easting && old.Northing == row.Northing {
				next[row.ID] = withMetadata(old, row)
				st.Reused++
				continue
			}
			pos, ok := projection.ToGeographic(row.MgaZone, row.Easting, row.Northing)
			if !ok {
				st.Skipped++
				continue
			}
			p := withMetadata(Point{
				JobID:    row.ID,
				Zone:     row.MgaZone,
				Easting:  row.Easting,
				Northing: row.Northing,
				Position: pos,
			}, row)
			next[row.ID] = p
			st.Converted++
		}
		if len(rows) < limit {
			break
		}
		last := rows[len(rows)-1].ID
		after = &last
	}

	tree := rtreego.NewTree(treeDimensions, treeMinChildren, treeMaxChildren)
	for id, p := range next {
		rect, err := rtreego.NewRect(rtreego.Point{p.Position.Lon(), p.Position.Lat()}, []float64{pointExtent, pointExtent})
		if err != nil {
			continue
		}
		tree.Insert(&item{id: id, rect: rect})
	}

	r.mu.Lock()
	r.points = next
	r.tree = tree
	r.mu.Unlock()

	r.log.Info().
		Int("rows", st.Rows).
		Int("converted", st.Converted).
		Int("reused", st.Reused).
		Int("skipped", st.Skipped).
		Msg("job registry loaded")
	return st, nil
}

func withMetadata(p Point, row sqlcgen.Job) Point {
	p.JobNumber = row.JobNumber
	p.Client = deref(row.Client)
	p.Status = deref(row.Status)
	p.Address = deref(row.Address)
	p.Assignee = deref(row.Assignee)
	return p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

func (r *Registry) Get(id string) (Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.points[id]
	return p, ok
}

// Desired is the bounded set of jobs to materialise: every cached job inside
// bounds when showAll is set, otherwise only the selected job.
func (r *Registry) Desired(bounds orb.Bound, showAll bool, selectedID string) []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !showAll {
		if p, ok := r.points[selectedID]; ok {
			return []Point{p}
		}
		return nil
	}

	rect, err := rtreego.NewRect(
		rtreego.Point{bounds.Min.Lon(), bounds.Min.Lat()},
		[]float64{nonZero(bounds.Max.Lon() - bounds.Min.Lon()), nonZero(bounds.Max.Lat() - bounds.Min.Lat())},
	)
	if err != nil {
		return nil
	}
	hits := r.tree.SearchIntersect(rect)
	out := make([]Point, 0, len(hits))
	for _, h := range hits {
		it, ok := h.(*item)
		if !ok {
			continue
		}
		if p, ok := r.points[it.id]; ok && bounds.Contains(p.Position) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func nonZero(v float64) float64 {
	if v <= 0 {
		return pointExtent
	}
	return v
}

const (
	fillJob      = "#1e6fd9"
	fillSelected = "#f28c28"
)

// Markers converts job points to markers; the selected job gets a distinct
// fill.
func Markers(points []Point, selectedID string) []reconcile.Marker {
	out := make([]reconcile.Marker, 0, len(points))
	for _, p := range points {
		style := reconcile.Style{Icon: "job", Fill: fillJob, Radius: 8}
		if p.JobID == selectedID {
			style.Fill = fillSelected
			style.Radius = 11
		}
		title := p.JobNumber
		if p.Address != "" {
			title += " " + p.Address
		}
		out = append(out, reconcile.Marker{
			StableID: p.JobID,
			Shape:    reconcile.ShapePoint,
			Position: p.Position,
			Style:    style,
			Label:    p.JobNumber,
			Title:    title,
		})
	}
	return out
}
