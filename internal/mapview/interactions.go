package mapview

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"fieldmap/core-go/internal/jobs"
	"fieldmap/core-go/internal/measure"
	"fieldmap/core-go/internal/notes"
	"fieldmap/core-go/internal/reconcile"
)

// JobFilter is the job and note filter state.
type JobFilter struct {
	SelectedJobID string `json:"selected_job_id,omitempty"`
	ShowAllJobs   bool   `json:"show_all_jobs"`
	ShowAllNotes  bool   `json:"show_all_notes"`
}

func (c *Controller) Filter() JobFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return JobFilter{SelectedJobID: c.selectedJob, ShowAllJobs: c.showAllJobs, ShowAllNotes: c.showAllNotes}
}

// SelectJob highlights one job. An empty id clears the selection.
func (c *Controller) SelectJob(id string) error {
	id = strings.TrimSpace(id)
	if id != "" {
		if c.jobs == nil {
			return ErrUnknownJob
		}
		if _, ok := c.jobs.Get(id); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
	}
	c.mu.Lock()
	c.selectedJob = id
	c.mu.Unlock()
	c.applyJobs()
	c.applyNotes()
	return nil
}

func (c *Controller) SetShowAllJobs(on bool) {
	c.mu.Lock()
	c.showAllJobs = on
	c.mu.Unlock()
	c.applyJobs()
}

func (c *Controller) SetShowAllNotes(on bool) {
	c.mu.Lock()
	c.showAllNotes = on
	c.mu.Unlock()
	c.applyNotes()
}

// Job looks up a cached job point.
func (c *Controller) Job(id string) (jobs.Point, bool) {
	if c.jobs == nil {
		return jobs.Point{}, false
	}
	return c.jobs.Get(id)
}

// applyJobs materialises the bounded job set for the current view.
func (c *Controller) applyJobs() {
	if c.jobs == nil || c.jobMarkers == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.tracker.Current()
	desired := c.jobs.Desired(v.Bounds, c.showAllJobs, c.selectedJob)
	c.jobMarkers.Apply(LayerJobs, jobs.Markers(desired, c.selectedJob))
}

// applyNotes is also the note store's change callback, so it must not be
// called with c.mu held.
func (c *Controller) applyNotes() {
	if c.notes == nil {
		return
	}
	c.notesMu.Lock()
	defer c.notesMu.Unlock()

	c.mu.Lock()
	showAll, selected := c.showAllNotes, c.selectedJob
	c.mu.Unlock()
	c.markers.Apply(LayerNotes, notes.Markers(c.notes.Visible(showAll, selected)))
}

// CreateNote adds a note at pos. Without an explicit job the note is
// attached to the selected job, if any.
func (c *Controller) CreateNote(ctx context.Context, text string, pos orb.Point, jobID string) (notes.Note, error) {
	if c.notes == nil {
		return notes.Note{}, ErrNotesDisabled
	}
	if strings.TrimSpace(jobID) == "" {
		jobID = c.Filter().SelectedJobID
	}
	return c.notes.Create(ctx, text, pos, notes.Attachment{JobID: jobID})
}

func (c *Controller) UpdateNote(ctx context.Context, id, text string) (notes.Note, error) {
	if c.notes == nil {
		return notes.Note{}, ErrNotesDisabled
	}
	return c.notes.Update(ctx, id, text)
}

func (c *Controller) DeleteNote(ctx context.Context, id string) error {
	if c.notes == nil {
		return ErrNotesDisabled
	}
	return c.notes.Delete(ctx, id)
}

func (c *Controller) Author(ctx context.Context, id string) (notes.Author, error) {
	if c.notes == nil {
		return notes.Author{}, ErrNotesDisabled
	}
	return c.notes.Author(ctx, id)
}

func (c *Controller) Notes() []notes.Note {
	if c.notes == nil {
		return nil
	}
	f := c.Filter()
	return c.notes.Visible(f.ShowAllNotes, f.SelectedJobID)
}

func (c *Controller) StartMeasure(mode measure.Mode) measure.Readout {
	r := c.measure.Start(mode)
	c.applyMeasurement()
	return r
}

func (c *Controller) AddMeasurePoint(p orb.Point) (measure.Readout, error) {
	if !c.Foreground() {
		return measure.Readout{}, ErrBackgrounded
	}
	r, err := c.measure.Add(p)
	if err != nil {
		return r, err
	}
	c.applyMeasurement()
	return r, nil
}

func (c *Controller) FinishMeasure() (measure.Readout, error) {
	r, err := c.measure.Finish()
	if err != nil {
		return r, err
	}
	c.applyMeasurement()
	return r, nil
}

func (c *Controller) ClearMeasure() {
	c.measure.Clear()
	c.markers.Clear(LayerMeasurement)
}

func (c *Controller) Measurement() (measure.Readout, bool) {
	s, ok := c.measure.Snapshot()
	if !ok {
		return measure.Readout{}, false
	}
	return s.Readout(), true
}

// SaveMeasurement stores the current measurement as a note at its anchor,
// carrying the geometry as GeoJSON, then clears the tool. An empty text is
// replaced by the readout.
func (c *Controller) SaveMeasurement(ctx context.Context, text string) (notes.Note, error) {
	if c.notes == nil {
		return notes.Note{}, ErrNotesDisabled
	}
	s, ok := c.measure.Snapshot()
	if !ok {
		return notes.Note{}, measure.ErrNoSession
	}
	geo, err := s.GeoJSON()
	if err != nil {
		return notes.Note{}, err
	}
	anchor, ok := s.Anchor()
	if !ok {
		return notes.Note{}, measure.ErrTooShort
	}
	if strings.TrimSpace(text) == "" {
		text = readoutText(s.Readout())
	}
	n, err := c.notes.Create(ctx, text, anchor, notes.Attachment{
		JobID:       c.Filter().SelectedJobID,
		Measurement: geo,
	})
	if err != nil {
		return notes.Note{}, err
	}
	c.ClearMeasure()
	return n, nil
}

// applyMeasurement draws the path or polygon plus a readout label at the
// anchor.
func (c *Controller) applyMeasurement() {
	s, ok := c.measure.Snapshot()
	if !ok {
		c.markers.Clear(LayerMeasurement)
		return
	}
	var desired []reconcile.Marker
	if g, err := s.Geometry(); err == nil {
		desired = append(desired, reconcile.Marker{
			StableID: "path",
			Shape:    reconcile.ShapeOverlay,
			Position: g.Bound().Center(),
			Geometry: g,
			Style:    reconcile.Style{Stroke: "#fbc02d", Fill: "#fbc02d33"},
		})
	}
	for i, p := range s.Path {
		desired = append(desired, reconcile.Marker{
			StableID: fmt.Sprintf("vertex-%d", i),
			Position: p,
			Style:    reconcile.Style{Icon: "vertex", Fill: "#fbc02d", Radius: 4},
		})
	}
	if anchor, ok := s.Anchor(); ok && len(s.Path) > 1 {
		text := readoutText(s.Readout())
		desired = append(desired, reconcile.Marker{
			StableID: "readout",
			Position: anchor,
			Style:    reconcile.Style{Icon: "readout"},
			Label:    text,
			Title:    text,
		})
	}
	c.markers.Apply(LayerMeasurement, desired)
}

func readoutText(r measure.Readout) string {
	if r.Mode == measure.ModeArea {
		return fmt.Sprintf("Area %.1f m² (%.4f ha)", r.AreaM2, r.Hectares)
	}
	return fmt.Sprintf("Distance %.2f m", r.TotalM)
}
