package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"fieldmap/core-go/internal/jobs"
	"fieldmap/core-go/internal/layers"
	"fieldmap/core-go/internal/mapview"
	"fieldmap/core-go/internal/measure"
	"fieldmap/core-go/internal/notes"
	"fieldmap/core-go/internal/projection"
	"fieldmap/core-go/internal/reconcile"
	"fieldmap/core-go/internal/viewport"
)

// MapController is the map surface the API drives.
//
// *mapview.Controller satisfies this.
type MapController interface {
	View() viewport.ViewState
	Settle(bounds orb.Bound, zoom float64) (viewport.ViewState, bool, error)
	SetBaseLayer(name string)
	SetForeground(fg bool)
	Foreground() bool
	Refresh(ctx context.Context) error

	Layers() []mapview.LayerStatus
	SetLayerVisible(ctx context.Context, id string, visible bool) error
	Markers(layerID string) []reconcile.Marker
	Snapshot() []reconcile.Marker

	Filter() mapview.JobFilter
	Job(id string) (jobs.Point, bool)
	SelectJob(id string) error
	SetShowAllJobs(on bool)
	SetShowAllNotes(on bool)

	Notes() []notes.Note
	CreateNote(ctx context.Context, text string, pos orb.Point, jobID string) (notes.Note, error)
	UpdateNote(ctx context.Context, id, text string) (notes.Note, error)
	DeleteNote(ctx context.Context, id string) error
	Author(ctx context.Context, id string) (notes.Author, error)

	StartMeasure(mode measure.Mode) measure.Readout
	AddMeasurePoint(p orb.Point) (measure.Readout, error)
	FinishMeasure() (measure.Readout, error)
	ClearMeasure()
	Measurement() (measure.Readout, bool)
	SaveMeasurement(ctx context.Context, text string) (notes.Note, error)
}

func (h *Handler) mapRoutes(r chi.Router) {
	r.Use(h.requireMap)

	r.Route("/view", func(r chi.Router) {
		r.Get("/", h.handleGetView)
		r.Post("/settle", h.handleSettle)
		r.Put("/base-layer", h.handleSetBaseLayer)
		r.Put("/foreground", h.handleSetForeground)
		r.Post("/refresh", h.handleRefresh)
	})

	r.Route("/layers", func(r chi.Router) {
		r.Get("/", h.handleListLayers)
		r.Put("/{id}/visibility", h.handleSetLayerVisibility)
	})
	r.Get("/markers", h.handleListMarkers)

	r.Route("/jobs", func(r chi.Router) {
		r.Put("/selection", h.handleSelectJob)
		r.Put("/show-all", h.handleShowAllJobs)
		r.Get("/{id}", h.handleGetJob)
	})

	r.Route("/notes", func(r chi.Router) {
		r.Get("/", h.handleListNotes)
		r.Post("/", h.handleCreateNote)
		r.Put("/show-all", h.handleShowAllNotes)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.handleUpdateNote)
			r.Delete("/", h.handleDeleteNote)
		})
	})
	r.Get("/profiles/{id}", h.handleGetProfile)

	r.Route("/measure", func(r chi.Router) {
		r.Get("/", h.handleGetMeasure)
		r.Delete("/", h.handleClearMeasure)
		r.Post("/start", h.handleStartMeasure)
		r.Post("/points", h.handleAddMeasurePoint)
		r.Post("/finish", h.handleFinishMeasure)
		r.Post("/save", h.handleSaveMeasure)
	})

	r.Get("/project", h.handleProject)
}

func (h *Handler) requireMap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.mapv == nil {
			h.writeError(w, http.StatusServiceUnavailable, "map_unavailable", "map controller not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type boundsBody struct {
	MinLng float64 `json:"min_lng"`
	MinLat float64 `json:"min_lat"`
	MaxLng float64 `json:"max_lng"`
	MaxLat float64 `json:"max_lat"`
}

func (b boundsBody) bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLng, b.MinLat}, Max: orb.Point{b.MaxLng, b.MaxLat}}
}

type settleRequest struct {
	Bounds boundsBody `json:"bounds"`
	Zoom   float64    `json:"zoom"`
}

type viewResponse struct {
	View       viewport.ViewState `json:"view"`
	Published  *bool              `json:"published,omitempty"`
	Foreground bool               `json:"foreground"`
	Filter     mapview.JobFilter  `json:"filter"`
}

func (h *Handler) handleGetView(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, viewResponse{
		View:       h.mapv.View(),
		Foreground: h.mapv.Foreground(),
		Filter:     h.mapv.Filter(),
	})
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	v, published, err := h.mapv.Settle(req.Bounds.bound(), req.Zoom)
	if err != nil {
		h.writeMapError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, viewResponse{
		View:       v,
		Published:  &published,
		Foreground: true,
		Filter:     h.mapv.Filter(),
	})
}

func (h *Handler) handleSetBaseLayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "name is required", nil)
		return
	}
	h.mapv.SetBaseLayer(name)
	h.writeJSON(w, http.StatusOK, map[string]any{"base_layer": name})
}

func (h *Handler) handleSetForeground(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Foreground *bool `json:"foreground"`
	}
	if err := decodeJSONStrict(r, &req); err != nil || req.Foreground == nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "foreground (bool) is required", nil)
		return
	}
	h.mapv.SetForeground(*req.Foreground)
	h.writeJSON(w, http.StatusOK, map[string]any{"foreground": *req.Foreground})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.mapv.Foreground() {
		h.writeMapError(w, mapview.ErrBackgrounded)
		return
	}
	if err := h.mapv.Refresh(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("manual refresh incomplete")
		h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "partial", "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (h *Handler) handleListLayers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.mapv.Layers())
}

func (h *Handler) handleSetLayerVisibility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := decodeJSONStrict(r, &req); err != nil || req.Visible == nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "visible (bool) is required", nil)
		return
	}
	if err := h.mapv.SetLayerVisible(r.Context(), id, *req.Visible); err != nil {
		if errors.Is(err, layers.ErrUnknownLayer) {
			h.writeError(w, http.StatusNotFound, "not_found", "layer not found", map[string]any{"id": id})
			return
		}
		h.log.Error().Err(err).Str("layer", id).Msg("set layer visibility failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to update layer", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "visible": *req.Visible})
}

func (h *Handler) handleListMarkers(w http.ResponseWriter, r *http.Request) {
	layer := strings.TrimSpace(r.URL.Query().Get("layer"))
	var ms []reconcile.Marker
	if layer == "" {
		ms = h.mapv.Snapshot()
	} else {
		ms = h.mapv.Markers(layer)
	}
	if ms == nil {
		ms = []reconcile.Marker{}
	}
	h.writeJSON(w, http.StatusOK, ms)
}

func (h *Handler) handleSelectJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if err := h.mapv.SelectJob(req.JobID); err != nil {
		h.writeMapError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.mapv.Filter())
}

func (h *Handler) handleShowAllJobs(w http.ResponseWriter, r *http.Request) {
	on, ok := h.decodeEnabled(w, r)
	if !ok {
		return
	}
	h.mapv.SetShowAllJobs(on)
	h.writeJSON(w, http.StatusOK, h.mapv.Filter())
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.mapv.Job(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "job not found", map[string]any{"id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) decodeEnabled(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSONStrict(r, &req); err != nil || req.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "enabled (bool) is required", nil)
		return false, false
	}
	return *req.Enabled, true
}

type noteCreate struct {
	Text  string  `json:"text"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	JobID string  `json:"job_id,omitempty"`
}

type noteUpdate struct {
	Text string `json:"text"`
}

func (h *Handler) handleListNotes(w http.ResponseWriter, r *http.Request) {
	ns := h.mapv.Notes()
	if ns == nil {
		ns = []notes.Note{}
	}
	h.writeJSON(w, http.StatusOK, ns)
}

func (h *Handler) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var req noteCreate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	n, err := h.mapv.CreateNote(r.Context(), req.Text, orb.Point{req.Lng, req.Lat}, req.JobID)
	if err != nil {
		h.writeNoteError(w, err, "")
		return
	}
	h.writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req noteUpdate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	n, err := h.mapv.UpdateNote(r.Context(), id, req.Text)
	if err != nil {
		h.writeNoteError(w, err, id)
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

func (h *Handler) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.mapv.DeleteNote(r.Context(), id); err != nil {
		h.writeNoteError(w, err, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleShowAllNotes(w http.ResponseWriter, r *http.Request) {
	on, ok := h.decodeEnabled(w, r)
	if !ok {
		return
	}
	h.mapv.SetShowAllNotes(on)
	h.writeJSON(w, http.StatusOK, h.mapv.Filter())
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.mapv.Author(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, notes.ErrUnknownAuthor):
			h.writeError(w, http.StatusNotFound, "not_found", "profile not found", map[string]any{"id": id})
		case errors.Is(err, mapview.ErrNotesDisabled):
			h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		default:
			h.log.Error().Err(err).Str("id", id).Msg("get profile failed")
			h.writeError(w, http.StatusInternalServerError, "db_error", "failed to fetch profile", nil)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) writeNoteError(w http.ResponseWriter, err error, id string) {
	var rb *notes.RollbackError
	switch {
	case errors.As(err, &rb):
		h.writeError(w, http.StatusBadGateway, "note_rollback", "note change was not saved and has been undone",
			map[string]any{"op": rb.Op, "id": rb.ID, "error": rb.Err.Error()})
	case errors.Is(err, notes.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "note not found", map[string]any{"id": id})
	case errors.Is(err, notes.ErrEmptyText), errors.Is(err, notes.ErrInvalidPoint):
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case errors.Is(err, mapview.ErrNotesDisabled):
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
	default:
		h.log.Error().Err(err).Str("id", id).Msg("note operation failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "note operation failed", nil)
	}
}

func (h *Handler) writeMapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mapview.ErrBackgrounded):
		h.writeError(w, http.StatusConflict, "backgrounded", "map is in the background", nil)
	case errors.Is(err, mapview.ErrUnknownJob):
		h.writeError(w, http.StatusNotFound, "not_found", "job not found", nil)
	case errors.Is(err, measure.ErrNoSession):
		h.writeError(w, http.StatusConflict, "no_measurement", err.Error(), nil)
	case errors.Is(err, measure.ErrFinished):
		h.writeError(w, http.StatusConflict, "measurement_finished", err.Error(), nil)
	case errors.Is(err, measure.ErrTooShort):
		h.writeError(w, http.StatusConflict, "measurement_too_short", err.Error(), nil)
	case errors.Is(err, measure.ErrInvalidPoint), errors.Is(err, measure.ErrInvalidMode):
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
	default:
		h.log.Error().Err(err).Msg("map operation failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "map operation failed", nil)
	}
}

type measureResponse struct {
	Active  bool            `json:"active"`
	Readout measure.Readout `json:"readout"`
}

func (h *Handler) handleGetMeasure(w http.ResponseWriter, r *http.Request) {
	ro, ok := h.mapv.Measurement()
	h.writeJSON(w, http.StatusOK, measureResponse{Active: ok, Readout: ro})
}

func (h *Handler) handleClearMeasure(w http.ResponseWriter, r *http.Request) {
	h.mapv.ClearMeasure()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStartMeasure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	mode, err := measure.ParseMode(req.Mode)
	if err != nil {
		h.writeMapError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, measureResponse{Active: true, Readout: h.mapv.StartMeasure(mode)})
}

func (h *Handler) handleAddMeasurePoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	ro, err := h.mapv.AddMeasurePoint(orb.Point{req.Lng, req.Lat})
	if err != nil {
		h.writeMapError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, measureResponse{Active: true, Readout: ro})
}

func (h *Handler) handleFinishMeasure(w http.ResponseWriter, r *http.Request) {
	ro, err := h.mapv.FinishMeasure()
	if err != nil {
		h.writeMapError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, measureResponse{Active: true, Readout: ro})
}

func (h *Handler) handleSaveMeasure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	n, err := h.mapv.SaveMeasurement(r.Context(), req.Text)
	if err != nil {
		var rb *notes.RollbackError
		if errors.As(err, &rb) || errors.Is(err, mapview.ErrNotesDisabled) {
			h.writeNoteError(w, err, "")
			return
		}
		h.writeMapError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, n)
}

// handleProject converts a projected grid coordinate to lat/lng, or the
// reverse when lat and lng are given.
func (h *Handler) handleProject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	zone := q.Get("zone")
	if _, ok := projection.LookupZone(zone); !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_zone", "unknown projection zone",
			map[string]any{"zone": zone, "supported": projection.Zones()})
		return
	}

	if q.Has("lat") || q.Has("lng") {
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
		if errLat != nil || errLng != nil {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "lat and lng must be numbers", nil)
			return
		}
		e, n, ok := projection.ToProjected(zone, orb.Point{lng, lat})
		if !ok {
			h.writeError(w, http.StatusUnprocessableEntity, "out_of_range", "point cannot be projected in this zone", nil)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"zone": zone, "easting": e, "northing": n, "lat": lat, "lng": lng})
		return
	}

	e, errE := strconv.ParseFloat(q.Get("easting"), 64)
	n, errN := strconv.ParseFloat(q.Get("northing"), 64)
	if errE != nil || errN != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "easting and northing must be numbers", nil)
		return
	}
	p, ok := projection.ToGeographic(zone, e, n)
	if !ok {
		h.writeError(w, http.StatusUnprocessableEntity, "out_of_range", "coordinate is outside the zone", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"zone": zone, "easting": e, "northing": n, "lat": p.Lat(), "lng": p.Lon()})
}
