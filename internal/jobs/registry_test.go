package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"fieldmap/core-go/internal/cluster"
	"fieldmap/core-go/internal/reconcile"
	"fieldmap/core-go/internal/sqlcgen"
)

type fakeQueries struct {
	jobs  []sqlcgen.Job
	calls int
	err   error
}

func (f *fakeQueries) ListJobsWithCoordinatesPage(_ context.Context, arg sqlcgen.ListJobsWithCoordinatesPageParams) ([]sqlcgen.Job, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	start := 0
	if arg.AfterID != nil {
		start = sort.Search(len(f.jobs), func(i int) bool { return f.jobs[i].ID > *arg.AfterID })
	}
	end := start + int(arg.Limit)
	if end > len(f.jobs) {
		end = len(f.jobs)
	}
	return f.jobs[start:end], nil
}

func makeJobs(n int) []sqlcgen.Job {
	out := make([]sqlcgen.Job, n)
	for i := range out {
		out[i] = sqlcgen.Job{
			ID:        fmt.Sprintf("job-%05d", i),
			JobNumber: fmt.Sprintf("J%05d", i),
			MgaZone:   "56",
			Easting:   330000 + float64(i%100)*50,
			Northing:  6250000 + float64(i/100)*50,
		}
	}
	return out
}

type countingSurface struct{ live map[string]struct{} }

func (s *countingSurface) AddMarker(m reconcile.Marker)          { s.live[m.StableID] = struct{}{} }
func (s *countingSurface) UpdateMarker(reconcile.Marker)         {}
func (s *countingSurface) RemoveMarker(_, id string)             { delete(s.live, id) }
func (s *countingSurface) SetClusters(string, []cluster.Cluster) {}

func TestLoad_PaginatesAndCapsRows(t *testing.T) {
	q := &fakeQueries{jobs: makeJobs(6200)}
	r := NewRegistry(zerolog.Nop(), q, Options{})

	st, err := r.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Rows != 5000 || st.Converted != 5000 {
		t.Fatalf("expected 5000 converted rows, got %+v", st)
	}
	if q.calls != 5 {
		t.Fatalf("expected 5 pages, got %d", q.calls)
	}
	if r.Len() != 5000 {
		t.Fatalf("expected 5000 cached jobs, got %d", r.Len())
	}
}

func TestLoad_ReusesConversionAndSkipsInvalid(t *testing.T) {
	jobs := makeJobs(10)
	jobs[3].MgaZone = "99"
	q := &fakeQueries{jobs: jobs}
	r := NewRegistry(zerolog.Nop(), q, Options{PageSize: 4})

	st, err := r.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Converted != 9 || st.Skipped != 1 {
		t.Fatalf("unexpected first load stats: %+v", st)
	}
	if _, ok := r.Get(jobs[3].ID); ok {
		t.Fatalf("expected invalid zone job to be skipped")
	}

	q.jobs[0].Easting += 10
	st, err = r.Load(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if st.Converted != 1 || st.Reused != 8 || st.Skipped != 1 {
		t.Fatalf("unexpected reload stats: %+v", st)
	}
}

func TestLoad_ErrorKeepsPreviousCache(t *testing.T) {
	q := &fakeQueries{jobs: makeJobs(3)}
	r := NewRegistry(zerolog.Nop(), q, Options{})
	if _, err := r.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	q.err = errors.New("db down")
	if _, err := r.Load(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if r.Len() != 3 {
		t.Fatalf("expected previous cache to survive, got %d", r.Len())
	}
}

func TestDesired_ShowAllOffMaterialisesOnlySelected(t *testing.T) {
	q := &fakeQueries{jobs: makeJobs(5000)}
	r := NewRegistry(zerolog.Nop(), q, Options{})
	if _, err := r.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	world := orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
	s := &countingSurface{live: make(map[string]struct{})}
	rec := reconcile.New(s, reconcile.Options{})

	selected := "job-01234"
	rec.Apply("jobs", Markers(r.Desired(world, false, selected), selected))
	if len(s.live) != 1 {
		t.Fatalf("expected exactly one job marker, got %d", len(s.live))
	}
	ms := rec.Markers("jobs")
	if ms[0].StableID != selected || ms[0].Style.Fill != fillSelected {
		t.Fatalf("expected selected styling, got %+v", ms[0])
	}

	// Selecting another job swaps rather than accumulates.
	rec.Apply("jobs", Markers(r.Desired(world, false, "job-00007"), "job-00007"))
	if len(s.live) != 1 {
		t.Fatalf("expected exactly one job marker after reselect, got %d", len(s.live))
	}

	if got := r.Desired(world, false, ""); len(got) != 0 {
		t.Fatalf("expected no jobs without a selection, got %d", len(got))
	}
}

func TestDesired_ShowAllUsesBounds(t *testing.T) {
	q := &fakeQueries{jobs: makeJobs(200)}
	r := NewRegistry(zerolog.Nop(), q, Options{})
	if _, err := r.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	first, _ := r.Get("job-00000")
	b := orb.Bound{Min: first.Position, Max: first.Position}.Pad(1e-6)
	got := r.Desired(b, true, "")
	if len(got) != 1 || got[0].JobID != "job-00000" {
		t.Fatalf("expected only job-00000 in tiny bounds, got %d", len(got))
	}

	all := r.Desired(orb.Bound{Min: orb.Point{140, -45}, Max: orb.Point{160, -20}}, true, "")
	if len(all) != 200 {
		t.Fatalf("expected all 200 jobs in region, got %d", len(all))
	}
}
