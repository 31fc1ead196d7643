package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"fieldmap/core-go/internal/cluster"
	"fieldmap/core-go/internal/kvstore"
	"fieldmap/core-go/internal/reconcile"
	"fieldmap/core-go/internal/sqlcgen"
)

// fakeQueries is an in-memory notes table. The *Fn hooks override a call
// when set.
type fakeQueries struct {
	mu     sync.Mutex
	rows   []sqlcgen.Note
	nextID int

	listFn   func(ctx context.Context) ([]sqlcgen.Note, error)
	createFn func(ctx context.Context, arg sqlcgen.CreateNoteParams) (sqlcgen.Note, error)
	updateFn func(ctx context.Context, arg sqlcgen.UpdateNoteBodyParams) (sqlcgen.Note, error)
	deleteFn func(ctx context.Context, id string) (int64, error)
	notified []string
}

func (f *fakeQueries) ListNotes(ctx context.Context) ([]sqlcgen.Note, error) {
	if f.listFn != nil {
		return f.listFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sqlcgen.Note(nil), f.rows...), nil
}

func (f *fakeQueries) CreateNote(ctx context.Context, arg sqlcgen.CreateNoteParams) (sqlcgen.Note, error) {
	if f.createFn != nil {
		return f.createFn(ctx, arg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	row := sqlcgen.Note{
		ID:        fmt.Sprintf("note-%d", f.nextID),
		Body:      arg.Body,
		Lat:       arg.Lat,
		Lng:       arg.Lng,
		CreatedBy: arg.CreatedBy,
		CreatedAt: time.Unix(int64(1000+f.nextID), 0).UTC(),
		JobID:     arg.JobID,
		Geometry:  arg.Geometry,
	}
	f.rows = append(f.rows, row)
	return row, nil
}

func (f *fakeQueries) UpdateNoteBody(ctx context.Context, arg sqlcgen.UpdateNoteBodyParams) (sqlcgen.Note, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, arg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == arg.ID {
			f.rows[i].Body = arg.Body
			return f.rows[i], nil
		}
	}
	return sqlcgen.Note{}, pgx.ErrNoRows
}

func (f *fakeQueries) DeleteNote(ctx context.Context, id string) (int64, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeQueries) NotifyNotesChanged(_ context.Context, _ string, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, payload)
	return nil
}

func (f *fakeQueries) GetProfile(_ context.Context, id string) (sqlcgen.Profile, error) {
	if id == "missing" {
		return sqlcgen.Profile{}, pgx.ErrNoRows
	}
	name := "Field Tech"
	return sqlcgen.Profile{ID: id, DisplayName: &name, Role: "staff"}, nil
}

type liveSurface struct {
	live   map[string]reconcile.Marker
	adds   int
	titles []string
}

func (s *liveSurface) AddMarker(m reconcile.Marker) {
	s.live[m.StableID] = m
	s.adds++
}

func (s *liveSurface) UpdateMarker(m reconcile.Marker) {
	s.live[m.StableID] = m
	s.titles = append(s.titles, m.Title)
}

func (s *liveSurface) RemoveMarker(_, id string) { delete(s.live, id) }

func (s *liveSurface) SetClusters(string, []cluster.Cluster) {}

func TestNoteLifecycle_AccessGateLocked(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueries{}
	surface := &liveSurface{live: make(map[string]reconcile.Marker)}
	rec := reconcile.New(surface, reconcile.Options{})

	var s *Store
	s = NewStore(zerolog.Nop(), q, Options{
		AuthorID: "user-1",
		OnChange: func() { rec.Apply("notes", Markers(s.Visible(true, ""))) },
	})

	tap := orb.Point{151.2093, -33.8688}
	n, err := s.Create(ctx, "Access gate locked", tap, Attachment{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.State != StateSaved || n.ID == "" {
		t.Fatalf("expected saved note with id, got %+v", n)
	}
	if len(surface.live) != 1 {
		t.Fatalf("expected exactly one marker, got %d", len(surface.live))
	}
	m := surface.live[n.ID]
	if m.Label != "N" || m.Position != tap || m.Title != "Access gate locked" {
		t.Fatalf("unexpected marker: %+v", m)
	}

	addsBefore := surface.adds
	if _, err := s.Update(ctx, n.ID, "Access gate unlocked"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if surface.adds != addsBefore || len(surface.live) != 1 {
		t.Fatalf("expected update in place, adds %d->%d live=%d", addsBefore, surface.adds, len(surface.live))
	}
	if got := surface.live[n.ID].Title; got != "Access gate unlocked" {
		t.Fatalf("expected updated title, got %q", got)
	}

	if err := s.Delete(ctx, n.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(surface.live) != 0 || len(s.List()) != 0 {
		t.Fatalf("expected note gone from map and list")
	}
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected note gone remotely too")
	}
}

func TestUpdate_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueries{}
	s := NewStore(zerolog.Nop(), q, Options{AuthorID: "u"})
	n, err := s.Create(ctx, "original", orb.Point{151, -33}, Attachment{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	q.updateFn = func(context.Context, sqlcgen.UpdateNoteBodyParams) (sqlcgen.Note, error) {
		return sqlcgen.Note{}, errors.New("timeout")
	}
	got, err := s.Update(ctx, n.ID, "edited")
	var rb *RollbackError
	if !errors.As(err, &rb) || rb.Op != "update" {
		t.Fatalf("expected update RollbackError, got %v", err)
	}
	if got.Text != "original" || got.State != StateRolledBack {
		t.Fatalf("expected rollback to original text, got %+v", got)
	}
	cur, _ := s.Get(n.ID)
	if cur.Text != "original" {
		t.Fatalf("expected stored text reverted, got %q", cur.Text)
	}
}

func TestDelete_FailureRestores(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueries{}
	s := NewStore(zerolog.Nop(), q, Options{})
	n, _ := s.Create(ctx, "keep me", orb.Point{151, -33}, Attachment{})

	var seenDuringCall int
	q.deleteFn = func(context.Context, string) (int64, error) {
		seenDuringCall = len(s.List())
		return 0, errors.New("permission denied")
	}
	err := s.Delete(ctx, n.ID)
	var rb *RollbackError
	if !errors.As(err, &rb) {
		t.Fatalf("expected RollbackError, got %v", err)
	}
	if seenDuringCall != 0 {
		t.Fatalf("expected optimistic removal during remote call")
	}
	if _, ok := s.Get(n.ID); !ok {
		t.Fatalf("expected note restored after failed delete")
	}
}

func TestCreate_FailureRemovesDraft(t *testing.T) {
	q := &fakeQueries{createFn: func(context.Context, sqlcgen.CreateNoteParams) (sqlcgen.Note, error) {
		return sqlcgen.Note{}, errors.New("offline")
	}}
	s := NewStore(zerolog.Nop(), q, Options{})
	_, err := s.Create(context.Background(), "x", orb.Point{1, 1}, Attachment{})
	var rb *RollbackError
	if !errors.As(err, &rb) {
		t.Fatalf("expected RollbackError, got %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected draft removed")
	}
}

func TestCreate_Validates(t *testing.T) {
	s := NewStore(zerolog.Nop(), &fakeQueries{}, Options{})
	if _, err := s.Create(context.Background(), "  ", orb.Point{1, 1}, Attachment{}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if _, err := s.Create(context.Background(), "x", orb.Point{1, 95}, Attachment{}); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	if _, err := s.Update(context.Background(), "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefresh_KeepsPendingEditAndOverwritesCache(t *testing.T) {
	ctx := context.Background()
	cache := kvstore.NewMemory()
	q := &fakeQueries{}
	s := NewStore(zerolog.Nop(), q, Options{Cache: cache})
	n, _ := s.Create(ctx, "remote text", orb.Point{151, -33}, Attachment{})

	// Block the update so a re-list arrives while it is pending.
	release := make(chan struct{})
	entered := make(chan struct{})
	q.updateFn = func(context.Context, sqlcgen.UpdateNoteBodyParams) (sqlcgen.Note, error) {
		close(entered)
		<-release
		return sqlcgen.Note{}, errors.New("conflict")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Update(ctx, n.ID, "local edit")
	}()
	<-entered

	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	cur, _ := s.Get(n.ID)
	if cur.Text != "local edit" || cur.State != StatePendingEdit {
		t.Fatalf("expected pending edit kept across re-list, got %+v", cur)
	}

	var cached []Note
	if !kvstore.GetJSON(ctx, cache, kvstore.KeyNotes, &cached) || len(cached) != 1 || cached[0].Text != "remote text" {
		t.Fatalf("expected cache to hold the remote list, got %+v", cached)
	}

	close(release)
	<-done
	cur, _ = s.Get(n.ID)
	if cur.Text != "remote text" || cur.State != StateRolledBack {
		t.Fatalf("expected rollback to remote text, got %+v", cur)
	}
}

func TestRefresh_FailureKeepsList(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueries{}
	s := NewStore(zerolog.Nop(), q, Options{})
	_, _ = s.Create(ctx, "a", orb.Point{1, 1}, Attachment{})

	q.listFn = func(context.Context) ([]sqlcgen.Note, error) { return nil, errors.New("down") }
	if err := s.Refresh(ctx); err == nil {
		t.Fatalf("expected error")
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected list kept on failure")
	}
}

func TestLoadCache_ColdStart(t *testing.T) {
	ctx := context.Background()
	cache := kvstore.NewMemory()
	first := NewStore(zerolog.Nop(), &fakeQueries{}, Options{Cache: cache})
	_, _ = first.Create(ctx, "cached", orb.Point{1, 1}, Attachment{})
	if err := first.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	offline := &fakeQueries{listFn: func(context.Context) ([]sqlcgen.Note, error) { return nil, errors.New("offline") }}
	second := NewStore(zerolog.Nop(), offline, Options{Cache: cache})
	if !second.LoadCache(ctx) {
		t.Fatalf("expected cache hit")
	}
	ns := second.List()
	if len(ns) != 1 || ns[0].Text != "cached" || ns[0].State != StateSaved {
		t.Fatalf("unexpected cold start notes: %+v", ns)
	}
}

func TestVisible_NoSelectionForcesShowAll(t *testing.T) {
	ctx := context.Background()
	s := NewStore(zerolog.Nop(), &fakeQueries{}, Options{})
	_, _ = s.Create(ctx, "job a", orb.Point{1, 1}, Attachment{JobID: "a"})
	_, _ = s.Create(ctx, "job b", orb.Point{1, 1}, Attachment{JobID: "b"})
	_, _ = s.Create(ctx, "free", orb.Point{1, 1}, Attachment{})

	if got := len(s.Visible(false, "")); got != 3 {
		t.Fatalf("expected all notes without a selection, got %d", got)
	}
	if got := s.Visible(false, "a"); len(got) != 1 || got[0].Text != "job a" {
		t.Fatalf("expected only job a notes, got %+v", got)
	}
	if got := len(s.Visible(true, "a")); got != 3 {
		t.Fatalf("expected show all to win, got %d", got)
	}
}

func TestAuthor_CachesAndMapsMissing(t *testing.T) {
	s := NewStore(zerolog.Nop(), &fakeQueries{}, Options{})
	a, err := s.Author(context.Background(), "user-1")
	if err != nil || a.DisplayName != "Field Tech" {
		t.Fatalf("unexpected author %+v err=%v", a, err)
	}
	if _, err := s.Author(context.Background(), "missing"); !errors.Is(err, ErrUnknownAuthor) {
		t.Fatalf("expected ErrUnknownAuthor, got %v", err)
	}
}
