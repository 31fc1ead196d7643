// Package notes is the user-authored annotation layer: optimistic local
// mutation with rollback, a device cache for cold start and a realtime
// re-list trigger.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"fieldmap/core-go/internal/kvstore"
	"fieldmap/core-go/internal/metrics"
	"fieldmap/core-go/internal/sqlcgen"
)

// State is the lifecycle position of a note on this device.
type State string

const (
	StateDraft       State = "draft"
	StateSaved       State = "saved"
	StatePendingEdit State = "pending_edit"
	StateRolledBack  State = "rolled_back"
)

var (
	ErrNotFound     = errors.New("note not found")
	ErrEmptyText    = errors.New("note text must not be empty")
	ErrInvalidPoint = errors.New("note position must be a finite lat/lng")
)

// RollbackError reports a remote mutation that failed after the local change
// was already applied and has now been undone.
type RollbackError struct {
	Op  string
	ID  string
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s note %s rolled back: %v", e.Op, e.ID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

type Note struct {
	ID            string          `json:"id,omitempty"`
	ClientID      string          `json:"client_id,omitempty"`
	Text          string          `json:"text"`
	Position      orb.Point       `json:"position"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	AttachedJobID string          `json:"attached_job_id,omitempty"`
	Measurement   json.RawMessage `json:"measurement,omitempty"`
	State         State           `json:"state"`

	savedText string
}

// Key identifies a note before and after it has a server id.
func (n Note) Key() string {
	if n.ID != "" {
		return n.ID
	}
	return "draft:" + n.ClientID
}

// Attachment carries the optional links of a new note.
type Attachment struct {
	JobID       string
	Measurement json.RawMessage
}

// Queries is the minimal DB interface the store needs.
//
// *sqlcgen.Queries satisfies this.
type Queries interface {
	ListNotes(ctx context.Context) ([]sqlcgen.Note, error)
	CreateNote(ctx context.Context, arg sqlcgen.CreateNoteParams) (sqlcgen.Note, error)
	UpdateNoteBody(ctx context.Context, arg sqlcgen.UpdateNoteBodyParams) (sqlcgen.Note, error)
	DeleteNote(ctx context.Context, id string) (int64, error)
	NotifyNotesChanged(ctx context.Context, channel string, payload string) error
	GetProfile(ctx context.Context, id string) (sqlcgen.Profile, error)
}

type Options struct {
	AuthorID      string
	NotifyChannel string
	Cache         kvstore.Store
	Metrics       *metrics.Metrics
	// OnChange is called, outside the store lock, after any local change.
	OnChange func()
}

type Store struct {
	log      zerolog.Logger
	q        Queries
	cache    kvstore.Store
	authorID string
	channel  string
	metrics  *metrics.Metrics
	onChange func()

	mu       sync.Mutex
	notes    map[string]*Note
	deleting map[string]struct{}
	authors  map[string]Author
}

func NewStore(log zerolog.Logger, q Queries, opts Options) *Store {
	if opts.NotifyChannel == "" {
		opts.NotifyChannel = "notes_changed"
	}
	return &Store{
		log:      log,
		q:        q,
		cache:    opts.Cache,
		authorID: opts.AuthorID,
		channel:  opts.NotifyChannel,
		metrics:  opts.Metrics,
		onChange: opts.OnChange,
		notes:    make(map[string]*Note),
		deleting: make(map[string]struct{}),
		authors:  make(map[string]Author),
	}
}

// SetOnChange replaces the change callback.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// LoadCache seeds the store from the device cache. It reports false when the
// cache is empty or unreadable.
func (s *Store) LoadCache(ctx context.Context) bool {
	var cached []Note
	if !kvstore.GetJSON(ctx, s.cache, kvstore.KeyNotes, &cached) {
		return false
	}
	s.mu.Lock()
	for _, n := range cached {
		if n.ID == "" {
			continue
		}
		n := n
		n.State = StateSaved
		n.savedText = n.Text
		s.notes[n.ID] = &n
	}
	s.mu.Unlock()
	s.changed()
	return true
}

// Refresh re-lists from the remote store. Notes with an unconfirmed local
// edit keep their local text, drafts still being created are kept and notes
// being deleted stay hidden. The device cache is overwritten with the
// remote list.
func (s *Store) Refresh(ctx context.Context) error {
	rows, err := s.q.ListNotes(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("note list failed, keeping cached notes")
		return fmt.Errorf("list notes: %w", err)
	}

	remote := make([]Note, 0, len(rows))
	for _, row := range rows {
		remote = append(remote, fromRow(row))
	}

	s.mu.Lock()
	next := make(map[string]*Note, len(remote))
	for i := range remote {
		n := remote[i]
		if _, gone := s.deleting[n.ID]; gone {
			continue
		}
		if cur, ok := s.notes[n.ID]; ok && cur.State == StatePendingEdit {
			n.Text = cur.Text
			n.State = StatePendingEdit
		}
		next[n.ID] = &n
	}
	for key, cur := range s.notes {
		if cur.State == StateDraft {
			next[key] = cur
		}
	}
	s.notes = next
	s.mu.Unlock()

	kvstore.PutJSON(ctx, s.cache, kvstore.KeyNotes, remote)
	s.log.Debug().Int("notes", len(remote)).Msg("notes refreshed")
	s.changed()
	return nil
}

// List returns every note, newest first.
func (s *Store) List() []Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(nil)
}

// Visible applies the job filter. Without a selected job every note is shown
// regardless of showAll.
func (s *Store) Visible(showAll bool, selectedJobID string) []Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	if showAll || selectedJobID == "" {
		return s.sortedLocked(nil)
	}
	return s.sortedLocked(func(n *Note) bool { return n.AttachedJobID == selectedJobID })
}

func (s *Store) Get(id string) (Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return Note{}, false
	}
	return *n, true
}

func (s *Store) sortedLocked(keep func(*Note) bool) []Note {
	out := make([]Note, 0, len(s.notes))
	for _, n := range s.notes {
		if keep == nil || keep(n) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Create places a draft locally, persists it and promotes it to Saved. On
// failure the draft is removed and a RollbackError returned.
func (s *Store) Create(ctx context.Context, text string, pos orb.Point, att Attachment) (Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Note{}, ErrEmptyText
	}
	if !validPoint(pos) {
		return Note{}, ErrInvalidPoint
	}

	draft := &Note{
		ClientID:      uuid.NewString(),
		Text:          text,
		Position:      pos,
		CreatedBy:     s.authorID,
		CreatedAt:     time.Now().UTC(),
		AttachedJobID: strings.TrimSpace(att.JobID),
		Measurement:   att.Measurement,
		State:         StateDraft,
	}
	key := draft.Key()
	s.mu.Lock()
	s.notes[key] = draft
	s.mu.Unlock()
	s.changed()

	var jobID *string
	if draft.AttachedJobID != "" {
		jobID = &draft.AttachedJobID
	}
	row, err := s.q.CreateNote(ctx, sqlcgen.CreateNoteParams{
		Body:      text,
		Lat:       pos.Lat(),
		Lng:       pos.Lon(),
		CreatedBy: s.authorID,
		JobID:     jobID,
		Geometry:  []byte(att.Measurement),
	})

	s.mu.Lock()
	delete(s.notes, key)
	if err != nil {
		s.mu.Unlock()
		s.metrics.IncNoteRollback("create")
		s.log.Warn().Err(err).Str("client_id", draft.ClientID).Msg("note create failed")
		s.changed()
		return Note{}, &RollbackError{Op: "create", ID: draft.ClientID, Err: err}
	}
	saved := fromRow(row)
	saved.ClientID = draft.ClientID
	s.notes[saved.ID] = &saved
	s.mu.Unlock()

	s.notify(ctx, saved.ID)
	s.changed()
	return saved, nil
}

// Update applies text optimistically. On failure the note reverts to its
// last saved text and is marked RolledBack.
func (s *Store) Update(ctx context.Context, id, text string) (Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Note{}, ErrEmptyText
	}

	s.mu.Lock()
	n, ok := s.notes[id]
	if !ok || n.State == StateDraft {
		s.mu.Unlock()
		return Note{}, ErrNotFound
	}
	if n.Text == text && n.State == StateSaved {
		out := *n
		s.mu.Unlock()
		return out, nil
	}
	n.Text = text
	n.State = StatePendingEdit
	s.mu.Unlock()
	s.changed()

	row, err := s.q.UpdateNoteBody(ctx, sqlcgen.UpdateNoteBodyParams{ID: id, Body: text})

	s.mu.Lock()
	n, ok = s.notes[id]
	if !ok {
		// Deleted while the edit was in flight.
		s.mu.Unlock()
		return Note{}, ErrNotFound
	}
	if err != nil {
		n.Text = n.savedText
		n.State = StateRolledBack
		out := *n
		s.mu.Unlock()

		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotFound
		}
		s.metrics.IncNoteRollback("update")
		s.log.Warn().Err(err).Str("note_id", id).Msg("note update failed")
		s.changed()
		return out, &RollbackError{Op: "update", ID: id, Err: err}
	}
	n.Text = row.Body
	n.savedText = row.Body
	n.State = StateSaved
	out := *n
	s.mu.Unlock()

	s.notify(ctx, id)
	s.changed()
	return out, nil
}

// Delete removes the note locally at once and restores it if the remote
// delete fails.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	n, ok := s.notes[id]
	if !ok || n.State == StateDraft {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.notes, id)
	s.deleting[id] = struct{}{}
	s.mu.Unlock()
	s.changed()

	_, err := s.q.DeleteNote(ctx, id)

	s.mu.Lock()
	delete(s.deleting, id)
	if err != nil {
		s.notes[id] = n
		s.mu.Unlock()
		s.metrics.IncNoteRollback("delete")
		s.log.Warn().Err(err).Str("note_id", id).Msg("note delete failed")
		s.changed()
		return &RollbackError{Op: "delete", ID: id, Err: err}
	}
	s.mu.Unlock()

	s.notify(ctx, id)
	return nil
}

func (s *Store) notify(ctx context.Context, id string) {
	if err := s.q.NotifyNotesChanged(ctx, s.channel, id); err != nil {
		s.log.Debug().Err(err).Str("note_id", id).Msg("note change notify failed")
	}
}

func fromRow(row sqlcgen.Note) Note {
	n := Note{
		ID:        row.ID,
		Text:      row.Body,
		Position:  orb.Point{row.Lng, row.Lat},
		CreatedBy: row.CreatedBy,
		CreatedAt: row.CreatedAt,
		State:     StateSaved,
		savedText: row.Body,
	}
	if row.JobID != nil {
		n.AttachedJobID = *row.JobID
	}
	if len(row.Geometry) > 0 {
		n.Measurement = json.RawMessage(row.Geometry)
	}
	return n
}

func validPoint(p orb.Point) bool {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
