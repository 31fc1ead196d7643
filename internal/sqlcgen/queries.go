package sqlcgen

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const listJobsWithCoordinatesPage = `-- name: ListJobsWithCoordinatesPage :many
SELECT j.id,
       j.job_number,
       j.client,
       j.status,
       j.address,
       j.assignee,
       j.mga_zone,
       j.easting,
       j.northing,
       j.updated_at
FROM jobs j
WHERE j.mga_zone IS NOT NULL
  AND j.easting IS NOT NULL
  AND j.northing IS NOT NULL
  AND ($1::uuid IS NULL OR j.id > $1::uuid)
ORDER BY j.id
LIMIT $2
`

type ListJobsWithCoordinatesPageParams struct {
	AfterID *string
	Limit   int32
}

func (q *Queries) ListJobsWithCoordinatesPage(ctx context.Context, arg ListJobsWithCoordinatesPageParams) ([]Job, error) {
	rows, err := q.db.Query(ctx, listJobsWithCoordinatesPage, arg.AfterID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Job
	for rows.Next() {
		var i Job
		if err := rows.Scan(
			&i.ID,
			&i.JobNumber,
			&i.Client,
			&i.Status,
			&i.Address,
			&i.Assignee,
			&i.MgaZone,
			&i.Easting,
			&i.Northing,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listNotes = `-- name: ListNotes :many
SELECT n.id,
       n.body,
       n.lat,
       n.lng,
       n.created_by,
       n.created_at,
       n.updated_at,
       n.job_id,
       n.geometry
FROM map_notes n
ORDER BY n.created_at DESC, n.id DESC
`

func (q *Queries) ListNotes(ctx context.Context) ([]Note, error) {
	rows, err := q.db.Query(ctx, listNotes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Note
	for rows.Next() {
		var i Note
		if err := rows.Scan(
			&i.ID,
			&i.Body,
			&i.Lat,
			&i.Lng,
			&i.CreatedBy,
			&i.CreatedAt,
			&i.UpdatedAt,
			&i.JobID,
			&i.Geometry,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createNote = `-- name: CreateNote :one
INSERT INTO map_notes (body, lat, lng, created_by, job_id, geometry)
VALUES ($1, $2, $3, $4::uuid, $5::uuid, $6::jsonb)
RETURNING id, body, lat, lng, created_by, created_at, updated_at, job_id, geometry
`

type CreateNoteParams struct {
	Body      string
	Lat       float64
	Lng       float64
	CreatedBy string
	JobID     *string
	Geometry  []byte
}

func (q *Queries) CreateNote(ctx context.Context, arg CreateNoteParams) (Note, error) {
	row := q.db.QueryRow(ctx, createNote, arg.Body, arg.Lat, arg.Lng, arg.CreatedBy, arg.JobID, arg.Geometry)
	var i Note
	err := row.Scan(
		&i.ID,
		&i.Body,
		&i.Lat,
		&i.Lng,
		&i.CreatedBy,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.JobID,
		&i.Geometry,
	)
	return i, err
}

const updateNoteBody = `-- name: UpdateNoteBody :one
UPDATE map_notes
SET body = $2,
    updated_at = now()
WHERE id = $1
RETURNING id, body, lat, lng, created_by, created_at, updated_at, job_id, geometry
`

type UpdateNoteBodyParams struct {
	ID   string
	Body string
}

func (q *Queries) UpdateNoteBody(ctx context.Context, arg UpdateNoteBodyParams) (Note, error) {
	row := q.db.QueryRow(ctx, updateNoteBody, arg.ID, arg.Body)
	var i Note
	err := row.Scan(
		&i.ID,
		&i.Body,
		&i.Lat,
		&i.Lng,
		&i.CreatedBy,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.JobID,
		&i.Geometry,
	)
	return i, err
}

const deleteNote = `-- name: DeleteNote :execrows
DELETE FROM map_notes
WHERE id = $1
`

func (q *Queries) DeleteNote(ctx context.Context, id string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteNote, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const notifyNotesChanged = `-- name: NotifyNotesChanged :exec
SELECT pg_notify($1, $2)
`

func (q *Queries) NotifyNotesChanged(ctx context.Context, channel string, payload string) error {
	_, err := q.db.Exec(ctx, notifyNotesChanged, channel, payload)
	return err
}

const getProfile = `-- name: GetProfile :one
SELECT p.id,
       p.display_name,
       p.role
FROM profiles p
WHERE p.id = $1
`

func (q *Queries) GetProfile(ctx context.Context, id string) (Profile, error) {
	row := q.db.QueryRow(ctx, getProfile, id)
	var i Profile
	err := row.Scan(&i.ID, &i.DisplayName, &i.Role)
	return i, err
}
