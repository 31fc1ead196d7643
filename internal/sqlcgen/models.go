package sqlcgen

import "time"

type Job struct {
	ID        string
	JobNumber string
	Client    *string
	Status    *string
	Address   *string
	Assignee  *string
	MgaZone   string
	Easting   float64
	Northing  float64
	UpdatedAt time.Time
}

type Note struct {
	ID        string
	Body      string
	Lat       float64
	Lng       float64
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	JobID     *string
	Geometry  []byte
}

type Profile struct {
	ID          string
	DisplayName *string
	Role        string
}
