// Package measure implements the interactive distance/area measurement tool.
package measure

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type Mode string

const (
	ModeDistance Mode = "distance"
	ModeArea     Mode = "area"
)

var (
	ErrNoSession    = errors.New("no measurement in progress")
	ErrFinished     = errors.New("measurement already finished")
	ErrInvalidPoint = errors.New("invalid measurement point")
	ErrInvalidMode  = errors.New("invalid measurement mode")
	ErrTooShort     = errors.New("measurement has too few points")
)

// ParseMode accepts "distance" or "area", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDistance:
		return ModeDistance, nil
	case ModeArea:
		return ModeArea, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Readout is what the measurement tool displays.
type Readout struct {
	Mode     Mode    `json:"mode"`
	Points   int     `json:"points"`
	SegmentM float64 `json:"segment_m"`
	TotalM   float64 `json:"total_m"`
	AreaM2   float64 `json:"area_m2,omitempty"`
	Hectares float64 `json:"hectares,omitempty"`
	Finished bool    `json:"finished"`
	Method   string  `json:"method"`
}

// Session is one armed measurement: an ordered path of geographic points.
type Session struct {
	Mode     Mode
	Path     []orb.Point
	Finished bool

	calc Calculator
}

func NewSession(mode Mode, calc Calculator) *Session {
	if calc == nil {
		calc = Primary()
	}
	return &Session{Mode: mode, calc: calc}
}

func (s *Session) Add(p orb.Point) error {
	if s.Finished {
		return ErrFinished
	}
	if !validPoint(p) {
		return ErrInvalidPoint
	}
	s.Path = append(s.Path, p)
	return nil
}

func (s *Session) Finish() {
	s.Finished = true
}

func (s *Session) Readout() Readout {
	r := Readout{
		Mode:     s.Mode,
		Points:   len(s.Path),
		Finished: s.Finished,
		Method:   s.calc.Name(),
	}
	lengths := s.segmentLengths()
	for _, l := range lengths {
		r.TotalM += l
	}
	if len(lengths) > 0 {
		r.SegmentM = lengths[len(lengths)-1]
	}
	if s.Mode == ModeArea && len(s.Path) >= 3 {
		r.AreaM2 = s.calc.Area(orb.Ring(s.Path))
		r.Hectares = r.AreaM2 / 10000
	}
	return r
}

// Anchor is where a saved measurement note is placed: the point half way
// along the path for distance mode, the bounding-box centre for area mode.
func (s *Session) Anchor() (orb.Point, bool) {
	if len(s.Path) == 0 {
		return orb.Point{}, false
	}
	if s.Mode == ModeArea {
		return orb.MultiPoint(s.Path).Bound().Center(), true
	}
	return s.alongPath(0.5), true
}

// Geometry returns a LineString (distance) or closed Polygon (area).
func (s *Session) Geometry() (orb.Geometry, error) {
	switch s.Mode {
	case ModeArea:
		if len(s.Path) < 3 {
			return nil, ErrTooShort
		}
		return orb.Polygon{closeRing(orb.Ring(s.Path))}, nil
	default:
		if len(s.Path) < 2 {
			return nil, ErrTooShort
		}
		ls := make(orb.LineString, len(s.Path))
		copy(ls, s.Path)
		return ls, nil
	}
}

// GeoJSON serialises the session geometry for storage on a note.
func (s *Session) GeoJSON() ([]byte, error) {
	g, err := s.Geometry()
	if err != nil {
		return nil, err
	}
	return geojson.NewGeometry(g).MarshalJSON()
}

func (s *Session) segmentLengths() []float64 {
	if len(s.Path) < 2 {
		return nil
	}
	out := make([]float64, 0, len(s.Path)-1)
	for i := 1; i < len(s.Path); i++ {
		out = append(out, s.calc.Distance(s.Path[i-1], s.Path[i]))
	}
	return out
}

func (s *Session) alongPath(fraction float64) orb.Point {
	lengths := s.segmentLengths()
	if len(lengths) == 0 {
		return s.Path[0]
	}
	var total float64
	for _, l := range lengths {
		total += l
	}
	target := total * fraction

	var acc float64
	for i, l := range lengths {
		if acc+l >= target && l > 0 {
			f := (target - acc) / l
			a, b := s.Path[i], s.Path[i+1]
			return orb.Point{
				a.Lon() + (b.Lon()-a.Lon())*f,
				a.Lat() + (b.Lat()-a.Lat())*f,
			}
		}
		acc += l
	}
	return s.Path[len(s.Path)-1]
}

func validPoint(p orb.Point) bool {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Tool owns at most one session. Starting a new measurement terminates the
// previous one.
type Tool struct {
	mu      sync.Mutex
	calc    Calculator
	session *Session
}

func NewTool(calc Calculator) *Tool {
	if calc == nil {
		calc = Primary()
	}
	return &Tool{calc: calc}
}

func (t *Tool) Start(mode Mode) Readout {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = NewSession(mode, t.calc)
	return t.session.Readout()
}

func (t *Tool) Add(p orb.Point) (Readout, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return Readout{}, ErrNoSession
	}
	if err := t.session.Add(p); err != nil {
		return t.session.Readout(), err
	}
	return t.session.Readout(), nil
}

func (t *Tool) Finish() (Readout, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return Readout{}, ErrNoSession
	}
	t.session.Finish()
	return t.session.Readout(), nil
}

func (t *Tool) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
}

// Snapshot returns a copy of the current session, if any.
func (t *Tool) Snapshot() (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, false
	}
	cp := *t.session
	cp.Path = append([]orb.Point(nil), t.session.Path...)
	return &cp, true
}
