package notes

import (
	"fieldmap/core-go/internal/reconcile"
)

const (
	noteLabel = "N"
	noteFill  = "#d93025"
)

// Markers renders notes as point markers labelled "N" with the note text as
// title. Drafts render too so a tap shows up before the save returns.
func Markers(ns []Note) []reconcile.Marker {
	out := make([]reconcile.Marker, 0, len(ns))
	for _, n := range ns {
		icon := "note"
		if len(n.Measurement) > 0 {
			icon = "note-measurement"
		}
		out = append(out, reconcile.Marker{
			StableID: n.Key(),
			Shape:    reconcile.ShapePoint,
			Position: n.Position,
			Style:    reconcile.Style{Icon: icon, Fill: noteFill, Radius: 9},
			Label:    noteLabel,
			Title:    n.Text,
		})
	}
	return out
}
