package mapview

import (
	"strconv"
	"strings"

	"fieldmap/core-go/internal/features"
	"fieldmap/core-go/internal/layers"
	"fieldmap/core-go/internal/reconcile"
)

var kindStyles = map[layers.Kind]reconcile.Style{
	layers.KindPrimaryMark:   {Icon: "mark-primary", Fill: "#2e7d32", Radius: 7},
	layers.KindSecondaryMark: {Icon: "mark-secondary", Fill: "#6a1b9a", Radius: 6},
	layers.KindReferenceMark: {Icon: "mark-reference", Fill: "#00838f", Radius: 5},
	layers.KindCadastre:      {Stroke: "#ff6f00"},
}

var labelFields = map[layers.Kind][]string{
	layers.KindPrimaryMark:   {"marknumber", "mark_number", "markalias", "name", "label"},
	layers.KindSecondaryMark: {"marknumber", "mark_number", "markalias", "name", "label"},
	layers.KindReferenceMark: {"marknumber", "mark_number", "name", "label"},
	layers.KindCadastre:      {"lotidstring", "lotnumber", "lot_number", "planlabel", "label"},
}

var statusFields = []string{"markstatus", "mark_status", "status", "condition"}

func styleFor(d layers.Descriptor) reconcile.StyleFunc {
	st := kindStyles[d.Kind]
	return func(features.Feature) reconcile.Style { return st }
}

func labelFor(d layers.Descriptor) reconcile.LabelFunc {
	keys := labelFields[d.Kind]
	return func(f features.Feature) (string, string) {
		label := attr(f.Attributes, keys...)
		title := d.DisplayName
		if label != "" {
			title += " " + label
		}
		if status := attr(f.Attributes, statusFields...); status != "" {
			title += " (" + status + ")"
		}
		return label, title
	}
}

// attr returns the first non-empty string value among keys, matching key
// names case-insensitively.
func attr(attrs map[string]any, keys ...string) string {
	for _, want := range keys {
		for k, v := range attrs {
			if !strings.EqualFold(k, want) {
				continue
			}
			var s string
			switch x := v.(type) {
			case string:
				s = strings.TrimSpace(x)
			case float64:
				s = strconv.FormatFloat(x, 'f', -1, 64)
			}
			if s != "" {
				return s
			}
		}
	}
	return ""
}
