package features

import (
	"strings"
)

// flagFields are attribute names whose truthy value marks a record as gone.
var flagFields = map[string]struct{}{
	"destroyed":      {},
	"is_destroyed":   {},
	"obliterated":    {},
	"removed":        {},
	"decommissioned": {},
	"cancelled":      {},
	"canceled":       {},
	"is_cancelled":   {},
	"retired":        {},
	"superseded":     {},
	"not_found":      {},
	"missing":        {},
}

var decommissionTerms = []string{
	"destroyed",
	"obliterated",
	"removed",
	"cancelled",
	"canceled",
	"discontinued",
	"not found",
	"missing",
	"invalid",
	"retired",
	"superseded",
}

// IsDecommissioned reports whether attrs indicate a decommissioned record.
// It is a heuristic over heterogeneous upstream schemas and has no side
// effects.
func IsDecommissioned(attrs map[string]any) bool {
	for k, v := range attrs {
		if _, ok := flagFields[strings.ToLower(strings.TrimSpace(k))]; ok && truthy(v) {
			return true
		}
	}
	for _, v := range attrs {
		s, ok := v.(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(s)
		if strings.EqualFold(trimmed, "d") {
			return true
		}
		lower := strings.ToLower(trimmed)
		for _, term := range decommissionTerms {
			if strings.Contains(lower, term) {
				return true
			}
		}
	}
	return false
}

// FilterLive drops decommissioned features, preserving order.
func FilterLive(fs []Feature) []Feature {
	out := fs[:0:0]
	for _, f := range fs {
		if !IsDecommissioned(f.Attributes) {
			out = append(out, f)
		}
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "y", "yes", "true", "t", "1":
			return true
		}
	}
	return false
}
