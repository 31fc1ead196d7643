package layers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"fieldmap/core-go/internal/config"
	"fieldmap/core-go/internal/kvstore"
)

type Kind string

const (
	KindPrimaryMark   Kind = "survey-mark-primary"
	KindSecondaryMark Kind = "survey-mark-secondary"
	KindReferenceMark Kind = "survey-mark-reference"
	KindCadastre      Kind = "cadastre-boundary"
)

const (
	FamilySurveyMarks = "survey-marks"
	FamilyCadastre    = "cadastre"
)

var ErrUnknownLayer = errors.New("unknown layer")

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPrimaryMark, KindSecondaryMark, KindReferenceMark, KindCadastre:
		return k, nil
	}
	return "", fmt.Errorf("invalid layer kind %q", s)
}

// IsBoundary reports whether the layer carries heavy polygon payloads.
func (k Kind) IsBoundary() bool { return k == KindCadastre }

// Family groups layers that share a clustering aggregator.
func (k Kind) Family() string {
	if k == KindCadastre {
		return FamilyCadastre
	}
	return FamilySurveyMarks
}

type Descriptor struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	Kind           Kind   `json:"kind"`
	Visible        bool   `json:"visible"`
	SourceEndpoint string `json:"source_endpoint"`
	Filter         string `json:"filter,omitempty"`
}

// Registry is the static set of layers created at startup. Only visibility
// changes during a session.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Descriptor
	store kvstore.Store
}

func NewRegistry(cfg []config.Layer, store kvstore.Store) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Descriptor, len(cfg)), store: store}
	for _, l := range cfg {
		kind, err := ParseKind(l.Kind)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.ID, err)
		}
		name := strings.TrimSpace(l.DisplayName)
		if name == "" {
			name = l.ID
		}
		r.byID[l.ID] = &Descriptor{
			ID:             l.ID,
			DisplayName:    name,
			Kind:           kind,
			Visible:        l.Visible,
			SourceEndpoint: l.Endpoint,
			Filter:         l.Filter,
		}
		r.order = append(r.order, l.ID)
	}
	return r, nil
}

// Restore applies persisted visibility. Unknown ids in the stored map are ignored.
func (r *Registry) Restore(ctx context.Context) {
	var saved map[string]bool
	if !kvstore.GetJSON(ctx, r.store, kvstore.KeyLayers, &saved) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, v := range saved {
		if d, ok := r.byID[id]; ok {
			d.Visible = v
		}
	}
}

func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// FirstOfKind returns the first registered layer of kind k.
func (r *Registry) FirstOfKind(k Kind) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if d := r.byID[id]; d.Kind == k {
			return *d, true
		}
	}
	return Descriptor{}, false
}

// SetVisible toggles a layer and persists the whole visibility map.
func (r *Registry) SetVisible(ctx context.Context, id string, visible bool) error {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownLayer, id)
	}
	d.Visible = visible
	snapshot := make(map[string]bool, len(r.byID))
	for k, v := range r.byID {
		snapshot[k] = v.Visible
	}
	r.mu.Unlock()

	kvstore.PutJSON(ctx, r.store, kvstore.KeyLayers, snapshot)
	return nil
}

// Family returns the ids of every layer in the family, sorted.
func (r *Registry) Family(family string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, d := range r.byID {
		if d.Kind.Family() == family {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
