package notes

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

var ErrUnknownAuthor = errors.New("unknown author")

// Author resolves a note author's profile. Lookups are cached for the
// session.
func (s *Store) Author(ctx context.Context, id string) (Author, error) {
	s.mu.Lock()
	a, ok := s.authors[id]
	s.mu.Unlock()
	if ok {
		return a, nil
	}

	p, err := s.q.GetProfile(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Author{}, ErrUnknownAuthor
		}
		return Author{}, fmt.Errorf("get profile: %w", err)
	}
	a = Author{ID: p.ID, Role: p.Role, DisplayName: p.ID}
	if p.DisplayName != nil && *p.DisplayName != "" {
		a.DisplayName = *p.DisplayName
	}

	s.mu.Lock()
	s.authors[id] = a
	s.mu.Unlock()
	return a, nil
}
