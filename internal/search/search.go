// Package search is the filtered, paginated read over stored map-sets.
package search

import (
	"context"
	"fmt"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/repository"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

// Paging limits.
const (
	DefaultAmount = 100
	MaxAmount     = 500
)

// TextFields are the map-set fields a free-text query is matched against.
var TextFields = []string{
	"data.artist",
	"data.creator",
	"data.title",
	"data.title_unicode",
	"data.tags",
	"data.beatmaps.version",
}

// Params narrows a search. Nil Status means ranked; nil Mode means any.
type Params struct {
	Query  string
	Amount int
	Offset int
	Status *mirror.RankedStatus
	Mode   *mirror.Mode
}

// Service runs searches against the map-set index.
type Service struct {
	sets *repository.Repository[mirror.MapSet]
}

// New builds a Service.
func New(sets *repository.Repository[mirror.MapSet]) *Service {
	return &Service{sets: sets}
}

// Query builds the store query for p.
func Query(p Params) store.Query {
	amount := p.Amount
	switch {
	case amount <= 0:
		amount = DefaultAmount
	case amount > MaxAmount:
		amount = MaxAmount
	}
	q := store.Query{Size: amount, From: max(p.Offset, 0)}

	status := mirror.StatusRanked
	if p.Status != nil {
		status = *p.Status
	}
	if status != mirror.StatusAll {
		q.Filters = append(q.Filters, store.Term(mirror.FieldStatus, status))
	}
	if p.Mode != nil && *p.Mode != mirror.ModeAll {
		q.Filters = append(q.Filters, store.Term(mirror.FieldMapMode, *p.Mode))
	}
	if p.Query != "" {
		q.Text = &store.Text{Query: p.Query, Fields: TextFields}
	}
	return q
}

// MapSets returns one page of matching map-sets. It never touches the upstream.
func (s *Service) MapSets(ctx context.Context, p Params) ([]mirror.MapSetEntity, error) {
	if p.Status != nil && !p.Status.Valid() {
		return nil, fmt.Errorf("invalid status %d", *p.Status)
	}
	if p.Mode != nil && !p.Mode.Valid() {
		return nil, fmt.Errorf("invalid mode %d", *p.Mode)
	}
	found, err := s.sets.Find(ctx, Query(p))
	if err != nil {
		return nil, fmt.Errorf("search map-sets: %w", err)
	}
	return found, nil
}
