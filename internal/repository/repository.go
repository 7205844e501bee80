// Package repository maps typed catalog entities onto a store.Backend index.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/beatmap-mirror/internal/metrics"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

// Repository reads and writes Entity[T] documents in one index.
type Repository[T mirror.Item] struct {
	backend store.Backend
	index   string
	logger  *zap.Logger
}

// New binds a repository to index.
func New[T mirror.Item](backend store.Backend, index string, logger *zap.Logger) *Repository[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository[T]{
		backend: backend,
		index:   index,
		logger:  logger.Named("repository").With(zap.String("index", index)),
	}
}

// Index returns the backing index name.
func (r *Repository[T]) Index() string {
	return r.index
}

// EnsureIndex creates the backing index if needed.
func (r *Repository[T]) EnsureIndex(ctx context.Context) error {
	if err := r.backend.EnsureIndex(ctx, r.index); err != nil {
		return fmt.Errorf("ensure index %s: %w", r.index, err)
	}
	return nil
}

// Get loads the entity stored under the upstream id.
func (r *Repository[T]) Get(ctx context.Context, id uint32) (mirror.Entity[T], bool, error) {
	doc, ok, err := r.backend.Get(ctx, r.index, mirror.DocumentID(id))
	if err != nil || !ok {
		return mirror.Entity[T]{}, false, err
	}
	entity, err := decode[T](doc)
	if err != nil {
		return mirror.Entity[T]{}, false, err
	}
	return entity, true, nil
}

// Create stores a new entity; an existing id yields mirror.ErrConflict.
func (r *Repository[T]) Create(ctx context.Context, entity mirror.Entity[T]) error {
	doc, err := encode(entity)
	if err != nil {
		return err
	}
	return r.backend.Create(ctx, r.index, doc)
}

// Update replaces an existing entity; a missing id yields mirror.ErrDocumentMissing.
func (r *Repository[T]) Update(ctx context.Context, entity mirror.Entity[T]) error {
	doc, err := encode(entity)
	if err != nil {
		return err
	}
	return r.backend.Update(ctx, r.index, doc)
}

// BulkCreate stores every entity independently. Entities whose id already
// existed are returned as conflicts; other per-item failures are joined into err.
func (r *Repository[T]) BulkCreate(ctx context.Context, entities []mirror.Entity[T]) ([]mirror.Entity[T], error) {
	if len(entities) == 0 {
		return nil, nil
	}
	docs := make([]store.Document, len(entities))
	for i, e := range entities {
		doc, err := encode(e)
		if err != nil {
			return nil, err
		}
		docs[i] = doc
	}
	results, err := r.backend.BulkCreate(ctx, r.index, docs)
	if err != nil {
		return nil, fmt.Errorf("bulk create in %s: %w", r.index, err)
	}
	var (
		conflicts []mirror.Entity[T]
		errs      []error
	)
	for i, res := range results {
		switch {
		case res.Err == nil:
		case errors.Is(res.Err, mirror.ErrConflict):
			conflicts = append(conflicts, entities[i])
		default:
			errs = append(errs, res.Err)
		}
	}
	return conflicts, errors.Join(errs...)
}

// CreateOrGet creates the entity or, if another writer got there first,
// returns the stored one. created reports which happened.
func (r *Repository[T]) CreateOrGet(ctx context.Context, entity mirror.Entity[T]) (mirror.Entity[T], bool, error) {
	err := r.Create(ctx, entity)
	if err == nil {
		return entity, true, nil
	}
	if !errors.Is(err, mirror.ErrConflict) {
		return mirror.Entity[T]{}, false, err
	}
	existing, ok, getErr := r.Get(ctx, entity.ID())
	if getErr != nil {
		return mirror.Entity[T]{}, false, getErr
	}
	if !ok {
		return mirror.Entity[T]{}, false, err
	}
	return existing, false, nil
}

// Find runs q and decodes the hits. Undecodable documents are logged,
// counted and skipped.
func (r *Repository[T]) Find(ctx context.Context, q store.Query) ([]mirror.Entity[T], error) {
	res, err := r.backend.Search(ctx, r.index, q)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", r.index, err)
	}
	entities := make([]mirror.Entity[T], 0, len(res.Documents))
	for _, doc := range res.Documents {
		entity, err := decode[T](doc)
		if err != nil {
			r.logger.Warn("skipping malformed document", zap.String("id", doc.ID), zap.Error(err))
			metrics.ObserveMalformed(r.index)
			continue
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// FindByUpstreamID looks the entity up through the data.id field.
func (r *Repository[T]) FindByUpstreamID(ctx context.Context, id uint32) (mirror.Entity[T], bool, error) {
	found, err := r.Find(ctx, store.Query{
		Filters: []store.Filter{store.Term(mirror.FieldID, id)},
		Size:    1,
	})
	if err != nil || len(found) == 0 {
		return mirror.Entity[T]{}, false, err
	}
	return found[0], true, nil
}

// MaxID returns the highest upstream id among entities matching filters.
func (r *Repository[T]) MaxID(ctx context.Context, filters ...store.Filter) (uint32, bool, error) {
	res, err := r.backend.Search(ctx, r.index, store.Query{Filters: filters, MaxOf: mirror.FieldID})
	if err != nil {
		return 0, false, fmt.Errorf("max id in %s: %w", r.index, err)
	}
	if res.Max == nil {
		return 0, false, nil
	}
	return uint32(*res.Max), true, nil
}

func encode[T mirror.Item](entity mirror.Entity[T]) (store.Document, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return store.Document{}, fmt.Errorf("encode entity %d: %w", entity.ID(), err)
	}
	return store.Document{ID: entity.DocumentID(), Source: raw}, nil
}

func decode[T mirror.Item](doc store.Document) (mirror.Entity[T], error) {
	var entity mirror.Entity[T]
	if err := json.Unmarshal(doc.Source, &entity); err != nil {
		return mirror.Entity[T]{}, fmt.Errorf("decode %s: %w: %w", doc.ID, mirror.ErrMalformedDocument, err)
	}
	return entity, nil
}
