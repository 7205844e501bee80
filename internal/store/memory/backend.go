// Package memory provides an in-memory document store for development and tests.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

type index struct {
	docs  map[string]json.RawMessage
	order []string
}

// Backend implements store.Backend with maps guarded by a RWMutex.
// Indices are created on first write when EnsureIndex was not called.
type Backend struct {
	mu      sync.RWMutex
	indices map[string]*index
}

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{indices: make(map[string]*index)}
}

// EnsureIndex creates the index if absent.
func (b *Backend) EnsureIndex(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indexLocked(name)
	return nil
}

func (b *Backend) indexLocked(name string) *index {
	idx, ok := b.indices[name]
	if !ok {
		idx = &index{docs: make(map[string]json.RawMessage)}
		b.indices[name] = idx
	}
	return idx
}

// Get returns a copy of the stored document.
func (b *Backend) Get(_ context.Context, name, id string) (store.Document, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.indices[name]
	if !ok {
		return store.Document{}, false, nil
	}
	raw, ok := idx.docs[id]
	if !ok {
		return store.Document{}, false, nil
	}
	return store.Document{ID: id, Source: clone(raw)}, true, nil
}

// Create stores a new document.
func (b *Backend) Create(_ context.Context, name string, doc store.Document) error {
	if err := checkDocument(doc); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.indexLocked(name)
	if _, exists := idx.docs[doc.ID]; exists {
		return fmt.Errorf("create %s/%s: %w", name, doc.ID, mirror.ErrConflict)
	}
	idx.docs[doc.ID] = clone(doc.Source)
	idx.order = append(idx.order, doc.ID)
	return nil
}

// Update replaces an existing document in place.
func (b *Backend) Update(_ context.Context, name string, doc store.Document) error {
	if err := checkDocument(doc); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.indices[name]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", name, doc.ID, mirror.ErrDocumentMissing)
	}
	if _, exists := idx.docs[doc.ID]; !exists {
		return fmt.Errorf("update %s/%s: %w", name, doc.ID, mirror.ErrDocumentMissing)
	}
	idx.docs[doc.ID] = clone(doc.Source)
	return nil
}

// BulkCreate creates each document independently.
func (b *Backend) BulkCreate(ctx context.Context, name string, docs []store.Document) ([]store.BulkResult, error) {
	results := make([]store.BulkResult, len(docs))
	for i, doc := range docs {
		results[i] = store.BulkResult{ID: doc.ID, Err: b.Create(ctx, name, doc)}
	}
	return results, nil
}

// Search scans the index in insertion order.
func (b *Backend) Search(_ context.Context, name string, q store.Query) (store.SearchResult, error) {
	if err := q.Validate(); err != nil {
		return store.SearchResult{}, err
	}
	matcher, err := newMatcher(q)
	if err != nil {
		return store.SearchResult{}, err
	}

	b.mu.RLock()
	idx, ok := b.indices[name]
	var matched []match
	if ok {
		for _, id := range idx.order {
			raw := idx.docs[id]
			var body any
			if err := json.Unmarshal(raw, &body); err != nil {
				continue
			}
			if matcher.matches(body) {
				matched = append(matched, match{doc: store.Document{ID: id, Source: clone(raw)}, body: body})
			}
		}
	}
	b.mu.RUnlock()

	var result store.SearchResult
	if q.MaxOf != "" {
		result.Max = maxOf(matched, q.MaxOf)
	}
	if q.SortBy != "" {
		path := splitPath(q.SortBy)
		sort.SliceStable(matched, func(i, j int) bool {
			return sortKey(matched[i].body, path) < sortKey(matched[j].body, path)
		})
	}
	if q.From >= len(matched) || q.Size == 0 {
		return result, nil
	}
	end := q.From + q.Size
	if end > len(matched) {
		end = len(matched)
	}
	for _, m := range matched[q.From:end] {
		result.Documents = append(result.Documents, m.doc)
	}
	return result, nil
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

// Len reports how many documents an index holds.
func (b *Backend) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.indices[name]
	if !ok {
		return 0
	}
	return len(idx.docs)
}

type match struct {
	doc  store.Document
	body any
}

func checkDocument(doc store.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if !json.Valid(doc.Source) {
		return fmt.Errorf("document %s is not valid JSON", doc.ID)
	}
	return nil
}

func clone(raw json.RawMessage) json.RawMessage {
	return bytes.Clone(raw)
}

type compiledFilter struct {
	path   []string
	op     store.Op
	values []any
}

type matcher struct {
	filters []compiledFilter
	terms   []string
	fields  [][]string
}

func newMatcher(q store.Query) (*matcher, error) {
	m := &matcher{}
	for _, f := range q.Filters {
		values := make([]any, 0, len(f.Values))
		for _, v := range f.Values {
			nv, err := normalize(v)
			if err != nil {
				return nil, fmt.Errorf("filter %s: %w", f.Field, err)
			}
			values = append(values, nv)
		}
		m.filters = append(m.filters, compiledFilter{path: splitPath(f.Field), op: f.Op, values: values})
	}
	if q.Text != nil {
		m.terms = q.Text.Terms()
		for _, field := range q.Text.Fields {
			m.fields = append(m.fields, splitPath(field))
		}
	}
	return m, nil
}

func (m *matcher) matches(body any) bool {
	for _, f := range m.filters {
		if !f.matches(lookup(body, f.path)) {
			return false
		}
	}
	for _, term := range m.terms {
		if !m.termMatches(body, term) {
			return false
		}
	}
	return true
}

func (m *matcher) termMatches(body any, term string) bool {
	for _, path := range m.fields {
		for _, v := range lookup(body, path) {
			s, ok := v.(string)
			if ok && strings.Contains(strings.ToLower(s), term) {
				return true
			}
		}
	}
	return false
}

func (f compiledFilter) matches(found []any) bool {
	for _, v := range found {
		for _, want := range f.values {
			switch f.op {
			case store.OpTerm, store.OpTerms:
				if v == want {
					return true
				}
			case store.OpLte:
				if c, ok := compare(v, want); ok && c <= 0 {
					return true
				}
			}
		}
	}
	return false
}

// normalize converts a filter value to the shape encoding/json decodes into.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode filter value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode filter value: %w", err)
	}
	return out, nil
}

func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		at, aerr := time.Parse(time.RFC3339Nano, av)
		bt, berr := time.Parse(time.RFC3339Nano, bv)
		if aerr == nil && berr == nil {
			return at.Compare(bt), true
		}
		return strings.Compare(av, bv), true
	}
	return 0, false
}

func splitPath(field string) []string {
	return strings.Split(field, ".")
}

// lookup collects every value reached by path, flattening arrays on the way.
func lookup(body any, path []string) []any {
	if len(path) == 0 {
		if arr, ok := body.([]any); ok {
			return arr
		}
		return []any{body}
	}
	switch node := body.(type) {
	case map[string]any:
		child, ok := node[path[0]]
		if !ok {
			return nil
		}
		return lookup(child, path[1:])
	case []any:
		var out []any
		for _, el := range node {
			out = append(out, lookup(el, path)...)
		}
		return out
	}
	return nil
}

func maxOf(matched []match, field string) *float64 {
	path := splitPath(field)
	var (
		best  float64
		found bool
	)
	for _, m := range matched {
		for _, v := range lookup(m.body, path) {
			n, ok := v.(float64)
			if !ok {
				continue
			}
			if !found || n > best {
				best = n
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return &best
}

func sortKey(body any, path []string) float64 {
	for _, v := range lookup(body, path) {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
