package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Document is one stored JSON body and its id.
type Document struct {
	ID     string
	Source json.RawMessage
}

// Op is a filter comparison.
type Op string

// Supported filter comparisons.
const (
	OpTerm  Op = "term"
	OpTerms Op = "terms"
	OpLte   Op = "lte"
)

// Filter restricts a search to documents whose field matches.
// A field path that crosses an array matches if any element matches.
type Filter struct {
	Field  string
	Op     Op
	Values []any
}

// Term matches documents whose field equals value.
func Term(field string, value any) Filter {
	return Filter{Field: field, Op: OpTerm, Values: []any{value}}
}

// Terms matches documents whose field equals any of values.
func Terms(field string, values ...any) Filter {
	return Filter{Field: field, Op: OpTerms, Values: values}
}

// Lte matches documents whose field is less than or equal to bound.
// Bounds may be numbers or time.Time values.
func Lte(field string, bound any) Filter {
	return Filter{Field: field, Op: OpLte, Values: []any{bound}}
}

// Text is a case-insensitive full-text match: every whitespace separated
// term must appear in at least one of Fields.
type Text struct {
	Query  string
	Fields []string
}

// Terms splits the query into lowercase terms.
func (t Text) Terms() []string {
	return strings.Fields(strings.ToLower(t.Query))
}

// Query describes a search. Size zero returns no documents, which is useful
// when only the aggregate is wanted.
type Query struct {
	Filters []Filter
	Text    *Text
	Size    int
	From    int
	// SortBy orders results ascending by a numeric field; empty keeps the
	// store's default order.
	SortBy string
	// MaxOf requests the maximum numeric value of a field across every
	// matching document, ignoring Size and From.
	MaxOf string
}

// SearchResult is the ordered page of matches plus the optional aggregate.
type SearchResult struct {
	Documents []Document
	// Max is nil when no aggregate was requested or nothing matched.
	Max *float64
}

// BulkResult is the outcome for one document of a bulk create.
type BulkResult struct {
	ID  string
	Err error
}

// Backend is an indexed document collection. Every call is a round trip;
// implementations keep no cache.
type Backend interface {
	// EnsureIndex creates the index if it does not exist.
	EnsureIndex(ctx context.Context, index string) error
	// Get returns the document with id, reporting false if absent.
	Get(ctx context.Context, index, id string) (Document, bool, error)
	// Create stores a new document and fails with mirror.ErrConflict if the id exists.
	Create(ctx context.Context, index string, doc Document) error
	// Update replaces an existing document and fails with mirror.ErrDocumentMissing if absent.
	Update(ctx context.Context, index string, doc Document) error
	// BulkCreate creates each document independently: one conflict does not
	// abort its siblings. The returned slice has one entry per input document.
	BulkCreate(ctx context.Context, index string, docs []Document) ([]BulkResult, error)
	// Search runs q against the index.
	Search(ctx context.Context, index string, q Query) (SearchResult, error)
	// Close releases backend resources.
	Close() error
}

var validField = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)

// ValidateField rejects field paths that are not dotted identifiers.
func ValidateField(field string) error {
	if !validField.MatchString(field) {
		return fmt.Errorf("invalid field path %q", field)
	}
	return nil
}

// Validate checks every field referenced by the query.
func (q Query) Validate() error {
	if q.Size < 0 || q.From < 0 {
		return fmt.Errorf("size and from must be >= 0")
	}
	for _, f := range q.Filters {
		if err := ValidateField(f.Field); err != nil {
			return err
		}
		if len(f.Values) == 0 {
			return fmt.Errorf("filter on %q has no values", f.Field)
		}
		switch f.Op {
		case OpTerm, OpTerms, OpLte:
		default:
			return fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	if q.Text != nil {
		for _, field := range q.Text.Fields {
			if err := ValidateField(field); err != nil {
				return err
			}
		}
	}
	for _, field := range []string{q.SortBy, q.MaxOf} {
		if field == "" {
			continue
		}
		if err := ValidateField(field); err != nil {
			return err
		}
	}
	return nil
}
