// Package postgres stores catalog documents as JSONB rows, one table per index.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

const (
	codeUniqueViolation = "23505"
	codeUndefinedTable  = "42P01"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Backend implements store.Backend on top of a pgx pool.
type Backend struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Backend{pool: p}, nil
}

// NewWithPool constructs a backend from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Backend{pool: p}, nil
}

// Close releases the underlying pool resources.
func (b *Backend) Close() error {
	if b == nil || b.pool == nil {
		return nil
	}
	b.pool.Close()
	return nil
}

func table(index string) (string, error) {
	if !validTableName.MatchString(index) {
		return "", fmt.Errorf("invalid index name %q", index)
	}
	return index, nil
}

// EnsureIndex creates the index table if it does not exist.
func (b *Backend) EnsureIndex(ctx context.Context, index string) error {
	t, err := table(index)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	seq BIGSERIAL
)`, t)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", t, err)
	}
	return nil
}

// Get fetches one document. A missing table reads as an absent document.
func (b *Backend) Get(ctx context.Context, index, id string) (store.Document, bool, error) {
	t, err := table(index)
	if err != nil {
		return store.Document{}, false, err
	}
	var raw []byte
	err = b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, t), id).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows), isCode(err, codeUndefinedTable):
		return store.Document{}, false, nil
	case err != nil:
		return store.Document{}, false, fmt.Errorf("get %s/%s: %w", t, id, err)
	}
	return store.Document{ID: id, Source: raw}, true, nil
}

// Create inserts a new row, failing with mirror.ErrConflict on a duplicate id.
func (b *Backend) Create(ctx context.Context, index string, doc store.Document) error {
	t, err := table(index)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)`, t), doc.ID, []byte(doc.Source))
	if isCode(err, codeUniqueViolation) {
		return fmt.Errorf("create %s/%s: %w", t, doc.ID, mirror.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", t, doc.ID, err)
	}
	return nil
}

// Update replaces the body of an existing row.
func (b *Backend) Update(ctx context.Context, index string, doc store.Document) error {
	t, err := table(index)
	if err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET doc = $2 WHERE id = $1`, t), doc.ID, []byte(doc.Source))
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", t, doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s/%s: %w", t, doc.ID, mirror.ErrDocumentMissing)
	}
	return nil
}

// BulkCreate inserts every document in one statement. Rows that already
// existed are skipped by the database and reported as conflicts.
func (b *Backend) BulkCreate(ctx context.Context, index string, docs []store.Document) ([]store.BulkResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	t, err := table(index)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	bodies := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		bodies[i] = string(d.Source)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, doc)
SELECT t.id, t.doc::jsonb FROM unnest($1::text[], $2::text[]) AS t(id, doc)
ON CONFLICT (id) DO NOTHING
RETURNING id`, t)
	rows, err := b.pool.Query(ctx, query, ids, bodies)
	if err != nil {
		return nil, fmt.Errorf("bulk create %s: %w", t, err)
	}
	defer rows.Close()

	inserted := make(map[string]bool, len(docs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bulk create %s: %w", t, err)
		}
		inserted[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk create %s: %w", t, err)
	}

	results := make([]store.BulkResult, len(docs))
	for i, d := range docs {
		results[i] = store.BulkResult{ID: d.ID}
		if inserted[d.ID] {
			// A second copy of the same id in one batch is a conflict.
			delete(inserted, d.ID)
			continue
		}
		results[i].Err = fmt.Errorf("create %s/%s: %w", t, d.ID, mirror.ErrConflict)
	}
	return results, nil
}

// Search translates q into SQL over the JSONB column.
func (b *Backend) Search(ctx context.Context, index string, q store.Query) (store.SearchResult, error) {
	if err := q.Validate(); err != nil {
		return store.SearchResult{}, err
	}
	t, err := table(index)
	if err != nil {
		return store.SearchResult{}, err
	}
	where, args, err := buildWhere(q)
	if err != nil {
		return store.SearchResult{}, err
	}

	var result store.SearchResult
	if q.MaxOf != "" {
		maxArgs := append(append([]any(nil), args...), pathArray(q.MaxOf))
		query := fmt.Sprintf(`SELECT max((doc #>> $%d::text[])::float8) FROM %s%s`, len(maxArgs), t, where)
		var maxVal *float64
		err := b.pool.QueryRow(ctx, query, maxArgs...).Scan(&maxVal)
		if isCode(err, codeUndefinedTable) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("max %s of %s: %w", q.MaxOf, t, err)
		}
		result.Max = maxVal
	}
	if q.Size == 0 {
		return result, nil
	}

	order := " ORDER BY seq"
	if q.SortBy != "" {
		args = append(args, pathArray(q.SortBy))
		order = fmt.Sprintf(" ORDER BY (doc #>> $%d::text[])::numeric, seq", len(args))
	}
	args = append(args, q.Size, q.From)
	query := fmt.Sprintf(`SELECT id, doc FROM %s%s%s LIMIT $%d OFFSET $%d`, t, where, order, len(args)-1, len(args))
	rows, err := b.pool.Query(ctx, query, args...)
	if isCode(err, codeUndefinedTable) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("search %s: %w", t, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return result, fmt.Errorf("scan %s: %w", t, err)
		}
		result.Documents = append(result.Documents, store.Document{ID: id, Source: raw})
	}
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("search %s: %w", t, err)
	}
	return result, nil
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func buildWhere(q store.Query) (string, []any, error) {
	w := &whereBuilder{}
	for _, f := range q.Filters {
		switch f.Op {
		case store.OpTerm, store.OpTerms:
			path, vars, err := termPath(f)
			if err != nil {
				return "", nil, err
			}
			w.clauses = append(w.clauses, fmt.Sprintf("jsonb_path_exists(doc, %s::jsonpath, %s::jsonb)", w.arg(path), w.arg(vars)))
		case store.OpLte:
			bound := f.Values[0]
			cast := "numeric"
			if _, ok := bound.(time.Time); ok {
				cast = "timestamptz"
			}
			w.clauses = append(w.clauses, fmt.Sprintf("(doc #>> %s::text[])::%s <= %s", w.arg(pathArray(f.Field)), cast, w.arg(bound)))
		}
	}
	if q.Text != nil {
		paths := make([]string, len(q.Text.Fields))
		for i, field := range q.Text.Fields {
			paths[i] = jsonPath(field)
		}
		for _, term := range q.Text.Terms() {
			w.clauses = append(w.clauses, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM unnest(%s::jsonpath[]) AS p, jsonb_path_query(doc, p) AS v WHERE v #>> '{}' ILIKE %s)",
				w.arg(paths), w.arg("%"+escapeLike(term)+"%")))
		}
	}
	if len(w.clauses) == 0 {
		return "", w.args, nil
	}
	return " WHERE " + strings.Join(w.clauses, " AND "), w.args, nil
}

// termPath renders a lax jsonpath filter; lax mode unwraps arrays so a path
// through data.beatmaps matches when any child matches.
func termPath(f store.Filter) (string, string, error) {
	vars := make(map[string]any, len(f.Values))
	conds := make([]string, len(f.Values))
	for i, v := range f.Values {
		name := fmt.Sprintf("v%d", i)
		vars[name] = v
		conds[i] = "@ == $" + name
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return "", "", fmt.Errorf("encode filter %s: %w", f.Field, err)
	}
	return fmt.Sprintf("%s ? (%s)", jsonPath(f.Field), strings.Join(conds, " || ")), string(raw), nil
}

func jsonPath(field string) string {
	return "$." + field
}

func pathArray(field string) []string {
	return strings.Split(field, ".")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
