// Package export dumps a store index to newline-delimited JSON in a blob store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

// DefaultPageSize is used when Config.PageSize is not positive.
const DefaultPageSize = 500

const contentType = "application/x-ndjson"

// BlobStore receives the finished export.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Config controls where exports land and how the index is paged.
type Config struct {
	Prefix   string
	PageSize int
}

// Result describes one written export.
type Result struct {
	Index     string
	URI       string
	Documents int
}

// Exporter pages through indexes in id order. It only reads from the store.
type Exporter struct {
	backend  store.Backend
	blobs    BlobStore
	clock    mirror.Clock
	prefix   string
	pageSize int
	logger   *zap.Logger
}

// New builds an Exporter. A nil clock uses the wall clock and a nil logger
// discards output.
func New(backend store.Backend, blobs BlobStore, cfg Config, clock mirror.Clock, logger *zap.Logger) *Exporter {
	if clock == nil {
		clock = mirror.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Exporter{
		backend:  backend,
		blobs:    blobs,
		clock:    clock,
		prefix:   cfg.Prefix,
		pageSize: cfg.PageSize,
		logger:   logger.Named("export"),
	}
}

// ObjectPath is the blob path for an export of index taken at t.
func (e *Exporter) ObjectPath(index string, t time.Time) string {
	name := fmt.Sprintf("%s-%s.ndjson", index, t.UTC().Format("20060102T150405Z"))
	if e.prefix == "" {
		return name
	}
	return path.Join(e.prefix, name)
}

// Export writes every document of index, one stored body per line.
func (e *Exporter) Export(ctx context.Context, index string) (Result, error) {
	started := e.clock.Now()
	var buf bytes.Buffer
	count := 0
	for from := 0; ; from += e.pageSize {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := e.backend.Search(ctx, index, store.Query{
			Size:   e.pageSize,
			From:   from,
			SortBy: mirror.FieldID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("read %s page at %d: %w", index, from, err)
		}
		for _, doc := range res.Documents {
			if err := writeLine(&buf, doc.Source); err != nil {
				return Result{}, fmt.Errorf("encode document %s: %w", doc.ID, err)
			}
			count++
		}
		if len(res.Documents) < e.pageSize {
			break
		}
	}

	uri, err := e.blobs.PutObject(ctx, e.ObjectPath(index, started), contentType, &buf)
	if err != nil {
		return Result{}, fmt.Errorf("write export of %s: %w", index, err)
	}
	e.logger.Info("index exported",
		zap.String("index", index),
		zap.String("uri", uri),
		zap.Int("documents", count),
		zap.Duration("elapsed", e.clock.Now().Sub(started)),
	)
	return Result{Index: index, URI: uri, Documents: count}, nil
}

// ExportAll exports each index in turn and stops at the first failure.
func (e *Exporter) ExportAll(ctx context.Context, indexes ...string) ([]Result, error) {
	results := make([]Result, 0, len(indexes))
	for _, index := range indexes {
		res, err := e.Export(ctx, index)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// writeLine compacts src so pretty-printed bodies still occupy one line.
func writeLine(buf *bytes.Buffer, src []byte) error {
	if err := json.Compact(buf, src); err != nil {
		return err
	}
	return buf.WriteByte('\n')
}
