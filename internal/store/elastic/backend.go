// Package elastic stores catalog documents in Elasticsearch, one index per kind.
package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

// Config holds cluster connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	// Insecure disables TLS certificate verification.
	Insecure bool
}

// Backend implements store.Backend with the official client. Writes wait for
// a refresh so subsequent searches observe them.
type Backend struct {
	client *elasticsearch.Client
}

// New builds a client from cfg.
func New(cfg Config) (*Backend, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("store.elastic.addresses is required")
	}
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.Insecure {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for dev clusters
		esCfg.Transport = transport
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Backend{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *elasticsearch.Client) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	return &Backend{client: client}, nil
}

// Close is a no-op; the client holds no resources beyond its transport.
func (b *Backend) Close() error {
	return nil
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "crawled": {"type": "boolean"},
      "created_at": {"type": "date"},
      "updated_at": {"type": "date"},
      "last_checked": {"type": "date"},
      "data": {
        "properties": {
          "id": {"type": "long"},
          "status": {"type": "integer"}
        }
      }
    }
  }
}`

// EnsureIndex creates the index with its mapping. An existing index is fine.
func (b *Backend) EnsureIndex(ctx context.Context, index string) error {
	res, err := b.client.Indices.Create(index,
		b.client.Indices.Create.WithContext(ctx),
		b.client.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer closeBody(res)
	if !res.IsError() {
		return nil
	}
	body := readBody(res)
	if res.StatusCode == http.StatusBadRequest && strings.Contains(body, "resource_already_exists_exception") {
		return nil
	}
	return fmt.Errorf("create index %s: %s: %s", index, res.Status(), body)
}

// Get fetches one document by id.
func (b *Backend) Get(ctx context.Context, index, id string) (store.Document, bool, error) {
	res, err := b.client.Get(index, id, b.client.Get.WithContext(ctx))
	if err != nil {
		return store.Document{}, false, fmt.Errorf("get %s/%s: %w", index, id, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return store.Document{}, false, nil
	}
	if res.IsError() {
		return store.Document{}, false, fmt.Errorf("get %s/%s: %s: %s", index, id, res.Status(), readBody(res))
	}
	var payload struct {
		Found  bool            `json:"found"`
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return store.Document{}, false, fmt.Errorf("decode get %s/%s: %w", index, id, err)
	}
	if !payload.Found {
		return store.Document{}, false, nil
	}
	return store.Document{ID: id, Source: payload.Source}, true, nil
}

// Create indexes a new document, failing with mirror.ErrConflict if the id exists.
func (b *Backend) Create(ctx context.Context, index string, doc store.Document) error {
	res, err := b.client.Create(index, doc.ID, bytes.NewReader(doc.Source),
		b.client.Create.WithContext(ctx),
		b.client.Create.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", index, doc.ID, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusConflict {
		return fmt.Errorf("create %s/%s: %w", index, doc.ID, mirror.ErrConflict)
	}
	if res.IsError() {
		return fmt.Errorf("create %s/%s: %s: %s", index, doc.ID, res.Status(), readBody(res))
	}
	return nil
}

// replaceScript swaps the whole source rather than merging into it, so
// fields dropped from the new body do not linger.
const replaceScript = "ctx._source.clear(); ctx._source.putAll(params.doc)"

// Update replaces an existing document.
func (b *Backend) Update(ctx context.Context, index string, doc store.Document) error {
	body, err := json.Marshal(map[string]any{
		"script": map[string]any{
			"source": replaceScript,
			"lang":   "painless",
			"params": map[string]json.RawMessage{"doc": doc.Source},
		},
	})
	if err != nil {
		return fmt.Errorf("encode update %s/%s: %w", index, doc.ID, err)
	}
	res, err := b.client.Update(index, doc.ID, bytes.NewReader(body),
		b.client.Update.WithContext(ctx),
		b.client.Update.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", index, doc.ID, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("update %s/%s: %w", index, doc.ID, mirror.ErrDocumentMissing)
	}
	if res.IsError() {
		return fmt.Errorf("update %s/%s: %s: %s", index, doc.ID, res.Status(), readBody(res))
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	} `json:"items"`
}

// BulkCreate sends one create action per document in a single bulk request.
func (b *Backend) BulkCreate(ctx context.Context, index string, docs []store.Document) ([]store.BulkResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	for _, d := range docs {
		meta, err := json.Marshal(map[string]any{"create": map[string]string{"_index": index, "_id": d.ID}})
		if err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(bytes.TrimSpace(d.Source))
		buf.WriteByte('\n')
	}
	res, err := b.client.Bulk(&buf,
		b.client.Bulk.WithContext(ctx),
		b.client.Bulk.WithIndex(index),
		b.client.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return nil, fmt.Errorf("bulk create %s: %w", index, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return nil, fmt.Errorf("bulk create %s: %s: %s", index, res.Status(), readBody(res))
	}
	var payload bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode bulk create %s: %w", index, err)
	}
	if len(payload.Items) != len(docs) {
		return nil, fmt.Errorf("bulk create %s: got %d items for %d documents", index, len(payload.Items), len(docs))
	}
	results := make([]store.BulkResult, len(docs))
	for i, item := range payload.Items {
		outcome := item["create"]
		results[i] = store.BulkResult{ID: docs[i].ID}
		switch {
		case outcome.Status == http.StatusConflict:
			results[i].Err = fmt.Errorf("create %s/%s: %w", index, docs[i].ID, mirror.ErrConflict)
		case outcome.Status >= 300:
			results[i].Err = fmt.Errorf("create %s/%s: status %d: %s", index, docs[i].ID, outcome.Status, outcome.Error)
		}
	}
	return results, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Value *float64 `json:"value"`
	} `json:"aggregations"`
}

// Search runs q as a bool query. A missing index yields an empty result.
func (b *Backend) Search(ctx context.Context, index string, q store.Query) (store.SearchResult, error) {
	if err := q.Validate(); err != nil {
		return store.SearchResult{}, err
	}
	body, err := json.Marshal(buildSearch(q))
	if err != nil {
		return store.SearchResult{}, fmt.Errorf("encode search: %w", err)
	}
	res, err := b.client.Search(
		b.client.Search.WithContext(ctx),
		b.client.Search.WithIndex(index),
		b.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return store.SearchResult{}, fmt.Errorf("search %s: %w", index, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return store.SearchResult{}, nil
	}
	if res.IsError() {
		return store.SearchResult{}, fmt.Errorf("search %s: %s: %s", index, res.Status(), readBody(res))
	}
	var payload searchResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return store.SearchResult{}, fmt.Errorf("decode search %s: %w", index, err)
	}
	var result store.SearchResult
	for _, hit := range payload.Hits.Hits {
		result.Documents = append(result.Documents, store.Document{ID: hit.ID, Source: hit.Source})
	}
	if agg, ok := payload.Aggregations["max"]; ok {
		result.Max = agg.Value
	}
	return result, nil
}

func buildSearch(q store.Query) map[string]any {
	var filters, must []any
	for _, f := range q.Filters {
		switch f.Op {
		case store.OpTerm:
			filters = append(filters, map[string]any{"term": map[string]any{f.Field: f.Values[0]}})
		case store.OpTerms:
			filters = append(filters, map[string]any{"terms": map[string]any{f.Field: f.Values}})
		case store.OpLte:
			filters = append(filters, map[string]any{"range": map[string]any{f.Field: map[string]any{"lte": f.Values[0]}}})
		}
	}
	if q.Text != nil && len(q.Text.Terms()) > 0 {
		must = append(must, map[string]any{"simple_query_string": map[string]any{
			"query":            q.Text.Query,
			"fields":           q.Text.Fields,
			"default_operator": "and",
		}})
	}

	query := map[string]any{"match_all": map[string]any{}}
	if len(filters) > 0 || len(must) > 0 {
		boolQuery := map[string]any{}
		if len(filters) > 0 {
			boolQuery["filter"] = filters
		}
		if len(must) > 0 {
			boolQuery["must"] = must
		}
		query = map[string]any{"bool": boolQuery}
	}

	body := map[string]any{
		"query": query,
		"size":  q.Size,
		"from":  q.From,
	}
	if q.SortBy != "" {
		body["sort"] = []any{map[string]any{q.SortBy: map[string]any{"order": "asc"}}}
	}
	if q.MaxOf != "" {
		body["aggs"] = map[string]any{"max": map[string]any{"max": map[string]any{"field": q.MaxOf}}}
	}
	return body
}

func readBody(res *esapi.Response) string {
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return ""
	}
	return string(raw)
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
}
