package elastic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
}

type fakeCluster struct {
	mu       sync.Mutex
	requests []recorded
	respond  func(r *http.Request, body string) (int, string)
}

const clusterInfo = `{"name":"test","cluster_name":"test","version":{"number":"8.15.0","build_flavor":"default"},"tagline":"You Know, for Search"}`

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		_, _ = io.WriteString(w, clusterInfo)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(raw)})
	f.mu.Unlock()
	status, body := f.respond(r, string(raw))
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeCluster) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestBackend(t *testing.T, respond func(r *http.Request, body string) (int, string)) (*Backend, *fakeCluster) {
	t.Helper()
	cluster := &fakeCluster{respond: respond}
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)
	b, err := New(Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return b, cluster
}

func TestEnsureIndexToleratesExisting(t *testing.T) {
	t.Parallel()

	b, cluster := newTestBackend(t, func(*http.Request, string) (int, string) {
		return http.StatusBadRequest, `{"error":{"type":"resource_already_exists_exception"},"status":400}`
	})
	require.NoError(t, b.EnsureIndex(context.Background(), "maps"))
	req := cluster.last()
	require.Equal(t, http.MethodPut, req.method)
	require.Equal(t, "/maps", req.path)
	require.Contains(t, req.body, `"last_checked"`)
}

func TestGetFoundAndMissing(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t, func(r *http.Request, _ string) (int, string) {
		if strings.HasSuffix(r.URL.Path, "/1") {
			return http.StatusOK, `{"_id":"1","found":true,"_source":{"data":{"id":1}}}`
		}
		return http.StatusNotFound, `{"_id":"2","found":false}`
	})
	doc, ok, err := b.Get(context.Background(), "maps", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"data":{"id":1}}`, string(doc.Source))

	_, ok, err = b.Get(context.Background(), "maps", "2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateConflict(t *testing.T) {
	t.Parallel()

	b, cluster := newTestBackend(t, func(*http.Request, string) (int, string) {
		return http.StatusConflict, `{"error":{"type":"version_conflict_engine_exception"},"status":409}`
	})
	err := b.Create(context.Background(), "maps", store.Document{ID: "5", Source: json.RawMessage(`{"data":{"id":5}}`)})
	require.ErrorIs(t, err, mirror.ErrConflict)
	req := cluster.last()
	require.Equal(t, "/maps/_create/5", req.path)
	require.Contains(t, req.query, "refresh=wait_for")
}

func TestUpdateReplacesSourceAndMapsMissing(t *testing.T) {
	t.Parallel()

	b, cluster := newTestBackend(t, func(*http.Request, string) (int, string) {
		return http.StatusNotFound, `{"error":{"type":"document_missing_exception"},"status":404}`
	})
	err := b.Update(context.Background(), "maps", store.Document{ID: "5", Source: json.RawMessage(`{"data":{"id":5}}`)})
	require.ErrorIs(t, err, mirror.ErrDocumentMissing)

	var body struct {
		Script struct {
			Source string `json:"source"`
			Params struct {
				Doc json.RawMessage `json:"doc"`
			} `json:"params"`
		} `json:"script"`
	}
	require.NoError(t, json.Unmarshal([]byte(cluster.last().body), &body))
	require.Equal(t, replaceScript, body.Script.Source)
	require.JSONEq(t, `{"data":{"id":5}}`, string(body.Script.Params.Doc))
}

func TestBulkCreatePerItemOutcomes(t *testing.T) {
	t.Parallel()

	b, cluster := newTestBackend(t, func(*http.Request, string) (int, string) {
		return http.StatusOK, `{"errors":true,"items":[
			{"create":{"_id":"1","status":201}},
			{"create":{"_id":"2","status":409,"error":{"type":"version_conflict_engine_exception"}}},
			{"create":{"_id":"3","status":500,"error":{"type":"boom"}}}
		]}`
	})
	results, err := b.BulkCreate(context.Background(), "maps", []store.Document{
		{ID: "1", Source: json.RawMessage(`{"a":1}`)},
		{ID: "2", Source: json.RawMessage(`{"a":2}`)},
		{ID: "3", Source: json.RawMessage(`{"a":3}`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, mirror.ErrConflict)
	require.Error(t, results[2].Err)
	require.NotErrorIs(t, results[2].Err, mirror.ErrConflict)

	scanner := bufio.NewScanner(strings.NewReader(cluster.last().body))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 6)
	require.JSONEq(t, `{"create":{"_index":"maps","_id":"1"}}`, lines[0])
	require.JSONEq(t, `{"a":1}`, lines[1])
}

func TestSearchBuildsBoolQuery(t *testing.T) {
	t.Parallel()

	b, cluster := newTestBackend(t, func(*http.Request, string) (int, string) {
		return http.StatusOK, `{"hits":{"hits":[{"_id":"9","_source":{"data":{"id":9}}}]},"aggregations":{"max":{"value":9}}}`
	})
	res, err := b.Search(context.Background(), "mapsets", store.Query{
		Filters: []store.Filter{
			store.Term(mirror.FieldCrawled, true),
			store.Terms(mirror.FieldStatus, mirror.StatusPending, mirror.StatusQualified),
		},
		Text:   &store.Text{Query: "camellia", Fields: []string{"data.artist"}},
		Size:   1,
		SortBy: mirror.FieldID,
		MaxOf:  mirror.FieldID,
	})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	require.Equal(t, "9", res.Documents[0].ID)
	require.NotNil(t, res.Max)
	require.InDelta(t, 9, *res.Max, 0)

	req := cluster.last()
	require.Equal(t, "/mapsets/_search", req.path)
	require.JSONEq(t, `{
		"query": {"bool": {
			"filter": [
				{"term": {"crawled": true}},
				{"terms": {"data.status": [0, 3]}}
			],
			"must": [{"simple_query_string": {"query": "camellia", "fields": ["data.artist"], "default_operator": "and"}}]
		}},
		"size": 1,
		"from": 0,
		"sort": [{"data.id": {"order": "asc"}}],
		"aggs": {"max": {"max": {"field": "data.id"}}}
	}`, req.body)
}

func TestSearchMissingIndexIsEmpty(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t, func(*http.Request, string) (int, string) {
		return http.StatusNotFound, `{"error":{"type":"index_not_found_exception"},"status":404}`
	})
	res, err := b.Search(context.Background(), "maps", store.Query{Size: 10, MaxOf: mirror.FieldID})
	require.NoError(t, err)
	require.Empty(t, res.Documents)
	require.Nil(t, res.Max)
}

func TestNewRequiresAddresses(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
