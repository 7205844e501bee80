package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/beatmap-mirror/internal/blob/gcs"
)

func newTestStore(t *testing.T, handler http.Handler) *gcs.BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	store, err := gcs.New(client, gcs.Config{Bucket: "mirror-exports"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestPutObject_Uploads(t *testing.T) {
	t.Parallel()

	var gotBody string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/mirror-exports/o")
		assert.Equal(t, "exports/maps-20240601T000000Z.ndjson", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		gotBody = string(body)
		fmt.Fprintln(w, `{"name":"exports/maps-20240601T000000Z.ndjson","bucket":"mirror-exports"}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), "exports/maps-20240601T000000Z.ndjson",
		"application/x-ndjson", strings.NewReader("{\"id\":1}\n"))
	require.NoError(t, err)
	assert.Equal(t, "gs://mirror-exports/exports/maps-20240601T000000Z.ndjson", uri)
	assert.Contains(t, gotBody, "{\"id\":1}")
	assert.Contains(t, gotBody, "application/x-ndjson")
}

func TestPutObject_Error(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler)

	_, err := store.PutObject(context.Background(), "x.ndjson", "", strings.NewReader("data"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("data"))
	require.Error(t, err)
}
