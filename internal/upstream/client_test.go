package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
)

const setBody = `{
	"id": 1,
	"artist": "Camellia",
	"title": "Ghost",
	"creator": "mapper",
	"status": "qualified",
	"last_updated": "2024-05-01T12:00:00Z",
	"beatmaps": [{"id": 10, "beatmapset_id": 1, "mode": "mania", "status": "qualified", "version": "Extreme", "cs": 7}]
}`

func testConfig(url string) Config {
	return Config{
		BaseURL:        url,
		MaxRetries:     2,
		Timeout:        time.Second,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}
}

func TestMapSetDecodesUpstreamNames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/beatmapsets/1", r.URL.Path)
		_, _ = fmt.Fprint(w, setBody)
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), testConfig(srv.URL), nil)
	set, found, err := c.MapSet(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, mirror.StatusQualified, set.Status)
	require.Len(t, set.Maps, 1)
	require.Equal(t, mirror.ModeMania, set.Maps[0].Mode)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), set.LastUpdated)
}

func TestNotFoundIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), testConfig(srv.URL), nil)
	_, found, err := c.Map(context.Background(), 99)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRetriesTransientStatuses(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = fmt.Fprint(w, `{"id": 5, "beatmapset_id": 1, "mode": 0, "status": 1}`)
		}
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), testConfig(srv.URL), nil)
	m, found, err := c.Map(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(5), m.ID)
	require.Equal(t, int32(3), calls.Load())
}

func TestExhaustedRetriesWrapErrTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), testConfig(srv.URL), nil)
	_, found, err := c.MapSet(context.Background(), 1)
	require.False(t, found)
	require.ErrorIs(t, err, mirror.ErrTransient)
	require.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), testConfig(srv.URL), nil)
	_, _, err := c.MapSet(context.Background(), 1)
	require.Error(t, err)
	require.False(t, errors.Is(err, mirror.ErrTransient))
	require.Equal(t, int32(1), calls.Load())
}

func TestMalformedBodyIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = fmt.Fprint(w, `{"id": "nope"`)
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.Client(), testConfig(srv.URL), nil)
	_, _, err := c.Map(context.Background(), 1)
	require.Error(t, err)
	require.False(t, errors.Is(err, mirror.ErrTransient))
	require.Equal(t, int32(1), calls.Load())
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	c := NewWithHTTPClient(srv.Client(), cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := c.Map(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAttemptTimeoutsAreRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(300 * time.Millisecond):
			}
			return
		}
		_, _ = fmt.Fprint(w, `{"id": 5, "beatmapset_id": 1, "mode": 0, "status": 1}`)
	}))
	defer srv.Close()

	httpClient := srv.Client()
	httpClient.Timeout = 100 * time.Millisecond
	c := NewWithHTTPClient(httpClient, testConfig(srv.URL), nil)
	m, found, err := c.Map(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(5), m.ID)
	require.Equal(t, int32(2), calls.Load())
}

func TestNewUsesClientCredentials(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "public", r.PostForm.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/api/v2/beatmapsets/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprint(w, setBody)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(srv.URL + "/api/v2")
	cfg.TokenURL = srv.URL + "/oauth/token"
	cfg.ClientID = "id"
	cfg.ClientSecret = "secret"
	c, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	_, found, err := c.MapSet(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestRetryPolicyBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := range 6 {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	require.True(t, p.ShouldRetry(errors.New("x"), 2))
	require.False(t, p.ShouldRetry(errors.New("x"), 3))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 0))
}
