// Package upstream is the osu! API v2 client used by the resolver, crawler
// and updater. Callers only see found, absent or a final error; rate limiting
// and retries happen inside.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/beatmap-mirror/internal/metrics"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
)

// Defaults for the public osu! API.
const (
	DefaultBaseURL  = "https://osu.ppy.sh/api/v2"
	DefaultTokenURL = "https://osu.ppy.sh/oauth/token"
)

// Config controls authentication, pacing and retries.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// RateLimitRPS of zero disables pacing.
	RateLimitRPS   float64
	Burst          int
	MaxRetries     int
	Timeout        time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Client implements mirror.Upstream.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	retry   RetryPolicy
	logger  *zap.Logger
}

// New authenticates with the client-credentials flow.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("upstream client credentials are required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{"public"},
	}
	// The token endpoint is reached through a client carrying the same timeout.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	httpClient := cc.Client(ctx)
	httpClient.Timeout = cfg.Timeout
	return NewWithHTTPClient(httpClient, cfg, logger), nil
}

// NewWithHTTPClient uses httpClient as is (primarily for testing).
func NewWithHTTPClient(httpClient *http.Client, cfg Config, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Limit(cfg.RateLimitRPS)
	if cfg.RateLimitRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(limit, burst),
		retry:   NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		logger:  logger.Named("upstream"),
	}
}

// Map fetches a single difficulty.
func (c *Client) Map(ctx context.Context, id uint32) (mirror.Map, bool, error) {
	var m mirror.Map
	found, err := c.get(ctx, mirror.KindMap, "/beatmaps/"+mirror.DocumentID(id), &m)
	if err != nil || !found {
		return mirror.Map{}, false, err
	}
	return m, true, nil
}

// MapSet fetches a map-set with its difficulties.
func (c *Client) MapSet(ctx context.Context, id uint32) (mirror.MapSet, bool, error) {
	var s mirror.MapSet
	found, err := c.get(ctx, mirror.KindMapSet, "/beatmapsets/"+mirror.DocumentID(id), &s)
	if err != nil || !found {
		return mirror.MapSet{}, false, err
	}
	return s, true, nil
}

type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.code, http.StatusText(e.code))
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= http.StatusInternalServerError
}

func (c *Client) get(ctx context.Context, kind mirror.Kind, path string, out any) (bool, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("rate limit wait: %w", err)
		}
		found, err := c.do(ctx, path, out)
		if err == nil {
			outcome := "found"
			if !found {
				outcome = "not_found"
			}
			metrics.ObserveUpstreamRequest(string(kind), outcome)
			return found, nil
		}
		metrics.ObserveUpstreamRequest(string(kind), "error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}

		if !transient(err) {
			return false, fmt.Errorf("get %s: %w", path, err)
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return false, fmt.Errorf("get %s: %w: %w", path, mirror.ErrTransient, err)
		}

		delay := c.retry.Backoff(attempt)
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.retryAfter > delay {
			delay = min(statusErr.retryAfter, c.retry.maxDelay)
		}
		c.logger.Debug("retrying upstream request",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) do(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, &permanentError{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, &statusError{code: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, &permanentError{err: fmt.Errorf("decode response: %w", err)}
	}
	return true, nil
}

// transient reports whether a failed attempt may succeed if repeated:
// network errors, 429 and 5xx.
func transient(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.retryable()
	}
	return true
}

// permanentError marks failures that a retry cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
