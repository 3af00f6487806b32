package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wajeht/shotcache/internal/cache"
	"github.com/wajeht/shotcache/internal/capture"
	"github.com/wajeht/shotcache/internal/keys"
	"github.com/wajeht/shotcache/internal/pipeline"
	"github.com/wajeht/shotcache/internal/ratelimit"
)

const testKeys = `[
	{
		"id": "acme",
		"kind": "standard",
		"secret": "sk_test_acme",
		"domains": ["example.com"],
		"requests_per_window": 100,
		"generations_per_window": 50
	},
	{
		"id": "ops",
		"kind": "administrative",
		"secret": "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		"requests_per_window": 1000,
		"generations_per_window": 1000
	}
]`

// sha256 preimage for the ops key above.
const adminSecret = "hello"

type staticEngine struct{ data []byte }

func (e *staticEngine) Capture(_ context.Context, _ string, _, _ int, _ time.Duration) ([]byte, error) {
	return e.data, nil
}

func newTestServer(t *testing.T) (*Server, *cache.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := cache.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keyStore, err := keys.Parse([]byte(testKeys))
	require.NoError(t, err)

	limiter := ratelimit.New(0, logger)
	t.Cleanup(limiter.Close)

	coordinator := capture.NewCoordinator(&staticEngine{data: []byte("img")}, 2, 800, 420, time.Second, logger)
	p := pipeline.New(pipeline.Config{
		Window:          time.Minute,
		ClientHitLimit:  1000,
		ClientMissLimit: 1000,
	}, store, limiter, coordinator, logger)

	return New(p, store, keyStore, 300, logger), store
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	s.Routes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestScreenshotRequiresKey(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/?url=https://example.com/a", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))
}

func TestScreenshotMissThenHit(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/?url=https://example.com/a", nil)
	req.Header.Set("X-API-Key", "sk_test_acme")
	rec := do(t, s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, []byte("img"), rec.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, "/?url=https://example.com/a?ref=x", nil)
	req.Header.Set("X-API-Key", "sk_test_acme")
	rec = do(t, s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
}

func TestScreenshotIfNoneMatchRevalidates(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/?url=https://example.com/a", nil)
	req.Header.Set("X-API-Key", "sk_test_acme")
	rec := do(t, s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	// Replaying the tag short-circuits before the pipeline.
	req = httptest.NewRequest(http.MethodGet, "/?url=https://example.com/a", nil)
	req.Header.Set("X-API-Key", "sk_test_acme")
	req.Header.Set("If-None-Match", etag)
	rec = do(t, s, req)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	// Revalidation is still authenticated.
	req = httptest.NewRequest(http.MethodGet, "/?url=https://example.com/a", nil)
	req.Header.Set("If-None-Match", etag)
	rec = do(t, s, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScreenshotMissingURL(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "sk_test_acme")
	rec := do(t, s, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", errorCode(t, rec))
}

func TestScreenshotDomainNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/?url=https://other.com/a", nil)
	req.Header.Set("X-API-Key", "sk_test_acme")
	rec := do(t, s, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "domain_not_allowed", errorCode(t, rec))
}

func TestAdminStatsRejectsStandardKey(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("X-API-Key", "sk_test_acme")
	rec := do(t, s, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminStats(t *testing.T) {
	s, store := newTestServer(t)
	_, err := store.Put("https://example.com/a", "https://example.com/a", []byte("img"), time.Second)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("X-API-Key", adminSecret)
	rec := do(t, s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalEntries)
}

func TestAdminDeleteAndPurge(t *testing.T) {
	s, store := newTestServer(t)
	entry, err := store.Put("https://example.com/a", "https://example.com/a", []byte("img"), 0)
	require.NoError(t, err)
	_, err = store.Put("https://example.com/b", "https://example.com/b", []byte("img"), 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/admin/cache/"+entry.Key, nil)
	req.Header.Set("X-API-Key", adminSecret)
	rec := do(t, s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, func() *http.Request {
		r := httptest.NewRequest(http.MethodDelete, "/admin/cache/"+entry.Key, nil)
		r.Header.Set("X-API-Key", adminSecret)
		return r
	}())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/admin/cache", nil)
	req.Header.Set("X-API-Key", adminSecret)
	rec = do(t, s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged": 1}`, rec.Body.String())
}

func TestRateLimitedResponseHasRetryAfter(t *testing.T) {
	s, _ := newTestServer(t)

	// The acme key allows 50 generations per window; the per-IP miss
	// ceiling is looser here, so exhaust the generation budget.
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/?url=https://example.com/p"+string(rune('a'+i%26))+string(rune('a'+i/26)), nil)
		req.Header.Set("X-API-Key", "sk_test_acme")
		rec := do(t, s, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	req := httptest.NewRequest(http.MethodGet, "/?url=https://example.com/fresh", nil)
	req.Header.Set("X-API-Key", "sk_test_acme")
	rec := do(t, s, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_exceeded", errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
