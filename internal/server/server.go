// Package server exposes the pipeline over HTTP: the screenshot endpoint,
// the administrative cache surface, and health.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wajeht/shotcache/internal/cache"
	"github.com/wajeht/shotcache/internal/capture"
	"github.com/wajeht/shotcache/internal/keys"
	"github.com/wajeht/shotcache/internal/pipeline"
	"github.com/wajeht/shotcache/internal/ratelimit"
	"github.com/wajeht/shotcache/internal/urlx"
)

// Server handles HTTP requests. All state lives in the components it wraps.
type Server struct {
	pipeline *pipeline.Pipeline
	cache    *cache.Store
	keys     keys.Store
	logger   *slog.Logger
	cacheTTL int
}

func New(p *pipeline.Pipeline, store *cache.Store, keyStore keys.Store, cacheTTLSecs int, logger *slog.Logger) *Server {
	return &Server{
		pipeline: p,
		cache:    store,
		keys:     keyStore,
		logger:   logger,
		cacheTTL: cacheTTLSecs,
	}
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /robots.txt", s.handleRobots)
	mux.HandleFunc("GET /admin/stats", s.handleStats)
	mux.HandleFunc("DELETE /admin/cache/{key}", s.handleDelete)
	mux.HandleFunc("DELETE /admin/cache", s.handlePurge)
	mux.HandleFunc("GET /{$}", s.handleScreenshot)
	mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.cache.Ping(); err != nil {
		http.Error(w, "cache index unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) handleRobots(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("User-agent: *\nDisallow: /\n"))
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	s.writeErrorCode(w, http.StatusNotFound, "not_found", "no such endpoint")
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	targetURL := r.URL.Query().Get("url")
	if targetURL == "" {
		s.writeErrorCode(w, http.StatusBadRequest, "invalid_input", "missing url parameter")
		return
	}
	if !strings.HasPrefix(targetURL, "http://") && !strings.HasPrefix(targetURL, "https://") {
		targetURL = "https://" + targetURL
	}

	etag := generateETag(targetURL)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	result, err := s.pipeline.Handle(r.Context(), pipeline.Request{
		Principal: principal,
		URL:       targetURL,
		Referrer:  r.Referer(),
		ClientIP:  clientIP(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cacheTTL))
	w.Header().Set("ETag", etag)
	if result.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("X-Capture-Ms", strconv.FormatInt(result.Latency.Milliseconds(), 10))

	if _, err := w.Write(result.Bytes); err != nil {
		s.logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticateAdmin(w, r); !ok {
		return
	}

	stats, err := s.cache.Stats()
	if err != nil {
		s.logger.Error("stats failed", slog.String("error", err.Error()))
		s.writeErrorCode(w, http.StatusInternalServerError, "internal", "failed to read cache stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticateAdmin(w, r); !ok {
		return
	}

	key := r.PathValue("key")
	existed, err := s.cache.Delete(key)
	if err != nil {
		s.logger.Error("delete failed", slog.String("key", key), slog.String("error", err.Error()))
		s.writeErrorCode(w, http.StatusInternalServerError, "internal", "failed to delete entry")
		return
	}
	if !existed {
		s.writeErrorCode(w, http.StatusNotFound, "not_found", "no entry for key")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": key})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticateAdmin(w, r)
	if !ok {
		return
	}

	count, err := s.cache.Purge()
	if err != nil {
		s.logger.Error("purge failed", slog.String("error", err.Error()))
		s.writeErrorCode(w, http.StatusInternalServerError, "internal", "purge incomplete")
		return
	}

	s.logger.Info("cache purged", slog.Int("entries", count), slog.String("principal", principal.ID))
	s.writeJSON(w, http.StatusOK, map[string]int{"purged": count})
}

// authenticate resolves the API key from the X-API-Key header, falling back
// to the key query parameter.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*keys.Principal, bool) {
	secret := r.Header.Get("X-API-Key")
	if secret == "" {
		secret = r.URL.Query().Get("key")
	}
	if secret == "" {
		s.writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "missing api key")
		return nil, false
	}

	principal, err := s.keys.Authenticate(secret)
	if err != nil {
		s.writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "invalid or expired api key")
		return nil, false
	}
	return principal, true
}

func (s *Server) authenticateAdmin(w http.ResponseWriter, r *http.Request) (*keys.Principal, bool) {
	principal, ok := s.authenticate(w, r)
	if !ok {
		return nil, false
	}
	if !principal.Admin() {
		s.writeErrorCode(w, http.StatusForbidden, "unauthorized", "administrative key required")
		return nil, false
	}
	return principal, true
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps the failure taxonomy onto HTTP statuses. Messages carry
// the requesting principal's own context only.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var notAllowed *urlx.NotAllowedError
	var limitErr *ratelimit.LimitError
	var capErr *capture.Error

	switch {
	case errors.Is(err, urlx.ErrInvalidURL):
		s.writeErrorCode(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.As(err, &notAllowed):
		s.writeErrorCode(w, http.StatusForbidden, "domain_not_allowed", notAllowed.Error())
	case errors.As(err, &limitErr):
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSeconds()))
		s.writeErrorCode(w, http.StatusTooManyRequests, "rate_exceeded", limitErr.Error())
	case errors.As(err, &capErr):
		switch capErr.Kind {
		case capture.FailureTimeout:
			s.writeErrorCode(w, http.StatusGatewayTimeout, "capture_timeout", "timed out loading page")
		case capture.FailureNetwork:
			s.writeErrorCode(w, http.StatusBadGateway, "capture_network_failure", "target unreachable")
		default:
			s.writeErrorCode(w, http.StatusInternalServerError, "capture_failure", "failed to capture screenshot")
		}
	default:
		s.logger.Error("unexpected pipeline error", slog.String("error", err.Error()))
		s.writeErrorCode(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// generateETag buckets by hour so clients revalidate stale screenshots
// without hammering the cache.
func generateETag(url string) string {
	h := fnv.New64a()
	h.Write([]byte(url))
	h.Write([]byte(time.Now().Format("2006-01-02-15")))
	return strconv.FormatUint(h.Sum64(), 36)
}
