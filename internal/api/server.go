package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/beatmap-mirror/internal/format"
	"github.com/JakeFAU/beatmap-mirror/internal/metrics"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/search"
)

const internalErrorMessage = "an internal server error occurred"

// MapResolver resolves a single map by upstream id.
type MapResolver interface {
	Fetch(ctx context.Context, id uint32) (mirror.MapEntity, bool, error)
}

// MapSetResolver resolves a single map-set by upstream id.
type MapSetResolver interface {
	Fetch(ctx context.Context, id uint32) (mirror.MapSetEntity, bool, error)
}

// Searcher lists stored map-sets.
type Searcher interface {
	MapSets(ctx context.Context, p search.Params) ([]mirror.MapSetEntity, error)
}

// Server wires HTTP handlers to the resolvers and the search service.
type Server struct {
	router   chi.Router
	maps     MapResolver
	sets     MapSetResolver
	searcher Searcher
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(maps MapResolver, sets MapSetResolver, searcher Searcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		maps:     maps,
		sets:     sets,
		searcher: searcher,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/b/{id}", s.getLegacyMap)
		r.Get("/s/{id}", s.getLegacyMapSet)
	})
	r.Route("/api/v2", func(r chi.Router) {
		r.Get("/beatmaps/{id}", s.getMap)
		r.Get("/beatmapsets/search", s.searchMapSets)
		r.Get("/beatmapsets/{id}", s.getMapSet)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getMap(w http.ResponseWriter, r *http.Request) {
	entity, ok := s.resolveMap(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entity.Data)
}

func (s *Server) getLegacyMap(w http.ResponseWriter, r *http.Request) {
	entity, ok := s.resolveMap(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, format.Map(entity.Data))
}

func (s *Server) getMapSet(w http.ResponseWriter, r *http.Request) {
	entity, ok := s.resolveMapSet(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entity.Data)
}

func (s *Server) getLegacyMapSet(w http.ResponseWriter, r *http.Request) {
	entity, ok := s.resolveMapSet(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, format.MapSet(entity.Data))
}

// resolveMap writes the error response itself and reports whether the
// caller should continue.
func (s *Server) resolveMap(w http.ResponseWriter, r *http.Request) (mirror.MapEntity, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return mirror.MapEntity{}, false
	}
	entity, found, err := s.maps.Fetch(r.Context(), id)
	return entity, s.handleLookup(w, r, mirror.KindMap, id, found, err)
}

func (s *Server) resolveMapSet(w http.ResponseWriter, r *http.Request) (mirror.MapSetEntity, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return mirror.MapSetEntity{}, false
	}
	entity, found, err := s.sets.Fetch(r.Context(), id)
	return entity, s.handleLookup(w, r, mirror.KindMapSet, id, found, err)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, kind mirror.Kind, id uint32, found bool, err error) bool {
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return false
	case err != nil:
		s.logger.Error("lookup failed",
			zap.String("kind", string(kind)),
			zap.Uint32("id", id),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, internalErrorMessage)
		return false
	case !found:
		writeError(w, http.StatusNotFound, "not found")
		return false
	}
	return true
}

func (s *Server) searchMapSets(w http.ResponseWriter, r *http.Request) {
	params, direct, fieldErrs := parseSearch(r)
	if len(fieldErrs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": fieldErrs})
		return
	}
	found, err := s.searcher.MapSets(r.Context(), params)
	if err != nil {
		s.logger.Error("search failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, internalErrorMessage)
		return
	}
	sets := make([]mirror.MapSet, 0, len(found))
	for _, e := range found {
		sets = append(sets, e.Data)
	}
	if direct {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(format.Direct(sets))); err != nil {
			s.logger.Warn("write direct listing failed", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, sets)
}

// parseSearch reads the search query string. Unknown status or mode values
// fall back to ranked and all; values that are not numbers are rejected.
func parseSearch(r *http.Request) (search.Params, bool, map[string][]string) {
	q := r.URL.Query()
	errs := map[string][]string{}
	params := search.Params{Query: q.Get("query")}

	params.Amount = queryInt(q.Get("amount"), "amount", errs)
	params.Offset = queryInt(q.Get("offset"), "offset", errs)
	if raw := q.Get("amount"); raw != "" && params.Amount < 0 {
		errs["amount"] = append(errs["amount"], "must not be negative")
	}
	if raw := q.Get("offset"); raw != "" && params.Offset < 0 {
		errs["offset"] = append(errs["offset"], "must not be negative")
	}

	if raw := q.Get("status"); raw != "" {
		status := mirror.RankedStatus(queryInt(raw, "status", errs))
		if !status.Valid() {
			status = mirror.StatusRanked
		}
		params.Status = &status
	}
	if raw := q.Get("mode"); raw != "" {
		mode := mirror.Mode(queryInt(raw, "mode", errs))
		if !mode.Valid() {
			mode = mirror.ModeAll
		}
		params.Mode = &mode
	}

	var direct bool
	if raw := q.Get("osu_direct"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs["osu_direct"] = append(errs["osu_direct"], "must be a boolean")
		}
		direct = v
	}
	return params, direct, errs
}

func queryInt(raw, field string, errs map[string][]string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		errs[field] = append(errs[field], "must be an integer")
		return 0
	}
	return v
}

func pathID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"errors": map[string][]string{"id": {"must be an unsigned 32-bit integer"}},
		})
		return 0, false
	}
	return uint32(id), true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, internalErrorMessage)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
