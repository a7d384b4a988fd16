package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pario-ai/promptgate/pkg/ratelimit"
)

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusNotFound, "Cache is disabled")
		return
	}
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		loggerFrom(r.Context(), s.logger).Error("cache stats failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "Cache backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCachePurge clears the cache, or only expired entries with ?expired=true.
func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusNotFound, "Cache is disabled")
		return
	}
	expiredOnly := false
	if v := r.URL.Query().Get("expired"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "expired must be a boolean")
			return
		}
		expiredOnly = b
	}

	n, err := s.cache.Purge(r.Context(), expiredOnly)
	if err != nil {
		loggerFrom(r.Context(), s.logger).Error("cache purge failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "Cache backend unavailable")
		return
	}
	loggerFrom(r.Context(), s.logger).Info("cache purged", zap.Bool("expired_only", expiredOnly), zap.Int64("removed", n))
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.limiter.Stats(r.Context())
	if err != nil {
		loggerFrom(r.Context(), s.logger).Error("rate limit stats failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "Rate limiter unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	category := ratelimit.Category(chi.URLParam(r, "category"))
	identifier := chi.URLParam(r, "identifier")

	err := s.limiter.Reset(r.Context(), identifier, category)
	switch {
	case errors.Is(err, ratelimit.ErrUnknownCategory):
		writeJSONError(w, http.StatusNotFound, "Unknown rate limit category")
	case err != nil:
		loggerFrom(r.Context(), s.logger).Error("rate limit reset failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "Rate limiter unavailable")
	default:
		loggerFrom(r.Context(), s.logger).Info("rate limit reset",
			zap.String("category", string(category)), zap.String("identifier", identifier))
		w.WriteHeader(http.StatusNoContent)
	}
}
