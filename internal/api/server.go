// Package api exposes the enrichment service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/enrich"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/ratelimit"
	"github.com/sells-group/enrich-cli/internal/tasks"
)

const maxRequestBodySize = 64 << 10

// Deps are the collaborators behind the routes. Queue and Limiter are optional.
type Deps struct {
	Service        *enrich.Service
	Queue          tasks.Queue
	Limiter        ratelimit.Limiter
	AllowedOrigins []string
}

// NewHandler builds the router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Limiter != nil {
			r.Use(ratelimit.Middleware(deps.Limiter, ratelimit.IdentityKey))
		}
		r.Post("/enrich/quick", handleEnrichQuick(deps))
		r.Post("/enrich/deep", handleEnrichDeep(deps))
		r.Get("/tasks/{id}", handleTaskStatus(deps))
		r.Get("/health/circuits", handleCircuits(deps))
		r.Post("/circuits/{name}/reset", handleCircuitReset(deps))
		r.Get("/cache/stats", handleCacheStats(deps))
		r.Delete("/cache/{depth}/{key}", handleCacheInvalidate(deps))
	})

	return r
}

type enrichRequest struct {
	Key      string       `json:"key"`
	Context  model.Fields `json:"context,omitempty"`
	Async    bool         `json:"async,omitempty"`
	Priority string       `json:"priority,omitempty"`
}

type deepAsyncResponse struct {
	TaskID string              `json:"task_id"`
	Quick  *model.MergedRecord `json:"quick"`
}

type taskResponse struct {
	*tasks.Status
	Result json.RawMessage `json:"result,omitempty"`
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleEnrichQuick(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeEnrich(w, r)
		if !ok {
			return
		}
		rec, err := deps.Service.EnrichQuick(r.Context(), req.Key)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleEnrichDeep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeEnrich(w, r)
		if !ok {
			return
		}

		if !req.Async {
			rec, err := deps.Service.EnrichDeep(r.Context(), req.Key, req.Context)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}

		if deps.Queue == nil {
			httpError(w, http.StatusServiceUnavailable, "async deep enrichment is not configured")
			return
		}
		quick, err := deps.Service.EnrichQuick(r.Context(), req.Key)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		id, err := enrich.SubmitDeep(r.Context(), deps.Queue, req.Key, req.Context, tasks.ParsePriority(req.Priority))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, deepAsyncResponse{TaskID: id, Quick: quick})
	}
}

func handleTaskStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Queue == nil {
			httpError(w, http.StatusServiceUnavailable, "task queue is not configured")
			return
		}
		id := chi.URLParam(r, "id")
		st, err := deps.Queue.Status(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp := taskResponse{Status: st}
		if st.State == tasks.StateSucceeded {
			res, err := deps.Queue.Result(r.Context(), id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			resp.Result = res
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCircuits(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, deps.Service.CircuitHealth())
	}
}

func handleCircuitReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := deps.Service.ResetCircuit(name); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "name": name})
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Service.CacheStatistics(r.Context()))
	}
}

func handleCacheInvalidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth, err := model.ParseDepth(chi.URLParam(r, "depth"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		if err := deps.Service.Invalidate(r.Context(), chi.URLParam(r, "key"), depth); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeEnrich(w http.ResponseWriter, r *http.Request) (enrichRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return req, false
	}
	if req.Key == "" {
		httpError(w, http.StatusBadRequest, "key is required")
		return req, false
	}
	for k := range req.Context {
		if !k.Valid() {
			httpError(w, http.StatusBadRequest, "unknown context field %q", k)
			return req, false
		}
	}
	return req, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enrich.ErrInvalidKey):
		httpError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, enrich.ErrUnknownCircuit), errors.Is(err, tasks.ErrTaskNotFound):
		httpError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, tasks.ErrUnknownFunction):
		httpError(w, http.StatusServiceUnavailable, "%v", err)
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"status":  code,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}
