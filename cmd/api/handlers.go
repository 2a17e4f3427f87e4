package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopstack/recsync/engine/domain"
	"github.com/shopstack/recsync/engine/query"
	"github.com/shopstack/recsync/engine/syncer"
	"github.com/shopstack/recsync/pkg/metrics"
	"github.com/shopstack/recsync/pkg/ollama"
)

// api bundles the services the handlers close over.
type api struct {
	query        *query.Service
	syncer       *syncer.Orchestrator
	metrics      *metrics.Registry
	model        string
	defaultLimit int
	logger       *slog.Logger
}

// observeLatency records per-endpoint query latency.
func (a *api) observeLatency(endpoint string, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.Histogram(
		metrics.WithLabels("recsync_query_duration_seconds", "endpoint", endpoint),
		"Product query latency by endpoint.", nil,
	).Since(start)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes. Unknown errors are
// internal; their details stay in the logs, not the response.
func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, ollama.ErrEmptyText):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) fail(w http.ResponseWriter, err error, op string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(op+" failed", "err", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func (a *api) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "recsync",
		"status":  "ok",
		"model":   a.model,
	})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SimilarRequest is the JSON body for POST /api/v1/products/similar.
type SimilarRequest struct {
	ProductID int64  `json:"product_id"`
	Limit     int    `json:"limit,omitempty"`
	Category  string `json:"category,omitempty"`
	Brand     string `json:"brand,omitempty"`
}

// SimilarListRequest is the JSON body for POST /api/v1/products/similar/list.
// Product ids arrive as strings, as upstream basket services send them.
type SimilarListRequest struct {
	ProductIDs []string `json:"product_ids"`
	Limit      int      `json:"limit,omitempty"`
	Category   string   `json:"category,omitempty"`
	Brand      string   `json:"brand,omitempty"`
}

// SearchRequest is the JSON body for POST /api/v1/products/search.
type SearchRequest struct {
	Query    string `json:"query"`
	Limit    int    `json:"limit,omitempty"`
	Category string `json:"category,omitempty"`
	Brand    string `json:"brand,omitempty"`
}

// RecommendationResponse is the JSON response for both product endpoints.
type RecommendationResponse struct {
	Recommendations []domain.Recommendation `json:"recommendations"`
	Count           int                     `json:"count"`
}

func queryFilters(category, brand string) map[string]string {
	filters := make(map[string]string, 2)
	if category != "" {
		filters["category"] = category
	}
	if brand != "" {
		filters["brand"] = brand
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}

func (a *api) limitOrDefault(n int) int {
	if n == 0 {
		return a.defaultLimit
	}
	return n
}

func (a *api) handleSimilar(w http.ResponseWriter, r *http.Request) {
	defer a.observeLatency("similar", time.Now())

	var req SimilarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID <= 0 {
		writeError(w, http.StatusBadRequest, "product_id must be a positive integer")
		return
	}

	recs, err := a.query.SimilarTo(r.Context(), req.ProductID, a.limitOrDefault(req.Limit),
		queryFilters(req.Category, req.Brand))
	if err != nil {
		a.fail(w, err, "similar query")
		return
	}
	writeJSON(w, http.StatusOK, RecommendationResponse{Recommendations: recs, Count: len(recs)})
}

func (a *api) handleSimilarList(w http.ResponseWriter, r *http.Request) {
	defer a.observeLatency("similar_list", time.Now())

	var req SimilarListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ProductIDs) == 0 {
		writeError(w, http.StatusBadRequest, "product_ids must not be empty")
		return
	}
	ids := make([]int64, len(req.ProductIDs))
	for i, raw := range req.ProductIDs {
		id, err := domain.ParseProductID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ids[i] = id
	}

	recs, err := a.query.SimilarToMany(r.Context(), ids, a.limitOrDefault(req.Limit),
		queryFilters(req.Category, req.Brand))
	if err != nil {
		a.fail(w, err, "similar list query")
		return
	}
	writeJSON(w, http.StatusOK, RecommendationResponse{Recommendations: recs, Count: len(recs)})
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	defer a.observeLatency("search", time.Now())

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	recs, err := a.query.Search(r.Context(), req.Query, a.limitOrDefault(req.Limit),
		queryFilters(req.Category, req.Brand))
	if err != nil {
		a.fail(w, err, "text search")
		return
	}
	writeJSON(w, http.StatusOK, RecommendationResponse{Recommendations: recs, Count: len(recs)})
}

// SyncRequest is the JSON body for POST /api/v1/admin/sync. An empty body is
// accepted and means "defaults".
type SyncRequest struct {
	BatchSize int  `json:"batch_size,omitempty"`
	Force     bool `json:"force_reindex,omitempty"`
}

func (a *api) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	run, err := a.syncer.RunOnce(r.Context(), syncer.RunOpts{
		BatchSize: req.BatchSize,
		Force:     req.Force,
	})
	if err != nil {
		a.fail(w, err, "sync trigger")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.syncer.Status(r.Context()))
}

func (a *api) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.syncer.TestConnections(r.Context()))
}
