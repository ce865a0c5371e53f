// Package api serves the archived bid history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aaronwang/escrow-auction/shared/models"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// History reads archived bids.
type History interface {
	GetBidHistory(ctx context.Context, listingID uint64, limit int) ([]*models.BidRecord, error)
}

// Handler serves the archive API
type Handler struct {
	history History
	logger  *slog.Logger
}

// NewHandler creates a new archive handler
func NewHandler(history History, logger *slog.Logger) *Handler {
	return &Handler{history: history, logger: logger}
}

// SetupRoutes configures the archive routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/v1/listings/{id:[0-9]+}/bids", h.GetBidHistory).Methods("GET")
	return router
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "archival-worker"})
}

// GetBidHistory returns the archived bids on a listing, highest first
func (h *Handler) GetBidHistory(w http.ResponseWriter, r *http.Request) {
	listingID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, &models.ErrorResponse{Error: "invalid listing id", Code: "invalid_request"})
		return
	}

	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondJSON(w, http.StatusBadRequest, &models.ErrorResponse{Error: "limit must be a positive integer", Code: "invalid_request"})
			return
		}
		limit = min(n, maxLimit)
	}

	bids, err := h.history.GetBidHistory(r.Context(), listingID, limit)
	if err != nil {
		h.logger.Error("bid history query failed", "listing_id", listingID, "error", err)
		respondJSON(w, http.StatusInternalServerError, &models.ErrorResponse{Error: "failed to read bid history", Code: "internal"})
		return
	}
	if bids == nil {
		bids = []*models.BidRecord{}
	}
	respondJSON(w, http.StatusOK, bids)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
