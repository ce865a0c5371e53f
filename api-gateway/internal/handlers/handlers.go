package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/aaronwang/escrow-auction/api-gateway/internal/ledger"
	"github.com/aaronwang/escrow-auction/api-gateway/internal/service"
	"github.com/aaronwang/escrow-auction/shared/models"
)

// Auctions is the ledger-facing service the handlers drive.
type Auctions interface {
	CreateListing(ctx context.Context, req *models.ListRequest) (uint64, error)
	PlaceBid(ctx context.Context, listingID uint64, req *models.BidRequest) (*models.BidResponse, error)
	Withdraw(ctx context.Context, listingID uint64, userID string) (int64, error)
	ItemCount() int
	GetListing(listingID uint64) (*models.Listing, error)
	ListListings() []*models.Listing
	GetEscrowBalance(listingID uint64, userID string) (int64, error)
}

// Wallets is the wallet store behind the escrow.
type Wallets interface {
	Deposit(ctx context.Context, userID string, amount int64) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
	SetFrozen(ctx context.Context, userID string, frozen bool) error
}

// Handler contains HTTP request handlers
type Handler struct {
	auctions Auctions
	wallets  Wallets
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(auctions Auctions, wallets Wallets, logger *slog.Logger) *Handler {
	return &Handler{
		auctions: auctions,
		wallets:  wallets,
		logger:   logger,
	}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/listings", h.ListListings).Methods("GET")
	api.HandleFunc("/listings", h.CreateListing).Methods("POST")
	api.HandleFunc("/listings/{id}", h.GetListing).Methods("GET")
	api.HandleFunc("/listings/{id}/bids", h.PlaceBid).Methods("POST")
	api.HandleFunc("/listings/{id}/withdrawals", h.Withdraw).Methods("POST")
	api.HandleFunc("/listings/{id}/escrow/{user_id}", h.GetEscrow).Methods("GET")

	api.HandleFunc("/wallets/{user_id}", h.GetWallet).Methods("GET")
	api.HandleFunc("/wallets/{user_id}/deposits", h.Deposit).Methods("POST")
	api.HandleFunc("/wallets/{user_id}/frozen", h.SetFrozen).Methods("PUT")

	// Middleware
	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "api-gateway",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// ListListings reports the item count and every listing
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	listings := h.auctions.ListListings()
	respondJSON(w, http.StatusOK, &models.ListingsResponse{
		ItemCount: len(listings),
		Listings:  listings,
	})
}

// CreateListing opens a new auction
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req models.ListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	id, err := h.auctions.CreateListing(r.Context(), &req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, &models.ListResponse{ListingID: id})
}

// GetListing returns a listing snapshot
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}

	lst, err := h.auctions.GetListing(id)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lst)
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}

	var bidReq models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&bidReq); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	response, err := h.auctions.PlaceBid(r.Context(), id, &bidReq)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, response)
}

// Withdraw pays out a refund or the sale proceeds
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}

	var req models.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	amount, err := h.auctions.Withdraw(r.Context(), id, req.UserID)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, &models.WithdrawResponse{
		ListingID: id,
		UserID:    req.UserID,
		Amount:    amount,
	})
}

// GetEscrow reports what the ledger holds for a user on a listing
func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["user_id"]

	balance, err := h.auctions.GetEscrowBalance(id, userID)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, &models.EscrowResponse{
		ListingID: id,
		UserID:    userID,
		Balance:   balance,
	})
}

// GetWallet reports a wallet balance
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	balance, err := h.wallets.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("wallet lookup failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "Failed to read wallet")
		return
	}
	respondJSON(w, http.StatusOK, &models.WalletResponse{UserID: userID, Balance: balance})
}

// Deposit credits a wallet
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req models.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_amount", "Deposit amount must be positive")
		return
	}

	balance, err := h.wallets.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		h.logger.Error("deposit failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "Failed to deposit")
		return
	}
	respondJSON(w, http.StatusOK, &models.WalletResponse{UserID: userID, Balance: balance})
}

// SetFrozen toggles whether a wallet accepts payouts
func (h *Handler) SetFrozen(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req models.FreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := h.wallets.SetFrozen(r.Context(), userID, req.Frozen); err != nil {
		h.logger.Error("wallet freeze failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "Failed to update wallet")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func listingID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Listing ID must be a non-negative integer")
		return 0, false
	}
	return id, true
}

var ledgerErrors = []struct {
	err    error
	status int
	code   string
}{
	{ledger.ErrInvalidItem, http.StatusNotFound, "invalid_item"},
	{ledger.ErrInvalidItemName, http.StatusBadRequest, "invalid_item_name"},
	{ledger.ErrInvalidDuration, http.StatusBadRequest, "invalid_duration"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidIdentity, http.StatusBadRequest, "invalid_identity"},
	{ledger.ErrAuctionEnded, http.StatusConflict, "auction_ended"},
	{ledger.ErrAuctionNotEnded, http.StatusConflict, "auction_not_ended"},
	{ledger.ErrSelfBidForbidden, http.StatusForbidden, "self_bid_forbidden"},
	{ledger.ErrBidTooLow, http.StatusConflict, "bid_too_low"},
	{ledger.ErrStillHighestBidder, http.StatusConflict, "still_highest_bidder"},
	{ledger.ErrAlreadyClaimed, http.StatusConflict, "already_claimed"},
	{ledger.ErrNothingToWithdraw, http.StatusConflict, "nothing_to_withdraw"},
	{ledger.ErrTransferFailed, http.StatusPaymentRequired, "transfer_failed"},
	{service.ErrLogUnavailable, http.StatusServiceUnavailable, "log_unavailable"},
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range ledgerErrors {
		if errors.Is(err, e.err) {
			respondError(w, e.status, e.code, err.Error())
			return
		}
	}
	h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	respondError(w, http.StatusInternalServerError, "internal", "Internal error")
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, &models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs all HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.RequestURI,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers (for development)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
