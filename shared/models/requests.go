package models

// ListRequest represents the incoming request to list an item
type ListRequest struct {
	UserID          string `json:"user_id"`
	ItemName        string `json:"item_name"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// ListResponse is returned after a listing is created
type ListResponse struct {
	ListingID uint64 `json:"listing_id"`
}

// ListingsResponse reports how many listings exist, with their snapshots
type ListingsResponse struct {
	ItemCount int        `json:"item_count"`
	Listings  []*Listing `json:"listings"`
}

// BidRequest represents the incoming bid request from API.
// Amount is the value attached to the bid, debited from the bidder's wallet.
type BidRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

// BidResponse represents the API response after placing a bid
type BidResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	CurrentBid int64  `json:"current_bid"`
	YourTotal  int64  `json:"your_total"`
	IsHighest  bool   `json:"is_highest"`
}

// WithdrawRequest asks the ledger to pay out what it holds for a user
type WithdrawRequest struct {
	UserID string `json:"user_id"`
}

// WithdrawResponse reports the amount paid out
type WithdrawResponse struct {
	ListingID uint64 `json:"listing_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
}

// EscrowResponse reports a user's escrow balance on a listing
type EscrowResponse struct {
	ListingID uint64 `json:"listing_id"`
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
}

// DepositRequest credits a wallet
type DepositRequest struct {
	Amount int64 `json:"amount"`
}

// WalletResponse reports a wallet balance
type WalletResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// FreezeRequest makes a wallet refuse (or accept again) incoming transfers
type FreezeRequest struct {
	Frozen bool `json:"frozen"`
}

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
