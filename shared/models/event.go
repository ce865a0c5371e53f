package models

import "time"

// LedgerEvent is published whenever the ledger commits a change.
// This is sent to:
// 1. Redis Pub/Sub (for real-time WebSocket broadcast)
// 2. NATS JetStream (for archival to PostgreSQL)
type LedgerEvent struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	ListingID uint64    `json:"listing_id"`
	UserID    string    `json:"user_id"`
	ItemName  string    `json:"item_name,omitempty"`
	Amount    int64     `json:"amount"` // new total for bids, paid amount for withdrawals
	Timestamp time.Time `json:"timestamp"`
}

// LedgerEvent types
const (
	EventItemListed    = "item_listed"
	EventNewHighestBid = "new_highest_bid"
	EventWithdrawal    = "withdrawal"
)

// BidRecord is an archived highest bid. Total is the bidder's escrow total
// after the bid.
type BidRecord struct {
	EventID   string    `json:"event_id"`
	ListingID uint64    `json:"listing_id"`
	UserID    string    `json:"user_id"`
	Total     int64     `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}
