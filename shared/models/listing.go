package models

import "time"

// Listing represents an auction listing as served over the API
type Listing struct {
	ID            uint64    `json:"id"`
	ItemName      string    `json:"item_name"`
	Lister        string    `json:"lister"`
	HighestBid    int64     `json:"highest_bid"`
	HighestBidder string    `json:"highest_bidder,omitempty"`
	AuctionEnd    time.Time `json:"auction_end"`
	Claimed       bool      `json:"claimed"`
	Status        string    `json:"status"` // "active", "closed"
}

// ListingStatus constants
const (
	ListingStatusActive = "active"
	ListingStatusClosed = "closed"
)
