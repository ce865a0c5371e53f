package ledger

import (
	"context"
	"time"
)

// Identity is an opaque caller identity supplied by the environment.
type Identity string

// NoBidder marks a listing that has not received a bid yet.
const NoBidder Identity = ""

// Listing is one item open for bidding.
type Listing struct {
	ID            uint64
	ItemName      string
	Lister        Identity
	HighestBid    int64
	HighestBidder Identity
	AuctionEnd    time.Time
	Claimed       bool
}

// Open reports whether bids are still accepted at now.
func (l Listing) Open(now time.Time) bool {
	return now.Before(l.AuctionEnd)
}

// EventKind names a ledger notification.
type EventKind string

const (
	EventItemListed    EventKind = "item_listed"
	EventNewHighestBid EventKind = "new_highest_bid"
)

// Event is delivered to the Notifier once the operation that produced it has
// committed. Amount is the bidder's new total for EventNewHighestBid.
type Event struct {
	Kind      EventKind
	ListingID uint64
	Identity  Identity
	ItemName  string
	Amount    int64
}

// Notifier receives committed ledger events.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event)

func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Funds moves value in and out of the ledger's custody.
//
// Receive collects the value attached to a bid from its sender; Send pays a
// withdrawal out to its recipient. Either may fail, in which case the ledger
// rolls back the operation that requested the transfer. Implementations may
// call back into the ledger.
type Funds interface {
	Receive(ctx context.Context, from Identity, amount int64) error
	Send(ctx context.Context, to Identity, amount int64) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
