package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// maxDurationSeconds keeps now+duration inside time.Duration's range.
const maxDurationSeconds = int64(math.MaxInt64 / int64(time.Second))

type escrowKey struct {
	listing uint64
	owner   Identity
}

// Ledger owns every listing and every escrowed balance.
//
// A Ledger is not safe for concurrent use; callers serialize operations (see
// service.BiddingService). Each List, Bid and Withdraw call is applied as a
// single transaction: state changes happen before any transfer is requested,
// and a failed transfer reverts the whole call. A Funds implementation that
// calls back into List, Bid or Withdraw during a transfer gets
// ErrReentrantCall.
type Ledger struct {
	listings []*Listing
	escrow   map[escrowKey]int64
	received map[uint64]int64
	paid     map[uint64]int64

	funds    Funds
	notifier Notifier
	clock    Clock
	lastNow  time.Time

	undo     []func()
	pending  []Event
	inFlight bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets the sink for committed events.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithClock sets the time source. Defaults to time.Now.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// New creates an empty ledger moving value through funds.
func New(funds Funds, opts ...Option) *Ledger {
	l := &Ledger{
		escrow:   make(map[escrowKey]int64),
		received: make(map[uint64]int64),
		paid:     make(map[uint64]int64),
		funds:    funds,
		notifier: NotifierFunc(func(context.Context, Event) {}),
		clock:    ClockFunc(time.Now),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// now reads the clock, never going back behind an earlier reading.
func (l *Ledger) now() time.Time {
	t := l.clock.Now()
	if t.Before(l.lastNow) {
		return l.lastNow
	}
	l.lastNow = t
	return t
}

func (l *Ledger) listing(id uint64) (*Listing, error) {
	if id >= uint64(len(l.listings)) {
		return nil, ErrInvalidItem
	}
	return l.listings[id], nil
}

// List opens a new auction for itemName lasting durationSeconds and returns
// its id.
func (l *Ledger) List(ctx context.Context, caller Identity, itemName string, durationSeconds int64) (id uint64, err error) {
	if l.inFlight {
		return 0, ErrReentrantCall
	}
	if caller == NoBidder {
		return 0, ErrInvalidIdentity
	}
	if strings.TrimSpace(itemName) == "" {
		return 0, ErrInvalidItemName
	}
	if durationSeconds <= 0 || durationSeconds > maxDurationSeconds {
		return 0, ErrInvalidDuration
	}

	m := l.begin()
	defer func() { err = l.finish(ctx, m, err) }()

	id = uint64(len(l.listings))
	l.appendListing(&Listing{
		ID:            id,
		ItemName:      itemName,
		Lister:        caller,
		HighestBidder: NoBidder,
		AuctionEnd:    l.now().Add(time.Duration(durationSeconds) * time.Second),
	})
	l.emit(Event{
		Kind:      EventItemListed,
		ListingID: id,
		Identity:  caller,
		ItemName:  itemName,
	})
	return id, nil
}

// Bid adds amount to the caller's escrow on listing id. The caller's resulting
// total must beat the current highest bid.
func (l *Ledger) Bid(ctx context.Context, caller Identity, id uint64, amount int64) (err error) {
	if l.inFlight {
		return ErrReentrantCall
	}
	if caller == NoBidder {
		return ErrInvalidIdentity
	}
	if amount < 0 {
		return ErrInvalidAmount
	}
	lst, err := l.listing(id)
	if err != nil {
		return err
	}
	if !lst.Open(l.now()) {
		return ErrAuctionEnded
	}
	if caller == lst.Lister {
		return ErrSelfBidForbidden
	}

	key := escrowKey{listing: id, owner: caller}
	balance := l.escrow[key]
	if amount > math.MaxInt64-balance {
		return ErrInvalidAmount
	}
	total := balance + amount
	if total <= lst.HighestBid {
		return ErrBidTooLow
	}

	m := l.begin()
	defer func() { err = l.finish(ctx, m, err) }()

	l.setEscrow(key, total)
	l.addTotal(l.received, id, amount)
	l.updateListing(lst, func(x *Listing) {
		x.HighestBid = total
		x.HighestBidder = caller
	})
	l.emit(Event{
		Kind:      EventNewHighestBid,
		ListingID: id,
		Identity:  caller,
		Amount:    total,
	})

	if err := l.funds.Receive(ctx, caller, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

// Withdraw pays the caller what the ledger holds for them on listing id and
// returns the amount paid. The lister receives the winning bid once the auction
// has ended; any other caller receives their escrow balance.
func (l *Ledger) Withdraw(ctx context.Context, caller Identity, id uint64) (amount int64, err error) {
	if l.inFlight {
		return 0, ErrReentrantCall
	}
	if caller == NoBidder {
		return 0, ErrInvalidIdentity
	}
	lst, err := l.listing(id)
	if err != nil {
		return 0, err
	}
	open := lst.Open(l.now())
	if caller == lst.HighestBidder && open {
		return 0, ErrStillHighestBidder
	}
	if caller == lst.Lister {
		return l.claimProceeds(ctx, lst, open)
	}
	return l.refund(ctx, lst, caller)
}

func (l *Ledger) claimProceeds(ctx context.Context, lst *Listing, open bool) (amount int64, err error) {
	if open {
		return 0, ErrAuctionNotEnded
	}
	if lst.Claimed {
		return 0, ErrAlreadyClaimed
	}
	if lst.HighestBid == 0 {
		return 0, ErrNothingToWithdraw
	}

	m := l.begin()
	defer func() { err = l.finish(ctx, m, err) }()

	amount = lst.HighestBid
	winner := escrowKey{listing: lst.ID, owner: lst.HighestBidder}
	// The winning escrow becomes the proceeds.
	l.setEscrow(winner, l.escrow[winner]-amount)
	l.addTotal(l.paid, lst.ID, amount)
	l.updateListing(lst, func(x *Listing) { x.Claimed = true })

	if err := l.funds.Send(ctx, lst.Lister, amount); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return amount, nil
}

func (l *Ledger) refund(ctx context.Context, lst *Listing, caller Identity) (amount int64, err error) {
	key := escrowKey{listing: lst.ID, owner: caller}
	balance := l.escrow[key]

	// An unclaimed winning bid is owed to the lister, not refundable.
	var committed int64
	if caller == lst.HighestBidder && !lst.Claimed {
		committed = lst.HighestBid
	}
	amount = balance - committed
	if amount <= 0 {
		return 0, ErrNothingToWithdraw
	}

	m := l.begin()
	defer func() { err = l.finish(ctx, m, err) }()

	l.setEscrow(key, committed)
	l.addTotal(l.paid, lst.ID, amount)

	if err := l.funds.Send(ctx, caller, amount); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return amount, nil
}

// ItemCount returns the number of listings ever created.
func (l *Ledger) ItemCount() int {
	return len(l.listings)
}

// Listing returns a copy of listing id.
func (l *Ledger) Listing(id uint64) (Listing, error) {
	lst, err := l.listing(id)
	if err != nil {
		return Listing{}, err
	}
	return *lst, nil
}

// EscrowBalance returns what who currently holds in escrow on listing id. An
// identity that never bid has a zero balance.
func (l *Ledger) EscrowBalance(id uint64, who Identity) (int64, error) {
	if _, err := l.listing(id); err != nil {
		return 0, err
	}
	return l.escrow[escrowKey{listing: id, owner: who}], nil
}

// Totals returns the value ever received for listing id and the value paid
// out of it. received == paid + sum of escrow balances at all times.
func (l *Ledger) Totals(id uint64) (received, paid int64, err error) {
	if _, err := l.listing(id); err != nil {
		return 0, 0, err
	}
	return l.received[id], l.paid[id], nil
}
