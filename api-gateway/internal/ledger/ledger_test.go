package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lister  Identity = "lister"
	bidder1 Identity = "bidder-1"
	bidder2 Identity = "bidder-2"
	bidder3 Identity = "bidder-3"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type transfer struct {
	who    Identity
	amount int64
}

// fakeFunds records transfers. Hooks run before a transfer is recorded and may
// fail it or call back into the ledger.
type fakeFunds struct {
	received []transfer
	sent     []transfer

	onReceive func(ctx context.Context, from Identity, amount int64) error
	onSend    func(ctx context.Context, to Identity, amount int64) error
}

func (f *fakeFunds) Receive(ctx context.Context, from Identity, amount int64) error {
	if f.onReceive != nil {
		if err := f.onReceive(ctx, from, amount); err != nil {
			return err
		}
	}
	f.received = append(f.received, transfer{from, amount})
	return nil
}

func (f *fakeFunds) Send(ctx context.Context, to Identity, amount int64) error {
	if f.onSend != nil {
		if err := f.onSend(ctx, to, amount); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, transfer{to, amount})
	return nil
}

func (f *fakeFunds) sentTo(who Identity) int64 {
	var total int64
	for _, t := range f.sent {
		if t.who == who {
			total += t.amount
		}
	}
	return total
}

type recorder struct{ events []Event }

func (r *recorder) Notify(_ context.Context, e Event) { r.events = append(r.events, e) }

type fixture struct {
	ledger *Ledger
	funds  *fakeFunds
	clock  *manualClock
	events *recorder
}

func newFixture() *fixture {
	f := &fixture{
		funds:  &fakeFunds{},
		clock:  &manualClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	f.ledger = New(f.funds, WithClock(f.clock), WithNotifier(f.events))
	return f
}

// assertConserved checks that escrow plus payouts equals what was received.
func (f *fixture) assertConserved(t *testing.T, id uint64, depositors ...Identity) {
	t.Helper()
	received, paid, err := f.ledger.Totals(id)
	require.NoError(t, err)

	var held int64
	for _, d := range depositors {
		bal, err := f.ledger.EscrowBalance(id, d)
		require.NoError(t, err)
		held += bal
	}
	assert.Equal(t, received, held+paid, "escrow + paid out must equal received")
}

func TestNewLedgerIsEmpty(t *testing.T) {
	f := newFixture()
	assert.Equal(t, 0, f.ledger.ItemCount())

	_, err := f.ledger.Listing(0)
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestListCreatesListing(t *testing.T) {
	f := newFixture()
	start := f.clock.Now()

	id, err := f.ledger.List(context.Background(), lister, "A Potato", 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, 1, f.ledger.ItemCount())

	lst, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.Equal(t, Listing{
		ID:            0,
		ItemName:      "A Potato",
		Lister:        lister,
		HighestBid:    0,
		HighestBidder: NoBidder,
		AuctionEnd:    start.Add(9 * time.Second),
		Claimed:       false,
	}, lst)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, Event{Kind: EventItemListed, ListingID: 0, Identity: lister, ItemName: "A Potato"}, f.events.events[0])

	id, err = f.ledger.List(context.Background(), bidder1, "Second", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestListRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		caller   Identity
		item     string
		duration int64
		wantErr  error
	}{
		{"empty name", lister, "", 60, ErrInvalidItemName},
		{"whitespace name", lister, "  \t", 60, ErrInvalidItemName},
		{"zero duration", lister, "Widget", 0, ErrInvalidDuration},
		{"negative duration", lister, "Widget", -5, ErrInvalidDuration},
		{"overflowing duration", lister, "Widget", maxDurationSeconds + 1, ErrInvalidDuration},
		{"anonymous caller", NoBidder, "Widget", 60, ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.ledger.List(context.Background(), tt.caller, tt.item, tt.duration)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.ledger.ItemCount())
			assert.Empty(t, f.events.events)
		})
	}
}

func TestBidPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))

	tests := []struct {
		name    string
		caller  Identity
		id      uint64
		amount  int64
		wantErr error
	}{
		{"unknown listing", bidder2, 4, 500, ErrInvalidItem},
		{"lister bids", lister, id, 500, ErrSelfBidForbidden},
		{"lower than highest", bidder2, id, 50, ErrBidTooLow},
		{"equal to highest", bidder2, id, 100, ErrBidTooLow},
		{"leader adds nothing", bidder1, id, 0, ErrBidTooLow},
		{"negative amount", bidder2, id, -1, ErrInvalidAmount},
		{"anonymous caller", NoBidder, id, 500, ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ledger.Bid(ctx, tt.caller, tt.id, tt.amount)
			assert.ErrorIs(t, err, tt.wantErr)

			lst, err := f.ledger.Listing(id)
			require.NoError(t, err)
			assert.Equal(t, int64(100), lst.HighestBid)
			assert.Equal(t, bidder1, lst.HighestBidder)
		})
	}
	assert.Len(t, f.funds.received, 1)
}

func TestBidAfterEndFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)

	f.clock.Advance(60 * time.Second)
	assert.ErrorIs(t, f.ledger.Bid(ctx, bidder1, id, 500), ErrAuctionEnded)
	// The end check precedes the self-bid check.
	assert.ErrorIs(t, f.ledger.Bid(ctx, lister, id, 500), ErrAuctionEnded)
}

func TestSelfBidForbiddenAtAnyTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)

	for _, amount := range []int64{0, 1, 1_000_000} {
		assert.ErrorIs(t, f.ledger.Bid(ctx, lister, id, amount), ErrSelfBidForbidden)
	}
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 10))
	assert.ErrorIs(t, f.ledger.Bid(ctx, lister, id, 1_000_000), ErrSelfBidForbidden)
}

func TestBidTopUpUsesResultingTotal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "A Potato", 60)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 1))
	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 2))
	// bidder1 adds 2 to their 1: total 3 beats 2 although the raw amount does not.
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 2))

	lst, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lst.HighestBid)
	assert.Equal(t, bidder1, lst.HighestBidder)

	bal, err := f.ledger.EscrowBalance(id, bidder1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal)

	bal, err = f.ledger.EscrowBalance(id, bidder2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal, "outbid balance stays in escrow")

	// bidder2 topping up by 1 reaches 3: not above the highest.
	assert.ErrorIs(t, f.ledger.Bid(ctx, bidder2, id, 1), ErrBidTooLow)

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, Event{Kind: EventNewHighestBid, ListingID: id, Identity: bidder1, Amount: 3}, last)
	f.assertConserved(t, id, bidder1, bidder2)
}

func TestHighestBidTracksLeaderBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 600)
	require.NoError(t, err)

	bids := []struct {
		who    Identity
		amount int64
	}{
		{bidder1, 10}, {bidder2, 5}, {bidder2, 6}, {bidder3, 20}, {bidder1, 3},
		{bidder1, 11}, {bidder2, 100}, {bidder3, 1}, {bidder3, 81}, {bidder1, 0},
	}

	var prev int64
	for _, b := range bids {
		_ = f.ledger.Bid(ctx, b.who, id, b.amount)

		lst, err := f.ledger.Listing(id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, lst.HighestBid, prev)
		prev = lst.HighestBid

		leaderBalance, err := f.ledger.EscrowBalance(id, lst.HighestBidder)
		require.NoError(t, err)
		assert.Equal(t, lst.HighestBid, leaderBalance)
		f.assertConserved(t, id, bidder1, bidder2, bidder3)
	}
	assert.Equal(t, int64(101), prev)
}

func TestBidOverflowRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 10))
	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 20))

	err = f.ledger.Bid(ctx, bidder1, id, 1<<63-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestBidInboundTransferFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 10))
	eventsBefore := len(f.events.events)

	f.funds.onReceive = func(context.Context, Identity, int64) error {
		return errors.New("insufficient funds")
	}
	err = f.ledger.Bid(ctx, bidder2, id, 50)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorContains(t, err, "insufficient funds")

	lst, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), lst.HighestBid)
	assert.Equal(t, bidder1, lst.HighestBidder)

	bal, err := f.ledger.EscrowBalance(id, bidder2)
	require.NoError(t, err)
	assert.Zero(t, bal)
	assert.Len(t, f.events.events, eventsBefore)
	f.assertConserved(t, id, bidder1, bidder2)
}

func TestClockNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 10)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	assert.ErrorIs(t, f.ledger.Bid(ctx, bidder1, id, 5), ErrAuctionEnded)

	// A late reading behind the last one must not reopen the auction.
	f.clock.Advance(-5 * time.Second)
	assert.ErrorIs(t, f.ledger.Bid(ctx, bidder1, id, 5), ErrAuctionEnded)
}

func TestReadsDoNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 40))

	first, err := f.ledger.Listing(id)
	require.NoError(t, err)
	firstBal, err := f.ledger.EscrowBalance(id, bidder1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := f.ledger.Listing(id)
		require.NoError(t, err)
		assert.Equal(t, first, again)

		bal, err := f.ledger.EscrowBalance(id, bidder1)
		require.NoError(t, err)
		assert.Equal(t, firstBal, bal)
	}

	// Mutating the returned copy does not reach the ledger.
	first.HighestBid = 1
	again, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.Equal(t, int64(40), again.HighestBid)

	bal, err := f.ledger.EscrowBalance(id, "stranger")
	require.NoError(t, err)
	assert.Zero(t, bal)

	_, err = f.ledger.EscrowBalance(7, bidder1)
	assert.ErrorIs(t, err, ErrInvalidItem)
}
