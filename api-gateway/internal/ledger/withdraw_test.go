package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWidgetScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.Equal(t, uint64(0), id)

	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	lst, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), lst.HighestBid)
	assert.Equal(t, bidder1, lst.HighestBidder)

	assert.ErrorIs(t, f.ledger.Bid(ctx, bidder2, id, 50), ErrBidTooLow)

	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 150))
	lst, err = f.ledger.Listing(id)
	require.NoError(t, err)
	assert.Equal(t, int64(150), lst.HighestBid)
	assert.Equal(t, bidder2, lst.HighestBidder)

	paid, err := f.ledger.Withdraw(ctx, bidder1, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), paid)
	assert.Equal(t, int64(100), f.funds.sentTo(bidder1))
	bal, err := f.ledger.EscrowBalance(id, bidder1)
	require.NoError(t, err)
	assert.Zero(t, bal)

	_, err = f.ledger.Withdraw(ctx, lister, id)
	assert.ErrorIs(t, err, ErrAuctionNotEnded)

	f.clock.Advance(60 * time.Second)

	paid, err = f.ledger.Withdraw(ctx, lister, id)
	require.NoError(t, err)
	assert.Equal(t, int64(150), paid)
	assert.Equal(t, int64(150), f.funds.sentTo(lister))
	lst, err = f.ledger.Listing(id)
	require.NoError(t, err)
	assert.True(t, lst.Claimed)

	_, err = f.ledger.Withdraw(ctx, lister, id)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, int64(150), f.funds.sentTo(lister))

	f.assertConserved(t, id, bidder1, bidder2)
}

func TestWithdrawRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))

	tests := []struct {
		name    string
		caller  Identity
		id      uint64
		wantErr error
	}{
		{"unknown listing", bidder1, 4, ErrInvalidItem},
		{"leader while open", bidder1, id, ErrStillHighestBidder},
		{"lister while open", lister, id, ErrAuctionNotEnded},
		{"never bid", bidder2, id, ErrNothingToWithdraw},
		{"anonymous caller", NoBidder, id, ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Withdraw(ctx, tt.caller, tt.id)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, f.funds.sent)
}

func TestOutbidLeaderCanRebidAfterWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 150))

	_, err = f.ledger.Withdraw(ctx, bidder1, id)
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, bidder1, id)
	assert.ErrorIs(t, err, ErrNothingToWithdraw, "a zeroed balance cannot be withdrawn twice")

	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 200))
	bal, err := f.ledger.EscrowBalance(id, bidder1)
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal)

	paid, err := f.ledger.Withdraw(ctx, bidder2, id)
	require.NoError(t, err)
	assert.Equal(t, int64(150), paid)
	f.assertConserved(t, id, bidder1, bidder2)
}

func TestWinnerHasNothingToWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 300))
	f.clock.Advance(time.Minute)

	// Before the lister claims, the winning escrow is committed to the proceeds.
	_, err = f.ledger.Withdraw(ctx, bidder2, id)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	_, err = f.ledger.Withdraw(ctx, lister, id)
	require.NoError(t, err)

	bal, err := f.ledger.EscrowBalance(id, bidder2)
	require.NoError(t, err)
	assert.Zero(t, bal, "winning escrow is consumed by the claim")

	_, err = f.ledger.Withdraw(ctx, bidder2, id)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	// Losing bidders can still reclaim after the claim.
	paid, err := f.ledger.Withdraw(ctx, bidder1, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), paid)

	assert.Equal(t, int64(300), f.funds.sentTo(lister))
	assert.Zero(t, f.funds.sentTo(bidder2))
	f.assertConserved(t, id, bidder1, bidder2)
}

func TestListerWithoutBidsHasNothingToClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 1)
	require.NoError(t, err)
	f.clock.Advance(time.Second)

	_, err = f.ledger.Withdraw(ctx, lister, id)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	lst, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.False(t, lst.Claimed)
}

func TestFailedPayoutRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 150))

	refused := errors.New("recipient refused transfer")
	f.funds.onSend = func(context.Context, Identity, int64) error { return refused }

	_, err = f.ledger.Withdraw(ctx, bidder1, id)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, refused)
	bal, err := f.ledger.EscrowBalance(id, bidder1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	f.clock.Advance(time.Minute)
	_, err = f.ledger.Withdraw(ctx, lister, id)
	assert.ErrorIs(t, err, ErrTransferFailed)
	lst, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.False(t, lst.Claimed)
	bal, err = f.ledger.EscrowBalance(id, bidder2)
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal)
	f.assertConserved(t, id, bidder1, bidder2)

	// Both calls succeed once the recipient accepts again.
	f.funds.onSend = nil
	paid, err := f.ledger.Withdraw(ctx, bidder1, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), paid)
	paid, err = f.ledger.Withdraw(ctx, lister, id)
	require.NoError(t, err)
	assert.Equal(t, int64(150), paid)
	f.assertConserved(t, id, bidder1, bidder2)
}

func TestReentrantWithdrawCannotDoublePay(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 150))

	var nestedErr error
	calls := 0
	f.funds.onSend = func(ctx context.Context, to Identity, _ int64) error {
		calls++
		if calls == 1 {
			_, nestedErr = f.ledger.Withdraw(ctx, to, id)
		}
		return nil
	}

	paid, err := f.ledger.Withdraw(ctx, bidder1, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), paid)
	assert.ErrorIs(t, nestedErr, ErrReentrantCall)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(100), f.funds.sentTo(bidder1))
	f.assertConserved(t, id, bidder1, bidder2)
}

func TestReentrantClaimCannotDoublePay(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	f.clock.Advance(time.Minute)

	var nestedErr error
	f.funds.onSend = func(ctx context.Context, to Identity, _ int64) error {
		_, nestedErr = f.ledger.Withdraw(ctx, to, id)
		return nil
	}

	_, err = f.ledger.Withdraw(ctx, lister, id)
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrReentrantCall)
	assert.Equal(t, int64(100), f.funds.sentTo(lister))

	// Once the transfer is done the ledger accepts calls again.
	f.funds.onSend = nil
	_, err = f.ledger.Withdraw(ctx, lister, id)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestRefusedPayoutAfterNestedWithdrawPaysOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 150))
	require.NoError(t, f.ledger.Bid(ctx, bidder3, id, 200))

	// Paying bidder1 first tries to withdraw for bidder2, then refuses.
	var nestedErr error
	f.funds.onSend = func(ctx context.Context, to Identity, _ int64) error {
		if to == bidder1 {
			_, nestedErr = f.ledger.Withdraw(ctx, bidder2, id)
			return errors.New("refused")
		}
		return nil
	}

	_, err = f.ledger.Withdraw(ctx, bidder1, id)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, nestedErr, ErrReentrantCall)
	assert.Zero(t, f.funds.sentTo(bidder2))

	paid, err := f.ledger.Withdraw(ctx, bidder2, id)
	require.NoError(t, err)
	assert.Equal(t, int64(150), paid)
	_, err = f.ledger.Withdraw(ctx, bidder2, id)
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	assert.Equal(t, int64(150), f.funds.sentTo(bidder2), "paid exactly once")
	f.assertConserved(t, id, bidder1, bidder2, bidder3)
}

func TestRefusedPayoutAfterNestedBidKeepsNoValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 150))
	eventsBefore := len(f.events.events)
	receivedBefore := len(f.funds.received)

	var bidErr, listErr error
	f.funds.onSend = func(ctx context.Context, _ Identity, _ int64) error {
		bidErr = f.ledger.Bid(ctx, bidder3, id, 500)
		_, listErr = f.ledger.List(ctx, bidder3, "Nested", 10)
		return errors.New("refused")
	}

	_, err = f.ledger.Withdraw(ctx, bidder1, id)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, bidErr, ErrReentrantCall)
	assert.ErrorIs(t, listErr, ErrReentrantCall)

	// No value was collected from bidder3, and none is held for them.
	assert.Len(t, f.funds.received, receivedBefore)
	bal, err := f.ledger.EscrowBalance(id, bidder3)
	require.NoError(t, err)
	assert.Zero(t, bal)

	lst, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.Equal(t, int64(150), lst.HighestBid)
	assert.Equal(t, bidder2, lst.HighestBidder)
	assert.Equal(t, 1, f.ledger.ItemCount())
	bal, err = f.ledger.EscrowBalance(id, bidder1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	assert.Len(t, f.events.events, eventsBefore)
	f.assertConserved(t, id, bidder1, bidder2, bidder3)
}

func TestReentrantBidDuringInboundTransferRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)

	var nestedErr error
	f.funds.onReceive = func(ctx context.Context, _ Identity, _ int64) error {
		nestedErr = f.ledger.Bid(ctx, bidder2, id, 200)
		return nil
	}

	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	assert.ErrorIs(t, nestedErr, ErrReentrantCall)
	require.Len(t, f.funds.received, 1)

	lst, err := f.ledger.Listing(id)
	require.NoError(t, err)
	assert.Equal(t, bidder1, lst.HighestBidder)
	f.assertConserved(t, id, bidder1, bidder2)
}

func TestNotifierMayCallBackAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.ledger.List(ctx, lister, "Widget", 60)
	require.NoError(t, err)

	var seen Listing
	f.ledger.notifier = NotifierFunc(func(ctx context.Context, e Event) {
		seen, _ = f.ledger.Listing(e.ListingID)
		if e.Identity == bidder1 {
			require.NoError(t, f.ledger.Bid(ctx, bidder2, id, 200))
		}
	})

	require.NoError(t, f.ledger.Bid(ctx, bidder1, id, 100))
	assert.Equal(t, bidder2, seen.HighestBidder, "events are delivered once the ledger is idle")
	f.assertConserved(t, id, bidder1, bidder2)
}
