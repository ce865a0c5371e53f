package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aaronwang/escrow-auction/api-gateway/internal/ledger"
	"github.com/aaronwang/escrow-auction/api-gateway/internal/oplog"
	"github.com/aaronwang/escrow-auction/shared/models"
)

// ErrLogUnavailable is returned when an operation cannot be made durable.
// Nothing has changed when it is returned.
var ErrLogUnavailable = errors.New("operation log unavailable")

// OpLog records operations so the ledger can be rebuilt. Entries are
// appended before the operation runs and discarded if it is rejected.
type OpLog interface {
	Append(e oplog.Entry) (uint64, error)
	Discard(seq uint64) error
	Replay(fn func(oplog.Entry) error) error
}

// EventPublisher receives committed ledger events and withdrawal records.
type EventPublisher interface {
	ledger.Notifier
	PublishWithdrawal(ctx context.Context, listingID uint64, userID string, amount int64)
}

// BiddingService runs every ledger operation one at a time. Each call reads
// the clock once so the whole operation sees a single "now".
type BiddingService struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	log    OpLog
	events EventPublisher
	logger *slog.Logger
	clock  func() time.Time

	// set per call, read by the ledger through its clock
	now       time.Time
	replaying bool
	funds     ledger.Funds

	// set when a rejected operation could not be discarded from the log;
	// from then on every change is refused
	broken error
}

// Option configures a BiddingService.
type Option func(*BiddingService)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *BiddingService) { s.clock = now }
}

// WithEvents sets the event publisher.
func WithEvents(p EventPublisher) Option {
	return func(s *BiddingService) { s.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *BiddingService) { s.logger = l }
}

// NewBiddingService builds the ledger and replays log into it. log may be nil
// for a purely in-memory service.
func NewBiddingService(funds ledger.Funds, log OpLog, opts ...Option) (*BiddingService, error) {
	s := &BiddingService{
		log:    log,
		funds:  funds,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ledger = ledger.New(
		stepFunds{s},
		ledger.WithClock(ledger.ClockFunc(func() time.Time { return s.now })),
		ledger.WithNotifier(ledger.NotifierFunc(s.notify)),
	)

	if log != nil {
		if err := s.replay(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateListing lists an item on behalf of the caller.
func (s *BiddingService) CreateListing(ctx context.Context, req *models.ListRequest) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.clock()

	var id uint64
	err := s.logged(oplog.Entry{
		Op:              oplog.OpList,
		Caller:          req.UserID,
		ListingID:       uint64(s.ledger.ItemCount()),
		ItemName:        req.ItemName,
		DurationSeconds: req.DurationSeconds,
	}, func() (err error) {
		id, err = s.ledger.List(ctx, ledger.Identity(req.UserID), req.ItemName, req.DurationSeconds)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("listing created", "listing_id", id, "lister", req.UserID, "item", req.ItemName)
	return id, nil
}

// PlaceBid adds req.Amount to the caller's escrow on a listing.
func (s *BiddingService) PlaceBid(ctx context.Context, listingID uint64, req *models.BidRequest) (*models.BidResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.clock()

	caller := ledger.Identity(req.UserID)
	err := s.logged(oplog.Entry{
		Op:        oplog.OpBid,
		Caller:    req.UserID,
		ListingID: listingID,
		Amount:    req.Amount,
	}, func() error {
		return s.ledger.Bid(ctx, caller, listingID, req.Amount)
	})
	if err != nil {
		return nil, err
	}

	lst, err := s.ledger.Listing(listingID)
	if err != nil {
		return nil, err
	}
	total, err := s.ledger.EscrowBalance(listingID, caller)
	if err != nil {
		return nil, err
	}

	s.logger.Info("bid accepted", "listing_id", listingID, "bidder", req.UserID,
		"amount", req.Amount, "total", total, "highest_bid", lst.HighestBid)
	return &models.BidResponse{
		Success:    true,
		Message:    "Bid placed successfully!",
		CurrentBid: lst.HighestBid,
		YourTotal:  total,
		IsHighest:  lst.HighestBidder == caller,
	}, nil
}

// Withdraw pays out whatever the caller is owed on a listing: a refund for a
// non-winning bidder or the sale proceeds for the lister.
func (s *BiddingService) Withdraw(ctx context.Context, listingID uint64, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.clock()

	var amount int64
	err := s.logged(oplog.Entry{
		Op:        oplog.OpWithdraw,
		Caller:    userID,
		ListingID: listingID,
	}, func() (err error) {
		amount, err = s.ledger.Withdraw(ctx, ledger.Identity(userID), listingID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.events != nil {
		s.events.PublishWithdrawal(ctx, listingID, userID, amount)
	}
	s.logger.Info("withdrawal paid", "listing_id", listingID, "user_id", userID, "amount", amount)
	return amount, nil
}

// ItemCount returns the number of listings ever created.
func (s *BiddingService) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ItemCount()
}

// GetListing returns a snapshot of a listing.
func (s *BiddingService) GetListing(listingID uint64) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lst, err := s.ledger.Listing(listingID)
	if err != nil {
		return nil, err
	}
	return toModel(lst, s.clock()), nil
}

// ListListings returns every listing in id order.
func (s *BiddingService) ListListings() []*models.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	n := s.ledger.ItemCount()
	out := make([]*models.Listing, 0, n)
	for id := 0; id < n; id++ {
		lst, err := s.ledger.Listing(uint64(id))
		if err != nil {
			continue
		}
		out = append(out, toModel(lst, now))
	}
	return out
}

// GetEscrowBalance returns what the ledger holds for userID on a listing.
func (s *BiddingService) GetEscrowBalance(listingID uint64, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.EscrowBalance(listingID, ledger.Identity(userID))
}

func toModel(lst ledger.Listing, now time.Time) *models.Listing {
	status := models.ListingStatusActive
	if !lst.Open(now) {
		status = models.ListingStatusClosed
	}
	return &models.Listing{
		ID:            lst.ID,
		ItemName:      lst.ItemName,
		Lister:        string(lst.Lister),
		HighestBid:    lst.HighestBid,
		HighestBidder: string(lst.HighestBidder),
		AuctionEnd:    lst.AuctionEnd.UTC(),
		Claimed:       lst.Claimed,
		Status:        status,
	}
}

// logged writes e ahead to the log, then runs op. If op is rejected the entry
// is discarded again. Should the discard fail, the log holds an operation the
// ledger never applied, so the service refuses all further changes.
func (s *BiddingService) logged(e oplog.Entry, op func() error) error {
	if s.broken != nil {
		return fmt.Errorf("%w: %w", ErrLogUnavailable, s.broken)
	}
	if s.log == nil {
		return op()
	}

	e.At = s.now
	seq, err := s.log.Append(e)
	if err != nil {
		s.logger.Error("failed to append to operation log", "op", e.Op, "listing_id", e.ListingID, "error", err)
		return fmt.Errorf("%w: %w", ErrLogUnavailable, err)
	}

	opErr := op()
	if opErr == nil {
		return nil
	}
	if err := s.log.Discard(seq); err != nil {
		s.broken = err
		s.logger.Error("failed to discard rejected operation, refusing further changes",
			"seq", seq, "op", e.Op, "error", err)
	}
	return opErr
}

func (s *BiddingService) notify(ctx context.Context, e ledger.Event) {
	if s.replaying || s.events == nil {
		return
	}
	s.events.Notify(ctx, e)
}

func (s *BiddingService) replay() error {
	s.replaying = true
	defer func() { s.replaying = false }()

	ctx := context.Background()
	var n int
	var skipped int
	err := s.log.Replay(func(e oplog.Entry) error {
		s.now = e.At
		n++
		var opErr error
		switch e.Op {
		case oplog.OpList:
			var id uint64
			id, opErr = s.ledger.List(ctx, ledger.Identity(e.Caller), e.ItemName, e.DurationSeconds)
			if opErr == nil && id != e.ListingID {
				return fmt.Errorf("listing id %d replayed as %d", e.ListingID, id)
			}
		case oplog.OpBid:
			opErr = s.ledger.Bid(ctx, ledger.Identity(e.Caller), e.ListingID, e.Amount)
		case oplog.OpWithdraw:
			_, opErr = s.ledger.Withdraw(ctx, ledger.Identity(e.Caller), e.ListingID)
		default:
			return errors.New("unknown operation " + string(e.Op))
		}
		// An entry left behind by a crash before its discard is rejected
		// again on replay.
		if opErr != nil {
			skipped++
			s.logger.Warn("skipping rejected operation", "seq", e.Seq, "op", e.Op, "listing_id", e.ListingID, "error", opErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild ledger: %w", err)
	}
	s.logger.Info("ledger rebuilt from operation log",
		"operations", n, "skipped", skipped, "listings", s.ledger.ItemCount())
	return nil
}

// stepFunds forwards transfers to the wallet store except during replay,
// when the transfers have already happened.
type stepFunds struct{ s *BiddingService }

func (f stepFunds) Receive(ctx context.Context, from ledger.Identity, amount int64) error {
	if f.s.replaying {
		return nil
	}
	return f.s.funds.Receive(ctx, from, amount)
}

func (f stepFunds) Send(ctx context.Context, to ledger.Identity, amount int64) error {
	if f.s.replaying {
		return nil
	}
	return f.s.funds.Send(ctx, to, amount)
}
