package ledger

import "errors"

// Rejections returned by ledger operations. A rejected call leaves no trace in
// the ledger state.
var (
	ErrInvalidItem        = errors.New("invalid item id")
	ErrInvalidItemName    = errors.New("item name must not be empty")
	ErrInvalidDuration    = errors.New("auction duration must be positive")
	ErrInvalidAmount      = errors.New("invalid bid amount")
	ErrInvalidIdentity    = errors.New("caller identity is required")
	ErrAuctionEnded       = errors.New("auction has ended")
	ErrAuctionNotEnded    = errors.New("auction hasn't ended")
	ErrSelfBidForbidden   = errors.New("can't bid on an item you listed")
	ErrBidTooLow          = errors.New("there is a higher bidder")
	ErrStillHighestBidder = errors.New("can't withdraw while highest bidder")
	ErrAlreadyClaimed     = errors.New("auction funds already claimed")
	ErrNothingToWithdraw  = errors.New("nothing to withdraw")
	ErrTransferFailed     = errors.New("value transfer failed")
	ErrReentrantCall      = errors.New("ledger operation already in progress")
)
