package auction

import (
	"fmt"
	"regexp"
	"time"

	"landlot/store"

	"github.com/gofrs/uuid"
)

var (
	ErrInvalidRequest        = fmt.Errorf("invalid request")
	ErrAuctionClosed         = fmt.Errorf("auction already closed")
	ErrOwnerCannotBid        = fmt.Errorf("lot owner can't bid on own lot")
	ErrConsecutiveSameAuthor = fmt.Errorf("same bidder can't make two bids in a row")
	ErrInvalidPrice          = fmt.Errorf("invalid price")
	ErrChainRace             = fmt.Errorf("bid chain conflict")
	ErrInvalidCadNumber      = fmt.Errorf("cadastral number should be in 0000000000:00:000:0000 format")
	ErrInvalidSize           = fmt.Errorf("size must be positive")
	ErrInvalidDuration       = fmt.Errorf("duration must be at least one hour")
)

var cadNumberRe = regexp.MustCompile(`^\d{10}:\d{2}:\d{3}:\d{4}$`)

func validateLot(a *store.Auction) error {
	if !cadNumberRe.MatchString(a.CadNumber) {
		return ErrInvalidCadNumber
	}

	if a.Size <= 0 {
		return ErrInvalidSize
	}

	if a.DurationHours < 1 {
		return ErrInvalidDuration
	}

	return nil
}

// validateBid applies the bid acceptance rules against a snapshot of the
// auction and its chain tail. It has no side effects, so callers may
// re-run it after losing a chain race.
func validateBid(a *store.Auction, tail *store.Bid, bidder uuid.UUID, price float64, now time.Time) error {
	if a.Closed || a.Deadline().Before(now) {
		return ErrAuctionClosed
	}

	if bidder == a.OwnerID {
		return ErrOwnerCannotBid
	}

	if tail != nil && tail.BidderID == bidder {
		return ErrConsecutiveSameAuthor
	}

	if price < 0 {
		return ErrInvalidPrice
	}

	return nil
}

func boolString(b bool, ifTrue, ifFalse string) string {
	if b {
		return ifTrue
	}
	return ifFalse
}
