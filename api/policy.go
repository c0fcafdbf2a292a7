package api

import (
	"errors"
	"fmt"
	"time"

	"landlot/auction"

	"github.com/gofrs/uuid"
)

var (
	ErrForbidden       = errors.New("forbidden")
	ErrWithdrawExpired = errors.New("withdrawal window expired")
)

// WithdrawWindow is how long after placing a bid its author may still
// withdraw it.
const WithdrawWindow = 5 * time.Minute

// policy holds the authorization rules the core deliberately doesn't:
// who may touch what, relative to the caller identity and the clock.
type policy struct {
	now func() time.Time
}

func (p *policy) canModifyAuction(caller uuid.UUID, a *auction.Auction) error {
	if caller != a.OwnerID {
		return fmt.Errorf("auction %s: %w", a.ID, ErrForbidden)
	}

	return nil
}

func (p *policy) canWithdrawBid(caller uuid.UUID, b *auction.Bid) error {
	if caller != b.BidderID {
		return fmt.Errorf("bid %s: %w", b.ID, ErrForbidden)
	}

	if p.now().After(b.BidTime.Add(WithdrawWindow)) {
		return fmt.Errorf("bid %s: %w", b.ID, ErrWithdrawExpired)
	}

	return nil
}
