package api

import (
	"errors"
	"testing"
	"time"

	"landlot/auction"

	"github.com/gofrs/uuid"
)

func TestPolicyWithdrawBid(t *testing.T) {
	var (
		now    = time.Now().UTC()
		author = uuid.Must(uuid.NewV4())
		other  = uuid.Must(uuid.NewV4())
		p      = &policy{now: func() time.Time { return now }}
	)

	bid := &auction.Bid{
		ID:       uuid.Must(uuid.NewV4()),
		BidderID: author,
		BidTime:  now.Add(-time.Minute),
	}

	if err := p.canWithdrawBid(author, bid); err != nil {
		t.Fatalf("author within window: %v", err)
	}

	if err := p.canWithdrawBid(other, bid); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger: want %v, have %v", ErrForbidden, err)
	}

	bid.BidTime = now.Add(-WithdrawWindow - time.Second)
	if err := p.canWithdrawBid(author, bid); !errors.Is(err, ErrWithdrawExpired) {
		t.Fatalf("late author: want %v, have %v", ErrWithdrawExpired, err)
	}
}

func TestPolicyModifyAuction(t *testing.T) {
	var (
		owner = uuid.Must(uuid.NewV4())
		other = uuid.Must(uuid.NewV4())
		p     = &policy{now: time.Now}
	)

	a := &auction.Auction{ID: uuid.Must(uuid.NewV4()), OwnerID: owner}

	if err := p.canModifyAuction(owner, a); err != nil {
		t.Fatalf("owner: %v", err)
	}

	if err := p.canModifyAuction(other, a); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger: want %v, have %v", ErrForbidden, err)
	}
}
