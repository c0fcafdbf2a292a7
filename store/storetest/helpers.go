package storetest

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"landlot/store"

	"github.com/gofrs/uuid"
)

const CadNumber = "1234567890:12:123:1234"

func NewID(t *testing.T) uuid.UUID {
	t.Helper()

	id, err := uuid.NewV4()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func NewRegion(t *testing.T, s store.Store) *store.Region {
	t.Helper()

	r := &store.Region{
		Name: fmt.Sprintf("region-%d", rand.Int()),
	}

	if err := s.UpsertRegion(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	return r
}

func NewAuction(t *testing.T, s store.Store, region *store.Region, owner uuid.UUID) *store.Auction {
	t.Helper()

	a := &store.Auction{
		CadNumber:     CadNumber,
		Size:          2.5,
		RegionID:      region.ID,
		OwnerID:       owner,
		StartDate:     time.Now().UTC().Truncate(time.Microsecond),
		DurationHours: 24,
	}

	if err := s.InsertAuction(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	return a
}

// bidSeq spaces helper-made bid timestamps apart so chain order is
// never ambiguous within a test run.
var bidSeq int64

func NewBid(t *testing.T, s store.Store, a *store.Auction, bidder uuid.UUID, price float64, previous *store.Bid) *store.Bid {
	t.Helper()

	b := &store.Bid{
		AuctionID: a.ID,
		BidderID:  bidder,
		Price:     price,
		BidTime:   time.Now().UTC().Truncate(time.Microsecond).Add(time.Duration(atomic.AddInt64(&bidSeq, 1)) * time.Millisecond),
	}

	if previous != nil {
		b.PreviousBidID = uuid.NullUUID{UUID: previous.ID, Valid: true}
	}

	if err := s.InsertBid(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	return b
}
