package auction_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"landlot/auction"
	"landlot/store"
	"landlot/store/memstore"
	"landlot/store/pgstore"
	"landlot/store/storetest"

	"github.com/go-kit/log"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func newStore(t *testing.T) store.Store {
	switch {
	case os.Getenv("PGCONNSTRING") != "":
		t.Logf("using Postgres store")
		return pgstore.NewTestStore(t)
	default:
		t.Logf("using memory store (set PGCONNSTRING to use Postgres)")
		return memstore.NewStore()
	}
}

func newService(t *testing.T, s store.Store) *auction.CoreService {
	t.Helper()
	return auction.NewCoreService(s, log.NewNopLogger())
}

func TestServicePlaceBid(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	svc.Now = func() time.Time { return now }

	region := storetest.NewRegion(t, s)
	owner := storetest.NewID(t)
	lot := storetest.NewAuction(t, s, region, owner)

	bidderB, bidderC := storetest.NewID(t), storetest.NewID(t)

	t.Run("owner can't bid", func(t *testing.T) {
		_, err := svc.PlaceBid(ctx, lot.ID, owner, 100)
		if want, have := auction.ErrOwnerCannotBid, err; !errors.Is(have, want) {
			t.Fatalf("want %v, have %v", want, have)
		}
	})

	t.Run("first bid opens the chain", func(t *testing.T) {
		bid, err := svc.PlaceBid(ctx, lot.ID, bidderB, 100)
		if err != nil {
			t.Fatal(err)
		}
		if bid.PreviousBidID.Valid {
			t.Fatalf("first bid has predecessor %s", bid.PreviousBidID.UUID)
		}
	})

	t.Run("no two bids in a row by same bidder", func(t *testing.T) {
		_, err := svc.PlaceBid(ctx, lot.ID, bidderB, 120)
		if want, have := auction.ErrConsecutiveSameAuthor, err; !errors.Is(have, want) {
			t.Fatalf("want %v, have %v", want, have)
		}
	})

	t.Run("third party outbids", func(t *testing.T) {
		tail, err := svc.LastBid(ctx, lot.ID)
		if err != nil {
			t.Fatal(err)
		}

		bid, err := svc.PlaceBid(ctx, lot.ID, bidderC, 150)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := tail.ID, bid.PreviousBidID.UUID; want != have {
			t.Fatalf("predecessor: want %s, have %s", want, have)
		}

		price, err := svc.CurrentPrice(ctx, lot.ID)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 150.0, price; want != have {
			t.Fatalf("current price: want %v, have %v", want, have)
		}
	})

	t.Run("negative price", func(t *testing.T) {
		_, err := svc.PlaceBid(ctx, lot.ID, bidderB, -1)
		if want, have := auction.ErrInvalidPrice, err; !errors.Is(have, want) {
			t.Fatalf("want %v, have %v", want, have)
		}
	})

	t.Run("bogus auction", func(t *testing.T) {
		_, err := svc.PlaceBid(ctx, storetest.NewID(t), bidderB, 100)
		if want, have := store.ErrNotFound, err; !errors.Is(have, want) {
			t.Fatalf("want %v, have %v", want, have)
		}
	})
}

func TestServiceCloseExpired(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	svc.Now = func() time.Time { return now }

	region := storetest.NewRegion(t, s)
	owner := storetest.NewID(t)

	// One-hour auction that started two hours ago.
	lot, err := svc.CreateAuction(ctx, &auction.Auction{
		CadNumber:     storetest.CadNumber,
		Size:          2.5,
		RegionID:      region.ID,
		OwnerID:       owner,
		StartDate:     now.Add(-2 * time.Hour),
		DurationHours: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := svc.CloseExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := int64(1), n; want != have {
		t.Fatalf("closed count: want %d, have %d", want, have)
	}

	_, err = svc.PlaceBid(ctx, lot.ID, storetest.NewID(t), 100)
	if want, have := auction.ErrAuctionClosed, err; !errors.Is(have, want) {
		t.Fatalf("want %v, have %v", want, have)
	}

	// The sweep is idempotent.
	n, err = svc.CloseExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := int64(0), n; want != have {
		t.Fatalf("second closed count: want %d, have %d", want, have)
	}
}

func TestServiceWithdrawBid(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s)

	region := storetest.NewRegion(t, s)
	owner := storetest.NewID(t)
	lot := storetest.NewAuction(t, s, region, owner)

	bidderB, bidderC, bidderD := storetest.NewID(t), storetest.NewID(t), storetest.NewID(t)

	bidB, err := svc.PlaceBid(ctx, lot.ID, bidderB, 100)
	if err != nil {
		t.Fatal(err)
	}
	bidC, err := svc.PlaceBid(ctx, lot.ID, bidderC, 150)
	if err != nil {
		t.Fatal(err)
	}
	bidD, err := svc.PlaceBid(ctx, lot.ID, bidderD, 200)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.WithdrawBid(ctx, bidC.ID); err != nil {
		t.Fatal(err)
	}

	bids, err := svc.ListBids(ctx, lot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 2, len(bids); want != have {
		t.Fatalf("surviving bids: want %d, have %d", want, have)
	}

	// The bid after the removed one takes over its predecessor.
	have, err := svc.Bid(ctx, bidD.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := bidB.ID, have.PreviousBidID.UUID; want != have {
		t.Fatalf("relinked predecessor: want %s, have %s", want, have)
	}

	if err := svc.WithdrawBid(ctx, bidC.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second withdraw: want %v, have %v", store.ErrNotFound, err)
	}
}

func TestServiceWithdrawFirstBid(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s)

	region := storetest.NewRegion(t, s)
	lot := storetest.NewAuction(t, s, region, storetest.NewID(t))

	bidB, err := svc.PlaceBid(ctx, lot.ID, storetest.NewID(t), 100)
	if err != nil {
		t.Fatal(err)
	}
	bidC, err := svc.PlaceBid(ctx, lot.ID, storetest.NewID(t), 150)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.WithdrawBid(ctx, bidB.ID); err != nil {
		t.Fatal(err)
	}

	// The successor becomes the new chain opener.
	have, err := svc.Bid(ctx, bidC.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have.PreviousBidID.Valid {
		t.Fatalf("want chain opener, have predecessor %s", have.PreviousBidID.UUID)
	}
}

func TestServiceStatistics(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	svc.Now = func() time.Time { return now }

	t.Run("empty population", func(t *testing.T) {
		stats, err := svc.Statistics(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 0, stats.TotalLots; want != have {
			t.Fatalf("total lots: want %d, have %d", want, have)
		}
		if stats.AvgClosedPrice.Valid {
			t.Fatalf("avg closed price: want no data, have %s", stats.AvgClosedPrice.Decimal)
		}
	})

	region := storetest.NewRegion(t, s)
	owner := storetest.NewID(t)

	mustCreate := func(start time.Time, hours int) *auction.Auction {
		t.Helper()
		lot, err := svc.CreateAuction(ctx, &auction.Auction{
			CadNumber:     storetest.CadNumber,
			Size:          2.5,
			RegionID:      region.ID,
			OwnerID:       owner,
			StartDate:     start,
			DurationHours: hours,
		})
		if err != nil {
			t.Fatal(err)
		}
		return lot
	}

	expiring := mustCreate(now.Add(-2*time.Hour), 1)
	mustCreate(now.Add(-2*time.Hour), 1) // expires with no bids
	open := mustCreate(now, 24)

	if _, err := svc.PlaceBid(ctx, expiring.ID, storetest.NewID(t), 150); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PlaceBid(ctx, open.ID, storetest.NewID(t), 999); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CloseExpired(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := svc.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if want, have := 3, stats.TotalLots; want != have {
		t.Fatalf("total lots: want %d, have %d", want, have)
	}
	if want, have := 1, stats.ActiveLots; want != have {
		t.Fatalf("active lots: want %d, have %d", want, have)
	}
	if want, have := 1, stats.LotsWithNoBids; want != have {
		t.Fatalf("lots with no bids: want %d, have %d", want, have)
	}
	if want, have := 7.5, stats.TotalSize; want != have {
		t.Fatalf("total size: want %v, have %v", want, have)
	}

	// Two closed lots, prices 150 and 0.
	if !stats.AvgClosedPrice.Valid {
		t.Fatal("avg closed price: want data, have none")
	}
	if want, have := decimal.NewFromInt(75), stats.AvgClosedPrice.Decimal; !have.Equal(want) {
		t.Fatalf("avg closed price: want %s, have %s", want, have)
	}
}

func TestServiceConcurrentBids(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s)

	region := storetest.NewRegion(t, s)
	lot := storetest.NewAuction(t, s, region, storetest.NewID(t))

	const bidders = 8

	var g errgroup.Group
	for i := 0; i < bidders; i++ {
		i := i
		bidder := storetest.NewID(t)
		g.Go(func() error {
			if _, err := svc.PlaceBid(ctx, lot.ID, bidder, float64(100+i)); err != nil {
				// Losing under contention is fine, committing a fork is not.
				t.Logf("bidder %d: %v", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// Whatever landed must form one unforked chain.
	bids, err := svc.ListBids(ctx, lot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) == 0 {
		t.Fatal("no bids committed")
	}

	var previous uuid.NullUUID
	for i, b := range bids {
		if want, have := previous, b.PreviousBidID; want != have {
			t.Fatalf("bid %d: predecessor: want %v, have %v", i, want, have)
		}
		previous = uuid.NullUUID{UUID: b.ID, Valid: true}
	}
}

func TestValidateLot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s)

	region := storetest.NewRegion(t, s)
	owner := storetest.NewID(t)

	base := auction.Auction{
		CadNumber:     storetest.CadNumber,
		Size:          2.5,
		RegionID:      region.ID,
		OwnerID:       owner,
		DurationHours: 24,
	}

	for _, tc := range []struct {
		name   string
		mutate func(a *auction.Auction)
		want   error
	}{
		{"bad cad number", func(a *auction.Auction) { a.CadNumber = "123:45" }, auction.ErrInvalidCadNumber},
		{"zero size", func(a *auction.Auction) { a.Size = 0 }, auction.ErrInvalidSize},
		{"zero duration", func(a *auction.Auction) { a.DurationHours = 0 }, auction.ErrInvalidDuration},
		{"bogus region", func(a *auction.Auction) { a.RegionID = storetest.NewID(t) }, store.ErrNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := base
			tc.mutate(&a)
			_, err := svc.CreateAuction(ctx, &a)
			if want, have := tc.want, err; !errors.Is(have, want) {
				t.Fatalf("want %v, have %v", want, have)
			}
		})
	}

	a := base
	lot, err := svc.CreateAuction(ctx, &a)
	if err != nil {
		t.Fatal(err)
	}
	if lot.StartDate.IsZero() {
		t.Fatal("start date not defaulted")
	}
}
