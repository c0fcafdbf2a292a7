package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"landlot/store"

	"github.com/gofrs/uuid"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/exp/slices"
)

// TestStore is the conformance suite every store.Store implementation
// must pass.
func TestStore(t *testing.T, makeStore func(*testing.T) store.Store) {
	ctx := context.Background()

	t.Run("SelectAuction", func(t *testing.T) {
		s := makeStore(t)
		region := NewRegion(t, s)
		auction := NewAuction(t, s, region, NewID(t))

		have, err := s.SelectAuction(ctx, auction.ID)
		if err != nil {
			t.Fatal(err)
		}

		want := auction
		if diff := cmp.Diff(have, want); diff != "" {
			t.Fatalf("mismatch: %s", diff)
		}

		if _, err := s.SelectAuction(ctx, NewID(t)); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("select bogus auction: want %v, have %v", store.ErrNotFound, err)
		}
	})

	t.Run("UpdateAuction", func(t *testing.T) {
		s := makeStore(t)
		region := NewRegion(t, s)
		auction := NewAuction(t, s, region, NewID(t))

		auction.Size = 7.25
		auction.DurationHours = 48

		if err := s.UpdateAuction(ctx, auction); err != nil {
			t.Fatal(err)
		}

		have, err := s.SelectAuction(ctx, auction.ID)
		if err != nil {
			t.Fatal(err)
		}

		ignore := cmpopts.IgnoreFields(store.Auction{}, "UpdatedAt")
		if diff := cmp.Diff(have, auction, ignore); diff != "" {
			t.Fatalf("mismatch: %s", diff)
		}

		bogus := *auction
		bogus.ID = NewID(t)
		if err := s.UpdateAuction(ctx, &bogus); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("update bogus auction: want %v, have %v", store.ErrNotFound, err)
		}
	})

	t.Run("DeleteAuction", func(t *testing.T) {
		s := makeStore(t)
		region := NewRegion(t, s)
		auction := NewAuction(t, s, region, NewID(t))
		bid := NewBid(t, s, auction, NewID(t), 100, nil)

		if err := s.DeleteAuction(ctx, auction.ID); err != nil {
			t.Fatal(err)
		}

		if _, err := s.SelectAuction(ctx, auction.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("want %v, have %v", store.ErrNotFound, err)
		}

		// Bids go with their auction.
		if _, err := s.SelectBid(ctx, bid.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("want %v, have %v", store.ErrNotFound, err)
		}

		if err := s.DeleteAuction(ctx, auction.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("second delete: want %v, have %v", store.ErrNotFound, err)
		}
	})

	t.Run("ListAuctions", func(t *testing.T) {
		s := makeStore(t)
		region1 := NewRegion(t, s)
		region2 := NewRegion(t, s)
		owner := NewID(t)

		small := NewAuction(t, s, region1, owner)
		big := NewAuction(t, s, region2, owner)
		big.Size = 100
		if err := s.UpdateAuction(ctx, big); err != nil {
			t.Fatal(err)
		}

		all, err := s.ListAuctions(ctx, store.AuctionFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 2, len(all); want != have {
			t.Fatalf("list all: want %d, have %d", want, have)
		}

		byRegion, err := s.ListAuctions(ctx, store.AuctionFilter{
			RegionID: uuid.NullUUID{UUID: region1.ID, Valid: true},
		})
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 1, len(byRegion); want != have {
			t.Fatalf("list by region: want %d, have %d", want, have)
		}
		if want, have := small.ID, byRegion[0].ID; want != have {
			t.Fatalf("list by region: want %s, have %s", want, have)
		}

		minSize := 50.0
		bySize, err := s.ListAuctions(ctx, store.AuctionFilter{MinSize: &minSize})
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 1, len(bySize); want != have {
			t.Fatalf("list by min size: want %d, have %d", want, have)
		}
		if want, have := big.ID, bySize[0].ID; want != have {
			t.Fatalf("list by min size: want %s, have %s", want, have)
		}

		maxSize := 50.0
		bySize, err = s.ListAuctions(ctx, store.AuctionFilter{MaxSize: &maxSize})
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 1, len(bySize); want != have {
			t.Fatalf("list by max size: want %d, have %d", want, have)
		}
		if want, have := small.ID, bySize[0].ID; want != have {
			t.Fatalf("list by max size: want %s, have %s", want, have)
		}
	})

	t.Run("CloseAuctions", func(t *testing.T) {
		s := makeStore(t)
		region := NewRegion(t, s)
		owner := NewID(t)

		now := time.Now().UTC().Truncate(time.Microsecond)

		expired := NewAuction(t, s, region, owner)
		expired.StartDate = now.Add(-2 * time.Hour)
		expired.DurationHours = 1
		if err := s.UpdateAuction(ctx, expired); err != nil {
			t.Fatal(err)
		}

		current := NewAuction(t, s, region, owner)

		n, err := s.CloseAuctions(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := int64(1), n; want != have {
			t.Fatalf("closed count: want %d, have %d", want, have)
		}

		a, err := s.SelectAuction(ctx, expired.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !a.Closed {
			t.Fatal("expired auction not closed")
		}

		a, err = s.SelectAuction(ctx, current.ID)
		if err != nil {
			t.Fatal(err)
		}
		if a.Closed {
			t.Fatal("current auction closed")
		}

		// Re-running the sweep touches nothing.
		n, err = s.CloseAuctions(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := int64(0), n; want != have {
			t.Fatalf("second closed count: want %d, have %d", want, have)
		}
	})

	t.Run("ListBids", func(t *testing.T) {
		s := makeStore(t)
		region := NewRegion(t, s)
		auction := NewAuction(t, s, region, NewID(t))
		bidder1, bidder2 := NewID(t), NewID(t)

		bid1 := NewBid(t, s, auction, bidder1, 100, nil)
		bid2 := NewBid(t, s, auction, bidder2, 150, bid1)

		bids, err := s.ListBids(ctx, auction.ID)
		if err != nil {
			t.Fatal(err)
		}

		want := []*store.Bid{bid1, bid2}
		if diff := cmp.Diff(bids, want); diff != "" {
			t.Fatalf("mismatch: %s", diff)
		}
	})

	t.Run("TailBid", func(t *testing.T) {
		s := makeStore(t)
		region := NewRegion(t, s)
		auction := NewAuction(t, s, region, NewID(t))

		if _, err := s.TailBid(ctx, auction.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("empty chain: want %v, have %v", store.ErrNotFound, err)
		}

		bid1 := NewBid(t, s, auction, NewID(t), 100, nil)
		bid2 := NewBid(t, s, auction, NewID(t), 150, bid1)

		have, err := s.TailBid(ctx, auction.ID)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(have, bid2); diff != "" {
			t.Fatalf("mismatch: %s", diff)
		}
	})

	t.Run("InsertBidChainConflict", func(t *testing.T) {
		s := makeStore(t)
		region := NewRegion(t, s)
		auction := NewAuction(t, s, region, NewID(t))

		bid1 := NewBid(t, s, auction, NewID(t), 100, nil)

		// Second chain-opening bid.
		opener := &store.Bid{
			AuctionID: auction.ID,
			BidderID:  NewID(t),
			Price:     120,
			BidTime:   time.Now().UTC().Truncate(time.Microsecond),
		}
		if err := s.InsertBid(ctx, opener); !errors.Is(err, store.ErrChainConflict) {
			t.Fatalf("want %v, have %v", store.ErrChainConflict, err)
		}

		bid2 := NewBid(t, s, auction, NewID(t), 150, bid1)

		// Second successor of bid1.
		fork := &store.Bid{
			AuctionID:     auction.ID,
			BidderID:      NewID(t),
			Price:         200,
			PreviousBidID: uuid.NullUUID{UUID: bid1.ID, Valid: true},
			BidTime:       time.Now().UTC().Truncate(time.Microsecond),
		}
		if err := s.InsertBid(ctx, fork); !errors.Is(err, store.ErrChainConflict) {
			t.Fatalf("want %v, have %v", store.ErrChainConflict, err)
		}

		// The chain is untouched.
		bids, err := s.ListBids(ctx, auction.ID)
		if err != nil {
			t.Fatal(err)
		}
		want := []*store.Bid{bid1, bid2}
		if diff := cmp.Diff(bids, want); diff != "" {
			t.Fatalf("mismatch: %s", diff)
		}
	})

	t.Run("DeleteAndRelinkBids", func(t *testing.T) {
		s := makeStore(t)
		region := NewRegion(t, s)
		auction := NewAuction(t, s, region, NewID(t))

		bid1 := NewBid(t, s, auction, NewID(t), 100, nil)
		bid2 := NewBid(t, s, auction, NewID(t), 150, bid1)
		bid3 := NewBid(t, s, auction, NewID(t), 200, bid2)

		if err := s.DeleteBid(ctx, bid2.ID); err != nil {
			t.Fatal(err)
		}

		bid3.PreviousBidID = uuid.NullUUID{UUID: bid1.ID, Valid: true}
		if err := s.UpdateBids(ctx, bid3); err != nil {
			t.Fatal(err)
		}

		have, err := s.SelectBid(ctx, bid3.ID)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(have, bid3); diff != "" {
			t.Fatalf("mismatch: %s", diff)
		}

		if err := s.DeleteBid(ctx, bid2.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("second delete: want %v, have %v", store.ErrNotFound, err)
		}
	})

	t.Run("Regions", func(t *testing.T) {
		s := makeStore(t)

		region := NewRegion(t, s)

		have, err := s.SelectRegion(ctx, region.ID)
		if err != nil {
			t.Fatal(err)
		}
		ignore := cmpopts.IgnoreFields(store.Region{}, "CreatedAt", "UpdatedAt")
		if diff := cmp.Diff(have, region, ignore); diff != "" {
			t.Fatalf("mismatch: %s", diff)
		}

		region.Name = "renamed"
		if err := s.UpsertRegion(ctx, region); err != nil {
			t.Fatal(err)
		}

		have, err = s.SelectRegion(ctx, region.ID)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := "renamed", have.Name; want != have {
			t.Fatalf("name: want %q, have %q", want, have)
		}

		rs, err := s.ListRegions(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := 1, len(rs); want != have {
			t.Fatalf("region count: want %d, have %d", want, have)
		}
		if idx := slices.IndexFunc(rs, func(r *store.Region) bool { return r.ID == region.ID }); idx < 0 {
			t.Fatalf("region %s missing from list", region.ID)
		}

		if _, err := s.SelectRegion(ctx, NewID(t)); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("select bogus region: want %v, have %v", store.ErrNotFound, err)
		}
	})
}
