package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"landlot/metrics"
	"landlot/store"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// These type aliases are quick and hacky way to ensure that the API of
// `package auction` doesn't include types defined in `package store`.
type (
	Auction = store.Auction
	Bid     = store.Bid
	Region  = store.Region
	Filter  = store.AuctionFilter
)

// LotUpdate is a partial auction update. Nil fields are left unchanged.
type LotUpdate struct {
	CadNumber     *string
	Size          *float64
	RegionID      *uuid.UUID
	StartDate     *time.Time
	DurationHours *int
}

// Statistics is a population-level snapshot over all lots. AvgClosedPrice
// is null when no lot has closed yet, so an empty population never turns
// into a divide-by-zero.
type Statistics struct {
	TotalLots      int                 `json:"total_lots"`
	ActiveLots     int                 `json:"active_lots"`
	LotsWithNoBids int                 `json:"lots_with_no_bids"`
	TotalSize      float64             `json:"total_size"`
	AvgClosedPrice decimal.NullDecimal `json:"avg_closed_price"`
}

type Service interface {
	Ping(ctx context.Context) error

	CreateAuction(ctx context.Context, a *Auction) (*Auction, error)
	Auction(ctx context.Context, id uuid.UUID) (*Auction, error)
	UpdateAuction(ctx context.Context, id uuid.UUID, upd LotUpdate) (*Auction, error)
	DeleteAuction(ctx context.Context, id uuid.UUID) error
	ListAuctions(ctx context.Context, f Filter) ([]*Auction, error)

	PlaceBid(ctx context.Context, auctionID, bidder uuid.UUID, price float64) (*Bid, error)
	WithdrawBid(ctx context.Context, id uuid.UUID) error
	Bid(ctx context.Context, id uuid.UUID) (*Bid, error)
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)
	LastBid(ctx context.Context, auctionID uuid.UUID) (*Bid, error)
	CurrentPrice(ctx context.Context, auctionID uuid.UUID) (float64, error)

	CloseExpired(ctx context.Context) (int64, error)
	Statistics(ctx context.Context) (*Statistics, error)

	UpsertRegion(ctx context.Context, r *Region) (*Region, error)
	Region(ctx context.Context, id uuid.UUID) (*Region, error)
	ListRegions(ctx context.Context) ([]*Region, error)
}

//
//
//

type MockService struct {
	PingFunc          func(ctx context.Context) error
	CreateAuctionFunc func(ctx context.Context, a *Auction) (*Auction, error)
	AuctionFunc       func(ctx context.Context, id uuid.UUID) (*Auction, error)
	UpdateAuctionFunc func(ctx context.Context, id uuid.UUID, upd LotUpdate) (*Auction, error)
	DeleteAuctionFunc func(ctx context.Context, id uuid.UUID) error
	ListAuctionsFunc  func(ctx context.Context, f Filter) ([]*Auction, error)
	PlaceBidFunc      func(ctx context.Context, auctionID, bidder uuid.UUID, price float64) (*Bid, error)
	WithdrawBidFunc   func(ctx context.Context, id uuid.UUID) error
	BidFunc           func(ctx context.Context, id uuid.UUID) (*Bid, error)
	ListBidsFunc      func(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)
	LastBidFunc       func(ctx context.Context, auctionID uuid.UUID) (*Bid, error)
	CurrentPriceFunc  func(ctx context.Context, auctionID uuid.UUID) (float64, error)
	CloseExpiredFunc  func(ctx context.Context) (int64, error)
	StatisticsFunc    func(ctx context.Context) (*Statistics, error)
	UpsertRegionFunc  func(ctx context.Context, r *Region) (*Region, error)
	RegionFunc        func(ctx context.Context, id uuid.UUID) (*Region, error)
	ListRegionsFunc   func(ctx context.Context) ([]*Region, error)
}

func NewMockServiceErr(err error) *MockService {
	return &MockService{
		PingFunc: func(ctx context.Context) error {
			return err
		},
		CreateAuctionFunc: func(ctx context.Context, a *Auction) (*Auction, error) {
			return nil, err
		},
		AuctionFunc: func(ctx context.Context, id uuid.UUID) (*Auction, error) {
			return nil, err
		},
		UpdateAuctionFunc: func(ctx context.Context, id uuid.UUID, upd LotUpdate) (*Auction, error) {
			return nil, err
		},
		DeleteAuctionFunc: func(ctx context.Context, id uuid.UUID) error {
			return err
		},
		ListAuctionsFunc: func(ctx context.Context, f Filter) ([]*Auction, error) {
			return nil, err
		},
		PlaceBidFunc: func(ctx context.Context, auctionID, bidder uuid.UUID, price float64) (*Bid, error) {
			return nil, err
		},
		WithdrawBidFunc: func(ctx context.Context, id uuid.UUID) error {
			return err
		},
		BidFunc: func(ctx context.Context, id uuid.UUID) (*Bid, error) {
			return nil, err
		},
		ListBidsFunc: func(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error) {
			return nil, err
		},
		LastBidFunc: func(ctx context.Context, auctionID uuid.UUID) (*Bid, error) {
			return nil, err
		},
		CurrentPriceFunc: func(ctx context.Context, auctionID uuid.UUID) (float64, error) {
			return 0, err
		},
		CloseExpiredFunc: func(ctx context.Context) (int64, error) {
			return 0, err
		},
		StatisticsFunc: func(ctx context.Context) (*Statistics, error) {
			return nil, err
		},
		UpsertRegionFunc: func(ctx context.Context, r *Region) (*Region, error) {
			return nil, err
		},
		RegionFunc: func(ctx context.Context, id uuid.UUID) (*Region, error) {
			return nil, err
		},
		ListRegionsFunc: func(ctx context.Context) ([]*Region, error) {
			return nil, err
		},
	}
}

func (m *MockService) Ping(ctx context.Context) error {
	return m.PingFunc(ctx)
}

func (m *MockService) CreateAuction(ctx context.Context, a *Auction) (*Auction, error) {
	return m.CreateAuctionFunc(ctx, a)
}

func (m *MockService) Auction(ctx context.Context, id uuid.UUID) (*Auction, error) {
	return m.AuctionFunc(ctx, id)
}

func (m *MockService) UpdateAuction(ctx context.Context, id uuid.UUID, upd LotUpdate) (*Auction, error) {
	return m.UpdateAuctionFunc(ctx, id, upd)
}

func (m *MockService) DeleteAuction(ctx context.Context, id uuid.UUID) error {
	return m.DeleteAuctionFunc(ctx, id)
}

func (m *MockService) ListAuctions(ctx context.Context, f Filter) ([]*Auction, error) {
	return m.ListAuctionsFunc(ctx, f)
}

func (m *MockService) PlaceBid(ctx context.Context, auctionID, bidder uuid.UUID, price float64) (*Bid, error) {
	return m.PlaceBidFunc(ctx, auctionID, bidder, price)
}

func (m *MockService) WithdrawBid(ctx context.Context, id uuid.UUID) error {
	return m.WithdrawBidFunc(ctx, id)
}

func (m *MockService) Bid(ctx context.Context, id uuid.UUID) (*Bid, error) {
	return m.BidFunc(ctx, id)
}

func (m *MockService) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error) {
	return m.ListBidsFunc(ctx, auctionID)
}

func (m *MockService) LastBid(ctx context.Context, auctionID uuid.UUID) (*Bid, error) {
	return m.LastBidFunc(ctx, auctionID)
}

func (m *MockService) CurrentPrice(ctx context.Context, auctionID uuid.UUID) (float64, error) {
	return m.CurrentPriceFunc(ctx, auctionID)
}

func (m *MockService) CloseExpired(ctx context.Context) (int64, error) {
	return m.CloseExpiredFunc(ctx)
}

func (m *MockService) Statistics(ctx context.Context) (*Statistics, error) {
	return m.StatisticsFunc(ctx)
}

func (m *MockService) UpsertRegion(ctx context.Context, r *Region) (*Region, error) {
	return m.UpsertRegionFunc(ctx, r)
}

func (m *MockService) Region(ctx context.Context, id uuid.UUID) (*Region, error) {
	return m.RegionFunc(ctx, id)
}

func (m *MockService) ListRegions(ctx context.Context) ([]*Region, error) {
	return m.ListRegionsFunc(ctx)
}

//
//
//

type CoreService struct {
	store  store.Store
	logger log.Logger

	// Now is the clock used for bid timestamps and expiry checks.
	// Swappable so tests can pin time.
	Now func() time.Time
}

var _ Service = (*CoreService)(nil)

func NewCoreService(s store.Store, logger log.Logger) *CoreService {
	return &CoreService{
		store:  s,
		logger: logger,
		Now:    time.Now,
	}
}

func (s *CoreService) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	return nil
}

func (s *CoreService) CreateAuction(ctx context.Context, a *Auction) (_ *Auction, err error) {
	defer func() {
		result := boolString(err == nil, "success", "error")
		metrics.AuctionsCreatedTotal.WithLabelValues(result).Inc()
	}()

	if err := validateLot(a); err != nil {
		return nil, err
	}

	a.Closed = false
	if a.StartDate.IsZero() {
		a.StartDate = s.Now().UTC()
	}

	if err := s.store.Transact(ctx, func(tx store.Store) error {
		if _, err := tx.SelectRegion(ctx, a.RegionID); err != nil {
			return fmt.Errorf("select region: %w", err)
		}

		if err := tx.InsertAuction(ctx, a); err != nil {
			return fmt.Errorf("insert auction: %w", err)
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return a, nil
}

func (s *CoreService) Auction(ctx context.Context, id uuid.UUID) (*Auction, error) {
	a, err := s.store.SelectAuction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("select auction: %w", err)
	}

	return a, nil
}

func (s *CoreService) UpdateAuction(ctx context.Context, id uuid.UUID, upd LotUpdate) (*Auction, error) {
	var auction *Auction
	if err := s.store.Transact(ctx, func(tx store.Store) error {
		a, err := tx.SelectAuction(ctx, id)
		if err != nil {
			return fmt.Errorf("select auction: %w", err)
		}

		if upd.CadNumber != nil {
			a.CadNumber = *upd.CadNumber
		}
		if upd.Size != nil {
			a.Size = *upd.Size
		}
		if upd.RegionID != nil {
			if _, err := tx.SelectRegion(ctx, *upd.RegionID); err != nil {
				return fmt.Errorf("select region: %w", err)
			}
			a.RegionID = *upd.RegionID
		}
		if upd.StartDate != nil {
			a.StartDate = *upd.StartDate
		}
		if upd.DurationHours != nil {
			a.DurationHours = *upd.DurationHours
		}

		if err := validateLot(a); err != nil {
			return err
		}

		if err := tx.UpdateAuction(ctx, a); err != nil {
			return fmt.Errorf("update auction: %w", err)
		}

		auction = a
		return nil
	}); err != nil {
		return nil, err
	}

	return auction, nil
}

func (s *CoreService) DeleteAuction(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteAuction(ctx, id); err != nil {
		return fmt.Errorf("delete auction: %w", err)
	}

	return nil
}

func (s *CoreService) ListAuctions(ctx context.Context, f Filter) ([]*Auction, error) {
	auctions, err := s.store.ListAuctions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}

	return auctions, nil
}

// maxPlaceBidAttempts bounds how often a bid is re-validated after losing
// the race for the chain tail before the conflict is surfaced.
const maxPlaceBidAttempts = 3

func (s *CoreService) PlaceBid(ctx context.Context, auctionID, bidder uuid.UUID, price float64) (_ *Bid, err error) {
	defer func() {
		result := boolString(err == nil, "success", "error")
		metrics.BidsPlacedTotal.WithLabelValues(result).Inc()
	}()

	for attempt := 1; ; attempt++ {
		bid, err := s.placeBid(ctx, auctionID, bidder, price)
		switch {
		case err == nil:
			return bid, nil

		case errors.Is(err, store.ErrChainConflict):
			metrics.BidChainConflictsTotal.Inc()
			if attempt >= maxPlaceBidAttempts {
				return nil, fmt.Errorf("place bid after %d attempts: %w", attempt, ErrChainRace)
			}
			level.Debug(s.logger).Log("msg", "lost bid chain race, retrying", "auction_id", auctionID, "attempt", attempt)

		default:
			return nil, err
		}
	}
}

// placeBid is a single append attempt: read the tail, validate against it,
// and commit with the tail as predecessor. The insert fails with
// store.ErrChainConflict if another bid claimed the same predecessor in
// the meantime.
func (s *CoreService) placeBid(ctx context.Context, auctionID, bidder uuid.UUID, price float64) (*Bid, error) {
	now := s.Now().UTC()

	var bid *Bid
	if err := s.store.Transact(ctx, func(tx store.Store) error {
		a, err := tx.SelectAuction(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("select auction: %w", err)
		}

		tail, err := tx.TailBid(ctx, auctionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			tail = nil
		case err != nil:
			return fmt.Errorf("read chain tail: %w", err)
		}

		if err := validateBid(a, tail, bidder, price, now); err != nil {
			return err
		}

		b := &store.Bid{
			AuctionID: auctionID,
			BidderID:  bidder,
			Price:     price,
			BidTime:   now,
		}

		if tail != nil {
			b.PreviousBidID = uuid.NullUUID{UUID: tail.ID, Valid: true}

			// Timestamps stay non-decreasing along the chain even if the
			// wall clock steps backwards between bids.
			if !b.BidTime.After(tail.BidTime) {
				b.BidTime = tail.BidTime.Add(time.Microsecond)
			}
		}

		if err := tx.InsertBid(ctx, b); err != nil {
			return err
		}

		bid = b
		return nil
	}); err != nil {
		return nil, err
	}

	return bid, nil
}

// WithdrawBid removes a bid and repairs the chain around it: every
// surviving bid at or after the removed one, in timestamp order, is
// relinked so the chain stays a single unforked sequence. Who may
// withdraw, and until when, is the caller's concern.
func (s *CoreService) WithdrawBid(ctx context.Context, id uuid.UUID) (err error) {
	defer func() {
		result := boolString(err == nil, "success", "error")
		metrics.BidsWithdrawnTotal.WithLabelValues(result).Inc()
	}()

	return s.store.Transact(ctx, func(tx store.Store) error {
		removed, err := tx.SelectBid(ctx, id)
		if err != nil {
			return fmt.Errorf("select bid: %w", err)
		}

		if err := tx.DeleteBid(ctx, removed.ID); err != nil {
			return fmt.Errorf("delete bid: %w", err)
		}

		bids, err := tx.ListBids(ctx, removed.AuctionID)
		if err != nil {
			return fmt.Errorf("list bids: %w", err)
		}

		previous := removed.PreviousBidID
		var relinked []*store.Bid
		for _, b := range bids {
			if b.BidTime.Before(removed.BidTime) {
				continue
			}

			if b.PreviousBidID != previous {
				b.PreviousBidID = previous
				relinked = append(relinked, b)
			}

			previous = uuid.NullUUID{UUID: b.ID, Valid: true}
		}

		if len(relinked) == 0 {
			return nil
		}

		if err := tx.UpdateBids(ctx, relinked...); err != nil {
			return fmt.Errorf("relink bids: %w", err)
		}

		return nil
	})
}

func (s *CoreService) Bid(ctx context.Context, id uuid.UUID) (*Bid, error) {
	b, err := s.store.SelectBid(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("select bid: %w", err)
	}

	return b, nil
}

func (s *CoreService) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error) {
	bids, err := s.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}

	return bids, nil
}

// LastBid returns the chain tail, or nil if the auction has no bids yet.
func (s *CoreService) LastBid(ctx context.Context, auctionID uuid.UUID) (*Bid, error) {
	tail, err := s.store.TailBid(ctx, auctionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	return tail, nil
}

// CurrentPrice is the tail bid's price, or 0.0 for an empty chain.
func (s *CoreService) CurrentPrice(ctx context.Context, auctionID uuid.UUID) (float64, error) {
	tail, err := s.LastBid(ctx, auctionID)
	if err != nil {
		return 0, err
	}

	if tail == nil {
		return 0.0, nil
	}

	return tail.Price, nil
}

func (s *CoreService) CloseExpired(ctx context.Context) (_ int64, err error) {
	defer func() {
		result := boolString(err == nil, "success", "error")
		metrics.SweepsTotal.WithLabelValues(result).Inc()
	}()

	n, err := s.store.CloseAuctions(ctx, s.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("close auctions: %w", err)
	}

	if n > 0 {
		metrics.AuctionsClosedTotal.Add(float64(n))
		level.Info(s.logger).Log("msg", "closed expired auctions", "count", n)
	}

	return n, nil
}

func (s *CoreService) Statistics(ctx context.Context) (*Statistics, error) {
	var stats Statistics
	if err := s.store.Transact(ctx, func(tx store.Store) error {
		auctions, err := tx.ListAuctions(ctx, Filter{})
		if err != nil {
			return fmt.Errorf("list auctions: %w", err)
		}

		var (
			closedSum   decimal.Decimal
			closedCount int64
		)

		for _, a := range auctions {
			stats.TotalLots++
			stats.TotalSize += a.Size
			if !a.Closed {
				stats.ActiveLots++
			}

			tail, err := tx.TailBid(ctx, a.ID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				stats.LotsWithNoBids++
				tail = nil
			case err != nil:
				return fmt.Errorf("tail bid for %s: %w", a.ID, err)
			}

			if a.Closed {
				var price float64
				if tail != nil {
					price = tail.Price
				}
				closedSum = closedSum.Add(decimal.NewFromFloat(price))
				closedCount++
			}
		}

		if closedCount > 0 {
			stats.AvgClosedPrice = decimal.NullDecimal{
				Decimal: closedSum.Div(decimal.NewFromInt(closedCount)),
				Valid:   true,
			}
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return &stats, nil
}

func (s *CoreService) UpsertRegion(ctx context.Context, r *Region) (*Region, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("region name: %w", ErrInvalidRequest)
	}

	if err := s.store.UpsertRegion(ctx, r); err != nil {
		return nil, fmt.Errorf("upsert region: %w", err)
	}

	return r, nil
}

func (s *CoreService) Region(ctx context.Context, id uuid.UUID) (*Region, error) {
	r, err := s.store.SelectRegion(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("select region: %w", err)
	}

	return r, nil
}

func (s *CoreService) ListRegions(ctx context.Context) ([]*Region, error) {
	rs, err := s.store.ListRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}

	return rs, nil
}
